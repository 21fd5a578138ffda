package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/auctionhouse/internal/server"
	"github.com/alanyoungcy/auctionhouse/internal/server/handler"
	"github.com/alanyoungcy/auctionhouse/internal/server/ws"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and WebSocket hub. Explicit settle requests
// are queued to an in-process settler when settler.enabled is set; otherwise
// only synchronous settlement is available and a separate settler process
// sweeps ended auctions.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Dispatcher.Run(ctx)
	})
	if a.cfg.Settler.Enabled {
		a.startSettler(ctx, g, deps)
	}
	a.startHTTPServer(ctx, g, deps, a.cfg.Settler.Enabled)

	return g.Wait()
}

// SettlerMode runs only the background settler: the sweep for ended
// auctions, the worker pool, and event dispatch.
func (a *App) SettlerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settler mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Dispatcher.Run(ctx)
	})
	a.startSettler(ctx, g, deps)

	return g.Wait()
}

// FullMode starts every subsystem in one process: the HTTP server, the
// WebSocket hub, the settler and event dispatch.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Dispatcher.Run(ctx)
	})
	a.startSettler(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, true)

	return g.Wait()
}

// startSettler adds the settlement worker pool to the errgroup.
func (a *App) startSettler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Executor.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled. withQueue registers the settler as the async settle queue.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, withQueue bool) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var queue handler.SettlementQueue
	status := &handler.StatusHandler{
		Mode:          a.cfg.Mode,
		Storage:       a.cfg.Storage,
		Settlement:    a.cfg.Settlement,
		StartedAt:     a.startedAt,
		DroppedEvents: deps.Dispatcher.Dropped,
	}
	if withQueue {
		queue = deps.Executor
		status.SettlementQueue = deps.Executor.Pending
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		BidRateLimit:  a.cfg.Server.BidRateLimit,
		BidRateWindow: a.cfg.Server.BidRateWindow.Duration,
		TrustProxy:    a.cfg.Server.TrustProxyHeaders,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:   status,
		Auctions: handler.NewAuctionHandler(deps.Engine, queue, deps.Receipts, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
