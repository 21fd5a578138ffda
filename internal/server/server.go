package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
	"github.com/alanyoungcy/auctionhouse/internal/server/handler"
	"github.com/alanyoungcy/auctionhouse/internal/server/middleware"
	"github.com/alanyoungcy/auctionhouse/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// BidRateLimit is the number of bids one client may place per
	// BidRateWindow. Zero disables the limit.
	BidRateLimit  int
	BidRateWindow time.Duration
	// TrustProxy keys the bid limit on proxy client-IP headers.
	TrustProxy bool
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Auctions *handler.AuctionHandler
}

// Server is the HTTP + WebSocket API server for the auction engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered. It wires up
// middleware (logging, CORS, auth, bid rate limiting) and attaches the
// WebSocket hub when one is given.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	a := handlers.Auctions
	mux.HandleFunc("GET /api/auctions", a.ListAuctions)
	mux.HandleFunc("POST /api/auctions", a.CreateAuction)
	mux.HandleFunc("GET /api/auctions/{id}", a.GetAuction)
	mux.HandleFunc("GET /api/auctions/{id}/winner", a.GetWinner)
	mux.HandleFunc("POST /api/auctions/{id}/settle", a.Settle)
	mux.HandleFunc("POST /api/auctions/{id}/cancel", a.Cancel)
	mux.HandleFunc("GET /api/auctions/{id}/receipt", a.GetReceipt)
	mux.HandleFunc("GET /api/auctions/{id}/history", a.GetHistory)

	var placeBid http.Handler = http.HandlerFunc(a.PlaceBid)
	if cfg.BidRateLimit > 0 && limiter != nil {
		window := cfg.BidRateWindow
		if window <= 0 {
			window = time.Minute
		}
		placeBid = middleware.RateLimit(limiter, middleware.RatePolicy{
			Scope:      "bids",
			Limit:      cfg.BidRateLimit,
			Window:     window,
			TrustProxy: cfg.TrustProxy,
		}, logger)(placeBid)
	}
	mux.Handle("POST /api/auctions/{id}/bids", placeBid)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, middleware.ReadOnly)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
