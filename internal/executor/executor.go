// Package executor runs auction settlement in the background. A pool of
// workers drains a queue of auction ids fed by explicit requests and by a
// periodic sweep for ended auctions that are not yet settled.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// Settler settles one auction. *auction.Engine implements it.
type Settler interface {
	Settle(ctx context.Context, auctionID string) (domain.SettlementResult, error)
}

// Lister finds auctions that have ended but are not settled.
type Lister interface {
	ListAwaitingSettlement(ctx context.Context, now time.Time, limit int) ([]domain.Auction, error)
}

// Config tunes the worker pool.
type Config struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
	SweepBatch    int
	// RetryCooldown holds back sweeps of an auction after a failed attempt.
	RetryCooldown time.Duration
	SettleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.RetryCooldown <= 0 {
		c.RetryCooldown = time.Minute
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 2 * time.Minute
	}
	return c
}

// Executor is the background settlement worker pool.
type Executor struct {
	settler Settler
	lister  Lister
	clock   domain.Clock
	cfg     Config
	logger  *slog.Logger

	queue    chan string
	mu       sync.Mutex
	inflight map[string]bool
	cooldown *Dedup
}

// NewExecutor creates an Executor. lister may be nil to disable sweeping.
func NewExecutor(settler Settler, lister Lister, clock domain.Clock, cfg Config, logger *slog.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		settler:  settler,
		lister:   lister,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "settler")),
		queue:    make(chan string, cfg.QueueSize),
		inflight: make(map[string]bool),
		cooldown: NewDedup(cfg.RetryCooldown),
	}
}

// Enqueue schedules auctionID for settlement without blocking. It returns
// false if the auction is already queued or being settled, or if the queue
// is full.
func (e *Executor) Enqueue(auctionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[auctionID] {
		return false
	}
	select {
	case e.queue <- auctionID:
		e.inflight[auctionID] = true
		return true
	default:
		e.logger.Warn("settlement queue full", slog.String("auction_id", auctionID))
		return false
	}
}

// Pending returns the number of auctions queued or being settled.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Run starts the workers and the sweeper and blocks until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("settler started",
		slog.Int("workers", e.cfg.Workers),
		slog.Duration("sweep_interval", e.cfg.SweepInterval),
	)
	defer e.logger.Info("settler stopped")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			e.worker(ctx)
			return nil
		})
	}
	if e.lister != nil {
		g.Go(func() error {
			e.sweepLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.process(ctx, id)
		}
	}
}

func (e *Executor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
			e.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cooldown.Cleanup()
		}
	}
}

// Sweep enqueues ended, unsettled auctions that are not cooling down after a
// failed attempt. It returns how many were enqueued.
func (e *Executor) Sweep(ctx context.Context) (int, error) {
	due, err := e.lister.ListAwaitingSettlement(ctx, e.clock.Now(), e.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range due {
		if e.cooldown.Seen(a.ID) {
			continue
		}
		if e.Enqueue(a.ID) {
			n++
		}
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "sweep enqueued auctions", slog.Int("count", n))
	}
	return n, nil
}

// process settles one auction. The settle context is detached from ctx so
// shutdown does not abandon a settlement midway; SettleTimeout bounds it.
func (e *Executor) process(ctx context.Context, id string) {
	defer func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
	}()

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettleTimeout)
	defer cancel()

	log := e.logger.With(slog.String("auction_id", id))
	start := time.Now()
	res, err := e.settler.Settle(settleCtx, id)
	if err == nil {
		e.cooldown.Forget(id)
		log.InfoContext(ctx, "auction settled",
			slog.String("winner", res.Winner),
			slog.Bool("no_winner", res.NoWinner),
			slog.Duration("took", time.Since(start)),
		)
		return
	}

	e.cooldown.Mark(id)
	switch {
	case errors.Is(err, domain.ErrPaymentPending):
		log.InfoContext(ctx, "payment pending, will poll on next sweep")
	case errors.Is(err, domain.ErrConflict):
		log.DebugContext(ctx, "settlement held elsewhere", slog.String("error", err.Error()))
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNotFound):
		log.WarnContext(ctx, "auction not settleable", slog.String("error", err.Error()))
	default:
		log.ErrorContext(ctx, "settlement failed", slog.String("error", err.Error()))
	}
}
