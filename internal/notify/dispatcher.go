package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// ChannelAll is the signal bus channel carrying every auction event.
// Subscribers route by the event's auction_id.
const ChannelAll = "auctions"

// Dispatcher is an asynchronous domain.EventPublisher. Emit enqueues onto a
// bounded buffer and never blocks; events arriving while the buffer is full
// are dropped and counted. Run drains the buffer.
type Dispatcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	queue    chan domain.Event
	timeout  time.Duration
	dropped  atomic.Int64
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. bus and notifier may be nil.
func NewDispatcher(bus domain.SignalBus, notifier *Notifier, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{
		bus:      bus,
		notifier: notifier,
		queue:    make(chan domain.Event, buffer),
		timeout:  10 * time.Second,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Emit implements domain.EventPublisher.
func (d *Dispatcher) Emit(_ context.Context, ev domain.Event) {
	select {
	case d.queue <- ev:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("event dropped, buffer full",
			slog.String("event", string(ev.Type)),
			slog.String("auction_id", ev.AuctionID),
			slog.Int64("dropped_total", n),
		)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// already buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "dispatcher started")
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.drain()
			d.logger.Info("dispatcher stopped")
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	if d.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			d.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
			return
		}
		if err := d.bus.Publish(ctx, ChannelAll, payload); err != nil {
			d.logger.WarnContext(ctx, "publish event failed",
				slog.String("channel", ChannelAll),
				slog.String("error", err.Error()),
			)
		}
	}
	if d.notifier != nil {
		// Sender failures are already logged by the notifier.
		_ = d.notifier.Notify(ctx, ev)
	}
}
