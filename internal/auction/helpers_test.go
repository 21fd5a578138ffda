package auction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
	"github.com/alanyoungcy/auctionhouse/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// callLog records the order of external side effects.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type countingRegistry struct {
	*memory.OwnershipLedger
	log *callLog

	mu            sync.Mutex
	transfers     int
	accountChecks int
	transferErrs  []error
}

func (r *countingRegistry) Transfer(ctx context.Context, assetRef, from, to string) (string, error) {
	r.mu.Lock()
	r.transfers++
	var injected error
	if len(r.transferErrs) > 0 {
		injected, r.transferErrs = r.transferErrs[0], r.transferErrs[1:]
	}
	r.mu.Unlock()

	r.log.add("transfer")
	if injected != nil {
		return "", injected
	}
	return r.OwnershipLedger.Transfer(ctx, assetRef, from, to)
}

func (r *countingRegistry) AccountActive(ctx context.Context, account string) (bool, error) {
	r.mu.Lock()
	r.accountChecks++
	r.mu.Unlock()
	return r.OwnershipLedger.AccountActive(ctx, account)
}

func (r *countingRegistry) counts() (transfers, accountChecks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers, r.accountChecks
}

const pendingRef = "pending-tx-1"

type countingPayer struct {
	*memory.BalanceLedger
	log *callLog

	mu      sync.Mutex
	pays    int
	polls   int
	pending bool
	status  domain.PaymentState
}

func (p *countingPayer) Pay(ctx context.Context, key, from, to string, amount decimal.Decimal) (domain.Payment, error) {
	p.mu.Lock()
	p.pays++
	pending := p.pending
	p.mu.Unlock()

	p.log.add("pay")
	if pending {
		return domain.Payment{Ref: pendingRef, State: domain.PaymentStatePending}, nil
	}
	return p.BalanceLedger.Pay(ctx, key, from, to, amount)
}

func (p *countingPayer) PaymentStatus(ctx context.Context, ref string) (domain.PaymentState, error) {
	p.mu.Lock()
	p.polls++
	status := p.status
	p.mu.Unlock()

	if ref == pendingRef {
		return status, nil
	}
	return p.BalanceLedger.PaymentStatus(ctx, ref)
}

func (p *countingPayer) setStatus(s domain.PaymentState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

func (p *countingPayer) counts() (pays, polls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pays, p.polls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Emit(_ context.Context, ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	engine   *Engine
	store    *memory.AuctionStore
	registry *countingRegistry
	payer    *countingPayer
	clock    *fakeClock
	events   *recordingPublisher
	calls    *callLog
	audit    *memory.AuditStore
	cfg      Config
	assets   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	calls := &callLog{}
	h := &harness{
		store:    memory.NewAuctionStore(),
		registry: &countingRegistry{OwnershipLedger: memory.NewOwnershipLedger(), log: calls},
		payer:    &countingPayer{BalanceLedger: memory.NewBalanceLedger(), log: calls},
		clock:    &fakeClock{now: t0.Add(time.Minute)},
		events:   &recordingPublisher{},
		calls:    calls,
		audit:    memory.NewAuditStore(),
	}
	for _, bidder := range []string{"bob", "carol", "dave"} {
		h.payer.Deposit(bidder, decimal.NewFromInt(1000))
	}
	cfg := Config{
		MaxCASAttempts:   50,
		TransferAttempts: 3,
		RetryBackoff:     time.Millisecond,
		LockAttempts:     2,
	}
	h.cfg = cfg
	h.engine = h.replica(h.store, h.clock)
	return h
}

// replica builds another engine over the harness collaborators, as a
// second process sharing the same backends would.
func (h *harness) replica(store domain.AuctionStore, clock domain.Clock) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(store, h.registry, h.payer, h.events, clock, h.cfg, logger).
		WithAudit(h.audit)
}

// create opens an auction by alice running from t0 to t0+1h.
func (h *harness) create(t *testing.T, starting, reserve int64) domain.Auction {
	t.Helper()
	h.assets++
	asset := fmt.Sprintf("nft-%d", h.assets)
	h.registry.Mint(asset, "alice")
	a, err := h.engine.CreateAuction(context.Background(), domain.NewAuctionParams{
		AssetRef:      asset,
		Creator:       "alice",
		StartTime:     t0,
		EndTime:       t0.Add(time.Hour),
		StartingPrice: decimal.NewFromInt(starting),
		ReservePrice:  decimal.NewFromInt(reserve),
	})
	assert.NoError(t, err)
	return a
}

func (h *harness) bid(t *testing.T, auctionID, bidder string, amount int64) domain.Bid {
	t.Helper()
	b, err := h.engine.PlaceBid(context.Background(), auctionID, bidder, decimal.NewFromInt(amount))
	assert.NoError(t, err)
	return b
}

func (h *harness) end() {
	h.clock.Set(t0.Add(time.Hour))
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
