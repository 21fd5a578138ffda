// Package auction implements the auction engine: bid placement, lifecycle
// resolution, winner determination and resumable settlement. Every
// collaborator (store, ownership registry, payer, event sink, clock, locks)
// is injected; the engine holds no auction state between calls.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// Config tunes the engine's bounded retry loops.
type Config struct {
	// MaxCASAttempts bounds optimistic write retries on version conflicts.
	MaxCASAttempts int
	// TransferAttempts bounds ownership transfer retries on transient errors.
	TransferAttempts int
	// RetryBackoff is the base delay between retries; it doubles per attempt.
	RetryBackoff time.Duration
	// SettleLockTTL must exceed the longest expected settlement.
	SettleLockTTL time.Duration
	// LockAttempts bounds how often Settle retries a held settlement lock.
	LockAttempts int
}

// DefaultConfig returns the engine defaults used when the config file leaves
// the engine section empty.
func DefaultConfig() Config {
	return Config{
		MaxCASAttempts:   8,
		TransferAttempts: 3,
		RetryBackoff:     25 * time.Millisecond,
		SettleLockTTL:    2 * time.Minute,
		LockAttempts:     3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxCASAttempts <= 0 {
		c.MaxCASAttempts = d.MaxCASAttempts
	}
	if c.TransferAttempts <= 0 {
		c.TransferAttempts = d.TransferAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.SettleLockTTL <= 0 {
		c.SettleLockTTL = d.SettleLockTTL
	}
	if c.LockAttempts <= 0 {
		c.LockAttempts = d.LockAttempts
	}
	return c
}

// Engine orchestrates auctions on top of its collaborators.
type Engine struct {
	store    domain.AuctionStore
	registry domain.OwnershipRegistry
	payer    domain.SettlementPayer
	events   domain.EventPublisher
	clock    domain.Clock
	locks    domain.LockManager
	audit    domain.AuditStore
	receipts domain.ReceiptArchive
	cfg      Config
	logger   *slog.Logger
}

// NewEngine creates an Engine. Settlement is serialized with an in-process
// lock until WithLocks installs a distributed one.
func NewEngine(
	store domain.AuctionStore,
	registry domain.OwnershipRegistry,
	payer domain.SettlementPayer,
	events domain.EventPublisher,
	clock domain.Clock,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if events == nil {
		events = domain.NopPublisher{}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Engine{
		store:    store,
		registry: registry,
		payer:    payer,
		events:   events,
		clock:    clock,
		locks:    NewLocalLocks(),
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "auction_engine")),
	}
}

// WithLocks replaces the settlement lock manager.
func (e *Engine) WithLocks(lm domain.LockManager) *Engine {
	if lm != nil {
		e.locks = lm
	}
	return e
}

// WithAudit records settlement milestones in the given audit log.
func (e *Engine) WithAudit(audit domain.AuditStore) *Engine {
	e.audit = audit
	return e
}

// WithReceipts archives every settlement result after it is recorded.
func (e *Engine) WithReceipts(receipts domain.ReceiptArchive) *Engine {
	e.receipts = receipts
	return e
}

// CreateAuction validates p, checks the creator owns the asset and stores a
// new pending auction.
func (e *Engine) CreateAuction(ctx context.Context, p domain.NewAuctionParams) (domain.Auction, error) {
	now := e.clock.Now()
	if err := validateParams(p, now); err != nil {
		return domain.Auction{}, err
	}

	owner, err := e.registry.OwnerOf(ctx, p.AssetRef)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("auction: owner of %s: %w", p.AssetRef, err)
	}
	if owner != p.Creator {
		return domain.Auction{}, fmt.Errorf("auction: %s does not own %s: %w", p.Creator, p.AssetRef, domain.ErrUnauthorized)
	}
	if err := e.checkAccount(ctx, p.Creator); err != nil {
		return domain.Auction{}, err
	}

	existing, err := e.store.ListByAsset(ctx, p.AssetRef, domain.ListOpts{})
	if err != nil {
		return domain.Auction{}, fmt.Errorf("auction: list by asset %s: %w", p.AssetRef, err)
	}
	for _, a := range existing {
		if !a.ResolvedStatus(now).Terminal() {
			return domain.Auction{}, fmt.Errorf("auction: asset %s already in auction %s: %w", p.AssetRef, a.ID, domain.ErrAlreadyExists)
		}
	}

	a := domain.Auction{
		ID:            uuid.New().String(),
		AssetRef:      p.AssetRef,
		Creator:       p.Creator,
		StartTime:     p.StartTime.UTC(),
		EndTime:       p.EndTime.UTC(),
		StartingPrice: p.StartingPrice,
		ReservePrice:  p.ReservePrice,
		Bids:          []domain.Bid{},
		Status:        domain.AuctionStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, a); err != nil {
		return domain.Auction{}, fmt.Errorf("auction: create: %w", err)
	}

	e.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("asset", a.AssetRef),
		slog.Time("end_time", a.EndTime),
	)
	e.emit(ctx, domain.EventAuctionCreated, a.ID, map[string]any{
		"asset_ref":      a.AssetRef,
		"creator":        a.Creator,
		"starting_price": a.StartingPrice.String(),
		"start_time":     a.StartTime,
		"end_time":       a.EndTime,
	})
	e.auditLog(ctx, a.ID, "auction_created", a.Creator, map[string]any{
		"asset_ref":      a.AssetRef,
		"starting_price": a.StartingPrice.String(),
		"reserve_price":  a.ReservePrice.String(),
	})
	return e.view(a, now), nil
}

func validateParams(p domain.NewAuctionParams, now time.Time) error {
	var problems []string
	if strings.TrimSpace(p.AssetRef) == "" {
		problems = append(problems, "asset_ref is required")
	}
	if strings.TrimSpace(p.Creator) == "" {
		problems = append(problems, "creator is required")
	}
	if !p.StartTime.Before(p.EndTime) {
		problems = append(problems, "start_time must be before end_time")
	}
	if !p.EndTime.After(now) {
		problems = append(problems, "end_time must be in the future")
	}
	for _, price := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"starting_price", p.StartingPrice},
		{"reserve_price", p.ReservePrice},
	} {
		if err := domain.CheckAmountRange(price.value); err != nil {
			problems = append(problems, price.name+": "+err.Error())
			continue
		}
		if price.value.IsNegative() {
			problems = append(problems, price.name+" must not be negative")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidAuction, strings.Join(problems, "; "))
	}
	return nil
}

// GetAuction returns the auction with Status replaced by the resolved status
// at the current time. The stored status may lag until the next write.
func (e *Engine) GetAuction(ctx context.Context, id string) (domain.Auction, error) {
	a, err := e.load(ctx, id)
	if err != nil {
		return domain.Auction{}, err
	}
	return e.view(a, e.clock.Now()), nil
}

// GetCurrentWinner reports who is winning right now: the recorded winner of
// a settled auction, otherwise the leading bid if it meets the reserve.
func (e *Engine) GetCurrentWinner(ctx context.Context, id string) (domain.Bid, bool, error) {
	a, err := e.load(ctx, id)
	if err != nil {
		return domain.Bid{}, false, err
	}
	switch a.Status {
	case domain.AuctionStatusCancelled:
		return domain.Bid{}, false, nil
	case domain.AuctionStatusSettled:
		if a.Result == nil || a.Result.NoWinner {
			return domain.Bid{}, false, nil
		}
		for _, b := range a.Bids {
			if b.ID == a.Result.WinningBidID {
				return b, true, nil
			}
		}
	}
	w, ok := domain.DetermineWinner(a.Bids, a.ReservePrice)
	return w, ok, nil
}

// History returns the audit trail of one auction, oldest first. Without an
// audit store the trail is empty.
func (e *Engine) History(ctx context.Context, id string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}
	if e.audit == nil {
		return []domain.AuditEntry{}, nil
	}
	entries, err := e.audit.History(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("auction: history %s: %w", id, err)
	}
	return entries, nil
}

// ListByCreator returns the auctions opened by creator.
func (e *Engine) ListByCreator(ctx context.Context, creator string, opts domain.ListOpts) ([]domain.Auction, error) {
	list, err := e.store.ListByCreator(ctx, creator, opts)
	if err != nil {
		return nil, fmt.Errorf("auction: list by creator %s: %w", creator, err)
	}
	return e.views(list), nil
}

// ListByAsset returns every auction, past or present, for assetRef.
func (e *Engine) ListByAsset(ctx context.Context, assetRef string, opts domain.ListOpts) ([]domain.Auction, error) {
	list, err := e.store.ListByAsset(ctx, assetRef, opts)
	if err != nil {
		return nil, fmt.Errorf("auction: list by asset %s: %w", assetRef, err)
	}
	return e.views(list), nil
}

func (e *Engine) views(list []domain.Auction) []domain.Auction {
	now := e.clock.Now()
	out := make([]domain.Auction, 0, len(list))
	for _, a := range list {
		out = append(out, e.view(a, now))
	}
	return out
}

// view projects the stored record onto its resolved state.
func (e *Engine) view(a domain.Auction, now time.Time) domain.Auction {
	a.Status = a.ResolvedStatus(now)
	if a.Status == domain.AuctionStatusClosed && a.Winner == "" {
		if w, ok := domain.DetermineWinner(a.Bids, a.ReservePrice); ok {
			a.Winner = w.Bidder
		}
	}
	return a
}

func (e *Engine) load(ctx context.Context, id string) (domain.Auction, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Auction{}, fmt.Errorf("auction: empty id: %w", domain.ErrNotFound)
	}
	a, err := e.store.Load(ctx, id)
	if err != nil {
		return domain.Auction{}, fmt.Errorf("auction: load %s: %w", id, err)
	}
	return a, nil
}

// mutate loads the auction, applies fn and saves it with a version check.
// On a version conflict it reloads and reapplies fn, up to MaxCASAttempts
// times, then gives up with ErrConflict. fn sees the clock reading used for
// the write and may abort by returning an error.
func (e *Engine) mutate(ctx context.Context, id string, fn func(a *domain.Auction, now time.Time) error) (domain.Auction, error) {
	for attempt := 0; attempt < e.cfg.MaxCASAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(e.cfg.RetryBackoff, attempt)); err != nil {
				return domain.Auction{}, err
			}
		}

		cur, err := e.load(ctx, id)
		if err != nil {
			return domain.Auction{}, err
		}
		next := cur.Clone()
		now := e.clock.Now()
		if err := fn(&next, now); err != nil {
			return domain.Auction{}, err
		}
		next.UpdatedAt = now

		if err := e.store.Save(ctx, next, cur.Version); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				e.logger.DebugContext(ctx, "version conflict, retrying",
					slog.String("auction_id", id),
					slog.Int("attempt", attempt+1),
				)
				continue
			}
			return domain.Auction{}, fmt.Errorf("auction: save %s: %w", id, err)
		}
		next.Version = cur.Version + 1
		return next, nil
	}
	return domain.Auction{}, fmt.Errorf("auction: %s: %d write attempts lost: %w", id, e.cfg.MaxCASAttempts, domain.ErrConflict)
}

func (e *Engine) checkAccount(ctx context.Context, account string) error {
	ok, err := e.registry.AccountActive(ctx, account)
	if err != nil {
		return fmt.Errorf("auction: check account %s: %w", account, err)
	}
	if !ok {
		return fmt.Errorf("auction: account %s: %w", account, domain.ErrBidderRejected)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, typ domain.EventType, auctionID string, payload map[string]any) {
	e.events.Emit(ctx, domain.Event{
		Type:      typ,
		AuctionID: auctionID,
		Payload:   payload,
		At:        e.clock.Now(),
	})
}

func (e *Engine) auditLog(ctx context.Context, auctionID, event, actor string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	entry := domain.AuditEntry{
		AuctionID: auctionID,
		Event:     event,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: e.clock.Now(),
	}
	if err := e.audit.Log(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("auction_id", auctionID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
