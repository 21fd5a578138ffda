package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

func TestSettle_ReserveNotMet(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 50)
	h.bid(t, a.ID, "bob", 20)
	h.bid(t, a.ID, "carol", 45)

	_, ok, err := h.engine.GetCurrentWinner(context.Background(), a.ID)
	assert.NoError(t, err)
	check.False(t, ok)

	h.end()
	res, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.True(t, res.NoWinner)
	check.Equal(t, domain.NoWinnerReasonReserveNotMet, res.Reason)
	check.Equal(t, "", res.Winner)
	check.Equal(t, 0, len(h.calls.list()))

	owner, err := h.registry.OwnerOf(context.Background(), a.AssetRef)
	assert.NoError(t, err)
	check.Equal(t, "alice", owner)

	got, err := h.engine.GetAuction(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionStatusSettled, got.Status)
	check.Equal(t, "", got.Winner)
}

func TestSettle_NoBids(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.end()

	res, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.True(t, res.NoWinner)
	check.Equal(t, domain.NoWinnerReasonNoBids, res.Reason)
}

func TestSettle_WinnerTransfersThenPays(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 50)
	h.bid(t, a.ID, "bob", 20)
	h.bid(t, a.ID, "carol", 45)
	top := h.bid(t, a.ID, "dave", 60)

	w, ok, err := h.engine.GetCurrentWinner(context.Background(), a.ID)
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, top.ID, w.ID)

	h.end()
	res, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.False(t, res.NoWinner)
	check.Equal(t, "dave", res.Winner)
	check.Equal(t, top.ID, res.WinningBidID)
	check.Equal(t, "60", res.Amount.String())
	check.Equal(t, "alice", res.Seller)
	check.Equal(t, t0.Add(time.Hour), res.SettledAt)
	check.Equal(t, []string{"transfer", "pay"}, h.calls.list())

	owner, err := h.registry.OwnerOf(context.Background(), a.AssetRef)
	assert.NoError(t, err)
	check.Equal(t, "dave", owner)
	check.Equal(t, "940", h.payer.Balance("dave").String())
	check.Equal(t, "60", h.payer.Balance("alice").String())
	check.Equal(t, "1000", h.payer.Balance("bob").String())

	got, err := h.engine.GetAuction(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionStatusSettled, got.Status)
	check.Equal(t, "dave", got.Winner)

	types := h.events.types()
	check.Equal(t, domain.EventAuctionSettled, types[len(types)-1])
}

func TestSettle_TwiceReturnsSameResult(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()

	first, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)

	h.clock.Set(t0.Add(2 * time.Hour))
	second, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)

	check.Equal(t, first.Winner, second.Winner)
	check.Equal(t, first.PaymentRef, second.PaymentRef)
	check.Equal(t, first.AssetTransferRef, second.AssetTransferRef)
	check.True(t, first.SettledAt.Equal(second.SettledAt))

	transfers, _ := h.registry.counts()
	pays, _ := h.payer.counts()
	check.Equal(t, 1, transfers)
	check.Equal(t, 1, pays)
}

func TestSettle_RequiresClosed(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)

	_, err := h.engine.Settle(context.Background(), a.ID)
	check.True(t, errors.Is(err, domain.ErrInvalidState))

	_, err = h.engine.Settle(context.Background(), "missing")
	check.True(t, errors.Is(err, domain.ErrNotFound))
	check.Equal(t, 0, len(h.calls.list()))
}

func TestSettle_PendingPaymentIsPolledNotRepaid(t *testing.T) {
	h := newHarness(t)
	h.payer.pending = true
	h.payer.setStatus(domain.PaymentStatePending)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()

	_, err := h.engine.Settle(context.Background(), a.ID)
	check.True(t, errors.Is(err, domain.ErrPaymentPending))
	var serr *domain.SettlementError
	check.True(t, errors.As(err, &serr))
	check.Equal(t, domain.StepPayment, serr.Step)

	got, err := h.engine.GetAuction(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionStatusClosed, got.Status)
	check.Equal(t, pendingRef, got.Settlement.PaymentRef)
	check.NotNil(t, got.Settlement.AssetTransferred)

	_, err = h.engine.Settle(context.Background(), a.ID)
	check.True(t, errors.Is(err, domain.ErrPaymentPending))

	h.payer.setStatus(domain.PaymentStateConfirmed)
	res, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, "bob", res.Winner)
	check.Equal(t, pendingRef, res.PaymentRef)

	transfers, _ := h.registry.counts()
	pays, polls := h.payer.counts()
	check.Equal(t, 1, transfers)
	check.Equal(t, 1, pays)
	check.Equal(t, 2, polls)
}

func TestSettle_FailedPaymentIsRetriedUnderNewKey(t *testing.T) {
	h := newHarness(t)
	h.payer.pending = true
	h.payer.setStatus(domain.PaymentStateFailed)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()

	_, err := h.engine.Settle(context.Background(), a.ID)
	check.True(t, errors.Is(err, domain.ErrPaymentPending))

	_, err = h.engine.Settle(context.Background(), a.ID)
	check.True(t, errors.Is(err, domain.ErrPaymentFailed))

	got, err := h.engine.GetAuction(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionStatusClosed, got.Status)
	check.Equal(t, "", got.Settlement.PaymentRef)
	check.Equal(t, 1, got.Settlement.PaymentFailures)

	h.payer.pending = false
	res, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, "bob", res.Winner)
	check.Equal(t, "970", h.payer.Balance("bob").String())

	transfers, _ := h.registry.counts()
	check.Equal(t, 1, transfers)
}

func TestSettle_InsufficientFundsLeavesClosed(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 5000)
	h.end()

	_, err := h.engine.Settle(context.Background(), a.ID)
	check.True(t, errors.Is(err, domain.ErrPaymentFailed))

	got, err := h.engine.GetAuction(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionStatusClosed, got.Status)
	check.NotEqual(t, "", got.Settlement.LastError)

	owner, err := h.registry.OwnerOf(context.Background(), a.AssetRef)
	assert.NoError(t, err)
	check.Equal(t, "bob", owner)
}

func TestSettle_TransientTransferErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()
	h.registry.transferErrs = []error{errors.New("registry timeout"), errors.New("registry timeout")}

	res, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, "bob", res.Winner)

	transfers, _ := h.registry.counts()
	check.Equal(t, 3, transfers)
}

func TestSettle_TransferFailureLeavesClosedAndResumes(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()
	h.registry.transferErrs = []error{
		errors.New("registry timeout"),
		errors.New("registry timeout"),
		errors.New("registry timeout"),
	}

	_, err := h.engine.Settle(context.Background(), a.ID)
	check.True(t, errors.Is(err, domain.ErrTransferFailed))
	var serr *domain.SettlementError
	check.True(t, errors.As(err, &serr))
	check.Equal(t, domain.StepOwnershipTransfer, serr.Step)

	pays, _ := h.payer.counts()
	check.Equal(t, 0, pays)
	got, err := h.engine.GetAuction(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionStatusClosed, got.Status)

	res, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, "bob", res.Winner)
}

func TestSettle_AssetMovedElsewhereIsDefinitive(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()
	h.registry.Mint(a.AssetRef, "eve")

	_, err := h.engine.Settle(context.Background(), a.ID)
	check.True(t, errors.Is(err, domain.ErrTransferFailed))

	transfers, _ := h.registry.counts()
	pays, _ := h.payer.counts()
	check.Equal(t, 0, transfers)
	check.Equal(t, 0, pays)
}

func TestSettle_TransferAlreadyReflectedInRegistry(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()
	h.registry.Mint(a.AssetRef, "bob")

	res, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, "observed:bob", res.AssetTransferRef)

	transfers, _ := h.registry.counts()
	check.Equal(t, 0, transfers)
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestSettle_ConcurrentSettleConflicts(t *testing.T) {
	h := newHarness(t)
	h.engine.WithLocks(heldLocks{})
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()

	_, err := h.engine.Settle(context.Background(), a.ID)
	check.True(t, errors.Is(err, domain.ErrConflict))
	check.Equal(t, 0, len(h.calls.list()))
}

func TestSettle_AuditsOutcome(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()
	_, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)

	entries, err := h.engine.History(context.Background(), a.ID, domain.ListOpts{})
	assert.NoError(t, err)
	check.Equal(t, 2, len(entries))
	check.Equal(t, "auction_created", entries[0].Event)
	check.Equal(t, "alice", entries[0].Actor)
	check.Equal(t, "auction_settled", entries[1].Event)
	check.Equal(t, a.ID, entries[1].AuctionID)
	check.Equal(t, any("bob"), entries[1].Detail["winner"])
}

func TestHistory_UnknownAuction(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.History(context.Background(), "missing", domain.ListOpts{})
	check.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSettle_ZeroPriceSkipsPayer(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 0, 0)
	h.bid(t, a.ID, "bob", 0)
	h.end()

	res, err := h.engine.Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, "bob", res.Winner)
	check.True(t, res.Amount.IsZero())
	check.Equal(t, []string{"transfer"}, h.calls.list())

	pays, _ := h.payer.counts()
	check.Equal(t, 0, pays)

	owner, err := h.registry.OwnerOf(context.Background(), a.AssetRef)
	assert.NoError(t, err)
	check.Equal(t, "bob", owner)
}

// paymentSaveFailer fails the first save that records a payment, leaving the
// payer called but nothing persisted.
type paymentSaveFailer struct {
	domain.AuctionStore
	once sync.Once
}

func (s *paymentSaveFailer) Save(ctx context.Context, a domain.Auction, expectedVersion int64) error {
	var failed bool
	if a.Settlement.PaymentState != "" {
		s.once.Do(func() { failed = true })
	}
	if failed {
		return errors.New("connection lost")
	}
	return s.AuctionStore.Save(ctx, a, expectedVersion)
}

func TestSettle_ResumesUnrecordedPaymentWithoutPayingTwice(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	h.bid(t, a.ID, "bob", 30)
	h.end()

	crashing := h.replica(&paymentSaveFailer{AuctionStore: h.store}, h.clock)
	_, err := crashing.Settle(context.Background(), a.ID)
	check.Error(t, err)

	got, err := h.engine.GetAuction(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionStatusClosed, got.Status)
	check.Equal(t, "", got.Settlement.PaymentRef)

	res, err := h.replica(h.store, h.clock).Settle(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, "bob", res.Winner)
	check.Equal(t, "970", h.payer.Balance("bob").String())
	check.Equal(t, "30", h.payer.Balance("alice").String())

	transfers, _ := h.registry.counts()
	pays, _ := h.payer.counts()
	check.Equal(t, 1, transfers)
	check.Equal(t, 2, pays)
}

func TestSettle_RacingLastBidIsWinnerOrRejected(t *testing.T) {
	for i := 0; i < 100; i++ {
		h := newHarness(t)
		a := h.create(t, 10, 0)
		h.bid(t, a.ID, "bob", 20)

		// The bidder's process still sees the auction open; the settler's
		// clock has reached the end time.
		bidder := h.replica(h.store, &fakeClock{now: a.EndTime.Add(-time.Nanosecond)})
		h.end()

		var (
			wg     sync.WaitGroup
			bid    domain.Bid
			bidErr error
			res    domain.SettlementResult
			setErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			bid, bidErr = bidder.PlaceBid(context.Background(), a.ID, "carol", dec(30))
		}()
		go func() {
			defer wg.Done()
			res, setErr = h.engine.Settle(context.Background(), a.ID)
		}()
		wg.Wait()

		assert.NoError(t, setErr)
		if bidErr == nil {
			check.Equal(t, "carol", res.Winner)
			check.Equal(t, bid.ID, res.WinningBidID)
		} else {
			check.True(t, errors.Is(bidErr, domain.ErrInvalidState))
			check.Equal(t, "bob", res.Winner)
		}
	}
}
