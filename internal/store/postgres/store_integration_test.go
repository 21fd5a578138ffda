package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// newTestClient connects to AUCTIOND_TEST_POSTGRES_DSN or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("AUCTIOND_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUCTIOND_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	assert.NoError(t, err)
	t.Cleanup(c.Close)
	assert.NoError(t, c.RunMigrations(ctx))
	return c
}

func TestAuctionStore_RoundTripAndCAS(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	s := NewAuctionStore(c.Pool())

	now := time.Now().UTC().Truncate(time.Microsecond)
	a := domain.Auction{
		ID:            uuid.New().String(),
		AssetRef:      "nft-" + uuid.New().String(),
		Creator:       "alice",
		StartTime:     now,
		EndTime:       now.Add(time.Hour),
		StartingPrice: decimal.RequireFromString("1.5"),
		ReservePrice:  decimal.NewFromInt(10),
		Status:        domain.AuctionStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	assert.NoError(t, s.Create(ctx, a))
	check.True(t, errors.Is(s.Create(ctx, a), domain.ErrAlreadyExists))

	loaded, err := s.Load(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, int64(1), loaded.Version)
	check.Equal(t, "1.5", loaded.StartingPrice.String())
	check.Equal(t, 0, len(loaded.Bids))

	loaded.Bids = append(loaded.Bids, domain.Bid{
		ID: uuid.New().String(), Bidder: "bob", Amount: decimal.NewFromInt(12), PlacedAt: now, Seq: 1,
	})
	loaded.Status = domain.AuctionStatusActive
	assert.NoError(t, s.Save(ctx, loaded, 1))
	check.True(t, errors.Is(s.Save(ctx, loaded, 1), domain.ErrVersionConflict))

	again, err := s.Load(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, int64(2), again.Version)
	check.Equal(t, 1, len(again.Bids))
	check.Equal(t, "12", again.Bids[0].Amount.String())

	byAsset, err := s.ListByAsset(ctx, a.AssetRef, domain.ListOpts{})
	assert.NoError(t, err)
	check.Equal(t, 1, len(byAsset))
}

func TestLedger_TransferAndPay(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	pool := c.Pool()
	asset := "nft-" + uuid.New().String()
	payer := "payer-" + uuid.New().String()

	_, err := pool.Exec(ctx, `INSERT INTO asset_owners (asset_ref, owner) VALUES ($1, 'alice')`, asset)
	assert.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO balances (account, amount) VALUES ($1, 100)`, payer)
	assert.NoError(t, err)

	reg := NewOwnershipStore(pool)
	_, err = reg.Transfer(ctx, asset, "bob", "carol")
	check.True(t, errors.Is(err, domain.ErrTransferFailed))
	_, err = reg.Transfer(ctx, asset, "alice", "bob")
	assert.NoError(t, err)
	owner, err := reg.OwnerOf(ctx, asset)
	assert.NoError(t, err)
	check.Equal(t, "bob", owner)

	lp := NewLedgerPayer(pool)
	key := "auction:" + uuid.New().String() + ":0"
	p1, err := lp.Pay(ctx, key, payer, "alice", decimal.NewFromInt(60))
	assert.NoError(t, err)
	p2, err := lp.Pay(ctx, key, payer, "alice", decimal.NewFromInt(60))
	assert.NoError(t, err)
	check.Equal(t, p1.Ref, p2.Ref)

	_, err = lp.Pay(ctx, key+"x", payer, "alice", decimal.NewFromInt(60))
	check.True(t, errors.Is(err, domain.ErrPaymentFailed))

	state, err := lp.PaymentStatus(ctx, p1.Ref)
	assert.NoError(t, err)
	check.Equal(t, domain.PaymentStateConfirmed, state)
}

func TestAuditStore_HistoryByAuction(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	s := NewAuditStore(c.Pool())

	id := uuid.New().String()
	other := uuid.New().String()
	assert.NoError(t, s.Log(ctx, domain.AuditEntry{AuctionID: id, Event: "auction_created", Actor: "alice"}))
	assert.NoError(t, s.Log(ctx, domain.AuditEntry{AuctionID: other, Event: "auction_created"}))
	assert.NoError(t, s.Log(ctx, domain.AuditEntry{
		AuctionID: id,
		Event:     "auction_settled",
		Detail:    map[string]any{"winner": "bob"},
	}))

	entries, err := s.History(ctx, id, domain.ListOpts{})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(entries))
	check.Equal(t, "auction_created", entries[0].Event)
	check.Equal(t, "alice", entries[0].Actor)
	check.Equal(t, "", entries[1].Actor)
	check.Equal(t, any("bob"), entries[1].Detail["winner"])

	page, err := s.History(ctx, id, domain.ListOpts{Limit: 1, Offset: 1})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(page))
	check.Equal(t, "auction_settled", page[0].Event)
}

func TestPaymentJournal_ReserveOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	j := NewPaymentJournal(c.Pool())
	key := "auction:" + uuid.New().String() + ":0"

	_, err := j.Lookup(ctx, key)
	check.True(t, errors.Is(err, domain.ErrNotFound))

	first, err := j.Reserve(ctx, domain.PaymentIntent{Key: key, Ref: "0xaa", Raw: []byte{1, 2, 3}})
	assert.NoError(t, err)
	check.Equal(t, "0xaa", first.Ref)

	second, err := j.Reserve(ctx, domain.PaymentIntent{Key: key, Ref: "0xbb", Raw: []byte{4}})
	assert.NoError(t, err)
	check.Equal(t, "0xaa", second.Ref)
	check.Equal(t, []byte{1, 2, 3}, second.Raw)
}
