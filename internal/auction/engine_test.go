package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

func TestCreateAuction_Validation(t *testing.T) {
	h := newHarness(t)
	h.registry.Mint("nft-x", "alice")
	now := h.clock.Now()

	tests := []struct {
		name    string
		params  domain.NewAuctionParams
		wantErr error
	}{
		{
			name:    "missing asset",
			params:  domain.NewAuctionParams{Creator: "alice", StartTime: now, EndTime: now.Add(time.Hour)},
			wantErr: domain.ErrInvalidAuction,
		},
		{
			name:    "end before start",
			params:  domain.NewAuctionParams{AssetRef: "nft-x", Creator: "alice", StartTime: now.Add(time.Hour), EndTime: now},
			wantErr: domain.ErrInvalidAuction,
		},
		{
			name:    "already ended",
			params:  domain.NewAuctionParams{AssetRef: "nft-x", Creator: "alice", StartTime: now.Add(-2 * time.Hour), EndTime: now.Add(-time.Hour)},
			wantErr: domain.ErrInvalidAuction,
		},
		{
			name:    "negative price",
			params:  domain.NewAuctionParams{AssetRef: "nft-x", Creator: "alice", StartTime: now, EndTime: now.Add(time.Hour), StartingPrice: dec(-1)},
			wantErr: domain.ErrInvalidAuction,
		},
		{
			name:    "starting price with huge exponent",
			params:  domain.NewAuctionParams{AssetRef: "nft-x", Creator: "alice", StartTime: now, EndTime: now.Add(time.Hour), StartingPrice: decimal.RequireFromString("1e400000000")},
			wantErr: domain.ErrInvalidAuction,
		},
		{
			name:    "reserve price finer than storage",
			params:  domain.NewAuctionParams{AssetRef: "nft-x", Creator: "alice", StartTime: now, EndTime: now.Add(time.Hour), ReservePrice: decimal.RequireFromString("1.0000000000000000001")},
			wantErr: domain.ErrInvalidAuction,
		},
		{
			name:    "not owner",
			params:  domain.NewAuctionParams{AssetRef: "nft-x", Creator: "bob", StartTime: now, EndTime: now.Add(time.Hour)},
			wantErr: domain.ErrUnauthorized,
		},
		{
			name:    "unknown asset",
			params:  domain.NewAuctionParams{AssetRef: "nft-404", Creator: "alice", StartTime: now, EndTime: now.Add(time.Hour)},
			wantErr: domain.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.CreateAuction(context.Background(), tt.params)
			check.True(t, errors.Is(err, tt.wantErr))
		})
	}
}

func TestGetAuction_ResolvesStatusFromClock(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)
	check.Equal(t, domain.AuctionStatusActive, a.Status)

	stored, err := h.store.Load(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionStatusPending, stored.Status)

	h.end()
	got, err := h.engine.GetAuction(context.Background(), a.ID)
	assert.NoError(t, err)
	check.Equal(t, domain.AuctionStatusClosed, got.Status)

	_, err = h.engine.GetAuction(context.Background(), "")
	check.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetCurrentWinner_TracksLeader(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 10, 0)

	_, ok, err := h.engine.GetCurrentWinner(context.Background(), a.ID)
	assert.NoError(t, err)
	check.False(t, ok)

	h.bid(t, a.ID, "bob", 10)
	h.bid(t, a.ID, "carol", 15)
	w, ok, err := h.engine.GetCurrentWinner(context.Background(), a.ID)
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, "carol", w.Bidder)
}

func TestListByCreatorAndAsset(t *testing.T) {
	h := newHarness(t)
	a1 := h.create(t, 10, 0)
	h.clock.Set(h.clock.Now().Add(time.Second))
	a2 := h.create(t, 10, 0)

	list, err := h.engine.ListByCreator(context.Background(), "alice", domain.ListOpts{})
	assert.NoError(t, err)
	check.Equal(t, []string{a2.ID, a1.ID}, []string{list[0].ID, list[1].ID})
	check.Equal(t, domain.AuctionStatusActive, list[0].Status)

	byAsset, err := h.engine.ListByAsset(context.Background(), a1.AssetRef, domain.ListOpts{})
	assert.NoError(t, err)
	check.Equal(t, 1, len(byAsset))
	check.Equal(t, a1.ID, byAsset[0].ID)
}

func TestLocalLocks(t *testing.T) {
	l := NewLocalLocks()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "k", time.Second)
	assert.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Second)
	check.True(t, errors.Is(err, domain.ErrLockHeld))

	unlock()
	unlock()
	again, err := l.Acquire(ctx, "k", time.Second)
	assert.NoError(t, err)
	again()
}

func TestBackoff(t *testing.T) {
	check.Equal(t, 10*time.Millisecond, backoff(10*time.Millisecond, 1))
	check.Equal(t, 40*time.Millisecond, backoff(10*time.Millisecond, 3))
	check.Equal(t, 640*time.Millisecond, backoff(10*time.Millisecond, 50))
}
