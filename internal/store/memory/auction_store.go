// Package memory provides in-process implementations of the storage and
// settlement collaborators. They back the engine in tests and in
// single-node deployments configured with storage = "memory".
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// AuctionStore implements domain.AuctionStore on a map guarded by a mutex.
// Records are cloned on the way in and out so callers never share slices.
type AuctionStore struct {
	mu       sync.RWMutex
	auctions map[string]domain.Auction
}

// NewAuctionStore creates an empty AuctionStore.
func NewAuctionStore() *AuctionStore {
	return &AuctionStore{auctions: make(map[string]domain.Auction)}
}

// Create inserts a new auction at version 1.
func (s *AuctionStore) Create(_ context.Context, a domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("memory: create auction %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	a = a.Clone()
	a.Version = 1
	s.auctions[a.ID] = a
	return nil
}

// Load returns a copy of the auction.
func (s *AuctionStore) Load(_ context.Context, id string) (domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return domain.Auction{}, fmt.Errorf("memory: auction %s: %w", id, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

// Save replaces the auction if its stored version is expectedVersion.
func (s *AuctionStore) Save(_ context.Context, a domain.Auction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.auctions[a.ID]
	if !ok {
		return fmt.Errorf("memory: save auction %s: %w", a.ID, domain.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("memory: save auction %s at version %d, stored %d: %w",
			a.ID, expectedVersion, cur.Version, domain.ErrVersionConflict)
	}
	a = a.Clone()
	a.Version = expectedVersion + 1
	s.auctions[a.ID] = a
	return nil
}

// ListByCreator returns the creator's auctions, newest first.
func (s *AuctionStore) ListByCreator(_ context.Context, creator string, opts domain.ListOpts) ([]domain.Auction, error) {
	return s.filter(opts, func(a domain.Auction) bool { return a.Creator == creator }), nil
}

// ListByAsset returns the asset's auctions, newest first.
func (s *AuctionStore) ListByAsset(_ context.Context, assetRef string, opts domain.ListOpts) ([]domain.Auction, error) {
	return s.filter(opts, func(a domain.Auction) bool { return a.AssetRef == assetRef }), nil
}

// ListAwaitingSettlement returns ended auctions that are neither settled nor
// cancelled, oldest end time first.
func (s *AuctionStore) ListAwaitingSettlement(_ context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	s.mu.RLock()
	var out []domain.Auction
	for _, a := range s.auctions {
		if a.Status.Terminal() || a.EndTime.After(now) {
			continue
		}
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *AuctionStore) filter(opts domain.ListOpts, keep func(domain.Auction) bool) []domain.Auction {
	s.mu.RLock()
	var out []domain.Auction
	for _, a := range s.auctions {
		if !keep(a) {
			continue
		}
		if opts.Since != nil && a.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && a.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, opts)
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	if items == nil {
		return []T{}
	}
	return items
}
