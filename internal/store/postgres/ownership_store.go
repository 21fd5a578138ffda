package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// OwnershipStore implements domain.OwnershipRegistry for off-chain assets
// recorded in asset_owners. Accounts without an accounts row are active.
type OwnershipStore struct {
	pool *pgxpool.Pool
}

// NewOwnershipStore creates a new OwnershipStore backed by the given connection pool.
func NewOwnershipStore(pool *pgxpool.Pool) *OwnershipStore {
	return &OwnershipStore{pool: pool}
}

// OwnerOf returns the current owner of assetRef.
func (s *OwnershipStore) OwnerOf(ctx context.Context, assetRef string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT owner FROM asset_owners WHERE asset_ref = $1`, assetRef).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("postgres: asset %s: %w", assetRef, domain.ErrNotFound)
		}
		return "", fmt.Errorf("postgres: owner of %s: %w", assetRef, err)
	}
	return owner, nil
}

// Transfer moves assetRef to the new owner only if from still owns it, and
// journals the move in asset_transfers.
func (s *OwnershipStore) Transfer(ctx context.Context, assetRef, from, to string) (string, error) {
	ref := uuid.New().String()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE asset_owners SET owner = $1, updated_at = NOW() WHERE asset_ref = $2 AND owner = $3`,
			to, assetRef, from,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s is not owned by %s", domain.ErrTransferFailed, assetRef, from)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO asset_transfers (id, asset_ref, from_owner, to_owner) VALUES ($1, $2, $3, $4)`,
			ref, assetRef, from, to,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("postgres: transfer %s: %w", assetRef, err)
	}
	return ref, nil
}

// AccountActive reports whether account is not suspended.
func (s *OwnershipStore) AccountActive(ctx context.Context, account string) (bool, error) {
	var suspended bool
	err := s.pool.QueryRow(ctx, `SELECT suspended FROM accounts WHERE account = $1`, account).Scan(&suspended)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("postgres: account %s: %w", account, err)
	}
	return !suspended, nil
}
