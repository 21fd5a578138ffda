package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// AuctionStore implements domain.AuctionStore using PostgreSQL. Bids live in
// auction_bids and are append-only; the auction row carries the version used
// for compare-and-swap writes.
type AuctionStore struct {
	pool *pgxpool.Pool
}

// NewAuctionStore creates a new AuctionStore backed by the given connection pool.
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool}
}

const auctionSelectCols = `id, asset_ref, creator, start_time, end_time,
	starting_price::text, reserve_price::text, status, winner,
	settlement, result, version, created_at, updated_at`

// Create inserts the auction and any bids it already carries at version 1.
func (s *AuctionStore) Create(ctx context.Context, a domain.Auction) error {
	settlement, result, err := marshalProgress(a)
	if err != nil {
		return fmt.Errorf("postgres: create auction %s: %w", a.ID, err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const query = `
			INSERT INTO auctions (
				id, asset_ref, creator, start_time, end_time,
				starting_price, reserve_price, status, winner,
				settlement, result, version, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6::numeric, $7::numeric, $8, $9,
				$10, $11, 1, $12, $13
			)
			ON CONFLICT (id) DO NOTHING`
		tag, err := tx.Exec(ctx, query,
			a.ID, a.AssetRef, a.Creator, a.StartTime, a.EndTime,
			a.StartingPrice.String(), a.ReservePrice.String(), string(a.Status), a.Winner,
			settlement, result, a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrAlreadyExists
		}
		return insertBids(ctx, tx, a.ID, a.Bids)
	})
	if err != nil {
		return fmt.Errorf("postgres: create auction %s: %w", a.ID, err)
	}
	return nil
}

// Load returns the auction with its bids in acceptance order.
func (s *AuctionStore) Load(ctx context.Context, id string) (domain.Auction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auctionSelectCols+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Auction{}, fmt.Errorf("postgres: auction %s: %w", id, domain.ErrNotFound)
		}
		return domain.Auction{}, fmt.Errorf("postgres: load auction %s: %w", id, err)
	}

	bids, err := s.loadBids(ctx, []string{id})
	if err != nil {
		return domain.Auction{}, err
	}
	a.Bids = bids[id]
	if a.Bids == nil {
		a.Bids = []domain.Bid{}
	}
	return a, nil
}

// Save updates the auction row only if its version still equals
// expectedVersion, then appends bids the row does not have yet.
func (s *AuctionStore) Save(ctx context.Context, a domain.Auction, expectedVersion int64) error {
	settlement, result, err := marshalProgress(a)
	if err != nil {
		return fmt.Errorf("postgres: save auction %s: %w", a.ID, err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const query = `
			UPDATE auctions SET
				status = $1, winner = $2, settlement = $3, result = $4,
				version = version + 1, updated_at = $5
			WHERE id = $6 AND version = $7`
		tag, err := tx.Exec(ctx, query,
			string(a.Status), a.Winner, settlement, result,
			a.UpdatedAt, a.ID, expectedVersion,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM auctions WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrVersionConflict
		}
		return insertBids(ctx, tx, a.ID, a.Bids)
	})
	if err != nil {
		return fmt.Errorf("postgres: save auction %s: %w", a.ID, err)
	}
	return nil
}

// ListByCreator returns the creator's auctions, newest first.
func (s *AuctionStore) ListByCreator(ctx context.Context, creator string, opts domain.ListOpts) ([]domain.Auction, error) {
	return s.list(ctx, "creator", creator, opts)
}

// ListByAsset returns the asset's auctions, newest first.
func (s *AuctionStore) ListByAsset(ctx context.Context, assetRef string, opts domain.ListOpts) ([]domain.Auction, error) {
	return s.list(ctx, "asset_ref", assetRef, opts)
}

// ListAwaitingSettlement returns ended auctions that are neither settled nor
// cancelled, oldest end time first.
func (s *AuctionStore) ListAwaitingSettlement(ctx context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	query := `SELECT ` + auctionSelectCols + ` FROM auctions
		WHERE end_time <= $1 AND status NOT IN ('settled', 'cancelled')
		ORDER BY end_time ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.query(ctx, "list awaiting settlement", query, args...)
}

// list runs a filtered, paginated listing. column is always a constant
// supplied by the caller above, never user input.
func (s *AuctionStore) list(ctx context.Context, column, value string, opts domain.ListOpts) ([]domain.Auction, error) {
	query := `SELECT ` + auctionSelectCols + ` FROM auctions WHERE ` + column + ` = $1`
	args := []any{value}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return s.query(ctx, "list auctions by "+column, query, args...)
}

func (s *AuctionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Auction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	auctions := []domain.Auction{}
	var ids []string
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		auctions = append(auctions, a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	if len(ids) == 0 {
		return auctions, nil
	}

	bids, err := s.loadBids(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range auctions {
		auctions[i].Bids = bids[auctions[i].ID]
		if auctions[i].Bids == nil {
			auctions[i].Bids = []domain.Bid{}
		}
	}
	return auctions, nil
}

func (s *AuctionStore) loadBids(ctx context.Context, auctionIDs []string) (map[string][]domain.Bid, error) {
	const query = `
		SELECT auction_id, id, bidder, amount::text, placed_at, seq
		FROM auction_bids
		WHERE auction_id = ANY($1)
		ORDER BY auction_id, seq ASC`
	rows, err := s.pool.Query(ctx, query, auctionIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: load bids: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Bid, len(auctionIDs))
	for rows.Next() {
		var auctionID, amount string
		var b domain.Bid
		if err := rows.Scan(&auctionID, &b.ID, &b.Bidder, &amount, &b.PlacedAt, &b.Seq); err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: bid %s amount %q: %w", b.ID, amount, err)
		}
		out[auctionID] = append(out[auctionID], b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load bids rows: %w", err)
	}
	return out, nil
}

func insertBids(ctx context.Context, tx pgx.Tx, auctionID string, bids []domain.Bid) error {
	if len(bids) == 0 {
		return nil
	}
	const query = `
		INSERT INTO auction_bids (id, auction_id, bidder, amount, placed_at, seq)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, b := range bids {
		batch.Queue(query, b.ID, auctionID, b.Bidder, b.Amount.String(), b.PlacedAt, b.Seq)
	}
	br := tx.SendBatch(ctx, batch)
	for range bids {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert bid: %w", err)
		}
	}
	return br.Close()
}

func marshalProgress(a domain.Auction) (settlement, result []byte, err error) {
	settlement, err = json.Marshal(a.Settlement)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal settlement: %w", err)
	}
	if a.Result != nil {
		result, err = json.Marshal(a.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return settlement, result, nil
}

func scanAuction(scanner interface{ Scan(dest ...any) error }) (domain.Auction, error) {
	var a domain.Auction
	var startingPrice, reservePrice, status string
	var settlement, result []byte

	err := scanner.Scan(
		&a.ID, &a.AssetRef, &a.Creator, &a.StartTime, &a.EndTime,
		&startingPrice, &reservePrice, &status, &a.Winner,
		&settlement, &result, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Auction{}, err
	}

	a.Status = domain.AuctionStatus(status)
	if a.StartingPrice, err = decimal.NewFromString(startingPrice); err != nil {
		return domain.Auction{}, fmt.Errorf("starting price %q: %w", startingPrice, err)
	}
	if a.ReservePrice, err = decimal.NewFromString(reservePrice); err != nil {
		return domain.Auction{}, fmt.Errorf("reserve price %q: %w", reservePrice, err)
	}
	if len(settlement) > 0 {
		if err := json.Unmarshal(settlement, &a.Settlement); err != nil {
			return domain.Auction{}, fmt.Errorf("unmarshal settlement: %w", err)
		}
	}
	if len(result) > 0 {
		var r domain.SettlementResult
		if err := json.Unmarshal(result, &r); err != nil {
			return domain.Auction{}, fmt.Errorf("unmarshal result: %w", err)
		}
		a.Result = &r
	}
	return a, nil
}
