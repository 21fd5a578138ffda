package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// AuditStore implements domain.AuditStore on the audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log inserts entry. Detail is stored as JSONB; a zero CreatedAt takes the
// database clock.
func (s *AuditStore) Log(ctx context.Context, entry domain.AuditEntry) error {
	var detail []byte
	if len(entry.Detail) > 0 {
		b, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("postgres: encode audit detail for %s: %w", entry.AuctionID, err)
		}
		detail = b
	}

	var createdAt any
	if !entry.CreatedAt.IsZero() {
		createdAt = entry.CreatedAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (auction_id, event, actor, detail, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, COALESCE($5::timestamptz, NOW()))`,
		entry.AuctionID, entry.Event, entry.Actor, detail, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: audit %s %s: %w", entry.AuctionID, entry.Event, err)
	}
	return nil
}

// History returns entries oldest first, filtered by auction and time window.
func (s *AuditStore) History(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if auctionID != "" {
		where = append(where, "auction_id = "+arg(auctionID))
	}
	if opts.Since != nil {
		where = append(where, "created_at >= "+arg(*opts.Since))
	}
	if opts.Until != nil {
		where = append(where, "created_at <= "+arg(*opts.Until))
	}

	var q strings.Builder
	q.WriteString(`SELECT id, auction_id, event, COALESCE(actor, ''), detail, created_at FROM audit_log`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY id ASC")
	if opts.Limit > 0 {
		q.WriteString(" LIMIT " + arg(opts.Limit))
	}
	if opts.Offset > 0 {
		q.WriteString(" OFFSET " + arg(opts.Offset))
	}

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit history %s: %w", auctionID, err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit history %s: %w", auctionID, err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e      domain.AuditEntry
		detail []byte
	)
	if err := row.Scan(&e.ID, &e.AuctionID, &e.Event, &e.Actor, &detail, &e.CreatedAt); err != nil {
		return domain.AuditEntry{}, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("decode detail of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}
