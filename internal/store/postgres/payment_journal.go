package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// PaymentJournal implements domain.PaymentJournal on the payment_intents
// table.
type PaymentJournal struct {
	pool *pgxpool.Pool
}

// NewPaymentJournal creates a PaymentJournal backed by pool.
func NewPaymentJournal(pool *pgxpool.Pool) *PaymentJournal {
	return &PaymentJournal{pool: pool}
}

// Reserve inserts intent unless its key exists and returns the stored row.
func (j *PaymentJournal) Reserve(ctx context.Context, intent domain.PaymentIntent) (domain.PaymentIntent, error) {
	var stored domain.PaymentIntent
	err := pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO payment_intents (idempotency_key, ref, raw_tx)
			VALUES ($1, $2, $3)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			intent.Key, intent.Ref, intent.Raw,
		)
		if err != nil {
			return err
		}
		stored, err = lookupIntent(ctx, tx, intent.Key)
		return err
	})
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("postgres: reserve payment %s: %w", intent.Key, err)
	}
	return stored, nil
}

// Lookup returns the intent stored under key.
func (j *PaymentJournal) Lookup(ctx context.Context, key string) (domain.PaymentIntent, error) {
	intent, err := lookupIntent(ctx, j.pool, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentIntent{}, fmt.Errorf("postgres: payment intent %s: %w", key, domain.ErrNotFound)
		}
		return domain.PaymentIntent{}, fmt.Errorf("postgres: payment intent %s: %w", key, err)
	}
	return intent, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lookupIntent(ctx context.Context, q querier, key string) (domain.PaymentIntent, error) {
	intent := domain.PaymentIntent{Key: key}
	err := q.QueryRow(ctx,
		`SELECT ref, raw_tx, created_at FROM payment_intents WHERE idempotency_key = $1`, key,
	).Scan(&intent.Ref, &intent.Raw, &intent.CreatedAt)
	return intent, err
}
