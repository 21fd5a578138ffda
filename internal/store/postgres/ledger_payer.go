package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// LedgerPayer implements domain.SettlementPayer by moving funds between
// marketplace balances. A payment confirms in the same transaction that
// debits the payer, so it is never pending.
type LedgerPayer struct {
	pool *pgxpool.Pool
}

// NewLedgerPayer creates a new LedgerPayer backed by the given connection pool.
func NewLedgerPayer(pool *pgxpool.Pool) *LedgerPayer {
	return &LedgerPayer{pool: pool}
}

// Pay debits from and credits to. A repeated idempotencyKey returns the
// payment recorded the first time without moving funds again.
func (p *LedgerPayer) Pay(ctx context.Context, idempotencyKey, from, to string, amount decimal.Decimal) (domain.Payment, error) {
	if !amount.IsPositive() {
		return domain.Payment{}, fmt.Errorf("postgres: pay %s: %w", amount, domain.ErrPaymentFailed)
	}

	var payment domain.Payment
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var ref, state string
		err := tx.QueryRow(ctx,
			`SELECT ref, state FROM payments WHERE idempotency_key = $1`, idempotencyKey,
		).Scan(&ref, &state)
		switch {
		case err == nil:
			payment = domain.Payment{Ref: ref, State: domain.PaymentState(state)}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE balances SET amount = amount - $1::numeric, updated_at = NOW()
			 WHERE account = $2 AND amount >= $1::numeric`,
			amount.String(), from,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: insufficient balance for %s", domain.ErrPaymentFailed, from)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO balances (account, amount) VALUES ($1, $2::numeric)
			 ON CONFLICT (account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = NOW()`,
			to, amount.String(),
		)
		if err != nil {
			return err
		}

		payment = domain.Payment{Ref: uuid.New().String(), State: domain.PaymentStateConfirmed}
		_, err = tx.Exec(ctx,
			`INSERT INTO payments (ref, idempotency_key, payer, payee, amount, state)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
			payment.Ref, idempotencyKey, from, to, amount.String(), string(payment.State),
		)
		return err
	})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("postgres: pay %s: %w", idempotencyKey, err)
	}
	return payment, nil
}

// PaymentStatus returns the recorded state of ref.
func (p *LedgerPayer) PaymentStatus(ctx context.Context, ref string) (domain.PaymentState, error) {
	var state string
	err := p.pool.QueryRow(ctx, `SELECT state FROM payments WHERE ref = $1`, ref).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("postgres: payment %s: %w", ref, domain.ErrNotFound)
		}
		return "", fmt.Errorf("postgres: payment %s: %w", ref, err)
	}
	return domain.PaymentState(state), nil
}
