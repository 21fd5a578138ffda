package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// Settle finalizes a closed auction: it transfers the asset to the winner,
// then pays the creator, then records the result. Each confirmed step is
// persisted so a failed attempt can be retried without repeating it. Settling
// an already settled auction returns the recorded result.
//
// Failures at the external steps are returned as *domain.SettlementError and
// leave the auction Closed. Once the asset transfer is confirmed the
// remaining steps ignore ctx cancellation.
func (e *Engine) Settle(ctx context.Context, auctionID string) (domain.SettlementResult, error) {
	a, err := e.load(ctx, auctionID)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	if a.Status == domain.AuctionStatusSettled && a.Result != nil {
		return *a.Result, nil
	}

	unlock, err := e.acquireSettleLock(ctx, auctionID)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	defer unlock()

	// Close and count the attempt. The version bump fences out any bid that
	// read the auction before its end time but has not saved yet.
	var settled *domain.SettlementResult
	a, err = e.mutate(ctx, auctionID, func(a *domain.Auction, now time.Time) error {
		status := a.ResolvedStatus(now)
		if status == domain.AuctionStatusSettled && a.Result != nil {
			r := *a.Result
			settled = &r
			return errAlreadySettled
		}
		if status != domain.AuctionStatusClosed {
			return fmt.Errorf("auction: cannot settle %s auction %s: %w", status, a.ID, domain.ErrInvalidState)
		}
		a.Status = domain.AuctionStatusClosed
		a.Settlement.Attempts++
		if w, ok := domain.DetermineWinner(a.Bids, a.ReservePrice); ok {
			a.Winner = w.Bidder
		}
		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		return *settled, nil
	}
	if err != nil {
		return domain.SettlementResult{}, err
	}

	logger := e.logger.With(slog.String("auction_id", auctionID))
	winner, ok := domain.DetermineWinner(a.Bids, a.ReservePrice)
	if !ok {
		reason := domain.NoWinnerReasonNoBids
		if len(a.Bids) > 0 {
			reason = domain.NoWinnerReasonReserveNotMet
		}
		logger.InfoContext(ctx, "auction closed without winner", slog.String("reason", reason))
		return e.finalize(ctx, a, domain.SettlementResult{
			AuctionID: a.ID,
			AssetRef:  a.AssetRef,
			Seller:    a.Creator,
			NoWinner:  true,
			Reason:    reason,
		})
	}

	if a.Settlement.AssetTransferred == nil {
		ref, err := e.transferAsset(ctx, a, winner)
		if err != nil {
			return domain.SettlementResult{}, e.fail(ctx, a, domain.StepOwnershipTransfer, err)
		}
		updated, err := e.mutate(ctx, auctionID, func(a *domain.Auction, now time.Time) error {
			a.Settlement.AssetTransferRef = ref
			a.Settlement.AssetTransferred = &now
			a.Settlement.LastError = ""
			return nil
		})
		if err != nil {
			// The registry already reflects the transfer; the next attempt
			// observes winner ownership and records it then.
			return domain.SettlementResult{}, e.fail(ctx, a, domain.StepOwnershipTransfer, err)
		}
		a = updated
		logger.InfoContext(ctx, "asset transferred",
			slog.String("winner", winner.Bidder),
			slog.String("ref", ref),
		)
	}

	// Past this point the asset has moved; finish regardless of the caller.
	ctx = context.WithoutCancel(ctx)

	a, err = e.collectPayment(ctx, a, winner)
	if err != nil {
		return domain.SettlementResult{}, e.fail(ctx, a, domain.StepPayment, err)
	}

	return e.finalize(ctx, a, domain.SettlementResult{
		AuctionID:        a.ID,
		AssetRef:         a.AssetRef,
		Seller:           a.Creator,
		Winner:           winner.Bidder,
		WinningBidID:     winner.ID,
		Amount:           winner.Amount,
		AssetTransferRef: a.Settlement.AssetTransferRef,
		PaymentRef:       a.Settlement.PaymentRef,
	})
}

var errAlreadySettled = errors.New("already settled")

// paymentKey is stable across retries of one payment request and changes
// only after the payer reported that request as failed.
func paymentKey(a domain.Auction) string {
	return fmt.Sprintf("auction:%s:%d", a.ID, a.Settlement.PaymentFailures)
}

func (e *Engine) acquireSettleLock(ctx context.Context, auctionID string) (func(), error) {
	key := "auction:settle:" + auctionID
	for attempt := 0; attempt < e.cfg.LockAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(e.cfg.RetryBackoff, attempt)); err != nil {
				return nil, err
			}
		}
		unlock, err := e.locks.Acquire(ctx, key, e.cfg.SettleLockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("auction: settle lock %s: %w", auctionID, err)
		}
	}
	return nil, fmt.Errorf("auction: settlement of %s in progress: %w", auctionID, domain.ErrConflict)
}

// transferAsset moves the asset from creator to winner, retrying transient
// registry errors. A registry that already shows the winner as owner is a
// confirmed transfer from an earlier attempt.
func (e *Engine) transferAsset(ctx context.Context, a domain.Auction, winner domain.Bid) (string, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.TransferAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(e.cfg.RetryBackoff, attempt)); err != nil {
				return "", err
			}
		}

		owner, err := e.registry.OwnerOf(ctx, a.AssetRef)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", fmt.Errorf("%w: asset %s: %w", domain.ErrTransferFailed, a.AssetRef, err)
			}
			lastErr = err
			continue
		}
		if owner == winner.Bidder {
			return "observed:" + owner, nil
		}
		if owner != a.Creator {
			return "", fmt.Errorf("%w: asset %s owned by %s, expected %s", domain.ErrTransferFailed, a.AssetRef, owner, a.Creator)
		}

		ref, err := e.registry.Transfer(ctx, a.AssetRef, a.Creator, winner.Bidder)
		if err == nil {
			return ref, nil
		}
		if errors.Is(err, domain.ErrTransferFailed) {
			return "", err
		}
		lastErr = err
		e.logger.WarnContext(ctx, "asset transfer attempt failed",
			slog.String("auction_id", a.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return "", fmt.Errorf("%w: %d attempts: %w", domain.ErrTransferFailed, e.cfg.TransferAttempts, lastErr)
}

// collectPayment requests payment once and afterwards only polls the
// recorded handle. It returns the auction as last persisted.
func (e *Engine) collectPayment(ctx context.Context, a domain.Auction, winner domain.Bid) (domain.Auction, error) {
	switch a.Settlement.PaymentState {
	case domain.PaymentStateConfirmed:
		return a, nil

	case domain.PaymentStatePending:
		state, err := e.payer.PaymentStatus(ctx, a.Settlement.PaymentRef)
		if err != nil {
			return a, fmt.Errorf("poll payment %s: %w", a.Settlement.PaymentRef, err)
		}
		return e.recordPayment(ctx, a, domain.Payment{Ref: a.Settlement.PaymentRef, State: state})

	default:
		if winner.Amount.IsZero() {
			return e.recordPayment(ctx, a, domain.Payment{State: domain.PaymentStateConfirmed})
		}
		pay, err := e.payer.Pay(ctx, paymentKey(a), winner.Bidder, a.Creator, winner.Amount)
		if err != nil {
			if !errors.Is(err, domain.ErrPaymentFailed) {
				err = fmt.Errorf("%w: %w", domain.ErrPaymentFailed, err)
			}
			return a, err
		}
		return e.recordPayment(ctx, a, pay)
	}
}

func (e *Engine) recordPayment(ctx context.Context, a domain.Auction, pay domain.Payment) (domain.Auction, error) {
	updated, err := e.mutate(ctx, a.ID, func(a *domain.Auction, _ time.Time) error {
		a.Settlement.PaymentRef = pay.Ref
		a.Settlement.PaymentState = pay.State
		if pay.State == domain.PaymentStateFailed {
			// A failed payment may be requested again under a new key.
			a.Settlement.PaymentRef = ""
			a.Settlement.PaymentFailures++
		}
		return nil
	})
	if err != nil {
		return a, err
	}
	switch pay.State {
	case domain.PaymentStatePending:
		return updated, fmt.Errorf("payment %s: %w", pay.Ref, domain.ErrPaymentPending)
	case domain.PaymentStateFailed:
		return updated, fmt.Errorf("payment %s: %w", pay.Ref, domain.ErrPaymentFailed)
	}
	return updated, nil
}

// finalize records the result and marks the auction settled.
func (e *Engine) finalize(ctx context.Context, a domain.Auction, res domain.SettlementResult) (domain.SettlementResult, error) {
	_, err := e.mutate(ctx, a.ID, func(a *domain.Auction, now time.Time) error {
		res.SettledAt = now
		a.Status = domain.AuctionStatusSettled
		a.Winner = res.Winner
		a.Settlement.LastError = ""
		a.Result = &res
		return nil
	})
	if err != nil {
		return domain.SettlementResult{}, err
	}

	e.logger.InfoContext(ctx, "auction settled",
		slog.String("auction_id", res.AuctionID),
		slog.String("winner", res.Winner),
		slog.String("amount", res.Amount.String()),
		slog.Bool("no_winner", res.NoWinner),
	)
	e.emit(ctx, domain.EventAuctionSettled, res.AuctionID, map[string]any{
		"winner":    res.Winner,
		"amount":    res.Amount.String(),
		"no_winner": res.NoWinner,
		"reason":    res.Reason,
	})
	e.auditLog(ctx, res.AuctionID, "auction_settled", "", map[string]any{
		"winner":      res.Winner,
		"amount":      res.Amount.String(),
		"asset_ref":   res.AssetTransferRef,
		"payment_ref": res.PaymentRef,
	})
	if e.receipts != nil {
		if err := e.receipts.Save(ctx, res); err != nil {
			e.logger.WarnContext(ctx, "archive receipt failed",
				slog.String("auction_id", res.AuctionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return res, nil
}

// fail records the error on the auction, emits settlement_failed and wraps
// err with the step it stopped at.
func (e *Engine) fail(ctx context.Context, a domain.Auction, step domain.SettlementStep, err error) error {
	msg := err.Error()
	if _, mErr := e.mutate(context.WithoutCancel(ctx), a.ID, func(a *domain.Auction, _ time.Time) error {
		a.Settlement.LastError = string(step) + ": " + msg
		return nil
	}); mErr != nil {
		e.logger.WarnContext(ctx, "record settlement error failed",
			slog.String("auction_id", a.ID),
			slog.String("error", mErr.Error()),
		)
	}

	level := slog.LevelWarn
	if errors.Is(err, domain.ErrPaymentPending) {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "settlement incomplete",
		slog.String("auction_id", a.ID),
		slog.String("step", string(step)),
		slog.String("error", msg),
	)
	e.emit(ctx, domain.EventSettlementFailed, a.ID, map[string]any{
		"step":  string(step),
		"error": msg,
	})
	e.auditLog(ctx, a.ID, "settlement_step_failed", "", map[string]any{
		"step":  string(step),
		"error": msg,
	})
	return &domain.SettlementError{AuctionID: a.ID, Step: step, Err: err}
}
