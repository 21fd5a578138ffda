package auction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

// Cancel withdraws an auction that has not received any bid. Only the
// creator may cancel, and only while the auction is pending or active.
func (e *Engine) Cancel(ctx context.Context, auctionID, requester string) (domain.Auction, error) {
	updated, err := e.mutate(ctx, auctionID, func(a *domain.Auction, now time.Time) error {
		if requester != a.Creator {
			return fmt.Errorf("auction: %s is not the creator of %s: %w", requester, a.ID, domain.ErrUnauthorized)
		}
		status := a.ResolvedStatus(now)
		if status != domain.AuctionStatusPending && status != domain.AuctionStatusActive {
			return fmt.Errorf("auction: cannot cancel %s auction: %w", status, domain.ErrInvalidState)
		}
		if len(a.Bids) > 0 {
			return fmt.Errorf("auction: cannot cancel with %d bids: %w", len(a.Bids), domain.ErrInvalidState)
		}
		a.Status = domain.AuctionStatusCancelled
		return nil
	})
	if err != nil {
		return domain.Auction{}, err
	}

	e.logger.InfoContext(ctx, "auction cancelled", slog.String("auction_id", auctionID))
	e.emit(ctx, domain.EventAuctionCancelled, auctionID, map[string]any{
		"asset_ref": updated.AssetRef,
		"creator":   updated.Creator,
	})
	e.auditLog(ctx, auctionID, "auction_cancelled", requester, map[string]any{
		"asset_ref": updated.AssetRef,
	})
	return updated, nil
}
