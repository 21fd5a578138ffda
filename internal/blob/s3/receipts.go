package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

const receiptContentType = "application/json"

// ReceiptArchive implements domain.ReceiptArchive on any blob backend. Each
// settlement is written once to <prefix>/<auction id>.json; later saves for
// the same auction leave the first receipt in place.
type ReceiptArchive struct {
	blobs  domain.BlobStore
	prefix string
}

// NewReceiptArchive creates a ReceiptArchive. An empty prefix defaults to
// "receipts".
func NewReceiptArchive(blobs domain.BlobStore, prefix string) *ReceiptArchive {
	if prefix == "" {
		prefix = "receipts"
	}
	return &ReceiptArchive{blobs: blobs, prefix: prefix}
}

func (a *ReceiptArchive) path(auctionID string) string {
	return fmt.Sprintf("%s/%s.json", a.prefix, auctionID)
}

// Save uploads result unless a receipt for the auction already exists.
func (a *ReceiptArchive) Save(ctx context.Context, result domain.SettlementResult) error {
	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: marshal receipt %s: %w", result.AuctionID, err)
	}
	err = a.blobs.Create(ctx, a.path(result.AuctionID), bytes.NewReader(body), receiptContentType)
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("s3blob: save receipt %s: %w", result.AuctionID, err)
	}
	return nil
}

// Load reads the receipt of auctionID. A missing receipt yields
// domain.ErrNotFound.
func (a *ReceiptArchive) Load(ctx context.Context, auctionID string) (domain.SettlementResult, error) {
	rc, err := a.blobs.Get(ctx, a.path(auctionID))
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("s3blob: load receipt %s: %w", auctionID, err)
	}
	defer rc.Close()

	var res domain.SettlementResult
	if err := json.NewDecoder(rc).Decode(&res); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("s3blob: decode receipt %s: %w", auctionID, err)
	}
	return res, nil
}

var _ domain.ReceiptArchive = (*ReceiptArchive)(nil)
