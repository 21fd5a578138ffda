package domain

import (
	"context"
	"io"
)

// BlobStore is write-once object storage. Create fails with
// ErrAlreadyExists when path is taken; Get fails with ErrNotFound when it
// is not.
type BlobStore interface {
	Create(ctx context.Context, path string, data io.Reader, contentType string) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// ReceiptArchive keeps an immutable copy of every settlement outcome outside
// the auction store.
type ReceiptArchive interface {
	Save(ctx context.Context, result SettlementResult) error
	Load(ctx context.Context, auctionID string) (SettlementResult, error)
}
