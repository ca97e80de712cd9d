package storage

import (
	"context"

	"token-watch/internal/domain"
)

// RecordStore persists completed observation records. Records are append-only.
type RecordStore interface {
	// Append persists one record. The store must not retain rec after returning.
	Append(ctx context.Context, rec *domain.TokenRecord) error
}

// RecordReader reads back persisted records.
type RecordReader interface {
	// Records returns every persisted record in append order.
	Records(ctx context.Context) ([]*domain.TokenRecord, error)
}

// MintReader reads records for a single mint.
type MintReader interface {
	// GetByMint returns records for mint in append order. Returns ErrNotFound if none exist.
	GetByMint(ctx context.Context, mint string) ([]*domain.TokenRecord, error)
}
