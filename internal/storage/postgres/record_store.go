package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"token-watch/internal/domain"
	"token-watch/internal/storage"
)

// RecordStore implements storage.RecordStore using PostgreSQL.
type RecordStore struct {
	pool *Pool
}

// NewRecordStore creates a new RecordStore.
func NewRecordStore(pool *Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

// Compile-time interface checks.
var (
	_ storage.RecordStore = (*RecordStore)(nil)
	_ storage.MintReader  = (*RecordStore)(nil)
)

// Append inserts the record header and its samples in one transaction.
func (s *RecordStore) Append(ctx context.Context, rec *domain.TokenRecord) error {
	if rec == nil || rec.Mint == "" {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	points := rec.Prices.Points()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO token_records (mint, initial_price_lp, final_price, sample_count)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, rec.Mint, rec.InitialPriceLP, rec.FinalPrice, len(points)).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert token record: %w", err)
	}

	rows := make([][]any, 0, len(points))
	for i, p := range points {
		rows = append(rows, []any{id, int32(i), p.ElapsedSeconds, p.Price.Float()})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"token_price_samples"},
		[]string{"record_id", "seq", "elapsed_s", "price"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy price samples: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByMint retrieves all records for a mint in insertion order.
// Returns ErrNotFound if there are none.
func (s *RecordStore) GetByMint(ctx context.Context, mint string) ([]*domain.TokenRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mint, initial_price_lp, final_price
		FROM token_records
		WHERE mint = $1
		ORDER BY id ASC
	`, mint)
	if err != nil {
		return nil, fmt.Errorf("query token records: %w", err)
	}

	var ids []int64
	var records []*domain.TokenRecord
	byID := make(map[int64]*domain.TokenRecord)
	for rows.Next() {
		var id int64
		rec := &domain.TokenRecord{}
		if err := rows.Scan(&id, &rec.Mint, &rec.InitialPriceLP, &rec.FinalPrice); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan token record: %w", err)
		}
		ids = append(ids, id)
		records = append(records, rec)
		byID[id] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token records: %w", err)
	}
	if len(records) == 0 {
		return nil, storage.ErrNotFound
	}

	samples, err := s.pool.Query(ctx, `
		SELECT record_id, elapsed_s, price
		FROM token_price_samples
		WHERE record_id = ANY($1)
		ORDER BY record_id ASC, seq ASC
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query price samples: %w", err)
	}
	defer samples.Close()

	for samples.Next() {
		var id int64
		var elapsed, price float64
		if err := samples.Scan(&id, &elapsed, &price); err != nil {
			return nil, fmt.Errorf("scan price sample: %w", err)
		}
		byID[id].Prices.Set(elapsed, domain.PriceSample(price))
	}
	if err := samples.Err(); err != nil {
		return nil, fmt.Errorf("iterate price samples: %w", err)
	}

	return records, nil
}
