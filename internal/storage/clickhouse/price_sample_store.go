package clickhouse

import (
	"context"
	"fmt"
	"time"

	"token-watch/internal/domain"
	"token-watch/internal/storage"
)

// Sample is one flattened row of token_price_samples.
type Sample struct {
	Mint           string
	ObservedAt     time.Time
	Seq            uint32
	ElapsedSeconds float64
	Price          float64
	Valid          bool
}

// PriceSampleStore writes each record's series as one batch of rows.
type PriceSampleStore struct {
	conn *Conn
	now  func() time.Time
}

// NewPriceSampleStore creates a new PriceSampleStore.
func NewPriceSampleStore(conn *Conn) *PriceSampleStore {
	return &PriceSampleStore{conn: conn, now: time.Now}
}

// Compile-time interface check.
var _ storage.RecordStore = (*PriceSampleStore)(nil)

// Append inserts every sample of rec, stamped with the current time.
func (s *PriceSampleStore) Append(ctx context.Context, rec *domain.TokenRecord) error {
	if rec == nil || rec.Mint == "" {
		return storage.ErrInvalidInput
	}

	points := rec.Prices.Points()
	if len(points) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO token_price_samples (
			mint, observed_at, seq, elapsed_s, price, valid
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	observedAt := s.now().UTC()
	for i, p := range points {
		var valid uint8
		if p.Price.Valid() {
			valid = 1
		}
		err = batch.Append(rec.Mint, observedAt, uint32(i), p.ElapsedSeconds, p.Price.Float(), valid)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByMint retrieves all samples for a mint, ordered by observation then sequence.
// Returns ErrNotFound if there are none.
func (s *PriceSampleStore) GetByMint(ctx context.Context, mint string) ([]Sample, error) {
	query := `
		SELECT mint, observed_at, seq, elapsed_s, price, valid
		FROM token_price_samples
		WHERE mint = ?
		ORDER BY observed_at ASC, seq ASC
	`

	rows, err := s.conn.Query(ctx, query, mint)
	if err != nil {
		return nil, fmt.Errorf("query by mint: %w", err)
	}
	defer rows.Close()

	samples, err := scanSamples(rows)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, storage.ErrNotFound
	}
	return samples, nil
}

func scanSamples(rows chRows) ([]Sample, error) {
	var samples []Sample

	for rows.Next() {
		var smp Sample
		var valid uint8

		if err := rows.Scan(&smp.Mint, &smp.ObservedAt, &smp.Seq, &smp.ElapsedSeconds, &smp.Price, &valid); err != nil {
			return nil, fmt.Errorf("scan price sample row: %w", err)
		}

		smp.Valid = valid == 1
		samples = append(samples, smp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price sample rows: %w", err)
	}

	return samples, nil
}
