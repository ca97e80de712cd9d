package memory

import (
	"context"
	"sync"

	"token-watch/internal/domain"
	"token-watch/internal/storage"
)

// RecordStore is an in-memory implementation of storage.RecordStore.
type RecordStore struct {
	mu      sync.RWMutex
	records []*domain.TokenRecord
	byMint  map[string][]int // mint -> indexes into records
}

// NewRecordStore creates a new in-memory record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byMint: make(map[string][]int),
	}
}

// Append stores a copy of rec.
func (s *RecordStore) Append(_ context.Context, rec *domain.TokenRecord) error {
	if rec == nil || rec.Mint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byMint[rec.Mint] = append(s.byMint[rec.Mint], len(s.records))
	s.records = append(s.records, rec.Clone())
	return nil
}

// Records returns copies of all records in append order.
func (s *RecordStore) Records(_ context.Context) ([]*domain.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.TokenRecord, 0, len(s.records))
	for _, r := range s.records {
		result = append(result, r.Clone())
	}
	return result, nil
}

// GetByMint returns copies of the records for mint in append order.
func (s *RecordStore) GetByMint(_ context.Context, mint string) ([]*domain.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byMint[mint]
	if !ok {
		return nil, storage.ErrNotFound
	}

	result := make([]*domain.TokenRecord, 0, len(idx))
	for _, i := range idx {
		result = append(result, s.records[i].Clone())
	}
	return result, nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var (
	_ storage.RecordStore  = (*RecordStore)(nil)
	_ storage.RecordReader = (*RecordStore)(nil)
	_ storage.MintReader   = (*RecordStore)(nil)
)
