// Package jsonfile persists token records into a single JSON array document.
//
// All appends go through one writer goroutine, so any number of sessions can
// call Append concurrently without losing each other's records. Each write
// replaces the whole document through a temp file and rename, so a reader never
// observes a truncated array.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"token-watch/internal/domain"
	"token-watch/internal/observability"
	"token-watch/internal/storage"
)

var (
	errNotArray  = errors.New("top level is not an array")
	errNotObject = errors.New("entry is not an object")
)

// Default configuration values.
const (
	DefaultPath        = "./logs/data.json"
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 1 * time.Second
	DefaultQueueSize   = 64
)

// Options configures a Store.
type Options struct {
	// MaxRetries is the number of write attempts before giving up. Default: 5.
	MaxRetries int
	// BackoffBase scales the wait between attempts: BackoffBase * 2^attempt. Default: 1s.
	BackoffBase time.Duration
	// QueueSize is the writer queue capacity. Default: 64.
	QueueSize int
	Logger    *log.Logger
}

type appendRequest struct {
	ctx    context.Context
	rec    *domain.TokenRecord
	result chan error
}

// Store is a single-writer append-only JSON document.
type Store struct {
	path        string
	maxRetries  int
	backoffBase time.Duration
	logger      *log.Logger

	requests  chan appendRequest
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	corruptions atomic.Int64
}

// New opens the document at path, creating it as an empty array if it is
// missing or empty, and starts the writer.
func New(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Store{
		path:        path,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		logger:      logger,
		requests:    make(chan appendRequest, queueSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	if err := s.ensureDocument(); err != nil {
		return nil, fmt.Errorf("init result document: %w", err)
	}

	go s.writeLoop()
	return s, nil
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Append queues rec for the writer and waits for it to be persisted.
// If ctx ends while waiting, the record may still be written.
func (s *Store) Append(ctx context.Context, rec *domain.TokenRecord) error {
	if rec == nil || rec.Mint == "" {
		return storage.ErrInvalidInput
	}

	req := appendRequest{
		ctx:    ctx,
		rec:    rec.Clone(),
		result: make(chan error, 1),
	}

	select {
	case <-s.done:
		return storage.ErrClosed
	default:
	}

	select {
	case s.requests <- req:
	case <-s.done:
		return storage.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		select {
		case err := <-req.result:
			return err
		default:
			return storage.ErrClosed
		}
	}
}

// Records returns every record currently in the document.
func (s *Store) Records(_ context.Context) ([]*domain.TokenRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read result document: %w", err)
	}

	entries, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("decode result document: %w", err)
	}

	records := make([]*domain.TokenRecord, 0, len(entries))
	for i, raw := range entries {
		var rec domain.TokenRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode result document entry %d: %w", i, err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// CorruptionCount returns how many times a malformed document was discarded.
func (s *Store) CorruptionCount() int64 {
	return s.corruptions.Load()
}

// Close stops accepting appends, finishes queued ones and stops the writer.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.stopped
	return nil
}

// writeLoop is the only goroutine that touches the document.
func (s *Store) writeLoop() {
	defer close(s.stopped)

	for {
		select {
		case req := <-s.requests:
			req.result <- s.appendWithRetry(req.ctx, req.rec)
		case <-s.done:
			// Finish whatever was queued before Close.
			for {
				select {
				case req := <-s.requests:
					req.result <- s.appendWithRetry(req.ctx, req.rec)
				default:
					return
				}
			}
		}
	}
}

// appendWithRetry retries I/O failures with exponential backoff.
func (s *Store) appendWithRetry(ctx context.Context, rec *domain.TokenRecord) error {
	attempt := 0
	for {
		err := s.appendOnce(rec)
		if err == nil {
			observability.RecordStoreAppend("ok")
			s.logger.Printf("appended %s to %s", rec.Mint, s.path)
			return nil
		}
		if errors.Is(err, storage.ErrInvalidInput) {
			observability.RecordStoreAppend("invalid")
			return err
		}

		attempt++
		if attempt >= s.maxRetries {
			observability.RecordStoreAppend("failed")
			s.logger.Printf("maximum retries reached, failed to write %s: %v", s.path, err)
			return fmt.Errorf("append %s to %s after %d attempts: %w: %w", rec.Mint, s.path, attempt, storage.ErrRetriesExhausted, err)
		}

		wait := s.backoffBase * time.Duration(1<<attempt)
		observability.RecordStoreRetry()
		s.logger.Printf("attempt %d: unable to access %s (%v), retrying in %v", attempt, s.path, err, wait)

		select {
		case <-ctx.Done():
			observability.RecordStoreAppend("canceled")
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// appendOnce performs one read-modify-write of the document.
func (s *Store) appendOnce(rec *domain.TokenRecord) error {
	if err := s.ensureDocument(); err != nil {
		return err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	entries, err := decodeDocument(data)
	if err != nil {
		s.corruptions.Add(1)
		observability.RecordStoreCorruption()
		s.logger.Printf("result document %s is corrupt (%v), discarding %d bytes and reinitializing", s.path, err, len(data))
		entries = nil
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record: %v", storage.ErrInvalidInput, err)
	}

	// Existing entries are carried as raw JSON so fields this version does not
	// know about survive the rewrite.
	entries = append(entries, encoded)
	out, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	return writeAtomic(s.path, out)
}

// ensureDocument creates the document as an empty array if it is missing or empty.
func (s *Store) ensureDocument() error {
	info, err := os.Stat(s.path)
	if err == nil && info.Size() > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat: %w", err)
	}

	s.logger.Printf("file %s does not exist or is empty, initializing with an empty list", s.path)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return writeAtomic(s.path, []byte("[]"))
}

// decodeDocument splits the document into its array entries. Empty content is
// an empty array. Anything other than an array of objects is corrupt.
func decodeDocument(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != '[' {
		return nil, errNotArray
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	for i, raw := range entries {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			return nil, fmt.Errorf("entry %d: %w", i, errNotObject)
		}
	}
	return entries, nil
}

// writeAtomic replaces path with data via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

var (
	_ storage.RecordStore  = (*Store)(nil)
	_ storage.RecordReader = (*Store)(nil)
)
