package storage

import "errors"

// Storage errors for append-only record stores.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRetriesExhausted is returned when a write kept failing with I/O errors
	// until the retry ceiling was reached.
	ErrRetriesExhausted = errors.New("write retries exhausted")

	// ErrClosed is returned when appending to a store that has been closed.
	ErrClosed = errors.New("store closed")
)
