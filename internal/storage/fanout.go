package storage

import (
	"context"
	"io"
	"log"

	"token-watch/internal/domain"
	"token-watch/internal/observability"
)

// Mirror is a named secondary record store.
type Mirror struct {
	Name  string
	Store RecordStore
}

// Fanout writes every record to a primary store, then to each mirror.
// Only primary failures are returned; mirror failures are logged and counted.
type Fanout struct {
	primary RecordStore
	mirrors []Mirror
	logger  *log.Logger
}

// NewFanout creates a Fanout. A nil logger discards output.
func NewFanout(primary RecordStore, mirrors []Mirror, logger *log.Logger) *Fanout {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Fanout{primary: primary, mirrors: mirrors, logger: logger}
}

// Append writes rec to the primary store and, if that succeeds, to every mirror.
func (f *Fanout) Append(ctx context.Context, rec *domain.TokenRecord) error {
	if err := f.primary.Append(ctx, rec); err != nil {
		return err
	}

	for _, m := range f.mirrors {
		if err := m.Store.Append(ctx, rec); err != nil {
			observability.RecordMirrorError(m.Name)
			f.logger.Printf("mirror %s: append %s: %v", m.Name, rec.Mint, err)
		}
	}
	return nil
}

var _ RecordStore = (*Fanout)(nil)
