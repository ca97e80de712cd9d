package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"token-watch/internal/observability"
)

// ErrSessionInFlight is returned by a Guard when the mint already has a
// running session.
var ErrSessionInFlight = errors.New("session already in flight")

// DefaultGuardTimeout bounds a single Guard.TryAcquire call.
const DefaultGuardTimeout = 2 * time.Second

// Guard grants at most one lease per mint.
type Guard interface {
	// TryAcquire returns a release func, or ErrSessionInFlight if mint is held.
	TryAcquire(ctx context.Context, mint string) (release func(), err error)
}

// SessionRunner runs one session to completion. *Observer implements it.
type SessionRunner interface {
	Observe(ctx context.Context, mint string) (*Result, error)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Runner SessionRunner
	// Guard enforces the same-mint policy. Nil allows concurrent sessions for one mint.
	Guard        Guard
	GuardTimeout time.Duration // Default: 2s
	// OnDone, if set, is called from the session goroutine after each session,
	// or with a nil result when the guard refuses the mint.
	OnDone func(res *Result, err error)
	Logger *log.Logger
}

// Dispatcher starts one goroutine per session.
type Dispatcher struct {
	ctx          context.Context
	runner       SessionRunner
	guard        Guard
	guardTimeout time.Duration
	onDone       func(*Result, error)
	logger       *log.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
	started  atomic.Int64
}

// NewDispatcher creates a Dispatcher whose sessions run under ctx.
func NewDispatcher(ctx context.Context, opts DispatcherOptions) *Dispatcher {
	guardTimeout := opts.GuardTimeout
	if guardTimeout == 0 {
		guardTimeout = DefaultGuardTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Dispatcher{
		ctx:          ctx,
		runner:       opts.Runner,
		guard:        opts.Guard,
		guardTimeout: guardTimeout,
		onDone:       opts.OnDone,
		logger:       logger,
	}
}

// Dispatch starts a session for mint and returns without waiting for it or
// for the guard. A mint the guard refuses reaches OnDone with a nil result and
// ErrSessionInFlight.
func (d *Dispatcher) Dispatch(mint string) error {
	if err := d.ctx.Err(); err != nil {
		return fmt.Errorf("dispatch %s: %w", mint, err)
	}

	d.wg.Add(1)
	go d.run(mint)
	return nil
}

func (d *Dispatcher) run(mint string) {
	defer d.wg.Done()

	release, err := d.acquire(mint)
	if err != nil {
		if d.onDone != nil {
			d.onDone(nil, err)
		}
		return
	}
	defer release()

	d.started.Add(1)
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	res, err := d.runner.Observe(d.ctx, mint)
	if err != nil {
		d.logger.Printf("session for %s: %v", mint, err)
	}
	if d.onDone != nil {
		d.onDone(res, err)
	}
}

// acquire takes the guard lease for mint, if a guard is configured.
func (d *Dispatcher) acquire(mint string) (func(), error) {
	if d.guard == nil {
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.guardTimeout)
	defer cancel()
	release, err := d.guard.TryAcquire(ctx, mint)
	if err == nil {
		return release, nil
	}
	if errors.Is(err, ErrSessionInFlight) {
		observability.RecordSessionSkipped("in_flight")
		d.logger.Printf("session for %s already running, ignoring", mint)
		return nil, err
	}
	observability.RecordSessionSkipped("guard_error")
	d.logger.Printf("acquire guard for %s: %v", mint, err)
	return nil, fmt.Errorf("acquire guard for %s: %w", mint, err)
}

// Wait blocks until every dispatched session has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// InFlight returns the number of running sessions.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Started returns the number of sessions dispatched so far.
func (d *Dispatcher) Started() int64 {
	return d.started.Load()
}

// MemoryGuard is an in-process Guard.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryGuard creates an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]struct{})}
}

// TryAcquire leases mint until the returned func is called.
func (g *MemoryGuard) TryAcquire(_ context.Context, mint string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[mint]; ok {
		return nil, ErrSessionInFlight
	}
	g.held[mint] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, mint)
			g.mu.Unlock()
		})
	}, nil
}

var (
	_ Guard         = (*MemoryGuard)(nil)
	_ SessionRunner = (*Observer)(nil)
)
