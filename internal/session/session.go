// Package session runs a single token's observation window from initial
// pricing to the persisted record.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"token-watch/internal/domain"
	"token-watch/internal/observability"
	"token-watch/internal/oracle"
	"token-watch/internal/storage"
)

// Defaults for Options.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 3 * time.Second
	DefaultPollDelay  = 3 * time.Second
	DefaultWindow     = 60 * time.Second
)

// ErrRetriesExhausted is the abort cause when no valid initial price was
// obtained within the retry budget.
var ErrRetriesExhausted = errors.New("initial price retries exhausted")

// State is a session lifecycle state.
type State int

const (
	StateInitPricing State = iota
	StateInitRetry
	StatePolling
	StateFinalizing
	StateDone
	StateAborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitPricing:
		return "INIT_PRICING"
	case StateInitRetry:
		return "INIT_RETRY"
	case StatePolling:
		return "POLLING"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Valuer values a mint at a given price. *oracle.Valuator implements it.
type Valuer interface {
	Value(ctx context.Context, mint string, price domain.PriceSample) *float64
}

// Result describes how a session ended.
type Result struct {
	Mint string
	// State is the last state entered.
	State State
	// Skipped is set for the reference mint, which is never observed.
	Skipped bool
	// Attempts counts price fetches made while securing the initial price.
	Attempts int
	// Transitions lists every state entered, in order.
	Transitions []State
	// Record is the emitted record; nil unless FINALIZING was reached.
	Record *domain.TokenRecord
	// Cause explains an ABORTED session.
	Cause error
}

func (r *Result) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// Options configures an Observer.
type Options struct {
	Prices        oracle.PriceOracle
	Valuator      Valuer
	Store         storage.RecordStore
	Clock         Clock
	ReferenceMint string        // Default: domain.DefaultReferenceMint
	MaxRetries    int           // Zero means a single attempt; negative means the default of 3
	RetryDelay    time.Duration // Default: 3s
	PollDelay     time.Duration // Default: 3s; negative means no delay
	Window        time.Duration // Default: 60s; negative means a zero-length window
	Logger        *log.Logger
}

// Observer runs observation sessions. It holds no per-session state and is
// safe for concurrent use.
type Observer struct {
	prices        oracle.PriceOracle
	valuator      Valuer
	store         storage.RecordStore
	clock         Clock
	referenceMint string
	maxRetries    int
	retryDelay    time.Duration
	pollDelay     time.Duration
	window        time.Duration
	logger        *log.Logger
}

// NewObserver creates an Observer.
func NewObserver(opts Options) *Observer {
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}

	referenceMint := opts.ReferenceMint
	if referenceMint == "" {
		referenceMint = domain.DefaultReferenceMint
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = DefaultRetryDelay
	}

	pollDelay := opts.PollDelay
	if pollDelay == 0 {
		pollDelay = DefaultPollDelay
	} else if pollDelay < 0 {
		pollDelay = 0
	}

	window := opts.Window
	if window == 0 {
		window = DefaultWindow
	} else if window < 0 {
		window = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Observer{
		prices:        opts.Prices,
		valuator:      opts.Valuator,
		store:         opts.Store,
		clock:         clock,
		referenceMint: referenceMint,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		pollDelay:     pollDelay,
		window:        window,
		logger:        logger,
	}
}

// Observe runs one session for mint and blocks until it ends.
//
// An ABORTED session is not an error: the Result carries the cause. A non-nil
// error means the context ended the run or the record could not be persisted.
func (o *Observer) Observe(ctx context.Context, mint string) (*Result, error) {
	res := &Result{Mint: mint}
	res.enter(StateInitPricing)

	if mint == o.referenceMint {
		o.logger.Printf("%s is the reference mint, skipping", mint)
		observability.RecordSessionSkipped("reference")
		res.Skipped = true
		res.enter(StateDone)
		return res, nil
	}

	began := o.clock.Now()
	observability.RecordSessionStarted()
	defer func() {
		observability.RecordSessionFinished(res.State.String(), o.clock.Now().Sub(began).Seconds())
	}()

	initial, err := o.initialPrice(ctx, res)
	if err != nil {
		return res, err
	}
	if res.State == StateAborted {
		return res, nil
	}

	res.enter(StatePolling)
	last, series, initialLP, err := o.poll(ctx, mint, initial)
	if err != nil {
		return res, err
	}

	res.enter(StateFinalizing)
	rec := &domain.TokenRecord{
		Mint:           mint,
		InitialPriceLP: initialLP,
		FinalPrice:     o.valuator.Value(ctx, mint, last),
		Prices:         series,
	}
	res.Record = rec

	if err := o.store.Append(ctx, rec); err != nil {
		o.logger.Printf("persist record for %s: %v", mint, err)
		return res, fmt.Errorf("persist record for %s: %w", mint, err)
	}

	res.enter(StateDone)
	o.logger.Printf("session for %s done: %d samples", mint, series.Len())
	return res, nil
}

// initialPrice fetches until a valid price is seen. On abort it leaves res in
// StateAborted and returns a nil error.
func (o *Observer) initialPrice(ctx context.Context, res *Result) (domain.PriceSample, error) {
	price, err := o.fetchInitial(ctx, res)
	if err != nil {
		return price, err
	}
	if res.State == StateAborted || price.Valid() {
		observability.RecordInitialAttempts(res.Attempts)
		return price, nil
	}

	res.enter(StateInitRetry)
	for retry := 0; retry < o.maxRetries; retry++ {
		if err := o.clock.Sleep(ctx, o.retryDelay); err != nil {
			return price, err
		}

		price, err = o.fetchInitial(ctx, res)
		if err != nil {
			return price, err
		}
		if res.State == StateAborted {
			return price, nil
		}
		if price.Valid() {
			observability.RecordInitialAttempts(res.Attempts)
			return price, nil
		}
		o.logger.Printf("retry %d/%d for %s: price unavailable", retry+1, o.maxRetries, res.Mint)
	}

	observability.RecordInitialAttempts(res.Attempts)
	o.abort(res, fmt.Errorf("%s after %d attempts: %w", res.Mint, res.Attempts, ErrRetriesExhausted))
	return price, nil
}

// fetchInitial makes one counted fetch. A process failure aborts the session.
func (o *Observer) fetchInitial(ctx context.Context, res *Result) (domain.PriceSample, error) {
	res.Attempts++
	price, err := o.prices.Fetch(ctx, res.Mint)
	if err == nil {
		return price, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return price, ctxErr
	}

	o.abort(res, fmt.Errorf("initial price for %s: %w", res.Mint, err))
	return price, nil
}

func (o *Observer) abort(res *Result, cause error) {
	o.logger.Printf("session for %s aborted: %v", res.Mint, cause)
	res.Cause = cause
	res.enter(StateAborted)
}

// poll records samples from the post-delay start until the window elapses.
// It returns the last sample taken.
func (o *Observer) poll(ctx context.Context, mint string, initial domain.PriceSample) (domain.PriceSample, domain.TimeSeries, *float64, error) {
	start := o.clock.Now()
	initialLP := o.valuator.Value(ctx, mint, initial)

	series := domain.NewTimeSeries(initial)
	if err := o.clock.Sleep(ctx, o.pollDelay); err != nil {
		return initial, series, initialLP, err
	}

	windowSeconds := o.window.Seconds()
	for {
		sample, err := o.prices.Fetch(ctx, mint)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sample, series, initialLP, ctxErr
			}
			o.logger.Printf("price sample for %s failed: %v", mint, err)
			sample = domain.PriceUnavailable
		}
		observability.RecordSample(sample.Valid())

		elapsed := o.clock.Now().Sub(start).Seconds()
		series.Set(elapsed, sample)
		o.logger.Printf("%s: t=%.3fs price=%v", mint, elapsed, sample)

		if elapsed >= windowSeconds {
			return sample, series, initialLP, nil
		}
		if err := ctx.Err(); err != nil {
			return sample, series, initialLP, err
		}
	}
}
