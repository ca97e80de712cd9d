package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-watch/internal/domain"
	"token-watch/internal/oracle"
	"token-watch/internal/oracle/stub"
	"token-watch/internal/session"
	"token-watch/internal/storage"
	"token-watch/internal/storage/memory"
)

const testMint = "So11111111111111111111111111111111111111112"

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fixture struct {
	clock     *fakeClock
	prices    *stub.Runner
	liquidity *stub.Runner
	store     *memory.RecordStore
}

func newFixture(prices, liquidity *stub.Runner) *fixture {
	f := &fixture{
		clock:     newFakeClock(),
		prices:    prices,
		liquidity: liquidity,
		store:     memory.NewRecordStore(),
	}
	prices.OnCall = func(resp stub.Response) { f.clock.Advance(resp.Latency) }
	return f
}

func (f *fixture) observer(store storage.RecordStore, mutate func(*session.Options)) *session.Observer {
	if store == nil {
		store = f.store
	}
	opts := session.Options{
		Prices:     oracle.NewProcessPriceOracle(f.prices, oracle.Command{Name: "price"}, nil),
		Valuator:   oracle.NewValuator(oracle.NewProcessLiquidityOracle(f.liquidity, oracle.Command{Name: "pools"}, nil), nil),
		Store:      store,
		Clock:      f.clock,
		MaxRetries: session.DefaultMaxRetries,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return session.NewObserver(opts)
}

func processFailure() error {
	return fmt.Errorf("%w: exit status 1", oracle.ErrProcessFailed)
}

func TestObserve_ReferenceMintSkipped(t *testing.T) {
	f := newFixture(stub.NewRunner(stub.Response{Output: stub.PriceOutput("1")}), stub.NewRunner())
	obs := f.observer(nil, nil)

	res, err := obs.Observe(context.Background(), domain.DefaultReferenceMint)
	require.NoError(t, err)

	assert.Equal(t, session.StateDone, res.State)
	assert.True(t, res.Skipped)
	assert.Nil(t, res.Record)
	assert.Empty(t, f.prices.Calls())
	assert.Empty(t, f.liquidity.Calls())
	assert.Equal(t, 0, f.store.Len())
}

func TestObserve_CustomReferenceMint(t *testing.T) {
	f := newFixture(stub.NewRunner(stub.Response{Output: stub.PriceOutput("1")}), stub.NewRunner())
	obs := f.observer(nil, func(o *session.Options) { o.ReferenceMint = "ref" })

	res, err := obs.Observe(context.Background(), "ref")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.prices.Calls())
}

func TestObserve_RetryBound(t *testing.T) {
	f := newFixture(stub.NewRunner(stub.Response{Output: "garbage"}), stub.NewRunner())
	obs := f.observer(nil, nil)

	res, err := obs.Observe(context.Background(), testMint)
	require.NoError(t, err)

	assert.Equal(t, session.StateAborted, res.State)
	assert.ErrorIs(t, res.Cause, session.ErrRetriesExhausted)
	assert.Equal(t, session.DefaultMaxRetries+1, res.Attempts)
	assert.Len(t, f.prices.Calls(), session.DefaultMaxRetries+1)
	assert.Equal(t, []session.State{
		session.StateInitPricing,
		session.StateInitRetry,
		session.StateAborted,
	}, res.Transitions)
	assert.NotContains(t, res.Transitions, session.StatePolling)
	assert.Equal(t, []time.Duration{
		session.DefaultRetryDelay,
		session.DefaultRetryDelay,
		session.DefaultRetryDelay,
	}, f.clock.Sleeps())
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.liquidity.Calls())
}

func TestObserve_RetryBoundSmallN(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		attempts   int
	}{
		{"no retries", 0, 1},
		{"one retry", 1, 2},
		{"negative uses default", -1, session.DefaultMaxRetries + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(stub.NewRunner(stub.Response{Output: "garbage"}), stub.NewRunner())
			obs := f.observer(nil, func(o *session.Options) { o.MaxRetries = tt.maxRetries })

			res, err := obs.Observe(context.Background(), testMint)
			require.NoError(t, err)

			assert.Equal(t, session.StateAborted, res.State)
			assert.ErrorIs(t, res.Cause, session.ErrRetriesExhausted)
			assert.Equal(t, tt.attempts, res.Attempts)
			assert.Len(t, f.prices.Calls(), tt.attempts)
			assert.Len(t, f.clock.Sleeps(), tt.attempts-1)
			assert.Equal(t, 0, f.store.Len())
		})
	}
}

func TestObserve_RetryRecovers(t *testing.T) {
	f := newFixture(stub.NewRunner(
		stub.Response{Output: "garbage"},
		stub.Response{Output: stub.PriceOutput("oops")},
		stub.Response{Output: stub.PriceOutput("2")},
	), stub.NewRunner(stub.Response{Output: stub.LiquidityOutput("10")}))
	obs := f.observer(nil, func(o *session.Options) {
		o.Window = -1
		o.PollDelay = -1
	})

	res, err := obs.Observe(context.Background(), testMint)
	require.NoError(t, err)

	assert.Equal(t, session.StateDone, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Transitions, session.StateInitRetry)
	require.NotNil(t, res.Record.InitialPriceLP)
	assert.Equal(t, 20.0, *res.Record.InitialPriceLP)
}

func TestObserve_ProcessFailureOnFirstCall(t *testing.T) {
	f := newFixture(stub.NewRunner(stub.Response{Err: processFailure()}), stub.NewRunner())
	obs := f.observer(nil, nil)

	res, err := obs.Observe(context.Background(), testMint)
	require.NoError(t, err)

	assert.Equal(t, session.StateAborted, res.State)
	assert.ErrorIs(t, res.Cause, oracle.ErrProcessFailed)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, f.prices.Calls(), 1)
	assert.Nil(t, res.Record)
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.clock.Sleeps())
}

func TestObserve_ProcessFailureDuringRetry(t *testing.T) {
	f := newFixture(stub.NewRunner(
		stub.Response{Output: "garbage"},
		stub.Response{Err: processFailure()},
		stub.Response{Output: stub.PriceOutput("1")},
	), stub.NewRunner())
	obs := f.observer(nil, nil)

	res, err := obs.Observe(context.Background(), testMint)
	require.NoError(t, err)

	assert.Equal(t, session.StateAborted, res.State)
	assert.ErrorIs(t, res.Cause, oracle.ErrProcessFailed)
	assert.Equal(t, 2, res.Attempts)
}

func TestObserve_ZeroWindow(t *testing.T) {
	f := newFixture(
		stub.NewRunner(stub.Response{Output: stub.PriceOutput("100")}),
		stub.NewRunner(stub.Response{Output: stub.LiquidityOutput("50")}),
	)
	obs := f.observer(nil, func(o *session.Options) {
		o.Window = -1
		o.PollDelay = -1
	})

	res, err := obs.Observe(context.Background(), testMint)
	require.NoError(t, err)

	assert.Equal(t, session.StateDone, res.State)
	assert.Equal(t, []session.State{
		session.StateInitPricing,
		session.StatePolling,
		session.StateFinalizing,
		session.StateDone,
	}, res.Transitions)

	records, err := f.store.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, testMint, rec.Mint)
	require.NotNil(t, rec.InitialPriceLP)
	assert.Equal(t, 5000.0, *rec.InitialPriceLP)
	require.NotNil(t, rec.FinalPrice)
	assert.Equal(t, 5000.0, *rec.FinalPrice)

	assert.Equal(t, 1, rec.Prices.Len())
	p, ok := rec.Prices.Get(0)
	require.True(t, ok)
	assert.Equal(t, domain.PriceSample(100), p)
	assert.Len(t, f.prices.Calls(), 2)
}

func TestObserve_PollingRecordsSentinelOnFailure(t *testing.T) {
	latency := 3 * time.Second
	f := newFixture(stub.NewRunner(
		stub.Response{Output: stub.PriceOutput("1.5"), Latency: latency},
		stub.Response{Err: processFailure(), Latency: latency},
		stub.Response{Output: stub.PriceOutput("2"), Latency: latency},
	), stub.NewRunner(stub.Response{Output: stub.LiquidityOutput("10")}))
	obs := f.observer(nil, func(o *session.Options) {
		o.Window = 9 * time.Second
	})

	res, err := obs.Observe(context.Background(), testMint)
	require.NoError(t, err)
	require.Equal(t, session.StateDone, res.State)

	rec := res.Record
	assert.Equal(t, []domain.SeriesPoint{
		{ElapsedSeconds: 0, Price: 1.5},
		{ElapsedSeconds: 6, Price: domain.PriceUnavailable},
		{ElapsedSeconds: 9, Price: 2},
	}, rec.Prices.Points())
	require.NotNil(t, rec.InitialPriceLP)
	assert.Equal(t, 15.0, *rec.InitialPriceLP)
	require.NotNil(t, rec.FinalPrice)
	assert.Equal(t, 20.0, *rec.FinalPrice)
	assert.Equal(t, []time.Duration{session.DefaultPollDelay}, f.clock.Sleeps())
}

func TestObserve_FinalSentinelHasNoValuation(t *testing.T) {
	f := newFixture(stub.NewRunner(
		stub.Response{Output: stub.PriceOutput("1")},
		stub.Response{Output: "no price here"},
	), stub.NewRunner(stub.Response{Output: stub.LiquidityOutput("10")}))
	obs := f.observer(nil, func(o *session.Options) {
		o.Window = -1
		o.PollDelay = -1
	})

	res, err := obs.Observe(context.Background(), testMint)
	require.NoError(t, err)

	assert.NotNil(t, res.Record.InitialPriceLP)
	assert.Nil(t, res.Record.FinalPrice)
}

func TestObserve_MissingLiquidityGivesNullValuations(t *testing.T) {
	f := newFixture(
		stub.NewRunner(stub.Response{Output: stub.PriceOutput("1")}),
		stub.NewRunner(stub.Response{Err: processFailure()}),
	)
	obs := f.observer(nil, func(o *session.Options) {
		o.Window = -1
		o.PollDelay = -1
	})

	res, err := obs.Observe(context.Background(), testMint)
	require.NoError(t, err)

	assert.Equal(t, session.StateDone, res.State)
	assert.Nil(t, res.Record.InitialPriceLP)
	assert.Nil(t, res.Record.FinalPrice)
	assert.Equal(t, 1, f.store.Len())
}

func TestObserve_ContextCancelledDuringRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(stub.NewRunner(stub.Response{Output: "garbage"}), stub.NewRunner())
	f.prices.OnCall = func(stub.Response) { cancel() }
	obs := f.observer(nil, nil)

	res, err := obs.Observe(ctx, testMint)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, session.StateInitRetry, res.State)
	assert.Equal(t, 0, f.store.Len())
}

type failingStore struct{}

func (failingStore) Append(context.Context, *domain.TokenRecord) error {
	return fmt.Errorf("append: %w", storage.ErrRetriesExhausted)
}

func TestObserve_StoreFailureSurfaces(t *testing.T) {
	f := newFixture(
		stub.NewRunner(stub.Response{Output: stub.PriceOutput("1")}),
		stub.NewRunner(stub.Response{Output: stub.LiquidityOutput("1")}),
	)
	obs := f.observer(failingStore{}, func(o *session.Options) {
		o.Window = -1
		o.PollDelay = -1
	})

	res, err := obs.Observe(context.Background(), testMint)
	assert.True(t, errors.Is(err, storage.ErrRetriesExhausted))
	assert.Equal(t, session.StateFinalizing, res.State)
	assert.NotNil(t, res.Record)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "INIT_PRICING", session.StateInitPricing.String())
	assert.Equal(t, "ABORTED", session.StateAborted.String())
	assert.True(t, session.StateDone.Terminal())
	assert.False(t, session.StatePolling.Terminal())
}
