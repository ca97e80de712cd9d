package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-watch/internal/oracle/stub"
	"token-watch/internal/session"
	"token-watch/internal/storage/jsonfile"
)

type blockingRunner struct {
	release chan struct{}
	mu      sync.Mutex
	mints   []string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) Observe(ctx context.Context, mint string) (*session.Result, error) {
	r.mu.Lock()
	r.mints = append(r.mints, mint)
	r.mu.Unlock()

	select {
	case <-r.release:
		return &session.Result{Mint: mint, State: session.StateDone}, nil
	case <-ctx.Done():
		return &session.Result{Mint: mint}, ctx.Err()
	}
}

func TestDispatcher_ConcurrentSessionsBothPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "data.json")
	store, err := jsonfile.New(path, jsonfile.Options{})
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(
		stub.NewRunner(stub.Response{Output: stub.PriceOutput("100")}),
		stub.NewRunner(stub.Response{Output: stub.LiquidityOutput("50")}),
	)
	obs := f.observer(store, func(o *session.Options) {
		o.Window = -1
		o.PollDelay = -1
	})

	var mu sync.Mutex
	var results []*session.Result
	d := session.NewDispatcher(context.Background(), session.DispatcherOptions{
		Runner: obs,
		OnDone: func(res *session.Result, err error) {
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		},
	})

	require.NoError(t, d.Dispatch("mintA"))
	require.NoError(t, d.Dispatch("mintB"))
	d.Wait()

	assert.Len(t, results, 2)
	assert.Equal(t, int64(2), d.Started())
	assert.Equal(t, int64(0), d.InFlight())

	records, err := store.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	mints := []string{records[0].Mint, records[1].Mint}
	sort.Strings(mints)
	assert.Equal(t, []string{"mintA", "mintB"}, mints)
	for _, rec := range records {
		require.NotNil(t, rec.FinalPrice)
		assert.Equal(t, 5000.0, *rec.FinalPrice)
	}
}

func TestDispatcher_NoGuardAllowsSameMint(t *testing.T) {
	runner := newBlockingRunner()
	d := session.NewDispatcher(context.Background(), session.DispatcherOptions{Runner: runner})

	require.NoError(t, d.Dispatch("mint"))
	require.NoError(t, d.Dispatch("mint"))
	close(runner.release)
	d.Wait()

	assert.Equal(t, []string{"mint", "mint"}, runner.mints)
}

type doneLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *doneLog) record(_ *session.Result, err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *doneLog) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func TestDispatcher_GuardSkipsInFlightMint(t *testing.T) {
	runner := newBlockingRunner()
	done := &doneLog{}
	d := session.NewDispatcher(context.Background(), session.DispatcherOptions{
		Runner: runner,
		Guard:  session.NewMemoryGuard(),
		OnDone: done.record,
	})

	require.NoError(t, d.Dispatch("mint"))
	assert.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Dispatch("mint"))
	assert.Eventually(t, func() bool { return len(done.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, done.Errors()[0], session.ErrSessionInFlight)

	require.NoError(t, d.Dispatch("other"))
	assert.Eventually(t, func() bool { return d.InFlight() == 2 }, time.Second, 5*time.Millisecond)

	close(runner.release)
	d.Wait()

	require.NoError(t, d.Dispatch("mint"))
	d.Wait()
	assert.Equal(t, int64(3), d.Started(), "lease must be released after the session ends")
	assert.ElementsMatch(t, []string{"mint", "other", "mint"}, runner.mints)
}

type brokenGuard struct{}

func (brokenGuard) TryAcquire(context.Context, string) (func(), error) {
	return nil, errors.New("connection refused")
}

func TestDispatcher_GuardErrorDoesNotStartSession(t *testing.T) {
	runner := newBlockingRunner()
	done := &doneLog{}
	d := session.NewDispatcher(context.Background(), session.DispatcherOptions{
		Runner: runner,
		Guard:  brokenGuard{},
		OnDone: done.record,
	})

	require.NoError(t, d.Dispatch("mint"))
	d.Wait()

	errs := done.Errors()
	require.Len(t, errs, 1)
	require.Error(t, errs[0])
	assert.False(t, errors.Is(errs[0], session.ErrSessionInFlight))
	assert.Equal(t, int64(0), d.Started())
	assert.Empty(t, runner.mints)
}

// slowGuard holds every TryAcquire until unblock is closed.
type slowGuard struct {
	unblock chan struct{}
}

func (g slowGuard) TryAcquire(ctx context.Context, _ string) (func(), error) {
	select {
	case <-g.unblock:
		return func() {}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestDispatcher_SlowGuardDoesNotBlockDispatch(t *testing.T) {
	runner := newBlockingRunner()
	guard := slowGuard{unblock: make(chan struct{})}
	d := session.NewDispatcher(context.Background(), session.DispatcherOptions{
		Runner:       runner,
		Guard:        guard,
		GuardTimeout: time.Minute,
	})

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			assert.NoError(t, d.Dispatch("mint"))
		}
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Dispatch waited on the guard")
	}
	assert.Equal(t, int64(0), d.Started())

	close(guard.unblock)
	close(runner.release)
	d.Wait()
	assert.Equal(t, int64(5), d.Started())
}

func TestDispatcher_RefusesAfterContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := newBlockingRunner()
	d := session.NewDispatcher(ctx, session.DispatcherOptions{Runner: runner})

	assert.ErrorIs(t, d.Dispatch("mint"), context.Canceled)
	d.Wait()
	assert.Empty(t, runner.mints)
}

func TestMemoryGuard_ReleaseIsIdempotent(t *testing.T) {
	g := session.NewMemoryGuard()
	ctx := context.Background()

	release, err := g.TryAcquire(ctx, "mint")
	require.NoError(t, err)
	release()
	release()

	release2, err := g.TryAcquire(ctx, "mint")
	require.NoError(t, err)
	_, err = g.TryAcquire(ctx, "mint")
	assert.ErrorIs(t, err, session.ErrSessionInFlight)
	release2()
}
