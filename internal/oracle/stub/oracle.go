// Package stub provides canned oracle implementations for tests.
package stub

import (
	"context"
	"sync"
	"time"

	"token-watch/internal/oracle"
)

// Response is one canned process result.
type Response struct {
	Output string
	Err    error
	// Latency is passed to OnCall so fake clocks can advance.
	Latency time.Duration
}

// Runner implements oracle.CommandRunner from a script of responses.
// After the script is exhausted the last response repeats.
type Runner struct {
	mu        sync.Mutex
	responses []Response
	calls     []string
	// OnCall runs for every invocation, before the response is returned.
	OnCall func(resp Response)
}

// NewRunner creates a runner returning responses in order.
func NewRunner(responses ...Response) *Runner {
	return &Runner{responses: responses}
}

// Run returns the next scripted response.
func (r *Runner) Run(ctx context.Context, _ oracle.Command, mint string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	idx := len(r.calls)
	r.calls = append(r.calls, mint)
	var resp Response
	if len(r.responses) > 0 {
		if idx >= len(r.responses) {
			idx = len(r.responses) - 1
		}
		resp = r.responses[idx]
	}
	onCall := r.OnCall
	r.mu.Unlock()

	if onCall != nil {
		onCall(resp)
	}
	return []byte(resp.Output), resp.Err
}

// Calls returns the mints the runner was invoked with.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

var _ oracle.CommandRunner = (*Runner)(nil)

// PriceOutput renders price the way the price-fetch script prints it.
func PriceOutput(price string) string {
	return "Fetching prices...\nPrice: " + price + " USDC\n"
}

// LiquidityOutput renders a pool lookup result carrying reserve.
func LiquidityOutput(reserve string) string {
	return "[ { id: 'pool1', lpReserve:" + reserve + ", baseReserve: 10 } ]\n"
}
