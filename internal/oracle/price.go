package oracle

import (
	"context"
	"io"
	"log"
	"time"

	"token-watch/internal/domain"
	"token-watch/internal/observability"
)

// PriceOracle fetches the current price of a mint.
type PriceOracle interface {
	// Fetch returns domain.PriceUnavailable when the output cannot be parsed.
	// A non-nil error (wrapping ErrProcessFailed) means the process itself failed.
	Fetch(ctx context.Context, mint string) (domain.PriceSample, error)
}

// ProcessPriceOracle implements PriceOracle by running the price-fetch process.
type ProcessPriceOracle struct {
	runner CommandRunner
	cmd    Command
	logger *log.Logger
}

// NewProcessPriceOracle creates a price oracle backed by an external command.
func NewProcessPriceOracle(runner CommandRunner, cmd Command, logger *log.Logger) *ProcessPriceOracle {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &ProcessPriceOracle{runner: runner, cmd: cmd, logger: logger}
}

// Fetch runs the price process for mint and parses its output.
func (o *ProcessPriceOracle) Fetch(ctx context.Context, mint string) (domain.PriceSample, error) {
	start := time.Now()
	out, err := o.runner.Run(ctx, o.cmd, mint)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		observability.RecordOracleCall("price", "process_error", elapsed)
		o.logger.Printf("price process for %s failed: %v", mint, err)
		return domain.PriceUnavailable, err
	}

	price := ParsePrice(string(out))
	if !price.Valid() {
		observability.RecordOracleCall("price", "parse_error", elapsed)
		o.logger.Printf("could not parse price for %s from %q", mint, out)
		return price, nil
	}

	observability.RecordOracleCall("price", "ok", elapsed)
	return price, nil
}

var _ PriceOracle = (*ProcessPriceOracle)(nil)
