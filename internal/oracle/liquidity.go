package oracle

import (
	"context"
	"io"
	"log"
	"time"

	"token-watch/internal/observability"
)

// LiquidityOracle looks up the pool reserve paired against a mint.
type LiquidityOracle interface {
	// Fetch returns nil when no reserve could be extracted.
	// A non-nil error (wrapping ErrProcessFailed) means the process itself failed.
	Fetch(ctx context.Context, mint string) (*float64, error)
}

// ProcessLiquidityOracle implements LiquidityOracle by running the pool lookup process.
type ProcessLiquidityOracle struct {
	runner CommandRunner
	cmd    Command
	logger *log.Logger
}

// NewProcessLiquidityOracle creates a liquidity oracle backed by an external command.
func NewProcessLiquidityOracle(runner CommandRunner, cmd Command, logger *log.Logger) *ProcessLiquidityOracle {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &ProcessLiquidityOracle{runner: runner, cmd: cmd, logger: logger}
}

// Fetch runs the pool lookup for mint and extracts lpReserve.
func (o *ProcessLiquidityOracle) Fetch(ctx context.Context, mint string) (*float64, error) {
	start := time.Now()
	out, err := o.runner.Run(ctx, o.cmd, mint)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		observability.RecordOracleCall("liquidity", "process_error", elapsed)
		return nil, err
	}

	reserve := ParseLPReserve(string(out))
	if reserve == nil {
		observability.RecordOracleCall("liquidity", "parse_error", elapsed)
		o.logger.Printf("lpReserve not found for %s", mint)
		return nil, nil
	}

	observability.RecordOracleCall("liquidity", "ok", elapsed)
	return reserve, nil
}

var _ LiquidityOracle = (*ProcessLiquidityOracle)(nil)
