package oracle

import (
	"context"
	"io"
	"log"
	"math"

	"token-watch/internal/domain"
)

// TotalValue returns reserve * price, or nil when the reserve is absent
// or the price is the failure sentinel.
func TotalValue(reserve *float64, price domain.PriceSample) *float64 {
	if reserve == nil || !price.Valid() {
		return nil
	}
	v := *reserve * price.Float()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Valuator combines a liquidity lookup with a price sample.
type Valuator struct {
	liquidity LiquidityOracle
	logger    *log.Logger
}

// NewValuator creates a Valuator. A nil logger discards output.
func NewValuator(liquidity LiquidityOracle, logger *log.Logger) *Valuator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Valuator{liquidity: liquidity, logger: logger}
}

// Value returns the liquidity-weighted value of mint at price.
// Liquidity failures produce nil, never an error.
func (v *Valuator) Value(ctx context.Context, mint string, price domain.PriceSample) *float64 {
	reserve, err := v.liquidity.Fetch(ctx, mint)
	if err != nil {
		v.logger.Printf("liquidity lookup for %s failed: %v", mint, err)
		return nil
	}
	if reserve == nil {
		v.logger.Printf("no lpReserve found for %s", mint)
		return nil
	}

	total := TotalValue(reserve, price)
	v.logger.Printf("valuation for %s: reserve=%v price=%v total=%v", mint, *reserve, price, formatOptional(total))
	return total
}

func formatOptional(v *float64) interface{} {
	if v == nil {
		return "null"
	}
	return *v
}
