package oracle

import (
	"math"
	"strconv"
	"strings"

	"token-watch/internal/domain"
)

// lpReserveMarker labels the reserve quantity in the liquidity oracle's output.
const lpReserveMarker = "lpReserve:"

// ParsePrice extracts the price from the price oracle's output.
// Expected format: the second line's second whitespace-delimited field is the price.
// Anything else yields domain.PriceUnavailable.
func ParsePrice(output string) domain.PriceSample {
	lines := strings.Split(output, "\n")
	if len(lines) < 2 {
		return domain.PriceUnavailable
	}

	fields := strings.Fields(lines[1])
	if len(fields) < 2 {
		return domain.PriceUnavailable
	}

	v, ok := parseFinite(fields[1])
	if !ok {
		return domain.PriceUnavailable
	}
	return domain.PriceSample(v)
}

// ParseLPReserve extracts the lpReserve value from the liquidity oracle's output.
// The value runs from the marker to the first following ',' or '}'.
// Returns nil when the marker, the delimiter or a numeric value is missing.
func ParseLPReserve(output string) *float64 {
	start := strings.Index(output, lpReserveMarker)
	if start == -1 {
		return nil
	}
	rest := output[start+len(lpReserveMarker):]

	end := strings.IndexAny(rest, ",}")
	if end == -1 {
		return nil
	}

	v, ok := parseFinite(strings.TrimSpace(rest[:end]))
	if !ok {
		return nil
	}
	return &v
}

// parseFinite parses a float, rejecting NaN and infinities.
func parseFinite(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
