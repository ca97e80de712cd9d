package domain

// PriceSample is a single price read from the price oracle.
// PriceUnavailable marks a sample the oracle output could not be parsed into.
type PriceSample float64

// PriceUnavailable is the sentinel for a failed price query. It is never a real price.
const PriceUnavailable PriceSample = -1.0

// Valid reports whether the sample carries a real price.
func (p PriceSample) Valid() bool {
	return p != PriceUnavailable
}

// Float returns the raw sample value, sentinel included.
func (p PriceSample) Float() float64 {
	return float64(p)
}
