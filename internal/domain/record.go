package domain

// DefaultReferenceMint is the USDC mint. The pipeline prices tokens against it,
// so a request to observe it is ignored.
const DefaultReferenceMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// TokenRecord is the outcome of one observation session.
// Corresponds to one element of the result document.
type TokenRecord struct {
	Mint           string     `json:"mint"`
	InitialPriceLP *float64   `json:"initial_price_LP"` // liquidity-weighted value at start, nil if unknown
	FinalPrice     *float64   `json:"final_price"`      // liquidity-weighted value at end, nil if unknown
	Prices         TimeSeries `json:"prices"`           // elapsed seconds -> price sample
}

// Clone returns a deep copy so callers cannot mutate an emitted record.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	c := &TokenRecord{
		Mint:   r.Mint,
		Prices: r.Prices.Clone(),
	}
	if r.InitialPriceLP != nil {
		v := *r.InitialPriceLP
		c.InitialPriceLP = &v
	}
	if r.FinalPrice != nil {
		v := *r.FinalPrice
		c.FinalPrice = &v
	}
	return c
}
