package domain

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ErrInvalidMint is returned when a mint address is not a 32-byte base58 public key.
var ErrInvalidMint = errors.New("invalid mint address")

// MintInfo describes a decoded mint address.
type MintInfo struct {
	Mint string
	// OnCurve is false for program-derived addresses.
	OnCurve bool
}

// ValidateMint decodes a Solana mint address.
func ValidateMint(mint string) (MintInfo, error) {
	if mint == "" {
		return MintInfo{}, fmt.Errorf("%w: empty", ErrInvalidMint)
	}

	raw, err := base58.Decode(mint)
	if err != nil {
		return MintInfo{}, fmt.Errorf("%w: %v", ErrInvalidMint, err)
	}
	if len(raw) != 32 {
		return MintInfo{}, fmt.Errorf("%w: decoded length %d, want 32", ErrInvalidMint, len(raw))
	}

	_, err = new(edwards25519.Point).SetBytes(raw)
	return MintInfo{Mint: mint, OnCurve: err == nil}, nil
}
