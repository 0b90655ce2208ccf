package main

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var maxRaw = decimal.NewFromUint64(math.MaxUint64)

// parseAmount converts a UI amount such as "12.5" into raw token units.
// It rejects amounts with more fractional digits than the mint supports.
func parseAmount(s string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("invalid amount %q: must be greater than zero", s)
	}
	raw := d.Shift(int32(decimals))
	if !raw.Equal(raw.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: at most %d decimal places", s, decimals)
	}
	if raw.GreaterThan(maxRaw) {
		return 0, fmt.Errorf("invalid amount %q: too large", s)
	}
	return raw.BigInt().Uint64(), nil
}

// formatAmount renders raw token units in UI units.
func formatAmount(raw uint64, decimals uint8) string {
	return decimal.NewFromUint64(raw).Shift(-int32(decimals)).String()
}
