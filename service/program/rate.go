package program

import (
	"fmt"
	"math/bits"
)

// RateModel quotes the output amount of a swap. The exchange rate is decided by
// the deployed program, so callers inject the model matching it.
type RateModel interface {
	Quote(amountIn uint64, dir Direction) (uint64, error)
}

// OneToOne quotes a constant 1:1 rate in base units.
type OneToOne struct{}

func (OneToOne) Quote(amountIn uint64, _ Direction) (uint64, error) {
	return amountIn, nil
}

// FixedRatio quotes amountIn*Num/Den for A->B and the inverse for B->A, rounding down.
type FixedRatio struct {
	Num uint64
	Den uint64
}

func (r FixedRatio) Quote(amountIn uint64, dir Direction) (uint64, error) {
	if r.Num == 0 || r.Den == 0 {
		return 0, fmt.Errorf("invalid ratio %d/%d", r.Num, r.Den)
	}
	num, den := r.Num, r.Den
	if dir.From == TokenB {
		num, den = den, num
	}
	hi, lo := bits.Mul64(amountIn, num)
	if hi >= den {
		return 0, fmt.Errorf("quote overflows: %d * %d / %d", amountIn, num, den)
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}
