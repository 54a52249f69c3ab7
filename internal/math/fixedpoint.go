package math

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// AmountConfig is the minor-unit precision of stakes and payouts (1e-8).
	AmountConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
	// RateConfig expresses rates in parts per million.
	RateConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without int64 overflow. Release the result with putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// DivideInt128 performs numerator / denominator with rounding. Both operands
// must be non-negative and denominator positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.DivMod(numerator, denom, remainder)
	result := quotient.Int64()

	if remainder.Sign() == 0 {
		return result
	}

	switch roundingMode {
	case RoundHalfEven:
		// Compare 2*remainder with denominator so odd denominators round correctly.
		twice := getInt128()
		defer putInt128(twice)
		twice.Lsh(remainder, 1)

		cmp := twice.Cmp(denom)
		if cmp > 0 || (cmp == 0 && result%2 != 0) {
			result++
		}
	case RoundUp:
		result++
	}

	return result
}

// ParseFixed converts a decimal string into fixed-point units of cfg. Inputs
// with more precision than cfg allows are rejected rather than rounded.
func ParseFixed(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return FromDecimal(d, cfg)
}

// FromDecimal converts d into fixed-point units of cfg.
func FromDecimal(d decimal.Decimal, cfg DecimalConfig) (int64, error) {
	scaled := d.Shift(int32(cfg.DecimalPrecision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%s has more than %d decimal places", d.String(), cfg.DecimalPrecision)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%s overflows fixed-point range", d.String())
	}
	return scaled.IntPart(), nil
}

// FormatFixed renders fixed-point units of cfg as a decimal string.
func FormatFixed(v int64, cfg DecimalConfig) string {
	return decimal.New(v, -int32(cfg.DecimalPrecision)).StringFixed(int32(cfg.DecimalPrecision))
}
