package math

import (
	"fmt"
)

// DefaultRakePPM is the platform rake of 3.5%.
const DefaultRakePPM int64 = 35_000

// FeeCalculator splits a pot into platform fee and winner payout. It holds
// only the configured rate and is safe for concurrent use.
type FeeCalculator struct {
	ratePPM int64
}

// NewFeeCalculator accepts a rake in parts per million, 0 <= rate < 1_000_000.
func NewFeeCalculator(ratePPM int64) (*FeeCalculator, error) {
	if ratePPM < 0 || ratePPM >= RateConfig.Scale {
		return nil, fmt.Errorf("rake %d ppm out of range [0, %d)", ratePPM, RateConfig.Scale)
	}
	return &FeeCalculator{ratePPM: ratePPM}, nil
}

// NewFeeCalculatorFromString parses a decimal rake such as "0.035".
func NewFeeCalculatorFromString(rate string) (*FeeCalculator, error) {
	ppm, err := ParseFixed(rate, RateConfig)
	if err != nil {
		return nil, fmt.Errorf("rake rate: %w", err)
	}
	return NewFeeCalculator(ppm)
}

func (c *FeeCalculator) RatePPM() int64 {
	return c.ratePPM
}

// Split returns fee = round_half_even(pot * rate) and payout = pot - fee.
// fee + payout == pot holds for every pot >= 0.
func (c *FeeCalculator) Split(pot int64) (fee, payout int64, err error) {
	if pot < 0 {
		return 0, 0, fmt.Errorf("negative pot %d", pot)
	}
	product := MultiplyInt128(pot, c.ratePPM)
	defer putInt128(product)

	fee = DivideInt128(product, RateConfig.Scale, RoundHalfEven)
	return fee, pot - fee, nil
}
