package math_test

import (
	"EscrowLedger/internal/math"
	"math/big"
	"math/rand"
	"testing"
)

func mustCalc(t *testing.T, rate string) *math.FeeCalculator {
	t.Helper()
	c, err := math.NewFeeCalculatorFromString(rate)
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	return c
}

// ============================================================================
// Test: FeeCalculator
// ============================================================================

func TestSplit_Scenarios(t *testing.T) {
	c := mustCalc(t, "0.035")
	cases := []struct {
		name        string
		pot         int64
		fee, payout int64
	}{
		{"half plus half", 100_000_000, 3_500_000, 96_500_000},
		{"five plus five", 1_000_000_000, 35_000_000, 965_000_000},
		{"zero pot", 0, 0, 0},
		{"single unit rounds to zero", 1, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fee, payout, err := c.Split(tc.pot)
			if err != nil {
				t.Fatal(err)
			}
			if fee != tc.fee || payout != tc.payout {
				t.Errorf("got (%d, %d), want (%d, %d)", fee, payout, tc.fee, tc.payout)
			}
		})
	}
}

func TestSplit_BankersRounding(t *testing.T) {
	// 50% of an odd pot lands exactly on .5 units.
	c, _ := math.NewFeeCalculator(500_000)
	cases := []struct{ pot, fee int64 }{
		{1, 0}, // 0.5 -> 0
		{3, 2}, // 1.5 -> 2
		{5, 2}, // 2.5 -> 2
		{7, 4}, // 3.5 -> 4
	}
	for _, tc := range cases {
		fee, _, _ := c.Split(tc.pot)
		if fee != tc.fee {
			t.Errorf("pot %d: fee %d, want %d", tc.pot, fee, tc.fee)
		}
	}
}

func TestSplit_Conserves(t *testing.T) {
	c := mustCalc(t, "0.035")
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10_000; i++ {
		pot := rng.Int63()
		fee, payout, err := c.Split(pot)
		if err != nil {
			t.Fatal(err)
		}
		if fee+payout != pot {
			t.Fatalf("pot %d: fee %d + payout %d != pot", pot, fee, payout)
		}
		// |fee*1e6 - pot*rate| <= 1e6/2
		exact := new(big.Int).Mul(big.NewInt(pot), big.NewInt(35_000))
		diff := new(big.Int).Sub(new(big.Int).Mul(big.NewInt(fee), big.NewInt(1_000_000)), exact)
		if diff.Abs(diff).Cmp(big.NewInt(500_000)) > 0 {
			t.Fatalf("pot %d: fee %d is not the nearest integer", pot, fee)
		}
	}
}

func TestSplit_NegativePot(t *testing.T) {
	c := mustCalc(t, "0.035")
	if _, _, err := c.Split(-1); err == nil {
		t.Error("negative pot must be rejected")
	}
}

func TestNewFeeCalculator_Range(t *testing.T) {
	if _, err := math.NewFeeCalculator(-1); err == nil {
		t.Error("negative rate accepted")
	}
	if _, err := math.NewFeeCalculator(1_000_000); err == nil {
		t.Error("100% rate accepted")
	}
	if _, err := math.NewFeeCalculatorFromString("0.0000001"); err == nil {
		t.Error("sub-ppm rate accepted")
	}
	c := mustCalc(t, "0.035")
	if c.RatePPM() != math.DefaultRakePPM {
		t.Errorf("rate: got %d", c.RatePPM())
	}
}

// ============================================================================
// Test: Fixed-point parsing
// ============================================================================

func TestParseFixed(t *testing.T) {
	v, err := math.ParseFixed("0.5", math.AmountConfig)
	if err != nil || v != 50_000_000 {
		t.Errorf("0.5: got %d, %v", v, err)
	}
	if _, err := math.ParseFixed("0.000000001", math.AmountConfig); err == nil {
		t.Error("9 decimals accepted at 8-decimal precision")
	}
	if _, err := math.ParseFixed("abc", math.AmountConfig); err == nil {
		t.Error("garbage accepted")
	}
	if s := math.FormatFixed(96_500_000, math.AmountConfig); s != "0.96500000" {
		t.Errorf("format: got %s", s)
	}
}
