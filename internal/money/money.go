// Package money parses and formats NGN amounts.
//
// Amounts are held as big.Int in minor units (kobo, 1 NGN = 100 kobo).
// Commission rates are held in basis points (1 bps = 0.01%).
package money

import (
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits carried by an amount.
const Decimals = 2

// BpsScale is the number of basis points in a whole rate (100%).
const BpsScale = 10_000

const rateDecimals = 4

// Parse converts a decimal string (e.g. "1500.50") to kobo (150050).
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Surrounding whitespace is ignored, empty input is rejected
//   - Signs, exponents and digit separators are rejected
//   - More than two fractional digits are rejected, never truncated
func Parse(s string) (*big.Int, bool) {
	return parseFixed(strings.TrimSpace(s), Decimals)
}

// ParsePositive is Parse restricted to amounts greater than zero.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format converts kobo to a decimal string with exactly two
// fractional digits (e.g. "5000.00").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Normalize reformats a valid amount string into its canonical form.
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// ParseRate converts a decimal fraction (e.g. "0.05") to basis points (500).
// At most four fractional digits are accepted.
func ParseRate(s string) (int64, bool) {
	v, ok := parseFixed(strings.TrimSpace(s), rateDecimals)
	if !ok || !v.IsInt64() {
		return 0, false
	}
	return v.Int64(), true
}

// FormatRate renders basis points as a decimal fraction ("0.0500").
func FormatRate(bps int64) string {
	s := big.NewInt(bps).String()
	for len(s) < rateDecimals+1 {
		s = "0" + s
	}
	point := len(s) - rateDecimals
	return s[:point] + "." + s[point:]
}

// Commission returns amount * bps / 10000 in kobo, rounded half up.
func Commission(amount *big.Int, bps int64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps <= 0 {
		return big.NewInt(0)
	}
	n := new(big.Int).Mul(amount, big.NewInt(bps))
	n.Add(n, big.NewInt(BpsScale/2))
	return n.Quo(n, big.NewInt(BpsScale))
}

// Add returns a + b as a formatted amount. Invalid inputs count as zero.
func Add(a, b string) string {
	x, ok := Parse(a)
	if !ok {
		x = big.NewInt(0)
	}
	y, ok := Parse(b)
	if !ok {
		y = big.NewInt(0)
	}
	return Format(new(big.Int).Add(x, y))
}

func parseFixed(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	whole, frac, hasPoint := strings.Cut(s, ".")
	if whole == "" || (hasPoint && frac == "") {
		return nil, false
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, false
	}
	if len(frac) > decimals {
		return nil, false
	}
	frac += strings.Repeat("0", decimals-len(frac))
	return new(big.Int).SetString(whole+frac, 10)
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
