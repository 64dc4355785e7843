// Package money provides shared fixed-point amount parsing and
// formatting utilities.
//
// Mobile-money amounts use 2 decimal places. All arithmetic is done on
// big.Int values in the smallest unit (1 TZS = 100 units) so the ledger
// balance invariant stays exact; binary floats are never used.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1000.50") to its smallest-unit
// big.Int representation (100050). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - A single leading '-' is allowed, so Sub output round-trips
//   - Multiple decimal points are rejected
//   - Fractional parts longer than 2 digits are rejected
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 2 decimal places (e.g. "1000.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Add returns a+b for two decimal strings. Invalid inputs parse as zero.
func Add(a, b string) string {
	return Format(new(big.Int).Add(parseOrZero(a), parseOrZero(b)))
}

// Sub returns a-b for two decimal strings. Invalid inputs parse as zero.
func Sub(a, b string) string {
	return Format(new(big.Int).Sub(parseOrZero(a), parseOrZero(b)))
}

// Cmp compares two decimal strings: -1 if a<b, 0 if equal, 1 if a>b.
func Cmp(a, b string) int {
	return parseOrZero(a).Cmp(parseOrZero(b))
}

// IsPositive reports whether the decimal string parses to a value > 0.
func IsPositive(s string) bool {
	x, ok := Parse(s)
	return ok && x != nil && x.Sign() > 0
}

// Percent returns pct% of amount, truncated to the smallest unit.
// pct is a decimal percentage string: Percent("10000.00", "2.5") = "250.00".
func Percent(amount, pct string) string {
	a, okA := Parse(amount)
	p, okP := Parse(pct)
	if !okA || !okP {
		return "0.00"
	}
	// amount * pct / (100 * 10^Decimals), pct itself carrying 2 decimals
	num := new(big.Int).Mul(a, p)
	den := big.NewInt(100 * 100)
	return Format(num.Div(num, den))
}

func parseOrZero(s string) *big.Int {
	x, ok := Parse(s)
	if !ok || x == nil {
		return big.NewInt(0)
	}
	return x
}
