// Package money provides shared fixed-point amount parsing and formatting.
//
// Amounts travel as decimal strings (e.g. "19.99") and are stored as
// big.Int in currency minor units (1 unit = 0.01). Binary floats are
// never used for monetary values.
package money

import (
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits carried by every amount.
const Decimals = 2

// Parse converts a decimal string (e.g. "19.99" or "-19.99") to its
// minor-unit big.Int representation (1999). Returns (nil, false) on
// invalid input. Negative values are valid: unguarded account balances
// (external in/out) go negative by construction, so balances must
// round-trip through Parse and Format with their sign intact. Entry
// amounts are validated for positivity at the journal layer.
//
// Rules:
//   - Empty string returns (0, true)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
		if s == "" || strings.HasPrefix(s, "-") {
			return nil, false
		}
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

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

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

// Format converts a minor-unit big.Int to a human-readable decimal
// string with exactly 2 decimal places (e.g. "19.99").
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

// IsPositive reports whether s parses to a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Cmp compares two amount strings. It returns -1, 0, or 1 like big.Int.Cmp.
// Invalid inputs compare as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// Add returns the formatted sum of two amount strings.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil || bv == nil {
		return "0.00"
	}
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns the formatted difference a-b of two amount strings.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil || bv == nil {
		return "0.00"
	}
	return Format(new(big.Int).Sub(av, bv))
}
