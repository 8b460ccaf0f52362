package protocol

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MaxBPS is the basis point denominator used by vault and strategy.
const MaxBPS = 10_000

// MaxUint256 returns 2**256-1, the conventional "unlimited" amount.
func MaxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// IsMax reports whether v is 2**256-1.
func IsMax(v *uint256.Int) bool {
	return v != nil && v.Eq(MaxUint256())
}

// Zero returns a fresh zero amount.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Amount converts a uint64 into an amount.
func Amount(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Ether scales v by 1e18.
func Ether(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), uint256.NewInt(1e18))
}

// ParseAmount parses the amount notations used in fixtures and scenarios:
//
//	"max"        2**256-1
//	"35000"      plain decimal
//	"35_000e18"  decimal mantissa with underscores and a base-10 exponent
//	"0.5e18"     fractional mantissa as long as the exponent absorbs it
func ParseAmount(s string) (*uint256.Int, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.EqualFold(raw, "max") {
		return MaxUint256(), nil
	}
	raw = strings.ReplaceAll(raw, "_", "")

	mantissa, exp := raw, 0
	if i := strings.IndexAny(raw, "eE"); i >= 0 {
		mantissa = raw[:i]
		if _, err := fmt.Sscanf(raw[i+1:], "%d", &exp); err != nil || exp < 0 || exp > 77 {
			return nil, fmt.Errorf("invalid exponent in amount %q", s)
		}
	}

	intPart, fracPart := mantissa, ""
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		intPart, fracPart = mantissa[:i], mantissa[i+1:]
	}
	fracPart = strings.TrimRight(fracPart, "0")
	if len(fracPart) > exp {
		return nil, fmt.Errorf("amount %q is not an integer", s)
	}
	digits := intPart + fracPart + strings.Repeat("0", exp-len(fracPart))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return Zero(), nil
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid amount %q", s)
		}
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// MustParseAmount is ParseAmount for constants.
func MustParseAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatAmount renders v as a plain decimal, "max" for 2**256-1.
func FormatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	if IsMax(v) {
		return "max"
	}
	return v.Dec()
}

// MulDiv returns x*y/d with a 512-bit intermediate. Division by zero yields zero.
func MulDiv(x, y, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		return Zero()
	}
	z, _ := new(uint256.Int).MulDivOverflow(x, y, d)
	return z
}

// Min returns the smaller of a and b as a new value.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// SubFloor returns a-b, or zero when b > a.
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return Zero()
	}
	return new(uint256.Int).Sub(a, b)
}
