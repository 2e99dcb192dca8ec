// Package fixedpoint provides checked unsigned 256-bit arithmetic for ledger
// amounts, prices and values.
//
// Every operation that can wrap returns an error instead. Amounts cross the
// API and storage boundaries as shopspring/decimal integers in base units;
// ToDecimal and FromDecimal are the only conversions between the two worlds.
package fixedpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixedpoint: arithmetic overflow")

	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("fixedpoint: arithmetic underflow")

	// ErrDivideByZero is returned for a zero divisor.
	ErrDivideByZero = errors.New("fixedpoint: division by zero")

	// ErrInvalidAmount is returned when a decimal is negative or fractional.
	ErrInvalidAmount = errors.New("fixedpoint: amount must be a non-negative integer")
)

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// New returns v as a 256-bit integer.
func New(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Pow10 returns 10^n.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// OrZero treats a nil pointer as zero.
func OrZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return Zero()
	}
	return x
}

// Add returns a + b.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(OrZero(a), OrZero(b))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns a - b, failing with ErrUnderflow when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(OrZero(a), OrZero(b))
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// Mul returns a * b.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(OrZero(a), OrZero(b))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDiv returns floor(a * b / d). The intermediate product is 512 bits wide,
// so only a final result above 2^256-1 overflows.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, ErrDivideByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(OrZero(a), OrZero(b), d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if OrZero(a).Lt(OrZero(b)) {
		return OrZero(a).Clone()
	}
	return OrZero(b).Clone()
}

// Parse reads a base-10 integer string such as "1000000000000000000".
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return z, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	z, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return z
}

// ToDecimal converts a base-unit integer into a decimal with exponent 0.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(OrZero(x).ToBig(), 0)
}

// FromDecimal converts an integral, non-negative decimal into base units.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() || !d.IsInteger() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, d.String())
	}
	z, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Shift renders x scaled down by 10^decimals for display, e.g. 1500000 with
// six decimals becomes 1.5.
func Shift(x *uint256.Int, decimals uint8) decimal.Decimal {
	return ToDecimal(x).Shift(-int32(decimals))
}
