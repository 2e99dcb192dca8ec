// Package valuation prices ledger positions in the reference denomination.
//
// Every function here is a pure read over a ledger view and the oracle. All
// arithmetic is checked 256-bit fixed point: a value is
//
//	amount * price / 10^priceDecimals
//
// rounded down, so value is never overstated in the pool's disfavor. Token
// amounts and reference values share one base-unit scale; prices carry the
// oracle's decimal precision.
package valuation

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/oracle"
)

var (
	// ErrZeroPrice is returned when a size-determining conversion meets a
	// zero oracle rate.
	ErrZeroPrice = errors.New("valuation: oracle has no usable rate")

	// ErrInvalidDecimals is returned for a price precision above 36 digits.
	ErrInvalidDecimals = errors.New("valuation: price decimals out of range")
)

// Engine converts between token amounts and reference values.
// It is stateless: ledger state is passed in as a view on every call.
type Engine struct {
	oracle   oracle.Oracle
	decimals uint8
	scale    *uint256.Int // 10^decimals
}

// NewEngine creates a valuation engine over an oracle whose prices carry
// priceDecimals fractional digits.
func NewEngine(o oracle.Oracle, priceDecimals uint8) (*Engine, error) {
	if o == nil {
		return nil, errors.New("valuation: nil oracle")
	}
	if priceDecimals > 36 {
		return nil, ErrInvalidDecimals
	}
	return &Engine{oracle: o, decimals: priceDecimals, scale: fixedpoint.Pow10(priceDecimals)}, nil
}

// Decimals is the fixed-point precision of oracle prices.
func (e *Engine) Decimals() uint8 { return e.decimals }

// Price fetches the current rate of token.
func (e *Engine) Price(ctx context.Context, token string) (*uint256.Int, error) {
	p, err := e.oracle.Price(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("valuation: price %s: %w", token, err)
	}
	return fixedpoint.OrZero(p), nil
}

// RequirePrice is Price that rejects a zero rate.
func (e *Engine) RequirePrice(ctx context.Context, token string) (*uint256.Int, error) {
	p, err := e.Price(ctx, token)
	if err != nil {
		return nil, err
	}
	if p.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrZeroPrice, token)
	}
	return p, nil
}

// Value returns amount * price / 10^priceDecimals.
func (e *Engine) Value(amount, price *uint256.Int) (*uint256.Int, error) {
	return fixedpoint.MulDiv(amount, price, e.scale)
}

// Amount is the inverse of Value: value * 10^priceDecimals / price.
func (e *Engine) Amount(value, price *uint256.Int) (*uint256.Int, error) {
	if price == nil || price.IsZero() {
		return nil, ErrZeroPrice
	}
	return fixedpoint.MulDiv(value, e.scale, price)
}

// Fee returns value * rate / scale.
func Fee(value, rate, scale *uint256.Int) (*uint256.Int, error) {
	return fixedpoint.MulDiv(value, rate, scale)
}

// ValuePosition sums the reference value of every token in user's kind
// list at current oracle prices. A zero price contributes nothing; oracle
// failures propagate.
func (e *Engine) ValuePosition(ctx context.Context, view ledger.View, user string, kind ledger.Kind) (*uint256.Int, error) {
	total := fixedpoint.Zero()
	for _, token := range view.Tokens(user, kind) {
		amount := ledger.Balance(view, kind, token, user)
		if amount.IsZero() {
			continue
		}
		price, err := e.Price(ctx, token)
		if err != nil {
			return nil, err
		}
		v, err := e.Value(amount, price)
		if err != nil {
			return nil, fmt.Errorf("valuation: %s %s: %w", kind, token, err)
		}
		if total, err = fixedpoint.Add(total, v); err != nil {
			return nil, fmt.Errorf("valuation: %s total: %w", kind, err)
		}
	}
	return total, nil
}

// Values returns both aggregates for user.
func (e *Engine) Values(ctx context.Context, view ledger.View, user string) (collateral, debt *uint256.Int, err error) {
	if collateral, err = e.ValuePosition(ctx, view, user, ledger.Collateral); err != nil {
		return nil, nil, err
	}
	if debt, err = e.ValuePosition(ctx, view, user, ledger.Debt); err != nil {
		return nil, nil, err
	}
	return collateral, debt, nil
}

// Conversion is the result of pricing a sell leg against a buy leg.
type Conversion struct {
	Value *uint256.Int // reference value of the sold amount
	Fee   *uint256.Int // charged once on Value
	Net   *uint256.Int // Value - Fee
	Out   *uint256.Int // amount of the bought token
}

// Convert prices amount of one token into another through the reference
// denomination. A nil rate marks that leg as the reference token itself, in
// which case the conversion is skipped and the amount passes through. The
// fee is taken once, on the sell leg's value.
func (e *Engine) Convert(amount, fromRate, toRate, feeRate, feeScale *uint256.Int) (Conversion, error) {
	var (
		c   Conversion
		err error
	)
	if fromRate == nil {
		c.Value = fixedpoint.OrZero(amount).Clone()
	} else {
		if fromRate.IsZero() {
			return Conversion{}, ErrZeroPrice
		}
		if c.Value, err = e.Value(amount, fromRate); err != nil {
			return Conversion{}, err
		}
	}
	if c.Fee, err = Fee(c.Value, feeRate, feeScale); err != nil {
		return Conversion{}, err
	}
	if c.Net, err = fixedpoint.Sub(c.Value, c.Fee); err != nil {
		return Conversion{}, err
	}
	if toRate == nil {
		c.Out = c.Net.Clone()
		return c, nil
	}
	if c.Out, err = e.Amount(c.Net, toRate); err != nil {
		return Conversion{}, err
	}
	return c, nil
}
