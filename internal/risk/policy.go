// Package risk implements the collateralization checks that gate borrowing,
// withdrawal and liquidation.
//
// Ratios are fixed-point integers over RatioScale: with a scale of 10000,
// 15000 means collateral must be worth 1.5x the debt. All comparisons are
// done by cross-multiplication so no division rounding enters the verdict.
package risk

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
)

var (
	// ErrRatioViolation is returned when a post-operation state would be
	// under-collateralized.
	ErrRatioViolation = errors.New("risk: collateralization ratio below minimum")

	// ErrInvalidPolicy is returned by NewPolicy for inconsistent thresholds.
	ErrInvalidPolicy = errors.New("risk: invalid policy")
)

// Policy holds the ratio thresholds. It is immutable and safe for
// concurrent use.
type Policy struct {
	scale       *uint256.Int
	minBorrow   *uint256.Int
	liquidation *uint256.Int
	warning     *uint256.Int // nil when no warning band is configured
}

// NewPolicy validates and builds a policy. warningRatio may be zero to
// disable the warning band; otherwise it must sit between the liquidation
// ratio and the minimum borrow ratio.
func NewPolicy(ratioScale, minBorrowRatio, liquidationRatio, warningRatio uint64) (*Policy, error) {
	if ratioScale == 0 {
		return nil, fmt.Errorf("%w: ratio scale must be positive", ErrInvalidPolicy)
	}
	if minBorrowRatio == 0 || liquidationRatio == 0 {
		return nil, fmt.Errorf("%w: ratios must be positive", ErrInvalidPolicy)
	}
	if liquidationRatio > minBorrowRatio {
		return nil, fmt.Errorf("%w: liquidation ratio %d above minimum borrow ratio %d",
			ErrInvalidPolicy, liquidationRatio, minBorrowRatio)
	}
	p := &Policy{
		scale:       uint256.NewInt(ratioScale),
		minBorrow:   uint256.NewInt(minBorrowRatio),
		liquidation: uint256.NewInt(liquidationRatio),
	}
	if warningRatio != 0 {
		if warningRatio < liquidationRatio || warningRatio > minBorrowRatio {
			return nil, fmt.Errorf("%w: warning ratio %d outside [%d, %d]",
				ErrInvalidPolicy, warningRatio, liquidationRatio, minBorrowRatio)
		}
		p.warning = uint256.NewInt(warningRatio)
	}
	return p, nil
}

// Admit accepts a post-borrow or post-withdraw state iff
// collateral * ratioScale >= debt * minBorrowRatio. Equality is admitted.
func (p *Policy) Admit(collateral, debt *uint256.Int) error {
	ok, err := p.covers(collateral, debt, p.minBorrow)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: collateral %s, debt %s",
			ErrRatioViolation, fixedpoint.OrZero(collateral).Dec(), fixedpoint.OrZero(debt).Dec())
	}
	return nil
}

// Trigger returns debt * liquidationRatio / ratioScale, the collateral
// value below which a position may be liquidated.
func (p *Policy) Trigger(debt *uint256.Int) (*uint256.Int, error) {
	return fixedpoint.MulDiv(debt, p.liquidation, p.scale)
}

// IsLiquidatable reports collateral < debt * liquidationRatio / ratioScale.
// Zero debt is never liquidatable.
func (p *Policy) IsLiquidatable(collateral, debt *uint256.Int) (bool, error) {
	if fixedpoint.OrZero(debt).IsZero() {
		return false, nil
	}
	trigger, err := p.Trigger(debt)
	if err != nil {
		return false, err
	}
	return fixedpoint.OrZero(collateral).Lt(trigger), nil
}

// Status classifies a position. The warning band is informational; no
// operation is gated on it.
func (p *Policy) Status(collateral, debt *uint256.Int) (string, error) {
	liq, err := p.IsLiquidatable(collateral, debt)
	if err != nil {
		return "", err
	}
	if liq {
		return model.HealthLiquidatable, nil
	}
	if p.warning != nil && !fixedpoint.OrZero(debt).IsZero() {
		ok, err := p.covers(collateral, debt, p.warning)
		if err != nil {
			return "", err
		}
		if !ok {
			return model.HealthWarning, nil
		}
	}
	return model.HealthHealthy, nil
}

// Ratio returns collateral * ratioScale / debt, or zero when debt is zero.
func (p *Policy) Ratio(collateral, debt *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.OrZero(debt).IsZero() {
		return fixedpoint.Zero(), nil
	}
	return fixedpoint.MulDiv(collateral, p.scale, debt)
}

// covers reports collateral * ratioScale >= debt * ratio. Both products are
// overflow-checked.
func (p *Policy) covers(collateral, debt, ratio *uint256.Int) (bool, error) {
	lhs, err := fixedpoint.Mul(collateral, p.scale)
	if err != nil {
		return false, err
	}
	rhs, err := fixedpoint.Mul(debt, ratio)
	if err != nil {
		return false, err
	}
	return !lhs.Lt(rhs), nil
}
