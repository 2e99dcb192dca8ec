package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/valuation"
)

// Deposit posts amount of token as collateral. For the native token the
// caller must attach exactly amount; for every other token nothing may be
// attached and the amount is pulled from the caller's balance. Deposits
// never consult the risk policy.
func (e *Engine) Deposit(ctx context.Context, user, token string, amount, attached *uint256.Int) (*model.Record, error) {
	user, err := checkUser(user)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	tok, err := e.token(token)
	if err != nil {
		return nil, err
	}
	attached = fixedpoint.OrZero(attached)
	if e.tokens.IsNative(tok.ID) {
		if !attached.Eq(amount) {
			return nil, fmt.Errorf("%w: attached %s, declared %s", ErrWrongPayment, attached.Dec(), amount.Dec())
		}
	} else if !attached.IsZero() {
		return nil, fmt.Errorf("%w: %s deposits take no native value", ErrWrongPayment, tok.ID)
	}

	return e.run(ctx, model.KindDeposit, func(ctx context.Context, tx *ledger.Tx) (*model.Record, error) {
		if err := tx.RecordCollateralChange(tok.ID, user, amount, true); err != nil {
			return nil, err
		}
		coll, err := e.val.ValuePosition(ctx, tx, user, ledger.Collateral)
		if err != nil {
			return nil, err
		}
		_, cachedDebt := tx.Cached(user)
		tx.SetCachedValues(user, coll, cachedDebt)

		if err := e.bank.Pull(ctx, tok.ID, user, amount); err != nil {
			return nil, err
		}
		return newRecord(model.KindDeposit, tok.ID, user, amount), nil
	})
}

// Withdraw releases amount of collateral token back to the caller if the
// account stays above the minimum borrow ratio afterwards.
func (e *Engine) Withdraw(ctx context.Context, user, token string, amount *uint256.Int) (*model.Record, error) {
	user, err := checkUser(user)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	tok, err := e.token(token)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, model.KindWithdraw, func(ctx context.Context, tx *ledger.Tx) (*model.Record, error) {
		if err := tx.RecordCollateralChange(tok.ID, user, amount, false); err != nil {
			return nil, err
		}
		coll, debt, err := e.revalue(ctx, tx, user)
		if err != nil {
			return nil, err
		}
		if err := e.policy.Admit(coll, debt); err != nil {
			return nil, err
		}
		if err := e.payout(ctx, tok.ID, user, amount); err != nil {
			return nil, err
		}
		return newRecord(model.KindWithdraw, tok.ID, user, amount), nil
	})
}

// Borrow opens amount of token as debt. An entry fee, valued in the
// reference token, is added to the caller's reference-token debt and
// credited to the fee pool.
func (e *Engine) Borrow(ctx context.Context, user, token string, amount *uint256.Int) (*model.Record, error) {
	user, err := checkUser(user)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	tok, err := e.token(token)
	if err != nil {
		return nil, err
	}
	if e.tokens.IsNative(tok.ID) {
		return nil, fmt.Errorf("%w: cannot borrow native %s", ErrProhibitedToken, tok.ID)
	}

	return e.run(ctx, model.KindBorrow, func(ctx context.Context, tx *ledger.Tx) (*model.Record, error) {
		if cached, _ := tx.Cached(user); cached.IsZero() {
			return nil, ErrNoCollateral
		}
		price, err := e.val.RequirePrice(ctx, tok.ID)
		if err != nil {
			return nil, err
		}
		value, err := e.val.Value(amount, price)
		if err != nil {
			return nil, err
		}
		fee, err := valuation.Fee(value, e.loanFee, e.feeScale)
		if err != nil {
			return nil, err
		}

		if !fee.IsZero() {
			if err := tx.RecordDebtChange(e.tokens.Reference(), user, fee, true); err != nil {
				return nil, err
			}
		}
		if err := tx.RecordDebtChange(tok.ID, user, amount, true); err != nil {
			return nil, err
		}
		coll, debt, err := e.revalue(ctx, tx, user)
		if err != nil {
			return nil, err
		}
		if err := e.policy.Admit(coll, debt); err != nil {
			return nil, err
		}
		if err := tx.AddFee(fee); err != nil {
			return nil, err
		}
		if err := e.payout(ctx, tok.ID, user, amount); err != nil {
			return nil, err
		}

		rec := newRecord(model.KindBorrow, tok.ID, user, amount)
		rec.Rate = fixedpoint.ToDecimal(price)
		rec.Fee = fixedpoint.ToDecimal(fee)
		return rec, nil
	})
}

// Repay pulls amount of token from the caller against outstanding debt.
// Any amount up to the debt is accepted; there is no fee and no ratio
// check.
func (e *Engine) Repay(ctx context.Context, user, token string, amount *uint256.Int) (*model.Record, error) {
	user, err := checkUser(user)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	tok, err := e.token(token)
	if err != nil {
		return nil, err
	}
	if e.tokens.IsNative(tok.ID) {
		return nil, fmt.Errorf("%w: native %s is never debt", ErrProhibitedToken, tok.ID)
	}

	return e.run(ctx, model.KindRepay, func(ctx context.Context, tx *ledger.Tx) (*model.Record, error) {
		if err := tx.RecordDebtChange(tok.ID, user, amount, false); err != nil {
			return nil, err
		}
		if _, _, err := e.revalue(ctx, tx, user); err != nil {
			return nil, err
		}
		if err := e.bank.Pull(ctx, tok.ID, user, amount); err != nil {
			return nil, err
		}
		return newRecord(model.KindRepay, tok.ID, user, amount), nil
	})
}

// Liquidate closes owner's position once collateral has fallen below
// debt * liquidationRatio / ratioScale. Anyone may call it. Every collateral
// and debt balance of owner is zeroed; in liquidator mode the seized
// collateral is paid to caller, otherwise it stays in custody.
func (e *Engine) Liquidate(ctx context.Context, caller, owner string) (*model.Record, error) {
	caller, err := checkUser(caller)
	if err != nil {
		return nil, err
	}
	owner, err = checkUser(owner)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, model.KindLiquidate, func(ctx context.Context, tx *ledger.Tx) (*model.Record, error) {
		coll, debt, err := e.val.Values(ctx, tx, owner)
		if err != nil {
			return nil, err
		}
		liquidatable, err := e.policy.IsLiquidatable(coll, debt)
		if err != nil {
			return nil, err
		}
		if !liquidatable {
			trigger, _ := e.policy.Trigger(debt)
			return nil, fmt.Errorf("%w: collateral %s, trigger %s",
				ErrNotLiquidatable, coll.Dec(), fixedpoint.OrZero(trigger).Dec())
		}

		seized := tx.Liquidate(owner)
		if _, _, err := e.revalue(ctx, tx, owner); err != nil {
			return nil, err
		}
		if e.mode == ModeLiquidator {
			if err := e.paySeized(ctx, caller, seized); err != nil {
				return nil, err
			}
		}
		metrics.Liquidations.WithLabelValues(e.mode).Inc()

		rec := &model.Record{
			Kind:     model.KindLiquidate,
			User:     owner,
			Actor:    caller,
			Amount:   fixedpoint.ToDecimal(coll),
			ToAmount: fixedpoint.ToDecimal(debt),
		}
		return rec, nil
	})
}

// paySeized pushes each seized balance to the liquidator. If one push
// fails, the earlier ones are pulled back so custody is left as it was.
func (e *Engine) paySeized(ctx context.Context, liquidator string, seized []ledger.Seized) error {
	for i, s := range seized {
		if err := e.payout(ctx, s.Token, liquidator, s.Amount); err != nil {
			for _, paid := range seized[:i] {
				if perr := e.bank.Pull(ctx, paid.Token, liquidator, paid.Amount); perr != nil {
					slog.Error("failed to claw back seized collateral",
						"token", paid.Token,
						"liquidator", liquidator,
						"amount", paid.Amount.Dec(),
						"err", perr,
					)
				}
			}
			return err
		}
	}
	return nil
}
