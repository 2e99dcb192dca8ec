package engine

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/valuation"
)

// Buy sells amount of token to the caller for reference tokens. The caller
// pays value(amount) plus the trade fee. Buy, Sell and Trade move spendable
// balances only; they never touch collateral or debt.
func (e *Engine) Buy(ctx context.Context, user, token string, amount *uint256.Int) (*model.Record, error) {
	user, tok, err := e.checkSpot(user, token, amount)
	if err != nil {
		return nil, err
	}
	ref := e.tokens.Reference()

	return e.run(ctx, model.KindBuy, func(ctx context.Context, tx *ledger.Tx) (*model.Record, error) {
		rate, err := e.val.RequirePrice(ctx, tok.ID)
		if err != nil {
			return nil, err
		}
		cost, err := e.val.Value(amount, rate)
		if err != nil {
			return nil, err
		}
		if cost.IsZero() {
			return nil, fmt.Errorf("%w: %s %s is worth nothing at rate %s", ErrInvalidAmount, amount.Dec(), tok.ID, rate.Dec())
		}
		fee, err := valuation.Fee(cost, e.tradeFee, e.feeScale)
		if err != nil {
			return nil, err
		}
		total, err := fixedpoint.Add(cost, fee)
		if err != nil {
			return nil, err
		}
		if err := tx.AddFee(fee); err != nil {
			return nil, err
		}

		if err := e.bank.Pull(ctx, ref, user, total); err != nil {
			return nil, err
		}
		if err := e.payout(ctx, tok.ID, user, amount); err != nil {
			return nil, e.refund(ctx, ref, user, total, err)
		}

		rec := newRecord(model.KindBuy, tok.ID, user, amount)
		rec.Rate = fixedpoint.ToDecimal(rate)
		rec.Fee = fixedpoint.ToDecimal(fee)
		rec.ToToken = ref
		rec.ToAmount = fixedpoint.ToDecimal(total)
		return rec, nil
	})
}

// Sell takes amount of token from the caller and pays value(amount) less
// the trade fee in reference tokens.
func (e *Engine) Sell(ctx context.Context, user, token string, amount *uint256.Int) (*model.Record, error) {
	user, tok, err := e.checkSpot(user, token, amount)
	if err != nil {
		return nil, err
	}
	ref := e.tokens.Reference()

	return e.run(ctx, model.KindSell, func(ctx context.Context, tx *ledger.Tx) (*model.Record, error) {
		rate, err := e.val.RequirePrice(ctx, tok.ID)
		if err != nil {
			return nil, err
		}
		value, err := e.val.Value(amount, rate)
		if err != nil {
			return nil, err
		}
		fee, err := valuation.Fee(value, e.tradeFee, e.feeScale)
		if err != nil {
			return nil, err
		}
		proceeds, err := fixedpoint.Sub(value, fee)
		if err != nil {
			return nil, err
		}
		if proceeds.IsZero() {
			return nil, fmt.Errorf("%w: selling %s %s pays nothing at rate %s", ErrInvalidAmount, amount.Dec(), tok.ID, rate.Dec())
		}
		if err := tx.AddFee(fee); err != nil {
			return nil, err
		}

		if err := e.bank.Pull(ctx, tok.ID, user, amount); err != nil {
			return nil, err
		}
		if err := e.payout(ctx, ref, user, proceeds); err != nil {
			return nil, e.refund(ctx, tok.ID, user, amount, err)
		}

		rec := newRecord(model.KindSell, tok.ID, user, amount)
		rec.Rate = fixedpoint.ToDecimal(rate)
		rec.Fee = fixedpoint.ToDecimal(fee)
		rec.ToToken = ref
		rec.ToAmount = fixedpoint.ToDecimal(proceeds)
		return rec, nil
	})
}

// Trade swaps amount of from into to as a sell followed by a buy through
// the reference denomination. Either side may be the reference token, in
// which case that leg's conversion is skipped. The fee is charged once, on
// the sell leg.
func (e *Engine) Trade(ctx context.Context, user, from, to string, amount *uint256.Int) (*model.Record, error) {
	user, err := checkUser(user)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	fromTok, toTok, err := e.checkPair(from, to)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, model.KindTrade, func(ctx context.Context, tx *ledger.Tx) (*model.Record, error) {
		fromRate, _, conv, err := e.convert(ctx, fromTok, toTok, amount)
		if err != nil {
			return nil, err
		}
		if err := tx.AddFee(conv.Fee); err != nil {
			return nil, err
		}

		if err := e.bank.Pull(ctx, fromTok.ID, user, amount); err != nil {
			return nil, err
		}
		if err := e.payout(ctx, toTok.ID, user, conv.Out); err != nil {
			return nil, e.refund(ctx, fromTok.ID, user, amount, err)
		}

		rec := newRecord(model.KindTrade, fromTok.ID, user, amount)
		rec.Rate = fixedpoint.ToDecimal(fromRate)
		rec.Fee = fixedpoint.ToDecimal(conv.Fee)
		rec.ToToken = toTok.ID
		rec.ToAmount = fixedpoint.ToDecimal(conv.Out)
		return rec, nil
	})
}

// Quote prices a trade at current oracle rates without changing state.
func (e *Engine) Quote(ctx context.Context, from, to string, amount *uint256.Int) (model.Quote, error) {
	if err := checkAmount(amount); err != nil {
		return model.Quote{}, err
	}
	fromTok, toTok, err := e.checkPair(from, to)
	if err != nil {
		return model.Quote{}, err
	}
	fromRate, toRate, conv, err := e.convert(ctx, fromTok, toTok, amount)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		From:      fromTok.ID,
		To:        toTok.ID,
		Amount:    fixedpoint.ToDecimal(amount),
		FromRate:  fixedpoint.ToDecimal(fromRate),
		ToRate:    fixedpoint.ToDecimal(toRate),
		Value:     fixedpoint.ToDecimal(conv.Value),
		Fee:       fixedpoint.ToDecimal(conv.Fee),
		OutAmount: fixedpoint.ToDecimal(conv.Out),
	}, nil
}

// convert fetches both rates and prices the swap. The rate of a reference
// leg is returned as nil.
func (e *Engine) convert(ctx context.Context, from, to asset.Token, amount *uint256.Int) (fromRate, toRate *uint256.Int, conv valuation.Conversion, err error) {
	if !e.tokens.IsReference(from.ID) {
		if fromRate, err = e.val.RequirePrice(ctx, from.ID); err != nil {
			return nil, nil, valuation.Conversion{}, err
		}
	}
	if !e.tokens.IsReference(to.ID) {
		if toRate, err = e.val.RequirePrice(ctx, to.ID); err != nil {
			return nil, nil, valuation.Conversion{}, err
		}
	}
	conv, err = e.val.Convert(amount, fromRate, toRate, e.tradeFee, e.feeScale)
	if err != nil {
		return nil, nil, valuation.Conversion{}, err
	}
	if conv.Out.IsZero() {
		return nil, nil, valuation.Conversion{}, fmt.Errorf("%w: %s %s converts to zero %s",
			ErrInvalidAmount, amount.Dec(), from.ID, to.ID)
	}
	return fromRate, toRate, conv, nil
}

// checkSpot validates a buy or sell: the token must be neither native nor
// the reference token.
func (e *Engine) checkSpot(user, token string, amount *uint256.Int) (string, asset.Token, error) {
	user, err := checkUser(user)
	if err != nil {
		return "", asset.Token{}, err
	}
	if err := checkAmount(amount); err != nil {
		return "", asset.Token{}, err
	}
	tok, err := e.token(token)
	if err != nil {
		return "", asset.Token{}, err
	}
	if e.tokens.IsNative(tok.ID) || e.tokens.IsReference(tok.ID) {
		return "", asset.Token{}, fmt.Errorf("%w: %s cannot be bought or sold", ErrProhibitedToken, tok.ID)
	}
	return user, tok, nil
}

// checkPair validates a trade: distinct tokens, neither native.
func (e *Engine) checkPair(from, to string) (asset.Token, asset.Token, error) {
	fromTok, err := e.token(from)
	if err != nil {
		return asset.Token{}, asset.Token{}, err
	}
	toTok, err := e.token(to)
	if err != nil {
		return asset.Token{}, asset.Token{}, err
	}
	if fromTok.ID == toTok.ID {
		return asset.Token{}, asset.Token{}, fmt.Errorf("%w: %s", ErrDuplicateToken, fromTok.ID)
	}
	if e.tokens.IsNative(fromTok.ID) || e.tokens.IsNative(toTok.ID) {
		return asset.Token{}, asset.Token{}, fmt.Errorf("%w: native %s cannot be traded", ErrProhibitedToken, e.tokens.Native())
	}
	return fromTok, toTok, nil
}
