package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
)

// Account reports user's committed balances, cached aggregates and a fresh
// valuation with the resulting health. It takes no lock.
func (e *Engine) Account(ctx context.Context, user string) (model.AccountView, error) {
	user, err := checkUser(user)
	if err != nil {
		return model.AccountView{}, err
	}

	coll, debt, err := e.val.Values(ctx, e.ledger, user)
	if err != nil {
		return model.AccountView{}, err
	}
	health, err := e.policy.Status(coll, debt)
	if err != nil {
		return model.AccountView{}, err
	}
	ratio, err := e.policy.Ratio(coll, debt)
	if err != nil {
		return model.AccountView{}, err
	}
	trigger, err := e.policy.Trigger(debt)
	if err != nil {
		return model.AccountView{}, err
	}
	cachedColl, cachedDebt := e.ledger.Cached(user)

	return model.AccountView{
		User:             user,
		Balances:         e.balances(user),
		CachedCollateral: fixedpoint.ToDecimal(cachedColl),
		CachedDebt:       fixedpoint.ToDecimal(cachedDebt),
		CollateralValue:  fixedpoint.ToDecimal(coll),
		DebtValue:        fixedpoint.ToDecimal(debt),
		Ratio:            fixedpoint.ToDecimal(ratio),
		Trigger:          fixedpoint.ToDecimal(trigger),
		Health:           health,
	}, nil
}

// balances merges both token lists, collateral order first.
func (e *Engine) balances(user string) []model.Balance {
	var order ledger.TokenList
	for _, t := range e.ledger.Tokens(user, ledger.Collateral) {
		order.Register(t)
	}
	for _, t := range e.ledger.Tokens(user, ledger.Debt) {
		order.Register(t)
	}
	out := make([]model.Balance, 0, len(order))
	for _, t := range order {
		out = append(out, model.Balance{
			Token:      t,
			Collateral: fixedpoint.ToDecimal(e.ledger.Collateral(t, user)),
			Debt:       fixedpoint.ToDecimal(e.ledger.Debt(t, user)),
		})
	}
	return out
}

// FeePool returns the accumulated fees in reference base units.
func (e *Engine) FeePool() *uint256.Int {
	return e.ledger.FeePool()
}

// Tokens lists the registered tokens.
func (e *Engine) Tokens() []asset.Token {
	return e.tokens.List()
}

// Token resolves a registered token.
func (e *Engine) Token(id string) (asset.Token, error) {
	return e.token(id)
}

// Reference returns the reference token that fees and the fee pool are
// denominated in.
func (e *Engine) Reference() string {
	return e.tokens.Reference()
}

// PriceDecimals is the precision of the prices returned by Price.
func (e *Engine) PriceDecimals() uint8 { return e.val.Decimals() }

// Price returns the current oracle rate of a registered token.
func (e *Engine) Price(ctx context.Context, token string) (*uint256.Int, error) {
	tok, err := e.token(token)
	if err != nil {
		return nil, err
	}
	return e.val.Price(ctx, tok.ID)
}

// Restore rebuilds the ledger from the store. Call once before serving.
func (e *Engine) Restore(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("engine: load accounts: %w", err)
	}
	pool, err := e.store.GetFeePool(ctx)
	if err != nil {
		return fmt.Errorf("engine: load fee pool: %w", err)
	}
	if err := e.ledger.Restore(accounts, pool); err != nil {
		return err
	}
	metrics.FeePool.Set(pool.InexactFloat64())
	slog.Info("ledger restored", "accounts", len(accounts), "fee_pool", pool.String())
	return nil
}
