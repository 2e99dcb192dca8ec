package ledger

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
)

// Snapshot returns the persisted form of user's committed account.
func (l *Ledger) Snapshot(user string) model.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.accounts[user]
	if !ok {
		a = newAccount()
	}
	return model.Account{
		User:             user,
		Collateral:       toDecimals(a.Collateral),
		Debt:             toDecimals(a.Debt),
		CollateralTokens: append([]string{}, a.CollateralTokens...),
		DebtTokens:       append([]string{}, a.DebtTokens...),
		CachedCollateral: fixedpoint.ToDecimal(a.CachedCollateral),
		CachedDebt:       fixedpoint.ToDecimal(a.CachedDebt),
		UpdatedAt:        time.Now().UTC(),
	}
}

// Restore replaces the committed state with persisted snapshots. Used once
// at startup before any operation runs.
func (l *Ledger) Restore(accounts []model.Account, feePool decimal.Decimal) error {
	restored := make(map[string]*Account, len(accounts))
	for _, snap := range accounts {
		if snap.User == "" {
			return ErrEmptyUser
		}
		a := newAccount()
		var err error
		if a.Collateral, err = fromDecimals(snap.Collateral); err != nil {
			return fmt.Errorf("ledger: restore %s collateral: %w", snap.User, err)
		}
		if a.Debt, err = fromDecimals(snap.Debt); err != nil {
			return fmt.Errorf("ledger: restore %s debt: %w", snap.User, err)
		}
		for _, t := range snap.CollateralTokens {
			a.CollateralTokens.Register(t)
		}
		for _, t := range snap.DebtTokens {
			a.DebtTokens.Register(t)
		}
		if a.CachedCollateral, err = fixedpoint.FromDecimal(snap.CachedCollateral); err != nil {
			return fmt.Errorf("ledger: restore %s cached collateral: %w", snap.User, err)
		}
		if a.CachedDebt, err = fixedpoint.FromDecimal(snap.CachedDebt); err != nil {
			return fmt.Errorf("ledger: restore %s cached debt: %w", snap.User, err)
		}
		restored[snap.User] = a
	}
	pool, err := fixedpoint.FromDecimal(feePool)
	if err != nil {
		return fmt.Errorf("ledger: restore fee pool: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = restored
	l.feePool = pool
	return nil
}

func toDecimals(m map[string]*uint256.Int) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for t, v := range m {
		out[t] = fixedpoint.ToDecimal(v)
	}
	return out
}

func fromDecimals(m map[string]decimal.Decimal) (map[string]*uint256.Int, error) {
	out := make(map[string]*uint256.Int, len(m))
	for t, d := range m {
		v, err := fixedpoint.FromDecimal(d)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		out[t] = v
	}
	return out, nil
}
