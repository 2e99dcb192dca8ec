// Package model defines the domain types shared across the lending engine.
// Amounts are integers in token base units carried as shopspring/decimal so
// that JSON and SQL never see float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record kinds.
const (
	KindDeposit   = "DEPOSIT"
	KindWithdraw  = "WITHDRAW"
	KindBorrow    = "BORROW"
	KindRepay     = "REPAY"
	KindBuy       = "BUY"
	KindSell      = "SELL"
	KindTrade     = "TRADE"
	KindLiquidate = "LIQUIDATE"
)

// Health states reported for an account.
const (
	HealthHealthy      = "healthy"
	HealthWarning      = "warning"
	HealthLiquidatable = "liquidatable"
)

// Record is an immutable audit entry emitted by a committed operation.
// Once created, records are never modified or deleted.
type Record struct {
	ID        string          `json:"id" db:"id"`
	Kind      string          `json:"kind" db:"kind"`
	Token     string          `json:"token" db:"token"`
	User      string          `json:"user" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Rate      decimal.Decimal `json:"rate" db:"rate"` // oracle price, 8 decimals; zero when unused
	Fee       decimal.Decimal `json:"fee" db:"fee"`   // reference base units
	ToToken   string          `json:"to_token,omitempty" db:"to_token"`
	ToAmount  decimal.Decimal `json:"to_amount" db:"to_amount"`
	Actor     string          `json:"actor,omitempty" db:"actor"` // liquidator for LIQUIDATE
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Account is the persisted snapshot of one user's ledger state.
type Account struct {
	User             string                     `json:"user"`
	Collateral       map[string]decimal.Decimal `json:"collateral"`
	Debt             map[string]decimal.Decimal `json:"debt"`
	CollateralTokens []string                   `json:"collateral_tokens"`
	DebtTokens       []string                   `json:"debt_tokens"`
	CachedCollateral decimal.Decimal            `json:"cached_collateral"`
	CachedDebt       decimal.Decimal            `json:"cached_debt"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// Balance is one token line of an account view.
type Balance struct {
	Token      string          `json:"token"`
	Collateral decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal `json:"debt"`
}

// AccountView is the query answer for an account: stored balances, the
// cached aggregates and a fresh valuation at current oracle prices.
type AccountView struct {
	User             string          `json:"user"`
	Balances         []Balance       `json:"balances"`
	CachedCollateral decimal.Decimal `json:"cached_collateral"`
	CachedDebt       decimal.Decimal `json:"cached_debt"`
	CollateralValue  decimal.Decimal `json:"collateral_value"`
	DebtValue        decimal.Decimal `json:"debt_value"`
	Ratio            decimal.Decimal `json:"ratio"` // ratio-scale units; zero when debt is zero
	Trigger          decimal.Decimal `json:"trigger"`
	Health           string          `json:"health"`
}

// Quote previews a trade without changing state.
type Quote struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	FromRate  decimal.Decimal `json:"from_rate"`
	ToRate    decimal.Decimal `json:"to_rate"`
	Value     decimal.Decimal `json:"value"`
	Fee       decimal.Decimal `json:"fee"`
	OutAmount decimal.Decimal `json:"out_amount"`
}
