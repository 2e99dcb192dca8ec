// Package ledger owns all per-user collateral and debt balances, the token
// lists that index them, the cached aggregate values and the global fee
// pool.
//
// Nothing outside this package mutates that state. Writers open a Tx,
// apply checked changes to a copy-on-write overlay and either Commit it or
// drop it; readers see only committed state.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
)

var (
	ErrInsufficientCollateral = errors.New("ledger: insufficient collateral")
	ErrInsufficientDebt       = errors.New("ledger: insufficient debt")
	ErrTxDone                 = errors.New("ledger: transaction already committed")
	ErrEmptyUser              = errors.New("ledger: empty user")
)

// Kind selects the collateral or the debt side of an account.
type Kind int

const (
	Collateral Kind = iota
	Debt
)

func (k Kind) String() string {
	if k == Debt {
		return "debt"
	}
	return "collateral"
}

// TokenList is an insertion-ordered set of token identifiers. Lists stay
// bounded by the number of supported assets, so membership is a linear scan.
type TokenList []string

// Register appends token if absent and reports whether it was added.
func (l *TokenList) Register(token string) bool {
	if l.Contains(token) {
		return false
	}
	*l = append(*l, token)
	return true
}

// Contains reports whether token is in the list.
func (l TokenList) Contains(token string) bool {
	for _, t := range l {
		if t == token {
			return true
		}
	}
	return false
}

// Account is one user's ledger state.
type Account struct {
	Collateral       map[string]*uint256.Int
	Debt             map[string]*uint256.Int
	CollateralTokens TokenList
	DebtTokens       TokenList
	CachedCollateral *uint256.Int
	CachedDebt       *uint256.Int
}

func newAccount() *Account {
	return &Account{
		Collateral:       make(map[string]*uint256.Int),
		Debt:             make(map[string]*uint256.Int),
		CachedCollateral: fixedpoint.Zero(),
		CachedDebt:       fixedpoint.Zero(),
	}
}

func (a *Account) clone() *Account {
	c := &Account{
		Collateral:       make(map[string]*uint256.Int, len(a.Collateral)),
		Debt:             make(map[string]*uint256.Int, len(a.Debt)),
		CollateralTokens: append(TokenList(nil), a.CollateralTokens...),
		DebtTokens:       append(TokenList(nil), a.DebtTokens...),
		CachedCollateral: fixedpoint.OrZero(a.CachedCollateral).Clone(),
		CachedDebt:       fixedpoint.OrZero(a.CachedDebt).Clone(),
	}
	for t, v := range a.Collateral {
		c.Collateral[t] = v.Clone()
	}
	for t, v := range a.Debt {
		c.Debt[t] = v.Clone()
	}
	return c
}

func (a *Account) balances(kind Kind) map[string]*uint256.Int {
	if kind == Debt {
		return a.Debt
	}
	return a.Collateral
}

func (a *Account) list(kind Kind) *TokenList {
	if kind == Debt {
		return &a.DebtTokens
	}
	return &a.CollateralTokens
}

func (a *Account) balance(kind Kind, token string) *uint256.Int {
	if v, ok := a.balances(kind)[token]; ok {
		return v.Clone()
	}
	return fixedpoint.Zero()
}

// View is a read-only window onto ledger state. Both the committed Ledger
// and an open Tx implement it, so valuation can run against either.
type View interface {
	Collateral(token, user string) *uint256.Int
	Debt(token, user string) *uint256.Int
	Tokens(user string, kind Kind) []string
	Cached(user string) (collateral, debt *uint256.Int)
	FeePool() *uint256.Int
}

// Balance reads the kind side of (token, user) from any view.
func Balance(v View, kind Kind, token, user string) *uint256.Int {
	if kind == Debt {
		return v.Debt(token, user)
	}
	return v.Collateral(token, user)
}

// Ledger is the committed state.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	feePool  *uint256.Int
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]*Account),
		feePool:  fixedpoint.Zero(),
	}
}

func (l *Ledger) Collateral(token, user string) *uint256.Int {
	return l.read(user, func(a *Account) *uint256.Int { return a.balance(Collateral, token) })
}

func (l *Ledger) Debt(token, user string) *uint256.Int {
	return l.read(user, func(a *Account) *uint256.Int { return a.balance(Debt, token) })
}

func (l *Ledger) Tokens(user string, kind Kind) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[user]
	if !ok {
		return nil
	}
	return append([]string(nil), *a.list(kind)...)
}

func (l *Ledger) Cached(user string) (*uint256.Int, *uint256.Int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[user]
	if !ok {
		return fixedpoint.Zero(), fixedpoint.Zero()
	}
	return a.CachedCollateral.Clone(), a.CachedDebt.Clone()
}

func (l *Ledger) FeePool() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.feePool.Clone()
}

// Users returns every user with an account, sorted.
func (l *Ledger) Users() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.accounts))
	for u := range l.accounts {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) read(user string, fn func(*Account) *uint256.Int) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[user]
	if !ok {
		return fixedpoint.Zero()
	}
	return fn(a)
}

// Begin opens a transaction over the committed state.
func (l *Ledger) Begin() *Tx {
	return &Tx{base: l, accounts: make(map[string]*Account)}
}

// Tx is a copy-on-write overlay. Accounts are cloned on first touch; the
// committed ledger is not modified until Commit.
type Tx struct {
	base     *Ledger
	accounts map[string]*Account
	feePool  *uint256.Int
	done     bool
}

// account returns the overlay copy of user's account, cloning it on first
// access.
func (tx *Tx) account(user string) *Account {
	if a, ok := tx.accounts[user]; ok {
		return a
	}
	tx.base.mu.RLock()
	base, ok := tx.base.accounts[user]
	var a *Account
	if ok {
		a = base.clone()
	} else {
		a = newAccount()
	}
	tx.base.mu.RUnlock()
	tx.accounts[user] = a
	return a
}

// peek returns the overlay account if touched, otherwise nil.
func (tx *Tx) peek(user string) *Account {
	return tx.accounts[user]
}

func (tx *Tx) Collateral(token, user string) *uint256.Int {
	if a := tx.peek(user); a != nil {
		return a.balance(Collateral, token)
	}
	return tx.base.Collateral(token, user)
}

func (tx *Tx) Debt(token, user string) *uint256.Int {
	if a := tx.peek(user); a != nil {
		return a.balance(Debt, token)
	}
	return tx.base.Debt(token, user)
}

func (tx *Tx) Tokens(user string, kind Kind) []string {
	if a := tx.peek(user); a != nil {
		return append([]string(nil), *a.list(kind)...)
	}
	return tx.base.Tokens(user, kind)
}

func (tx *Tx) Cached(user string) (*uint256.Int, *uint256.Int) {
	if a := tx.peek(user); a != nil {
		return a.CachedCollateral.Clone(), a.CachedDebt.Clone()
	}
	return tx.base.Cached(user)
}

func (tx *Tx) FeePool() *uint256.Int {
	if tx.feePool != nil {
		return tx.feePool.Clone()
	}
	return tx.base.FeePool()
}

// RecordCollateralChange applies a checked change to the collateral balance
// of (token, user). Increases register the token in the collateral list.
func (tx *Tx) RecordCollateralChange(token, user string, delta *uint256.Int, increase bool) error {
	return tx.change(Collateral, token, user, delta, increase)
}

// RecordDebtChange applies a checked change to the debt balance of
// (token, user). Increases register the token in the debt list.
func (tx *Tx) RecordDebtChange(token, user string, delta *uint256.Int, increase bool) error {
	return tx.change(Debt, token, user, delta, increase)
}

func (tx *Tx) change(kind Kind, token, user string, delta *uint256.Int, increase bool) error {
	if user == "" {
		return ErrEmptyUser
	}
	a := tx.account(user)
	cur := a.balance(kind, token)

	var (
		next *uint256.Int
		err  error
	)
	if increase {
		next, err = fixedpoint.Add(cur, delta)
		if err != nil {
			return fmt.Errorf("ledger: %s %s for %s: %w", kind, token, user, err)
		}
		a.list(kind).Register(token)
	} else {
		next, err = fixedpoint.Sub(cur, delta)
		if err != nil {
			if kind == Debt {
				return fmt.Errorf("%w: %s owes %s %s, repaying %s",
					ErrInsufficientDebt, user, cur.Dec(), token, fixedpoint.OrZero(delta).Dec())
			}
			return fmt.Errorf("%w: %s holds %s %s, withdrawing %s",
				ErrInsufficientCollateral, user, cur.Dec(), token, fixedpoint.OrZero(delta).Dec())
		}
	}
	a.balances(kind)[token] = next
	return nil
}

// SetCachedValues persists the aggregate values computed for user.
func (tx *Tx) SetCachedValues(user string, collateral, debt *uint256.Int) {
	a := tx.account(user)
	a.CachedCollateral = fixedpoint.OrZero(collateral).Clone()
	a.CachedDebt = fixedpoint.OrZero(debt).Clone()
}

// AddFee credits the global fee pool.
func (tx *Tx) AddFee(fee *uint256.Int) error {
	next, err := fixedpoint.Add(tx.FeePool(), fee)
	if err != nil {
		return fmt.Errorf("ledger: fee pool: %w", err)
	}
	tx.feePool = next
	return nil
}

// Seized is one collateral balance removed by liquidation.
type Seized struct {
	Token  string
	Amount *uint256.Int
}

// Liquidate zeroes every listed collateral and debt balance of user and then
// clears both token lists. The lists are emptied only after iteration so no
// entry is skipped. Returns the non-zero collateral that was removed, in
// list order.
func (tx *Tx) Liquidate(user string) []Seized {
	a := tx.account(user)

	var seized []Seized
	for _, token := range a.CollateralTokens {
		if amt := a.balance(Collateral, token); !amt.IsZero() {
			seized = append(seized, Seized{Token: token, Amount: amt})
		}
		a.Collateral[token] = fixedpoint.Zero()
	}
	for _, token := range a.DebtTokens {
		a.Debt[token] = fixedpoint.Zero()
	}
	a.CollateralTokens = nil
	a.DebtTokens = nil
	return seized
}

// Touched returns the users modified in this transaction, sorted.
func (tx *Tx) Touched() []string {
	out := make([]string, 0, len(tx.accounts))
	for u := range tx.accounts {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Commit publishes the overlay atomically. A Tx can be committed once.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	for user, a := range tx.accounts {
		tx.base.accounts[user] = a
	}
	if tx.feePool != nil {
		tx.base.feePool = tx.feePool
	}
	return nil
}
