// Package engine runs the state-transition operations of the lending pool:
// deposit, withdraw, borrow, repay, buy, sell, trade and liquidate.
//
// Every operation validates its inputs, mutates a ledger transaction,
// revalues the account, asks the risk policy for admission where required,
// moves assets through the bank and only then commits. Any failure drops
// the transaction, so callers observe either the whole operation or none
// of it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/risk"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/valuation"
)

var (
	ErrInvalidAmount         = errors.New("engine: amount must be positive")
	ErrInvalidUser           = errors.New("engine: user is required")
	ErrWrongPayment          = errors.New("engine: attached native value does not match amount")
	ErrNotLiquidatable       = errors.New("engine: position is not liquidatable")
	ErrProhibitedToken       = errors.New("engine: token not allowed for this operation")
	ErrDuplicateToken        = errors.New("engine: trade requires two distinct tokens")
	ErrReentrant             = errors.New("engine: re-entrant call rejected")
	ErrInsufficientLiquidity = errors.New("engine: custody cannot cover payout")

	// ErrNoCollateral is an ErrInsufficientCollateral raised before any
	// valuation when the account has never posted collateral.
	ErrNoCollateral = fmt.Errorf("%w: no collateral posted", ledger.ErrInsufficientCollateral)

	// Re-exported so callers need only this package for errors.Is checks.
	ErrInsufficientBalance    = bank.ErrInsufficientBalance
	ErrInsufficientCollateral = ledger.ErrInsufficientCollateral
	ErrInsufficientDebt       = ledger.ErrInsufficientDebt
	ErrRatioViolation         = risk.ErrRatioViolation
	ErrZeroPrice              = valuation.ErrZeroPrice
	ErrOverflow               = fixedpoint.ErrOverflow
	ErrUnknownToken           = asset.ErrUnknownToken
)

// Liquidation modes decide what happens to seized collateral.
const (
	// ModeBurn leaves seized collateral stranded in custody.
	ModeBurn = "burn"
	// ModeLiquidator pays seized collateral to the caller of Liquidate.
	ModeLiquidator = "liquidator"
)

// Config holds the fee and liquidation parameters. Rates are expressed over
// FeeScale, so 25 over 10000 is 0.25%.
type Config struct {
	TradeFeeRate    uint64
	LoanFeeRate     uint64
	FeeScale        uint64
	LiquidationMode string
}

// Publisher receives every committed record, e.g. a WebSocket hub.
type Publisher interface {
	Publish(rec model.Record)
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Ledger    *ledger.Ledger
	Tokens    *asset.Registry
	Valuation *valuation.Engine
	Policy    *risk.Policy
	Bank      bank.Bank
	Minter    bank.Minter // nil disables shortfall minting
	Store     store.Store
	Publisher Publisher // optional
}

// Engine serializes all mutating operations behind one mutex. It is a
// single-writer state machine; queries read committed ledger state without
// taking the lock.
type Engine struct {
	mu sync.Mutex

	ledger *ledger.Ledger
	tokens *asset.Registry
	val    *valuation.Engine
	policy *risk.Policy
	bank   bank.Bank
	minter bank.Minter
	store  store.Store
	pub    Publisher

	tradeFee *uint256.Int
	loanFee  *uint256.Int
	feeScale *uint256.Int
	mode     string

	now func() time.Time
}

// New wires an engine. If Minter is nil and the bank implements
// bank.Minter, the bank is used.
func New(d Deps, cfg Config) (*Engine, error) {
	switch {
	case d.Ledger == nil, d.Tokens == nil, d.Valuation == nil, d.Policy == nil, d.Bank == nil, d.Store == nil:
		return nil, errors.New("engine: missing dependency")
	case cfg.FeeScale == 0:
		return nil, errors.New("engine: fee scale must be positive")
	case cfg.TradeFeeRate > cfg.FeeScale || cfg.LoanFeeRate > cfg.FeeScale:
		return nil, errors.New("engine: fee rate above fee scale")
	}
	mode := cfg.LiquidationMode
	if mode == "" {
		mode = ModeBurn
	}
	if mode != ModeBurn && mode != ModeLiquidator {
		return nil, fmt.Errorf("engine: unknown liquidation mode %q", mode)
	}
	minter := d.Minter
	if minter == nil {
		minter, _ = d.Bank.(bank.Minter)
	}
	return &Engine{
		ledger:   d.Ledger,
		tokens:   d.Tokens,
		val:      d.Valuation,
		policy:   d.Policy,
		bank:     d.Bank,
		minter:   minter,
		store:    d.Store,
		pub:      d.Publisher,
		tradeFee: uint256.NewInt(cfg.TradeFeeRate),
		loanFee:  uint256.NewInt(cfg.LoanFeeRate),
		feeScale: uint256.NewInt(cfg.FeeScale),
		mode:     mode,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// guardKey marks a context as already inside a mutating operation.
type guardKey struct{}

// enter acquires the single-writer lock. A context that already carries the
// guard marker belongs to a call made from inside an in-flight operation
// (e.g. a bank transfer hook) and is rejected rather than deadlocking.
func (e *Engine) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(guardKey{}) != nil {
		return nil, nil, ErrReentrant
	}
	e.mu.Lock()
	return context.WithValue(ctx, guardKey{}, struct{}{}), e.mu.Unlock, nil
}

// opFunc mutates tx and returns the record to emit on commit.
type opFunc func(ctx context.Context, tx *ledger.Tx) (*model.Record, error)

// run executes one operation under the guard and commits on success.
func (e *Engine) run(ctx context.Context, op string, fn opFunc) (*model.Record, error) {
	start := time.Now()

	gctx, release, err := e.enter(ctx)
	if err != nil {
		metrics.ObserveOperation(op, start, err)
		slog.Warn("operation rejected", "op", op, "err", err)
		return nil, err
	}
	defer release()

	tx := e.ledger.Begin()
	rec, err := fn(gctx, tx)
	if err == nil {
		err = tx.Commit()
	}
	metrics.ObserveOperation(op, start, err)
	if err != nil {
		slog.Warn("operation failed", "op", op, "err", err)
		return nil, err
	}

	rec.ID = uuid.New().String()
	rec.Timestamp = e.now()
	e.afterCommit(gctx, tx, rec)
	return rec, nil
}

// afterCommit persists the touched accounts, the fee pool and the record.
// Failures here are logged, not rolled back: the ledger is authoritative
// and the store is its journal.
func (e *Engine) afterCommit(ctx context.Context, tx *ledger.Tx, rec *model.Record) {
	ctx = context.WithoutCancel(ctx)
	for _, user := range tx.Touched() {
		snap := e.ledger.Snapshot(user)
		if err := e.store.SaveAccount(ctx, &snap); err != nil {
			metrics.StoreErrors.WithLabelValues("save_account").Inc()
			slog.Error("failed to persist account", "user", user, "err", err)
		}
	}

	pool := fixedpoint.ToDecimal(e.ledger.FeePool())
	if err := e.store.SaveFeePool(ctx, pool); err != nil {
		metrics.StoreErrors.WithLabelValues("save_fee_pool").Inc()
		slog.Error("failed to persist fee pool", "err", err)
	}
	metrics.FeePool.Set(pool.InexactFloat64())

	if err := e.store.AppendRecord(ctx, rec); err != nil {
		metrics.StoreErrors.WithLabelValues("append_record").Inc()
		slog.Error("failed to append record", "id", rec.ID, "kind", rec.Kind, "err", err)
	}

	slog.Info("operation committed",
		"id", rec.ID,
		"kind", rec.Kind,
		"user", rec.User,
		"token", rec.Token,
		"amount", rec.Amount.String(),
		"fee", rec.Fee.String(),
	)

	if e.pub != nil {
		e.pub.Publish(*rec)
	}
}

// readyBalance makes sure custody holds at least amount of token before a
// payout, minting the shortfall for tokens the pool controls. It returns
// the amount minted, zero when custody already covered the payout.
func (e *Engine) readyBalance(ctx context.Context, token string, amount *uint256.Int) (*uint256.Int, error) {
	have, err := e.bank.BalanceOf(ctx, token, e.bank.Custody())
	if err != nil {
		return nil, fmt.Errorf("engine: custody balance %s: %w", token, err)
	}
	if !have.Lt(amount) {
		return fixedpoint.Zero(), nil
	}
	tok, err := e.tokens.Get(token)
	if err != nil {
		return nil, err
	}
	if !tok.Mintable() || e.minter == nil {
		return nil, fmt.Errorf("%w: custody holds %s %s, needs %s",
			ErrInsufficientLiquidity, have.Dec(), token, amount.Dec())
	}
	short, err := fixedpoint.Sub(amount, have)
	if err != nil {
		return nil, err
	}
	if err := e.minter.Mint(ctx, token, short); err != nil {
		return nil, fmt.Errorf("engine: mint %s %s: %w", short.Dec(), token, err)
	}
	metrics.MintedShortfall.WithLabelValues(token).Inc()
	slog.Info("minted shortfall", "token", token, "amount", short.Dec())
	return short, nil
}

// payout readies custody and pushes amount of token to user. A shortfall
// minted for a push that then fails is burned again, so a failed operation
// leaves supply where it found it.
func (e *Engine) payout(ctx context.Context, token, user string, amount *uint256.Int) error {
	minted, err := e.readyBalance(ctx, token, amount)
	if err != nil {
		return err
	}
	err = e.bank.Push(ctx, token, user, amount)
	if err == nil || minted.IsZero() {
		return err
	}
	if berr := e.minter.Burn(ctx, token, minted); berr != nil {
		slog.Error("burn of unused shortfall failed",
			"token", token,
			"amount", minted.Dec(),
			"cause", err,
			"err", berr,
		)
		return err
	}
	slog.Info("burned unused shortfall", "token", token, "amount", minted.Dec())
	return err
}

// refund returns a pulled amount after a later step failed. The original
// error is what the caller sees; a failed refund is logged loudly.
func (e *Engine) refund(ctx context.Context, token, user string, amount *uint256.Int, cause error) error {
	if err := e.bank.Push(ctx, token, user, amount); err != nil {
		slog.Error("refund failed",
			"token", token,
			"user", user,
			"amount", amount.Dec(),
			"cause", cause,
			"err", err,
		)
	}
	return cause
}

// revalue recomputes both aggregates against tx and stores them as the
// cached values.
func (e *Engine) revalue(ctx context.Context, tx *ledger.Tx, user string) (coll, debt *uint256.Int, err error) {
	coll, debt, err = e.val.Values(ctx, tx, user)
	if err != nil {
		return nil, nil, err
	}
	tx.SetCachedValues(user, coll, debt)
	return coll, debt, nil
}

func checkUser(user string) (string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "", ErrInvalidUser
	}
	return user, nil
}

func checkAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

// token resolves a token id against the registry.
func (e *Engine) token(id string) (asset.Token, error) {
	return e.tokens.Get(id)
}

func newRecord(kind, token, user string, amount *uint256.Int) *model.Record {
	return &model.Record{
		Kind:   kind,
		Token:  token,
		User:   user,
		Amount: fixedpoint.ToDecimal(amount),
	}
}
