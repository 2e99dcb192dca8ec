// Package bank is the asset-transfer boundary between the ledger and the
// holders of real token balances.
//
// The engine only ever pulls tokens from a caller into custody, pushes them
// from custody to a caller, reads balances and, for synthetic tokens it
// controls, mints into its own custody. Minting is a separate capability so
// that a bank for real assets can simply not offer it.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrNotMintable         = errors.New("bank: token is not mintable")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
)

// Bank moves existing balances.
type Bank interface {
	// Pull moves amount of token from holder into custody.
	Pull(ctx context.Context, token, holder string, amount *uint256.Int) error

	// Push moves amount of token from custody to holder.
	Push(ctx context.Context, token, holder string, amount *uint256.Int) error

	// BalanceOf returns holder's balance of token.
	BalanceOf(ctx context.Context, token, holder string) (*uint256.Int, error)

	// Custody is the holder id of the pool's own inventory.
	Custody() string
}

// Minter expands supply of a synthetic token directly into custody. Burn
// retires supply from custody and undoes a Mint whose payout failed.
type Minter interface {
	Mint(ctx context.Context, token string, amount *uint256.Int) error
	Burn(ctx context.Context, token string, amount *uint256.Int) error
}

// Hook observes a transfer after balances have moved. Returning an error
// aborts the transfer and restores both balances. Used to model transfers
// that hand control to untrusted recipient code.
//
// The hook receives the engine's in-flight ctx. A hook that calls back into
// the engine must pass that ctx on: the engine recognises it and rejects the
// call with ErrReentrant. A call made with a fresh context instead waits on
// the engine lock held by the operation that triggered the hook and never
// returns.
type Hook func(ctx context.Context, op, token, holder string, amount *uint256.Int) error

// MemoryBank holds balances in process memory. Used for development and
// tests.
type MemoryBank struct {
	mu       sync.Mutex
	custody  string
	balances map[string]map[string]*uint256.Int // token -> holder -> amount
	mintable map[string]bool
	minted   map[string]*uint256.Int
	hook     Hook
}

// NewMemoryBank creates a bank whose pool inventory is held by custody and
// which may mint the listed tokens.
func NewMemoryBank(custody string, mintable []string) *MemoryBank {
	b := &MemoryBank{
		custody:  custody,
		balances: make(map[string]map[string]*uint256.Int),
		mintable: make(map[string]bool, len(mintable)),
		minted:   make(map[string]*uint256.Int),
	}
	for _, t := range mintable {
		b.mintable[t] = true
	}
	return b
}

// SetHook installs a transfer observer. Pass nil to remove it.
func (b *MemoryBank) SetHook(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = h
}

func (b *MemoryBank) Custody() string { return b.custody }

func (b *MemoryBank) Pull(ctx context.Context, token, holder string, amount *uint256.Int) error {
	return b.move(ctx, "pull", token, holder, b.custody, holder, amount)
}

func (b *MemoryBank) Push(ctx context.Context, token, holder string, amount *uint256.Int) error {
	return b.move(ctx, "push", token, holder, holder, b.custody, amount)
}

func (b *MemoryBank) BalanceOf(_ context.Context, token, holder string) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(token, holder).Clone(), nil
}

// Mint implements Minter for tokens registered as mintable.
func (b *MemoryBank) Mint(_ context.Context, token string, amount *uint256.Int) error {
	if fixedpoint.OrZero(amount).IsZero() {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mintable[token] {
		return fmt.Errorf("%w: %s", ErrNotMintable, token)
	}
	if err := b.credit(token, b.custody, amount); err != nil {
		return err
	}
	supply, err := fixedpoint.Add(b.minted[token], amount)
	if err != nil {
		return err
	}
	b.minted[token] = supply
	return nil
}

// Burn removes amount of token from custody and from the minted supply.
func (b *MemoryBank) Burn(_ context.Context, token string, amount *uint256.Int) error {
	if fixedpoint.OrZero(amount).IsZero() {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mintable[token] {
		return fmt.Errorf("%w: %s", ErrNotMintable, token)
	}
	supply, err := fixedpoint.Sub(fixedpoint.OrZero(b.minted[token]), amount)
	if err != nil {
		return fmt.Errorf("%w: minted %s supply is below %s", ErrInsufficientBalance, token, amount.Dec())
	}
	held := b.get(token, b.custody)
	left, err := fixedpoint.Sub(held, amount)
	if err != nil {
		return fmt.Errorf("%w: custody holds %s %s, needs %s",
			ErrInsufficientBalance, held.Dec(), token, amount.Dec())
	}
	b.set(token, b.custody, left)
	b.minted[token] = supply
	return nil
}

// Minted returns the total supply minted into custody for token.
func (b *MemoryBank) Minted(token string) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fixedpoint.OrZero(b.minted[token]).Clone()
}

// Credit adds amount to holder out of thin air. Development faucet only.
func (b *MemoryBank) Credit(_ context.Context, token, holder string, amount *uint256.Int) error {
	if fixedpoint.OrZero(amount).IsZero() {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credit(token, holder, amount)
}

// move transfers amount of token from src to dst and runs the hook outside
// the lock so that it may call back into the engine.
func (b *MemoryBank) move(ctx context.Context, op, token, holder, dst, src string, amount *uint256.Int) error {
	if fixedpoint.OrZero(amount).IsZero() {
		return nil
	}

	b.mu.Lock()
	if err := b.transfer(token, src, dst, amount); err != nil {
		b.mu.Unlock()
		return err
	}
	hook := b.hook
	b.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, op, token, holder, amount); err != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		if rerr := b.transfer(token, dst, src, amount); rerr != nil {
			return fmt.Errorf("bank: %s %s reverted with %v: %w", op, token, rerr, err)
		}
		return err
	}
	return nil
}

func (b *MemoryBank) transfer(token, src, dst string, amount *uint256.Int) error {
	have := b.get(token, src)
	left, err := fixedpoint.Sub(have, amount)
	if err != nil {
		return fmt.Errorf("%w: %s holds %s %s, needs %s",
			ErrInsufficientBalance, src, have.Dec(), token, amount.Dec())
	}
	got, err := fixedpoint.Add(b.get(token, dst), amount)
	if err != nil {
		return err
	}
	b.set(token, src, left)
	b.set(token, dst, got)
	return nil
}

func (b *MemoryBank) credit(token, holder string, amount *uint256.Int) error {
	next, err := fixedpoint.Add(b.get(token, holder), amount)
	if err != nil {
		return err
	}
	b.set(token, holder, next)
	return nil
}

func (b *MemoryBank) get(token, holder string) *uint256.Int {
	if v, ok := b.balances[token][holder]; ok {
		return v
	}
	return fixedpoint.Zero()
}

func (b *MemoryBank) set(token, holder string, v *uint256.Int) {
	m, ok := b.balances[token]
	if !ok {
		m = make(map[string]*uint256.Int)
		b.balances[token] = m
	}
	m[holder] = v
}
