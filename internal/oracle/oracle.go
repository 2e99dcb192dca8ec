// Package oracle supplies token prices in reference-denomination units with
// Decimals fixed-point digits. The engine consumes prices synchronously on
// every operation and never caches them.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
)

// Decimals is the fixed-point precision of every price: 1e8 means 1.0
// reference unit per token unit.
const Decimals uint8 = 8

// ErrUnavailable is returned when the price source cannot answer.
var ErrUnavailable = errors.New("oracle: price source unavailable")

// Oracle returns the current price of a token. Unknown tokens price at
// zero, which callers treat as "no market".
type Oracle interface {
	Price(ctx context.Context, token string) (*uint256.Int, error)
}

// Setter publishes prices. Implemented by the static and Redis oracles for
// development and operator tooling.
type Setter interface {
	SetPrice(ctx context.Context, token string, price *uint256.Int) error
}

// Static is an in-memory oracle. Used for tests and single-node development.
type Static struct {
	mu     sync.RWMutex
	prices map[string]*uint256.Int
}

// NewStatic creates a static oracle seeded with prices.
func NewStatic(seed map[string]*uint256.Int) *Static {
	s := &Static{prices: make(map[string]*uint256.Int, len(seed))}
	for token, price := range seed {
		s.prices[token] = fixedpoint.OrZero(price).Clone()
	}
	return s
}

// Price implements Oracle.
func (s *Static) Price(_ context.Context, token string) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[token]
	if !ok {
		return fixedpoint.Zero(), nil
	}
	return p.Clone(), nil
}

// SetPrice implements Setter.
func (s *Static) SetPrice(_ context.Context, token string, price *uint256.Int) error {
	if token == "" {
		return fmt.Errorf("oracle: empty token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[token] = fixedpoint.OrZero(price).Clone()
	return nil
}
