package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	records  []model.Record
	accounts map[string]*model.Account
	feePool  decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
	}
}

func (s *MemoryStore) AppendRecord(_ context.Context, rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ID == rec.ID {
			return fmt.Errorf("record %s already exists", rec.ID)
		}
	}
	s.records = append(s.records, *rec)
	return nil
}

func (s *MemoryStore) RecordsByUser(_ context.Context, user string) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Record
	for _, r := range s.records {
		if r.User == user || r.Actor == user {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) RecordsByToken(_ context.Context, token string) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Record
	for _, r := range s.records {
		if r.Token == token || r.ToToken == token {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[acct.User] = cloneAccount(acct)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, user string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[user]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", user, ErrNotFound)
	}
	return cloneAccount(a), nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

func (s *MemoryStore) SaveFeePool(_ context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feePool = amount
	return nil
}

func (s *MemoryStore) GetFeePool(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feePool, nil
}

// cloneAccount deep-copies a snapshot so callers cannot mutate stored state.
func cloneAccount(a *model.Account) *model.Account {
	c := *a
	c.Collateral = make(map[string]decimal.Decimal, len(a.Collateral))
	for k, v := range a.Collateral {
		c.Collateral[k] = v
	}
	c.Debt = make(map[string]decimal.Decimal, len(a.Debt))
	for k, v := range a.Debt {
		c.Debt[k] = v
	}
	c.CollateralTokens = append([]string(nil), a.CollateralTokens...)
	c.DebtTokens = append([]string(nil), a.DebtTokens...)
	return &c
}
