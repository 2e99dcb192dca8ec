// Package store defines the persistence interface for the lending engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The in-process ledger is authoritative while the service runs; the store
// holds the audit journal of committed operations and the account snapshots
// the ledger is rebuilt from at startup.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// ErrNotFound is returned when a requested account does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface.
type Store interface {
	// --- Immutable journal ---

	// AppendRecord appends an operation record.
	AppendRecord(ctx context.Context, rec *model.Record) error

	// RecordsByUser returns all records for a user, oldest first.
	RecordsByUser(ctx context.Context, user string) ([]model.Record, error)

	// RecordsByToken returns all records touching a token, oldest first.
	RecordsByToken(ctx context.Context, token string) ([]model.Record, error)

	// --- Account snapshots ---

	// SaveAccount upserts the snapshot of one account.
	SaveAccount(ctx context.Context, acct *model.Account) error

	// GetAccount returns a snapshot or ErrNotFound.
	GetAccount(ctx context.Context, user string) (*model.Account, error)

	// ListAccounts returns every stored snapshot.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// --- Fee pool ---

	SaveFeePool(ctx context.Context, amount decimal.Decimal) error
	GetFeePool(ctx context.Context) (decimal.Decimal, error)
}
