package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

//go:embed schema.sql
var schema string

const feePoolKey = "fee_pool"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC(78,0), wide enough for any 256-bit value.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendRecord(ctx context.Context, r *model.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO records (id, kind, token, user_id, amount, rate, fee, to_token, to_amount, actor, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10, $11)`,
		r.ID, r.Kind, r.Token, r.User,
		r.Amount.String(), r.Rate.String(), r.Fee.String(),
		r.ToToken, r.ToAmount.String(), r.Actor,
		r.Timestamp,
	)
	return err
}

func (s *PostgresStore) RecordsByUser(ctx context.Context, user string) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, token, user_id,
		        amount::TEXT, rate::TEXT, fee::TEXT,
		        to_token, to_amount::TEXT, actor, timestamp
		 FROM records WHERE user_id = $1 OR actor = $1 ORDER BY timestamp`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresStore) RecordsByToken(ctx context.Context, token string) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, token, user_id,
		        amount::TEXT, rate::TEXT, fee::TEXT,
		        to_token, to_amount::TEXT, actor, timestamp
		 FROM records WHERE token = $1 OR to_token = $1 ORDER BY timestamp`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// SaveAccount replaces the account row and all of its positions in one
// transaction.
func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.Account) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id, cached_collateral, cached_debt, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET cached_collateral = EXCLUDED.cached_collateral,
		     cached_debt = EXCLUDED.cached_debt,
		     updated_at = EXCLUDED.updated_at`,
		a.User, a.CachedCollateral.String(), a.CachedDebt.String(), a.UpdatedAt,
	); err != nil {
		return fmt.Errorf("save account %s: %w", a.User, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE user_id = $1`, a.User); err != nil {
		return fmt.Errorf("clear positions %s: %w", a.User, err)
	}

	batch := &pgx.Batch{}
	queue := func(kind string, tokens []string, amounts map[string]decimal.Decimal) {
		for seq, token := range tokens {
			batch.Queue(
				`INSERT INTO positions (user_id, kind, seq, token, amount)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC)`,
				a.User, kind, seq, token, amounts[token].String(),
			)
		}
	}
	queue("collateral", a.CollateralTokens, a.Collateral)
	queue("debt", a.DebtTokens, a.Debt)
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save positions %s: %w", a.User, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAccount(ctx context.Context, user string) (*model.Account, error) {
	a := newSnapshot(user)
	var cachedC, cachedD string
	err := s.pool.QueryRow(ctx,
		`SELECT cached_collateral::TEXT, cached_debt::TEXT, updated_at
		 FROM accounts WHERE user_id = $1`, user).
		Scan(&cachedC, &cachedD, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", user, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", user, err)
	}
	a.CachedCollateral, _ = decimal.NewFromString(cachedC)
	a.CachedDebt, _ = decimal.NewFromString(cachedD)

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, kind, token, amount::TEXT
		 FROM positions WHERE user_id = $1 ORDER BY kind, seq`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accts := map[string]*model.Account{user: a}
	if err := scanPositions(rows, accts); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, cached_collateral::TEXT, cached_debt::TEXT, updated_at
		 FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var order []string
	accts := make(map[string]*model.Account)
	for rows.Next() {
		var user, cachedC, cachedD string
		var updated time.Time
		if err := rows.Scan(&user, &cachedC, &cachedD, &updated); err != nil {
			return nil, err
		}
		a := newSnapshot(user)
		a.CachedCollateral, _ = decimal.NewFromString(cachedC)
		a.CachedDebt, _ = decimal.NewFromString(cachedD)
		a.UpdatedAt = updated
		accts[user] = a
		order = append(order, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prow, err := s.pool.Query(ctx,
		`SELECT user_id, kind, token, amount::TEXT
		 FROM positions ORDER BY user_id, kind, seq`)
	if err != nil {
		return nil, err
	}
	defer prow.Close()
	if err := scanPositions(prow, accts); err != nil {
		return nil, err
	}

	out := make([]model.Account, 0, len(order))
	for _, u := range order {
		out = append(out, *accts[u])
	}
	return out, nil
}

func (s *PostgresStore) SaveFeePool(ctx context.Context, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO protocol_state (key, value) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		feePoolKey, amount.String(),
	)
	return err
}

func (s *PostgresStore) GetFeePool(ctx context.Context) (decimal.Decimal, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value::TEXT FROM protocol_state WHERE key = $1`, feePoolKey).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(v)
}

// pgxRows is the subset of pgx.Rows the scan helpers use.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanRecords(rows pgxRows) ([]model.Record, error) {
	var records []model.Record
	for rows.Next() {
		var r model.Record
		var amountS, rateS, feeS, toAmountS string

		if err := rows.Scan(&r.ID, &r.Kind, &r.Token, &r.User,
			&amountS, &rateS, &feeS,
			&r.ToToken, &toAmountS, &r.Actor, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Amount, _ = decimal.NewFromString(amountS)
		r.Rate, _ = decimal.NewFromString(rateS)
		r.Fee, _ = decimal.NewFromString(feeS)
		r.ToAmount, _ = decimal.NewFromString(toAmountS)

		records = append(records, r)
	}
	return records, rows.Err()
}

func scanPositions(rows pgxRows, accts map[string]*model.Account) error {
	for rows.Next() {
		var user, kind, token, amountS string
		if err := rows.Scan(&user, &kind, &token, &amountS); err != nil {
			return err
		}
		a, ok := accts[user]
		if !ok {
			continue
		}
		amount, err := decimal.NewFromString(amountS)
		if err != nil {
			return fmt.Errorf("position %s/%s: %w", user, token, err)
		}
		if kind == "debt" {
			a.Debt[token] = amount
			a.DebtTokens = append(a.DebtTokens, token)
		} else {
			a.Collateral[token] = amount
			a.CollateralTokens = append(a.CollateralTokens, token)
		}
	}
	return rows.Err()
}

func newSnapshot(user string) *model.Account {
	return &model.Account{
		User:       user,
		Collateral: make(map[string]decimal.Decimal),
		Debt:       make(map[string]decimal.Decimal),
	}
}
