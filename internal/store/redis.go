package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// cache is the subset of the go-redis client CachedStore needs.
type cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     cache
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb cache, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendRecord(ctx context.Context, rec *model.Record) error {
	if err := s.primary.AppendRecord(ctx, rec); err != nil {
		return err
	}
	keys := []string{userRecordsKey(rec.User), tokenRecordsKey(rec.Token)}
	if rec.Actor != "" {
		keys = append(keys, userRecordsKey(rec.Actor))
	}
	if rec.ToToken != "" {
		keys = append(keys, tokenRecordsKey(rec.ToToken))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) SaveAccount(ctx context.Context, acct *model.Account) error {
	if err := s.primary.SaveAccount(ctx, acct); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(acct.User))
	return nil
}

func (s *CachedStore) SaveFeePool(ctx context.Context, amount decimal.Decimal) error {
	if err := s.primary.SaveFeePool(ctx, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, feePoolCacheKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, user string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(user)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, user)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, accountKey(user), a)
	return a, nil
}

func (s *CachedStore) RecordsByUser(ctx context.Context, user string) ([]model.Record, error) {
	return s.records(ctx, userRecordsKey(user), func() ([]model.Record, error) {
		return s.primary.RecordsByUser(ctx, user)
	})
}

func (s *CachedStore) RecordsByToken(ctx context.Context, token string) ([]model.Record, error) {
	return s.records(ctx, tokenRecordsKey(token), func() ([]model.Record, error) {
		return s.primary.RecordsByToken(ctx, token)
	})
}

func (s *CachedStore) GetFeePool(ctx context.Context) (decimal.Decimal, error) {
	if v, err := s.rdb.Get(ctx, feePoolCacheKey).Result(); err == nil {
		if d, err := decimal.NewFromString(v); err == nil {
			return d, nil
		}
	}
	d, err := s.primary.GetFeePool(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, feePoolCacheKey, d.String(), s.ttl)
	return d, nil
}

// --- Passthrough (not cached) ---

// ListAccounts runs once at startup; caching it buys nothing.
func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) records(ctx context.Context, key string, load func() ([]model.Record, error)) ([]model.Record, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var recs []model.Record
		if json.Unmarshal(data, &recs) == nil {
			return recs, nil
		}
	}

	recs, err := load()
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, key, recs)
	return recs, nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const feePoolCacheKey = "feepool"

func accountKey(user string) string       { return fmt.Sprintf("account:%s", user) }
func userRecordsKey(user string) string   { return fmt.Sprintf("records:user:%s", user) }
func tokenRecordsKey(token string) string { return fmt.Sprintf("records:token:%s", token) }
