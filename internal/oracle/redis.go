package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/fixedpoint"
)

// kv is the subset of the go-redis client the oracle needs.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisOracle reads prices published by an external feeder under
// "{prefix}{token}" as base-10 integers with Decimals digits.
type RedisOracle struct {
	rdb    kv
	prefix string
}

// NewRedisOracle creates an oracle over a Redis client. An empty prefix
// defaults to "price:".
func NewRedisOracle(rdb kv, prefix string) *RedisOracle {
	if prefix == "" {
		prefix = "price:"
	}
	return &RedisOracle{rdb: rdb, prefix: prefix}
}

// Price implements Oracle. A missing key is a zero price, not an error.
func (o *RedisOracle) Price(ctx context.Context, token string) (*uint256.Int, error) {
	raw, err := o.rdb.Get(ctx, o.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return fixedpoint.Zero(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, token, err)
	}
	price, err := fixedpoint.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("oracle: malformed price for %s: %w", token, err)
	}
	return price, nil
}

// SetPrice implements Setter. Published prices never expire.
func (o *RedisOracle) SetPrice(ctx context.Context, token string, price *uint256.Int) error {
	if err := o.rdb.Set(ctx, o.key(token), fixedpoint.OrZero(price).Dec(), 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, token, err)
	}
	return nil
}

func (o *RedisOracle) key(token string) string { return o.prefix + token }
