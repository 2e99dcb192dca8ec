package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_UnknownTokenIsZero(t *testing.T) {
	o := NewStatic(nil)
	p, err := o.Price(context.Background(), "DOGE")
	require.NoError(t, err)
	assert.True(t, p.IsZero())
}

func TestStatic_SetPriceReturnsCopies(t *testing.T) {
	ctx := context.Background()
	o := NewStatic(map[string]*uint256.Int{"ETH": uint256.NewInt(2000_00000000)})

	p, err := o.Price(ctx, "ETH")
	require.NoError(t, err)
	p.SetUint64(1)

	again, err := o.Price(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(2000_00000000), again.Uint64())

	require.NoError(t, o.SetPrice(ctx, "ETH", uint256.NewInt(100)))
	again, _ = o.Price(ctx, "ETH")
	assert.Equal(t, uint64(100), again.Uint64())

	assert.Error(t, o.SetPrice(ctx, "", uint256.NewInt(1)))
}

// fakeKV is an in-process stand-in for a Redis client.
type fakeKV struct {
	data map[string]string
	err  error
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func TestRedisOracle_PriceRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := &fakeKV{data: map[string]string{}}
	o := NewRedisOracle(kv, "")

	require.NoError(t, o.SetPrice(ctx, "sBTC", uint256.NewInt(60000_00000000)))
	assert.Equal(t, "6000000000000", kv.data["price:sBTC"])

	p, err := o.Price(ctx, "sBTC")
	require.NoError(t, err)
	assert.Equal(t, uint64(60000_00000000), p.Uint64())
}

func TestRedisOracle_MissingKeyIsZero(t *testing.T) {
	o := NewRedisOracle(&fakeKV{data: map[string]string{}}, "px:")
	p, err := o.Price(context.Background(), "sETH")
	require.NoError(t, err)
	assert.True(t, p.IsZero())
}

func TestRedisOracle_Errors(t *testing.T) {
	ctx := context.Background()

	down := NewRedisOracle(&fakeKV{err: errors.New("connection refused")}, "")
	_, err := down.Price(ctx, "sETH")
	assert.ErrorIs(t, err, ErrUnavailable)

	bad := NewRedisOracle(&fakeKV{data: map[string]string{"price:sETH": "-5"}}, "")
	_, err = bad.Price(ctx, "sETH")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

type flakyOracle struct {
	calls int
	err   error
}

func (f *flakyOracle) Price(context.Context, string) (*uint256.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return uint256.NewInt(7), nil
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flakyOracle{err: ErrUnavailable}
	b := NewBreaker(inner, BreakerSettings{Name: "test-open", MinRequests: 3, Timeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := b.Price(ctx, "sETH")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Price(ctx, "sETH")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, inner.calls, "open breaker must not call the source")
}

func TestBreaker_PassesThrough(t *testing.T) {
	b := NewBreaker(&flakyOracle{}, BreakerSettings{Name: "test-pass"})
	p, err := b.Price(context.Background(), "sETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), p.Uint64())
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_DataErrorsDoNotTrip(t *testing.T) {
	inner := &flakyOracle{err: errors.New("malformed")}
	b := NewBreaker(inner, BreakerSettings{Name: "test-data", MinRequests: 1})
	for i := 0; i < 5; i++ {
		_, err := b.Price(context.Background(), "sETH")
		require.Error(t, err)
	}
	assert.Equal(t, "closed", b.State())
}
