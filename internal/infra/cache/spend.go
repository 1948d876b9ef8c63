// Package cache is the Redis tier of the agent daily-spend chain.
//
// Counters live under settle:agent_spend:{accountID}:{YYYY-MM-DD} and expire
// at the next UTC midnight, so a new day starts at zero with no reset job.
// Increments prefer a server-side script (INCRBY plus EXPIREAT on first
// write), fall back to two calls, and finally to a plain overwrite.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KeyPrefix namespaces every spend counter.
const KeyPrefix = "settle:agent_spend:"

// SpendKey returns the counter key for one account and UTC date.
func SpendKey(accountID, day string) string {
	return KeyPrefix + accountID + ":" + day
}

// incrExpire increments KEYS[1] by ARGV[1] and, only if the key carries no
// expiry yet, sets it to expire at unix time ARGV[2].
var incrExpire = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIREAT', KEYS[1], ARGV[2])
end
return v
`)

// SpendCache reads and writes daily-spend counters in Redis.
type SpendCache struct {
	rdb    redis.Cmdable
	logger *zap.Logger
}

// NewSpendCache wraps an existing client. A nil logger is allowed.
func NewSpendCache(rdb redis.Cmdable, logger *zap.Logger) *SpendCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpendCache{rdb: rdb, logger: logger}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return rdb, nil
}

// Name identifies the tier in metrics and logs.
func (c *SpendCache) Name() string { return "cache" }

// Get returns the cached counter. A missing key is a miss, not an error.
func (c *SpendCache) Get(ctx context.Context, accountID, day string) (int64, bool, error) {
	v, err := c.rdb.Get(ctx, SpendKey(accountID, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache get: %w", err)
	}
	return v, true, nil
}

// IncrBy adds delta to the counter and returns the new value. Each fallback
// step is less precise than the one before it; only when all three fail is
// an error returned.
func (c *SpendCache) IncrBy(ctx context.Context, accountID, day string, delta int64, expireAt time.Time) (int64, error) {
	key := SpendKey(accountID, day)

	v, err := incrExpire.Run(ctx, c.rdb, []string{key}, delta, expireAt.Unix()).Int64()
	if err == nil {
		return v, nil
	}
	c.logger.Debug("spend script unavailable, using INCRBY", zap.String("key", key), zap.Error(err))

	v, err = c.incrThenExpire(ctx, key, delta, expireAt)
	if err == nil {
		return v, nil
	}
	c.logger.Warn("spend INCRBY failed, overwriting counter", zap.String("key", key), zap.Error(err))

	return c.overwrite(ctx, key, delta, expireAt)
}

func (c *SpendCache) incrThenExpire(ctx context.Context, key string, delta int64, expireAt time.Time) (int64, error) {
	v, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, err
	}
	// TTL is -1 for a key without expiry; a failed TTL read also sets it.
	if ttl, err := c.rdb.TTL(ctx, key).Result(); err != nil || ttl < 0 {
		if err := c.rdb.ExpireAt(ctx, key, expireAt).Err(); err != nil {
			c.logger.Warn("spend EXPIREAT failed", zap.String("key", key), zap.Error(err))
		}
	}
	return v, nil
}

// overwrite is read-then-write and can lose a concurrent increment.
func (c *SpendCache) overwrite(ctx context.Context, key string, delta int64, expireAt time.Time) (int64, error) {
	var cur int64
	if s, err := c.rdb.Get(ctx, key).Result(); err == nil {
		cur, _ = strconv.ParseInt(s, 10, 64)
	}
	next := cur + delta
	if err := c.rdb.SetArgs(ctx, key, next, redis.SetArgs{ExpireAt: expireAt}).Err(); err != nil {
		return 0, fmt.Errorf("cache overwrite: %w", err)
	}
	return next, nil
}

// Set replaces the counter. Used to backfill from a slower tier.
func (c *SpendCache) Set(ctx context.Context, accountID, day string, value int64, expireAt time.Time) error {
	if err := c.rdb.SetArgs(ctx, SpendKey(accountID, day), value, redis.SetArgs{ExpireAt: expireAt}).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
