package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/rediskey"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loyalty_balance_cache_lookups_total",
	Help: "Balance cache lookups by result.",
}, []string{"result"})

// BalanceCache is a read-through copy of the balance read model. It is never
// consulted on the write path and every failure degrades to a miss.
type BalanceCache interface {
	Get(ctx context.Context, accountID string) (*Balance, bool)
	Set(ctx context.Context, b *Balance)
	Invalidate(ctx context.Context, accountID string)
}

type NopCache struct{}

func (NopCache) Get(context.Context, string) (*Balance, bool) { return nil, false }
func (NopCache) Set(context.Context, *Balance)                {}
func (NopCache) Invalidate(context.Context, string)           {}

type RedisBalanceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisBalanceCache(rdb *redis.Client, cfg *config.Config) BalanceCache {
	if rdb == nil {
		return NopCache{}
	}
	ttl := cfg.Loyalty.BalanceCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisBalanceCache{rdb: rdb, ttl: ttl}
}

func (c *RedisBalanceCache) Get(ctx context.Context, accountID string) (*Balance, bool) {
	raw, err := c.rdb.Get(ctx, rediskey.BuildBalanceKey(accountID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("balance cache read failed", zap.String("account_id", accountID), zap.Error(err))
			cacheLookups.WithLabelValues("error").Inc()
			return nil, false
		}
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	var b Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		cacheLookups.WithLabelValues("error").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return &b, true
}

func (c *RedisBalanceCache) Set(ctx context.Context, b *Balance) {
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, rediskey.BuildBalanceKey(b.AccountID), raw, c.ttl).Err(); err != nil {
		zap.L().Warn("balance cache write failed", zap.String("account_id", b.AccountID), zap.Error(err))
	}
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, accountID string) {
	if err := c.rdb.Del(ctx, rediskey.BuildBalanceKey(accountID)).Err(); err != nil {
		zap.L().Warn("balance cache invalidation failed", zap.String("account_id", accountID), zap.Error(err))
	}
}
