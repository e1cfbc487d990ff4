package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

const marketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache using Redis hashes holding the
// JSON-serialized market, plus an alias from the on-chain id.
//
// Key schema (under the client prefix):
//
//	market:{preDeployId}       - hash with field "data" containing JSON
//	market:alias:{onChainId}   - string value of the pre-deployment id
type MarketCache struct {
	c   *Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache backed by the given Client. A zero
// ttl uses five minutes.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = marketTTL
	}
	return &MarketCache{c: c, ttl: ttl}
}

func (mc *MarketCache) marketKey(id common.Hash) string {
	return mc.c.key("market:" + domain.CanonicalHex(id))
}

func (mc *MarketCache) aliasKey(id common.Hash) string {
	return mc.c.key("market:alias:" + domain.CanonicalHex(id))
}

// Set stores the market and, once deployed, its on-chain alias.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.CanonicalID(), err)
	}

	key := mc.marketKey(market.PreDeployID)
	pipe := mc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, mc.ttl)
	if market.OnChainID != nil {
		pipe.Set(ctx, mc.aliasKey(*market.OnChainID), domain.CanonicalHex(market.PreDeployID), mc.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.CanonicalID(), err)
	}
	return nil
}

// Get resolves id as a pre-deployment id, then as an on-chain alias.
// It returns domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, id common.Hash) (domain.Market, error) {
	m, err := mc.get(ctx, id)
	if !errors.Is(err, domain.ErrNotFound) {
		return m, err
	}

	pre, err := mc.c.rdb.Get(ctx, mc.aliasKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market alias %s: %w", domain.CanonicalHex(id), err)
	}
	h, ok := domain.ParseHash(pre)
	if !ok {
		return domain.Market{}, fmt.Errorf("redis: corrupt market alias %s: %q", domain.CanonicalHex(id), pre)
	}
	return mc.get(ctx, h)
}

func (mc *MarketCache) get(ctx context.Context, id common.Hash) (domain.Market, error) {
	data, err := mc.c.rdb.HGet(ctx, mc.marketKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", domain.CanonicalHex(id), err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", domain.CanonicalHex(id), err)
	}
	return market, nil
}

// Invalidate removes the market and its alias.
func (mc *MarketCache) Invalidate(ctx context.Context, market domain.Market) error {
	pipe := mc.c.rdb.TxPipeline()
	pipe.Del(ctx, mc.marketKey(market.PreDeployID))
	if market.OnChainID != nil {
		pipe.Del(ctx, mc.aliasKey(*market.OnChainID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", market.CanonicalID(), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
