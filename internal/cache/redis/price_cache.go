package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kmangutov/vordex/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each feed is a
// hash at "price:<feed>" with fields "price" (base-10 quote units) and "ts"
// (Unix nanoseconds).
type PriceCache struct {
	c   *Client
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A positive ttl expires feeds that stop
// being written.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, rdb: c.Underlying(), ttl: ttl}
}

func (pc *PriceCache) priceKey(feed string) string {
	return pc.c.Key("price:" + feed)
}

// SetPrice stores the latest price and timestamp for a feed.
func (pc *PriceCache) SetPrice(ctx context.Context, feed string, price domain.Amount, ts time.Time) error {
	key := pc.priceKey(feed)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", feed, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a feed. It returns
// domain.ErrNotFound when the feed has never been written.
func (pc *PriceCache) GetPrice(ctx context.Context, feed string) (domain.Amount, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.priceKey(feed)).Result()
	if err != nil {
		return domain.Amount{}, time.Time{}, fmt.Errorf("redis: get price %s: %w", feed, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return domain.Amount{}, time.Time{}, fmt.Errorf("redis: price %s: %w", feed, domain.ErrNotFound)
	}
	price, err := domain.ParseAmount(priceStr)
	if err != nil {
		return domain.Amount{}, time.Time{}, fmt.Errorf("redis: parse price %s: %w", feed, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.Amount{}, time.Time{}, fmt.Errorf("redis: price ts %s: %w", feed, domain.ErrNotFound)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Amount{}, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", feed, err)
	}

	return price, time.Unix(0, tsNano).UTC(), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
