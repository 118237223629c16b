package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kmangutov/vordex/internal/domain"
)

// Cached reads one feed out of a domain.PriceCache. Readings older than
// maxAge are rejected with domain.ErrStalePrice; a zero maxAge disables the
// check.
type Cached struct {
	cache  domain.PriceCache
	feed   string
	maxAge time.Duration
	clock  domain.Clock
}

// NewCached creates a cache-backed oracle for feed.
func NewCached(cache domain.PriceCache, feed string, maxAge time.Duration, clock domain.Clock) *Cached {
	return &Cached{cache: cache, feed: feed, maxAge: maxAge, clock: clock}
}

// LatestPrice returns the cached price of the feed.
func (c *Cached) LatestPrice(ctx context.Context) (domain.Amount, error) {
	price, ts, err := c.cache.GetPrice(ctx, c.feed)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Amount{}, fmt.Errorf("oracle: feed %s: %w", c.feed, domain.ErrNoPrice)
		}
		return domain.Amount{}, fmt.Errorf("oracle: feed %s: %w", c.feed, err)
	}
	if c.maxAge > 0 && c.clock.Now().Sub(ts) > c.maxAge {
		return domain.Amount{}, fmt.Errorf("oracle: feed %s updated %s: %w",
			c.feed, ts.UTC().Format(time.RFC3339), domain.ErrStalePrice)
	}
	return price, nil
}

// SetPrice writes price to the feed stamped with the current time.
func (c *Cached) SetPrice(ctx context.Context, price domain.Amount) error {
	if err := c.cache.SetPrice(ctx, c.feed, price, c.clock.Now()); err != nil {
		return fmt.Errorf("oracle: set feed %s: %w", c.feed, err)
	}
	return nil
}

var (
	_ domain.PriceOracle = (*Cached)(nil)
	_ domain.PriceSetter = (*Cached)(nil)
)
