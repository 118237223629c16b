package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/kmangutov/vordex/internal/domain"
)

// Poller copies readings from a source oracle into a price cache on a fixed
// interval, so other processes can read the feed without an RPC endpoint.
type Poller struct {
	source   domain.PriceOracle
	cache    domain.PriceCache
	feed     string
	interval time.Duration
	clock    domain.Clock
	logger   *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(source domain.PriceOracle, cache domain.PriceCache, feed string, interval time.Duration, clock domain.Clock, logger *slog.Logger) *Poller {
	return &Poller{
		source:   source,
		cache:    cache,
		feed:     feed,
		interval: interval,
		clock:    clock,
		logger:   logger.With(slog.String("component", "oracle_poller")),
	}
}

// Run polls until ctx is cancelled. Failed polls are logged and retried on
// the next tick.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("oracle poller started", slog.String("feed", p.feed), slog.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("oracle poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs a single read-and-store cycle and reports whether it
// succeeded.
func (p *Poller) Poll(ctx context.Context) bool {
	price, err := p.source.LatestPrice(ctx)
	if err != nil {
		p.logger.Warn("oracle read failed", slog.String("error", err.Error()))
		return false
	}
	if err := p.cache.SetPrice(ctx, p.feed, price, p.clock.Now()); err != nil {
		p.logger.Warn("price cache write failed", slog.String("error", err.Error()))
		return false
	}
	p.logger.Debug("price updated", slog.String("feed", p.feed), slog.String("price", price.String()))
	return true
}
