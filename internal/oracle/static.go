// Package oracle provides domain.PriceOracle implementations: a settable
// in-process price, a cache-backed feed, and a Chainlink aggregator reader.
package oracle

import (
	"context"
	"sync"

	"github.com/kmangutov/vordex/internal/domain"
)

// Static returns a price set in process. It backs tests and local runs.
type Static struct {
	mu    sync.RWMutex
	price domain.Amount
	set   bool
	err   error
}

// NewStatic returns a Static oracle reporting price.
func NewStatic(price domain.Amount) *Static {
	return &Static{price: price, set: true}
}

// LatestPrice returns the current price, or domain.ErrNoPrice before the
// first SetPrice on an empty oracle.
func (s *Static) LatestPrice(_ context.Context) (domain.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return domain.Amount{}, s.err
	}
	if !s.set {
		return domain.Amount{}, domain.ErrNoPrice
	}
	return s.price, nil
}

// SetPrice replaces the current price and clears any injected failure.
func (s *Static) SetPrice(_ context.Context, price domain.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.set = true
	s.err = nil
	return nil
}

// Fail makes every following LatestPrice return err until SetPrice is called.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

var (
	_ domain.PriceOracle = (*Static)(nil)
	_ domain.PriceSetter = (*Static)(nil)
)
