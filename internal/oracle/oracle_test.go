package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmangutov/vordex/internal/clock"
	"github.com/kmangutov/vordex/internal/domain"
)

type memCache struct {
	mu     sync.Mutex
	prices map[string]domain.Amount
	times  map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{prices: map[string]domain.Amount{}, times: map[string]time.Time{}}
}

func (m *memCache) SetPrice(_ context.Context, feed string, price domain.Amount, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[feed], m.times[feed] = price, ts
	return nil
}

func (m *memCache) GetPrice(_ context.Context, feed string) (domain.Amount, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[feed]
	if !ok {
		return domain.Amount{}, time.Time{}, domain.ErrNotFound
	}
	return p, m.times[feed], nil
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	o := NewStatic(domain.NewAmount(3_000_000_000))
	p, err := o.LatestPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3000000000", p.String())

	boom := errors.New("rpc down")
	o.Fail(boom)
	_, err = o.LatestPrice(ctx)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, o.SetPrice(ctx, domain.NewAmount(1)))
	p, err = o.LatestPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", p.String())

	var empty Static
	_, err = empty.LatestPrice(ctx)
	assert.ErrorIs(t, err, domain.ErrNoPrice)
}

func TestCachedStaleness(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	o := NewCached(newMemCache(), "eth-usd", time.Minute, clk)

	_, err := o.LatestPrice(ctx)
	require.ErrorIs(t, err, domain.ErrNoPrice)

	require.NoError(t, o.SetPrice(ctx, domain.NewAmount(42)))
	p, err := o.LatestPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", p.String())

	clk.Advance(2 * time.Minute)
	_, err = o.LatestPrice(ctx)
	assert.ErrorIs(t, err, domain.ErrStalePrice)
}

// fakeAggregator answers eth_call with ABI-encoded aggregator outputs.
type fakeAggregator struct {
	decimals  uint8
	answer    *big.Int
	updatedAt int64
	calls     int
}

func (f *fakeAggregator) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	decimals := parsedAggregatorABI.Methods["decimals"]
	if string(msg.Data[:4]) == string(decimals.ID) {
		return decimals.Outputs.Pack(f.decimals)
	}
	round := parsedAggregatorABI.Methods["latestRoundData"]
	return round.Outputs.Pack(big.NewInt(7), f.answer, big.NewInt(f.updatedAt), big.NewInt(f.updatedAt), big.NewInt(7))
}

func TestChainlinkRescalesAnswer(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := &fakeAggregator{decimals: 8, answer: big.NewInt(3_100_12345678), updatedAt: now.Unix()}
	o := NewChainlink(agg, ChainlinkConfig{
		Aggregator:    common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"),
		QuoteDecimals: 6,
		MaxAge:        time.Hour,
	}, clock.NewManual(now))

	p, err := o.LatestPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3100123456", p.String())

	_, err = o.LatestPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, agg.calls, "decimals fetched once")
}

func TestChainlinkRejectsStaleAndNegative(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := &fakeAggregator{decimals: 8, answer: big.NewInt(100), updatedAt: now.Add(-2 * time.Hour).Unix()}
	o := NewChainlink(agg, ChainlinkConfig{QuoteDecimals: 6, MaxAge: time.Hour}, clock.NewManual(now))

	_, err := o.LatestPrice(context.Background())
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	agg.updatedAt = now.Unix()
	agg.answer = big.NewInt(-5)
	_, err = o.LatestPrice(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoPrice)
}

func TestRescale(t *testing.T) {
	assert.Equal(t, "300000", Rescale(big.NewInt(30_000_000), 8, 6).String())
	assert.Equal(t, "3000000", Rescale(big.NewInt(3), 0, 6).String())
	assert.Equal(t, "12", Rescale(big.NewInt(12), 6, 6).String())
}

func TestPollerCopiesIntoCache(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	src := NewStatic(domain.NewAmount(2_500_000_000))
	cache := newMemCache()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := NewPoller(src, cache, "eth-usd", time.Second, clk, logger)
	require.True(t, p.Poll(ctx))

	got, ts, err := cache.GetPrice(ctx, "eth-usd")
	require.NoError(t, err)
	assert.Equal(t, "2500000000", got.String())
	assert.Equal(t, clk.Now(), ts)

	src.Fail(errors.New("down"))
	assert.False(t, p.Poll(ctx))
}
