package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmangutov/vordex/internal/config"
	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/settlement"
)

const (
	sellerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	buyerKey  = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPolicyFromConfig(t *testing.T) {
	sc := config.Defaults().Settlement
	sc.Custodian = "0x00000000000000000000000000000000000000aa"
	sc.MinPremium = "250"
	sc.ExpireCaller = "anyone"

	p, err := PolicyFromConfig(sc)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xaa"), p.Custodian)
	assert.Equal(t, "250", p.MinPremium.String())
	assert.Equal(t, settlement.ExpireCallerAnyone, p.ExpireCaller)
	assert.Equal(t, settlement.DefaultBasis(), p.Basis)

	sc.ExpireCaller = "buyer"
	_, err = PolicyFromConfig(sc)
	require.Error(t, err)
}

func TestWireMemoryDefaults(t *testing.T) {
	cfg := config.Defaults()
	cfg.Oracle.StaticPrice = "3100000000"

	deps, cleanup, err := Wire(context.Background(), &cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Ledger)
	assert.NotNil(t, deps.SignalBus)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.Jobs)
	assert.Equal(t, "memory", backendName(&cfg))

	price, err := deps.Service.Price(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3100000000", price.String())
}

func TestWireStaticWithoutPrice(t *testing.T) {
	cfg := config.Defaults()
	deps, cleanup, err := Wire(context.Background(), &cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	_, err = deps.Service.Price(context.Background())
	require.ErrorIs(t, err, domain.ErrNoPrice)
}

func TestScenarioModeLocal(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "scenario"
	cfg.Oracle.StaticPrice = "3500000000"
	cfg.Scenario.Seller.PrivateKey = sellerKey
	cfg.Scenario.Buyer.PrivateKey = buyerKey
	require.NoError(t, cfg.Validate())

	a := New(&cfg, discardLogger())
	defer a.Close()
	require.NoError(t, a.Run(context.Background()))
}

func TestArchiveModeRequiresArchiver(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, discardLogger())
	err := a.ArchiveMode(context.Background(), &Dependencies{})
	require.Error(t, err)
}
