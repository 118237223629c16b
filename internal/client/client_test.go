package client_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmangutov/vordex/internal/client"
	"github.com/kmangutov/vordex/internal/clock"
	"github.com/kmangutov/vordex/internal/crypto"
	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/oracle"
	"github.com/kmangutov/vordex/internal/scenario"
	"github.com/kmangutov/vordex/internal/server"
	"github.com/kmangutov/vordex/internal/server/handler"
	"github.com/kmangutov/vordex/internal/service"
	"github.com/kmangutov/vordex/internal/settlement"
	"github.com/kmangutov/vordex/internal/store/memory"
)

const (
	apiKey    = "operator-key"
	sellerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	buyerKey  = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var _ scenario.Driver = (*client.Client)(nil)

func newServer(t *testing.T, clk domain.Clock) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orc := oracle.NewStatic(domain.NewAmount(3_100_000_000))
	engine := settlement.New(memory.NewLedger(), orc, clk, settlement.DefaultPolicy())
	svc := service.NewSettlementService(engine, orc, clk, service.SettlementOptions{}, logger)

	srv := server.NewServer(server.Config{
		APIKey:            apiKey,
		RequireSignatures: true,
		SignatureMaxSkew:  time.Minute,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Status:    handler.NewStatusHandler("server", "memory", svc.Policy()),
		Positions: handler.NewPositionHandler(svc, logger),
		Accounts:  handler.NewAccountHandler(svc, true, logger),
		Oracle:    handler.NewOracleHandler(svc, true, logger),
	}, nil, nil, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func signers(t *testing.T) (*crypto.Signer, *crypto.Signer) {
	t.Helper()
	sk, err := crypto.ParseKey(sellerKey)
	require.NoError(t, err)
	bk, err := crypto.ParseKey(buyerKey)
	require.NoError(t, err)
	return crypto.NewSigner(sk), crypto.NewSigner(bk)
}

func TestScenarioOverHTTP(t *testing.T) {
	url := newServer(t, clock.System{})
	seller, buyer := signers(t)
	assert.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), buyer.Address())

	c := client.New(url, apiKey)
	c.AddSigner(seller)
	c.AddSigner(buyer)

	r := scenario.NewRunner(c, clock.System{}, scenario.DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rep, err := r.Run(context.Background(), seller.Address(), buyer.Address())
	require.NoError(t, err)
	assert.True(t, rep.Exercised)
	assert.Equal(t, domain.PositionStateExercised, rep.Position.State)
	assert.Equal(t, "3005000000", rep.SellerBalances[domain.AssetQuote].String())

	list, err := c.List(context.Background(), domain.PositionFilter{State: domain.PositionStateExercised})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestErrorsMapToSentinels(t *testing.T) {
	url := newServer(t, clock.System{})
	seller, buyer := signers(t)
	ctx := context.Background()

	c := client.New(url, apiKey)
	c.AddSigner(seller)
	c.AddSigner(buyer)

	_, err := c.Get(ctx, 42)
	require.ErrorIs(t, err, domain.ErrNotFound)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = c.Create(ctx, seller.Address(), settlement.CreateParams{
		StrikePrice:      domain.NewAmount(3_000_000_000),
		Expiry:           time.Now().Add(time.Hour),
		CollateralAmount: domain.NewAmount(1),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = c.Create(ctx, seller.Address(), settlement.CreateParams{
		StrikePrice:      domain.NewAmount(3_000_000_000),
		Expiry:           time.Now().Add(-time.Hour),
		CollateralAmount: domain.NewAmount(1),
	})
	require.ErrorIs(t, err, domain.ErrInvalidExpiry)

	// An address without a registered key cannot pass signature checks.
	stranger := common.HexToAddress("0x3333333333333333333333333333333333333333")
	_, err = c.Expire(ctx, stranger, 0)
	require.ErrorIs(t, err, client.ErrUnauthenticated)

	bad := client.New(url, "wrong")
	_, err = bad.Price(ctx)
	require.ErrorIs(t, err, client.ErrUnauthenticated)
}

func TestOracleRoundTrip(t *testing.T) {
	url := newServer(t, clock.System{})
	c := client.New(url, apiKey)
	ctx := context.Background()

	require.NoError(t, c.SetPrice(ctx, domain.NewAmount(2_500_000_000)))
	price, err := c.Price(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2500000000", price.String())

	owner := common.HexToAddress("0x4444444444444444444444444444444444444444")
	require.NoError(t, c.Deposit(ctx, owner, domain.AssetQuote, domain.NewAmount(10)))
	require.NoError(t, c.Withdraw(ctx, owner, domain.AssetQuote, domain.NewAmount(4)))
	require.ErrorIs(t, c.Withdraw(ctx, owner, domain.AssetQuote, domain.NewAmount(7)), domain.ErrInsufficientFunds)

	bals, err := c.Balances(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "6", bals[domain.AssetQuote].String())
}
