package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmangutov/vordex/internal/clock"
	"github.com/kmangutov/vordex/internal/crypto"
	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/oracle"
	"github.com/kmangutov/vordex/internal/server"
	"github.com/kmangutov/vordex/internal/server/handler"
	"github.com/kmangutov/vordex/internal/server/middleware"
	"github.com/kmangutov/vordex/internal/service"
	"github.com/kmangutov/vordex/internal/settlement"
	"github.com/kmangutov/vordex/internal/store/memory"
)

const (
	apiKey  = "operator-key"
	devKey  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	sellerA = "0x1111111111111111111111111111111111111111"
	buyerA  = "0x2222222222222222222222222222222222222222"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	t     *testing.T
	url   string
	clock *clock.Manual
}

type denyAfter struct{ n, limit int }

func (d *denyAfter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.n++
	return d.n <= d.limit, nil
}

func newEnv(t *testing.T, cfg server.Config, limiter domain.RateLimiter) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(start)
	orc := oracle.NewStatic(domain.NewAmount(3_100_000_000))
	engine := settlement.New(memory.NewLedger(), orc, clk, settlement.DefaultPolicy())
	svc := service.NewSettlementService(engine, orc, clk, service.SettlementOptions{
		Bus:   memory.NewSignalBus(),
		Audit: memory.NewAuditStore(),
	}, logger)

	srv := server.NewServer(cfg, server.Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Status:    handler.NewStatusHandler("server", "memory", svc.Policy()),
		Positions: handler.NewPositionHandler(svc, logger),
		Accounts:  handler.NewAccountHandler(svc, true, logger),
		Oracle:    handler.NewOracleHandler(svc, true, logger),
	}, nil, limiter, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{t: t, url: ts.URL, clock: clk}
}

func (e *env) do(method, path, caller string, body any, out any) (int, map[string]string) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.url+path, &buf)
	require.NoError(e.t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if caller != "" {
		req.Header.Set(middleware.AddressHeader, caller)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	if resp.StatusCode >= 300 {
		var errBody map[string]string
		require.NoError(e.t, json.Unmarshal(raw, &errBody), string(raw))
		return resp.StatusCode, errBody
	}
	if out != nil {
		require.NoError(e.t, json.Unmarshal(raw, out), string(raw))
	}
	return resp.StatusCode, nil
}

func (e *env) fund() {
	e.t.Helper()
	status, _ := e.do(http.MethodPost, "/api/accounts/"+sellerA+"/deposit", "", handler.TransferRequest{
		Asset: domain.AssetCollateral, Amount: domain.MustParseAmount("1000000000000000000"),
	}, nil)
	require.Equal(e.t, http.StatusOK, status)
	status, _ = e.do(http.MethodPost, "/api/accounts/"+buyerA+"/deposit", "", handler.TransferRequest{
		Asset: domain.AssetQuote, Amount: domain.NewAmount(10_000_000_000),
	}, nil)
	require.Equal(e.t, http.StatusOK, status)
}

func (e *env) create() domain.Position {
	e.t.Helper()
	var pos domain.Position
	status, body := e.do(http.MethodPost, "/api/positions", sellerA, handler.CreatePositionRequest{
		StrikePrice:      domain.NewAmount(3_000_000_000),
		Expiry:           start.Add(24 * time.Hour),
		CollateralAmount: domain.MustParseAmount("1000000000000000000"),
	}, &pos)
	require.Equal(e.t, http.StatusCreated, status, body)
	return pos
}

func TestHTTPExerciseFlow(t *testing.T) {
	e := newEnv(t, server.Config{APIKey: apiKey}, nil)
	e.fund()

	pos := e.create()
	assert.Equal(t, domain.PositionStateCreated, pos.State)
	id := strconv.FormatUint(uint64(pos.ID), 10)

	var locked domain.Position
	status, body := e.do(http.MethodPost, "/api/positions/"+id+"/lock", buyerA,
		handler.LockPositionRequest{PremiumAmount: domain.NewAmount(50_000)}, &locked)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, domain.PositionStateLocked, locked.State)
	require.NotNil(t, locked.Buyer)
	assert.Equal(t, common.HexToAddress(buyerA), *locked.Buyer)

	var ex handler.ExerciseResponse
	status, body = e.do(http.MethodPost, "/api/positions/"+id+"/exercise", buyerA, nil, &ex)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, domain.PositionStateExercised, ex.Position.State)
	assert.Equal(t, "3100000000", ex.Price.String())

	var bals handler.BalancesResponse
	status, _ = e.do(http.MethodGet, "/api/accounts/"+sellerA+"/balances", "", nil, &bals)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "3000050000", bals.Balances[domain.AssetQuote].String())
	assert.True(t, bals.Balances[domain.AssetCollateral].IsZero())

	var list handler.ListPositionsResponse
	status, _ = e.do(http.MethodGet, "/api/positions?state=exercised&seller="+sellerA, "", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list.Positions, 1)
}

func TestHTTPErrorMapping(t *testing.T) {
	e := newEnv(t, server.Config{APIKey: apiKey}, nil)
	e.fund()
	pos := e.create()
	id := strconv.FormatUint(uint64(pos.ID), 10)

	status, body := e.do(http.MethodPost, "/api/positions/"+id+"/exercise", buyerA, nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state", body["code"])

	status, body = e.do(http.MethodPost, "/api/positions/"+id+"/lock", sellerA,
		handler.LockPositionRequest{PremiumAmount: domain.NewAmount(50_000)}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "unauthorized", body["code"])

	status, body = e.do(http.MethodGet, "/api/positions/99", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])

	status, body = e.do(http.MethodPost, "/api/positions/"+id+"/lock", "",
		handler.LockPositionRequest{PremiumAmount: domain.NewAmount(50_000)}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", body["code"])

	status, body = e.do(http.MethodGet, "/api/positions/abc", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["code"])

	status, body = e.do(http.MethodPost, "/api/positions", sellerA, map[string]any{"bogus": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["code"])
}

func TestHTTPExpire(t *testing.T) {
	e := newEnv(t, server.Config{APIKey: apiKey}, nil)
	e.fund()
	pos := e.create()
	id := strconv.FormatUint(uint64(pos.ID), 10)

	status, _ := e.do(http.MethodPost, "/api/positions/"+id+"/lock", buyerA,
		handler.LockPositionRequest{PremiumAmount: domain.NewAmount(50_000)}, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := e.do(http.MethodPost, "/api/positions/"+id+"/expire", sellerA, nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "not_yet_expired", body["code"])

	e.clock.Advance(25 * time.Hour)
	var expired domain.Position
	status, body = e.do(http.MethodPost, "/api/positions/"+id+"/expire", sellerA, nil, &expired)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, domain.PositionStateExpired, expired.State)
}

func TestHTTPOraclePrice(t *testing.T) {
	e := newEnv(t, server.Config{APIKey: apiKey}, nil)

	status, _ := e.do(http.MethodPut, "/api/oracle/price", "", handler.PriceBody{Price: domain.NewAmount(2_900_000_000)}, nil)
	require.Equal(t, http.StatusOK, status)

	var got handler.PriceBody
	status, _ = e.do(http.MethodGet, "/api/oracle/price", "", nil, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2900000000", got.Price.String())
}

func TestHTTPOperatorAuth(t *testing.T) {
	e := newEnv(t, server.Config{APIKey: apiKey}, nil)

	resp, err := http.Get(e.url + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(e.url + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
}

func TestHTTPSignedRequests(t *testing.T) {
	e := newEnv(t, server.Config{APIKey: apiKey, RequireSignatures: true, SignatureMaxSkew: time.Minute}, nil)
	key, err := crypto.ParseKey(devKey)
	require.NoError(t, err)
	signer := crypto.NewSigner(key)

	send := func(sig string, ts int64) int {
		req, err := http.NewRequest(http.MethodGet, e.url+"/api/positions", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set(middleware.AddressHeader, signer.Address().Hex())
		req.Header.Set(middleware.TimestampHeader, strconv.FormatInt(ts, 10))
		if sig != "" {
			req.Header.Set(middleware.SignatureHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	now := time.Now().Unix()
	sig, err := signer.SignRequest(http.MethodGet, "/api/positions", now, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, send(sig, now))

	assert.Equal(t, http.StatusUnauthorized, send("", now))

	old := now - 3600
	stale, err := signer.SignRequest(http.MethodGet, "/api/positions", old, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(stale, old))

	other, err := signer.SignRequest(http.MethodGet, "/api/other", now, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(other, now))
}

func TestHTTPReplayedCreateEscrowsOnce(t *testing.T) {
	e := newEnv(t, server.Config{APIKey: apiKey, RequireSignatures: true, SignatureMaxSkew: time.Minute}, nil)
	key, err := crypto.ParseKey(devKey)
	require.NoError(t, err)
	signer := crypto.NewSigner(key)
	owner := signer.Address().Hex()

	status, _ := e.do(http.MethodPost, "/api/accounts/"+owner+"/deposit", "", handler.TransferRequest{
		Asset: domain.AssetCollateral, Amount: domain.MustParseAmount("2000000000000000000"),
	}, nil)
	require.Equal(t, http.StatusOK, status)

	body, err := json.Marshal(handler.CreatePositionRequest{
		StrikePrice:      domain.NewAmount(3_000_000_000),
		Expiry:           start.Add(24 * time.Hour),
		CollateralAmount: domain.MustParseAmount("1000000000000000000"),
	})
	require.NoError(t, err)
	ts := time.Now().Unix()
	sig, err := signer.SignRequest(http.MethodPost, "/api/positions", ts, body)
	require.NoError(t, err)

	send := func() int {
		req, err := http.NewRequest(http.MethodPost, e.url+"/api/positions", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set(middleware.AddressHeader, owner)
		req.Header.Set(middleware.TimestampHeader, strconv.FormatInt(ts, 10))
		req.Header.Set(middleware.SignatureHeader, sig)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusCreated, send())
	assert.Equal(t, http.StatusConflict, send())

	var bals handler.BalancesResponse
	status, _ = e.do(http.MethodGet, "/api/accounts/"+owner+"/balances", "", nil, &bals)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1000000000000000000", bals.Balances[domain.AssetCollateral].String())

	var list handler.ListPositionsResponse
	status, _ = e.do(http.MethodGet, "/api/positions", "", nil, &list)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, list.Positions, 1)
}

func TestHTTPRateLimit(t *testing.T) {
	e := newEnv(t, server.Config{APIKey: apiKey, RateLimit: 2, RateWindow: time.Minute}, &denyAfter{limit: 2})

	for i := 0; i < 2; i++ {
		status, _ := e.do(http.MethodGet, "/api/positions", sellerA, nil, nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, body := e.do(http.MethodGet, "/api/positions", sellerA, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", body["code"])
}
