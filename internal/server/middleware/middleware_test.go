package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmangutov/vordex/internal/crypto"
	"github.com/kmangutov/vordex/internal/domain"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(ok)

	cases := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"public path", "/api/health", nil, http.StatusNoContent},
		{"missing token", "/api/positions", nil, http.StatusUnauthorized},
		{"bearer", "/api/positions", map[string]string{"Authorization": "Bearer secret"}, http.StatusNoContent},
		{"api key header", "/api/positions", map[string]string{"X-API-Key": "secret"}, http.StatusNoContent},
		{"wrong token", "/api/positions", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), SignatureHeader)

	req = httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingRecordsCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	caller := common.HexToAddress("0x1111111111111111111111111111111111111111")

	var seenID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestID(r.Context())
		w.WriteHeader(http.StatusInternalServerError)
	})
	h := Logging(logger)(CallerAuth(CallerConfig{})(inner))

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	req.Header.Set(AddressHeader, caller.Hex())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", seenID)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, caller.Hex(), line["caller"])
	assert.EqualValues(t, 500, line["status"])
}

func TestCallerAuthSignedBody(t *testing.T) {
	key, err := crypto.ParseKey("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	signer := crypto.NewSigner(key)
	now := time.Unix(1_772_366_400, 0)

	var got common.Address
	var gotBody string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CallerFrom(r.Context())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	})
	h := CallerAuth(CallerConfig{RequireSignatures: true, MaxSkew: time.Minute, Now: func() time.Time { return now }})(inner)

	body := `{"premium_amount":"50000"}`
	sig, err := signer.SignRequest(http.MethodPost, "/api/positions/0/lock", now.Unix(), []byte(body))
	require.NoError(t, err)

	send := func(body, sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/positions/0/lock", strings.NewReader(body))
		req.Header.Set(AddressHeader, signer.Address().Hex())
		req.Header.Set(TimestampHeader, strconv.FormatInt(now.Unix(), 10))
		req.Header.Set(SignatureHeader, sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, send(body, sig))
	assert.Equal(t, signer.Address(), got)
	assert.Equal(t, body, gotBody)

	assert.Equal(t, http.StatusUnauthorized, send(`{"premium_amount":"1"}`, sig))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(AddressHeader, "not-an-address")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type stubLocks struct {
	held map[string]time.Duration
	err  error
}

func (s *stubLocks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	if s.err != nil {
		return nil, s.err
	}
	if _, ok := s.held[key]; ok {
		return nil, domain.ErrLockHeld
	}
	s.held[key] = ttl
	return func() {}, nil
}

func TestCallerAuthRejectsReplays(t *testing.T) {
	key, err := crypto.ParseKey("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	signer := crypto.NewSigner(key)
	now := time.Unix(1_772_366_400, 0)

	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	})
	locks := &stubLocks{held: map[string]time.Duration{}}
	h := CallerAuth(CallerConfig{
		RequireSignatures: true,
		MaxSkew:           time.Minute,
		Now:               func() time.Time { return now },
		Replays:           locks,
	})(inner)

	send := func(method, path, body string, ts int64) int {
		sig, err := signer.SignRequest(method, path, ts, []byte(body))
		require.NoError(t, err)
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(AddressHeader, signer.Address().Hex())
		req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
		req.Header.Set(SignatureHeader, sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	body := `{"strike_price":"3000000000","expiry":"2026-03-01T13:00:00Z","collateral_amount":"1"}`
	assert.Equal(t, http.StatusNoContent, send(http.MethodPost, "/api/positions", body, now.Unix()))
	assert.Equal(t, http.StatusConflict, send(http.MethodPost, "/api/positions", body, now.Unix()))
	assert.Equal(t, 1, calls)
	for _, ttl := range locks.held {
		assert.Equal(t, 2*time.Minute, ttl)
	}

	// A fresh timestamp is a new request.
	assert.Equal(t, http.StatusNoContent, send(http.MethodPost, "/api/positions", body, now.Unix()+1))

	// Reads may be repeated.
	assert.Equal(t, http.StatusNoContent, send(http.MethodGet, "/api/positions", "", now.Unix()))
	assert.Equal(t, http.StatusNoContent, send(http.MethodGet, "/api/positions", "", now.Unix()))
	assert.Equal(t, 4, calls)

	locks.err = errors.New("redis down")
	assert.Equal(t, http.StatusServiceUnavailable, send(http.MethodPost, "/api/positions/0/expire", "", now.Unix()))
	assert.Equal(t, 4, calls)
}

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allowed, s.err
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deny := &stubLimiter{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	RateLimit(deny, 10, time.Second, logger)(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"api:ip:10.0.0.7"}, deny.keys)

	broken := &stubLimiter{err: errors.New("redis down")}
	rec = httptest.NewRecorder()
	caller := common.HexToAddress("0x2222222222222222222222222222222222222222")
	req = httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	RateLimit(broken, 10, time.Second, logger)(ok).ServeHTTP(rec, req.WithContext(WithCaller(req.Context(), caller)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"api:addr:" + caller.Hex()}, broken.keys)
}
