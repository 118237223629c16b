package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/crypto"
	"github.com/kmangutov/vordex/internal/domain"
)

// Caller identity headers.
const (
	AddressHeader   = "X-Vordex-Address"
	TimestampHeader = "X-Vordex-Timestamp"
	SignatureHeader = "X-Vordex-Signature"
)

const maxSignedBody = 1 << 20

// defaultReplayWindow is how long a signed request is remembered when
// MaxSkew leaves timestamps unbounded.
const defaultReplayWindow = 10 * time.Minute

type callerKey struct{}

// WithCaller returns ctx carrying an authenticated caller address.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	if info := infoFrom(ctx); info != nil {
		a := addr
		info.caller = &a
	}
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// CallerConfig configures CallerAuth.
type CallerConfig struct {
	// RequireSignatures rejects requests whose address header is not backed
	// by a valid signature. When false the address header is trusted.
	RequireSignatures bool
	// MaxSkew bounds |now - timestamp| for signed requests.
	MaxSkew time.Duration
	Now     func() time.Time
	// Replays, when set, remembers signed mutating requests for twice MaxSkew
	// so the same signed request cannot be submitted again.
	Replays domain.LockManager
}

// CallerAuth authenticates the party behind a request. Requests without an
// address header pass through anonymously; handlers that need a caller
// reject them. Signed requests carry an EIP-191 signature over the method,
// path, timestamp and body hash.
func CallerAuth(cfg CallerConfig) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claimed := r.Header.Get(AddressHeader)
			if claimed == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(claimed) {
				writeUnauthorized(w, "malformed caller address")
				return
			}
			addr := common.HexToAddress(claimed)

			if !cfg.RequireSignatures && r.Header.Get(SignatureHeader) == "" {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
				return
			}

			ts, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
			if err != nil {
				writeUnauthorized(w, "missing or malformed signature timestamp")
				return
			}
			skew := cfg.Now().Sub(time.Unix(ts, 0))
			if skew < 0 {
				skew = -skew
			}
			if cfg.MaxSkew > 0 && skew > cfg.MaxSkew {
				writeUnauthorized(w, "signature timestamp outside allowed window")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			signer, err := crypto.RecoverRequest(r.Method, r.URL.Path, ts, body, r.Header.Get(SignatureHeader))
			if err != nil || signer != addr {
				writeUnauthorized(w, "signature does not match caller address")
				return
			}
			if cfg.Replays != nil && mutating(r.Method) {
				ttl := 2 * cfg.MaxSkew
				if ttl <= 0 {
					ttl = defaultReplayWindow
				}
				key := replayKey(addr, r.Method, r.URL.Path, ts, body)
				if _, err := cfg.Replays.Acquire(r.Context(), key, ttl); err != nil {
					if errors.Is(err, domain.ErrLockHeld) {
						writeError(w, http.StatusConflict, "replayed_request", "signed request already submitted")
						return
					}
					writeError(w, http.StatusServiceUnavailable, "unavailable", "replay check failed")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// replayKey identifies a signed request by its content rather than its
// signature bytes, which have more than one valid encoding.
func replayKey(addr common.Address, method, path string, ts int64, body []byte) string {
	h := sha256.New()
	h.Write(addr.Bytes())
	h.Write([]byte(method + "\n" + path + "\n" + strconv.FormatInt(ts, 10) + "\n"))
	h.Write(body)
	return "replay:" + hex.EncodeToString(h.Sum(nil))
}
