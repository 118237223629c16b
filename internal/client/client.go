// Package client is a Go client for the vordex HTTP API. Requests made on
// behalf of an address are signed with that address's key when one is
// registered.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kmangutov/vordex/internal/crypto"
	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/server/handler"
	"github.com/kmangutov/vordex/internal/server/middleware"
	"github.com/kmangutov/vordex/internal/settlement"
)

// ErrUnauthenticated is returned when the server rejects the API key or the
// caller signature.
var ErrUnauthenticated = errors.New("client: unauthenticated")

// APIError is a non-2xx response. It unwraps to the matching domain sentinel
// when the server sent a known error code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap exposes the domain sentinel for errors.Is.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthenticated
	}
	return domain.ErrorFromCode(e.Code)
}

// Client talks to one vordex server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time

	mu      sync.RWMutex
	signers map[common.Address]*crypto.Signer
}

// New creates a Client for baseURL, e.g. "http://localhost:8080".
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		signers:    make(map[common.Address]*crypto.Signer),
	}
}

// AddSigner registers a key used to sign requests for its address.
func (c *Client) AddSigner(s *crypto.Signer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signers[s.Address()] = s
}

// Create opens a position as caller.
func (c *Client) Create(ctx context.Context, caller common.Address, p settlement.CreateParams) (domain.Position, error) {
	var pos domain.Position
	err := c.do(ctx, http.MethodPost, "/api/positions", &caller, handler.CreatePositionRequest{
		StrikePrice:      p.StrikePrice,
		Expiry:           p.Expiry,
		CollateralAmount: p.CollateralAmount,
	}, &pos)
	return pos, err
}

// Lock buys position id as caller.
func (c *Client) Lock(ctx context.Context, caller common.Address, id domain.PositionID, premium domain.Amount) (domain.Position, error) {
	var pos domain.Position
	err := c.do(ctx, http.MethodPost, "/api/positions/"+id.String()+"/lock", &caller,
		handler.LockPositionRequest{PremiumAmount: premium}, &pos)
	return pos, err
}

// Exercise settles position id as caller and returns the oracle price used.
func (c *Client) Exercise(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, domain.Amount, error) {
	var resp handler.ExerciseResponse
	if err := c.do(ctx, http.MethodPost, "/api/positions/"+id.String()+"/exercise", &caller, nil, &resp); err != nil {
		return domain.Position{}, domain.Amount{}, err
	}
	return resp.Position, resp.Price, nil
}

// Expire returns the collateral of position id to its seller.
func (c *Client) Expire(ctx context.Context, caller common.Address, id domain.PositionID) (domain.Position, error) {
	var pos domain.Position
	err := c.do(ctx, http.MethodPost, "/api/positions/"+id.String()+"/expire", &caller, nil, &pos)
	return pos, err
}

// Get fetches one position.
func (c *Client) Get(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	var pos domain.Position
	err := c.do(ctx, http.MethodGet, "/api/positions/"+id.String(), nil, nil, &pos)
	return pos, err
}

// List fetches positions matching filter.
func (c *Client) List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	q := url.Values{}
	if filter.Seller != nil {
		q.Set("seller", filter.Seller.Hex())
	}
	if filter.Buyer != nil {
		q.Set("buyer", filter.Buyer.Hex())
	}
	if filter.State != "" {
		q.Set("state", string(filter.State))
	}
	if filter.SettledBefore != nil {
		q.Set("settled_before", filter.SettledBefore.UTC().Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/api/positions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp handler.ListPositionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// Balances fetches the custody balances of owner.
func (c *Client) Balances(ctx context.Context, owner common.Address) (map[domain.Asset]domain.Amount, error) {
	var resp handler.BalancesResponse
	if err := c.do(ctx, http.MethodGet, "/api/accounts/"+owner.Hex()+"/balances", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Balances, nil
}

// Deposit funds owner through the admin endpoint.
func (c *Client) Deposit(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	return c.do(ctx, http.MethodPost, "/api/accounts/"+owner.Hex()+"/deposit", nil,
		handler.TransferRequest{Asset: asset, Amount: amount}, nil)
}

// Withdraw debits owner through the admin endpoint.
func (c *Client) Withdraw(ctx context.Context, owner common.Address, asset domain.Asset, amount domain.Amount) error {
	return c.do(ctx, http.MethodPost, "/api/accounts/"+owner.Hex()+"/withdraw", nil,
		handler.TransferRequest{Asset: asset, Amount: amount}, nil)
}

// Price reads the server's oracle.
func (c *Client) Price(ctx context.Context) (domain.Amount, error) {
	var resp handler.PriceBody
	if err := c.do(ctx, http.MethodGet, "/api/oracle/price", nil, nil, &resp); err != nil {
		return domain.Amount{}, err
	}
	return resp.Price, nil
}

// SetPrice overrides the server's oracle price.
func (c *Client) SetPrice(ctx context.Context, price domain.Amount) error {
	return c.do(ctx, http.MethodPut, "/api/oracle/price", nil, handler.PriceBody{Price: price}, nil)
}

// do sends one request. When caller is set the identity headers are added,
// with a signature if a signer for the address is registered.
func (c *Client) do(ctx context.Context, method, path string, caller *common.Address, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("client: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if caller != nil {
		if err := c.identify(req, *caller, raw); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) identify(req *http.Request, caller common.Address, body []byte) error {
	req.Header.Set(middleware.AddressHeader, caller.Hex())

	c.mu.RLock()
	signer := c.signers[caller]
	c.mu.RUnlock()
	if signer == nil {
		return nil
	}

	ts := c.now().Unix()
	sig, err := signer.SignRequest(req.Method, req.URL.Path, ts, body)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	req.Header.Set(middleware.TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.SignatureHeader, sig)
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
	} else {
		apiErr.Code = "http_" + strconv.Itoa(status)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
