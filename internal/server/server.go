// Package server exposes the settlement engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kmangutov/vordex/internal/domain"
	"github.com/kmangutov/vordex/internal/server/handler"
	"github.com/kmangutov/vordex/internal/server/middleware"
	"github.com/kmangutov/vordex/internal/server/ws"
	"github.com/kmangutov/vordex/internal/store/memory"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, operator authentication is disabled

	// RequireSignatures rejects caller headers without a valid signature.
	RequireSignatures bool
	SignatureMaxSkew  time.Duration
	// Replays remembers signed mutating requests so they cannot be resent.
	// Nil uses an in-process store.
	Replays domain.LockManager

	// RateLimit is the number of requests allowed per caller per RateWindow.
	// Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Accounts  *handler.AccountHandler
	Oracle    *handler.OracleHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("POST /api/positions", handlers.Positions.CreatePosition)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("POST /api/positions/{id}/lock", handlers.Positions.LockPosition)
	mux.HandleFunc("POST /api/positions/{id}/exercise", handlers.Positions.ExercisePosition)
	mux.HandleFunc("POST /api/positions/{id}/expire", handlers.Positions.ExpirePosition)

	mux.HandleFunc("GET /api/accounts/{address}/balances", handlers.Accounts.GetBalances)
	mux.HandleFunc("POST /api/accounts/{address}/deposit", handlers.Accounts.Deposit)
	mux.HandleFunc("POST /api/accounts/{address}/withdraw", handlers.Accounts.Withdraw)

	mux.HandleFunc("GET /api/oracle/price", handlers.Oracle.GetPrice)
	mux.HandleFunc("PUT /api/oracle/price", handlers.Oracle.SetPrice)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	replays := cfg.Replays
	if replays == nil {
		replays = memory.NewLockManager(nil)
	}
	h = middleware.CallerAuth(middleware.CallerConfig{
		RequireSignatures: cfg.RequireSignatures,
		MaxSkew:           cfg.SignatureMaxSkew,
		Replays:           replays,
	})(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
