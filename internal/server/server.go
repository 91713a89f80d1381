// Package server exposes the ledger over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/forwarder"
	"github.com/alanyoungcy/marketledger/internal/server/handler"
	"github.com/alanyoungcy/marketledger/internal/server/middleware"
	"github.com/alanyoungcy/marketledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Caller signatures on mutating endpoints. Nonces falls back to an
	// in-process table when nil.
	CallerMaxSkew        time.Duration
	InsecureCallerHeader bool
	Nonces               domain.LockManager

	// Per-IP rate limiting; disabled when RateLimit is 0 or no limiter is set.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Markets  *handler.MarketHandler
	Accounts *handler.AccountHandler
	Admin    *handler.AdminHandler
	Reports  *handler.ReportHandler
	Events   *handler.EventHandler
}

// Server is the headless HTTP + WebSocket API server for the ledger.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub. limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// NewHandler builds the routed, middleware-wrapped API handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	nonces := cfg.Nonces
	if nonces == nil {
		nonces = forwarder.NewLocalLocks()
	}
	signed := middleware.Caller(middleware.CallerConfig{
		MaxSkew:  cfg.CallerMaxSkew,
		Insecure: cfg.InsecureCallerHeader,
		Nonces:   nonces,
		Logger:   logger,
	})
	withCaller := func(f http.HandlerFunc) http.Handler { return signed(f) }

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Market endpoints.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.Handle("POST /api/markets", withCaller(handlers.Markets.CreateMarket))
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.Handle("POST /api/markets/{id}/predictions", withCaller(handlers.Markets.Predict))
	mux.HandleFunc("GET /api/markets/{id}/predictions/{address}", handlers.Markets.GetPrediction)
	mux.Handle("POST /api/markets/{id}/settlement-requests", withCaller(handlers.Markets.RequestSettlement))
	mux.Handle("POST /api/markets/{id}/claims", withCaller(handlers.Markets.Claim))

	// Account endpoints.
	mux.HandleFunc("GET /api/accounts/{address}", handlers.Accounts.GetAccount)
	mux.Handle("POST /api/accounts/withdrawals", withCaller(handlers.Accounts.Withdraw))

	// Signed workflow reports. The envelope signatures are the credential.
	mux.HandleFunc("POST /api/reports", handlers.Reports.SubmitReport)

	// Event log.
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)

	// Owner endpoints.
	mux.HandleFunc("GET /api/admin/policy", handlers.Admin.GetPolicy)
	mux.Handle("PUT /api/admin/policy", withCaller(handlers.Admin.UpdatePolicy))
	mux.Handle("POST /api/admin/deposits", withCaller(handlers.Admin.Deposit))
	mux.Handle("POST /api/admin/ownership", withCaller(handlers.Admin.TransferOwnership))
	mux.Handle("GET /api/admin/audit", withCaller(handlers.Admin.ListAudit))

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)

	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
