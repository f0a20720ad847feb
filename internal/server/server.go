package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/server/handler"
	"github.com/alanyoungcy/gasrelay/internal/server/middleware"
	"github.com/alanyoungcy/gasrelay/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, operator routes are open
	// RateLimit caps requests per client IP per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
	// AuthClockSkew bounds the wallet signature timestamp.
	AuthClockSkew time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Permits    *handler.PermitHandler
	Swaps      *handler.SwapHandler
	Repayments *handler.RepaymentHandler
	Staking    *handler.StakingHandler
	Accounts   *handler.AccountHandler
	Admin      *handler.AdminHandler
}

// Server is the HTTP + WebSocket API of the relay.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in logging, CORS and
// optional rate limiting. Mutating user routes require a wallet signature;
// operator routes require the API key. limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	wallet := middleware.WalletAuth(cfg.AuthClockSkew, nil)
	signed := func(h http.HandlerFunc) http.Handler { return wallet(h) }
	operator := middleware.Auth(cfg.APIKey)
	admin := func(h http.HandlerFunc) http.Handler { return operator(h) }

	// Public reads.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("POST /api/permits/prepare", handlers.Permits.Prepare)
	mux.HandleFunc("GET /api/repayments/{wallet}/unlocked", handlers.Repayments.Unlocked)
	mux.HandleFunc("GET /api/staking/{loanId}", handlers.Staking.Status)
	mux.HandleFunc("GET /api/accounts/{wallet}", handlers.Accounts.Status)
	mux.HandleFunc("GET /api/accounts/{wallet}/loans", handlers.Accounts.ListLoans)
	mux.HandleFunc("GET /api/loans/{id}", handlers.Accounts.GetLoan)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Wallet-signed mutations.
	mux.Handle("POST /api/swaps", signed(handlers.Swaps.Execute))
	mux.Handle("POST /api/repayments", signed(handlers.Repayments.Process))
	mux.Handle("POST /api/staking", signed(handlers.Staking.Start))
	mux.Handle("POST /api/staking/{loanId}/withdraw", signed(handlers.Staking.Withdraw))
	mux.Handle("POST /api/accounts/{wallet}/withdraw", signed(handlers.Accounts.Withdraw))
	mux.Handle("POST /api/accounts/{wallet}/repay", signed(handlers.Accounts.Repay))

	// Operator endpoints.
	mux.Handle("GET /api/status", admin(handlers.Admin.Status))
	mux.Handle("POST /api/admin/sweep", admin(handlers.Admin.SweepOverdue))
	mux.Handle("POST /api/admin/finalize", admin(handlers.Admin.FinalizeDue))
	mux.Handle("POST /api/admin/archive", admin(handlers.Admin.TriggerArchive))
	mux.Handle("GET /api/admin/ledger/{wallet}", admin(handlers.Admin.LedgerEntries))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // swaps wait for the venue
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

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
