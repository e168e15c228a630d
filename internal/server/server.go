// Package server exposes the margin engine over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/margind/internal/domain"
	"github.com/alanyoungcy/margind/internal/server/handler"
	"github.com/alanyoungcy/margind/internal/server/middleware"
	"github.com/alanyoungcy/margind/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Positions   *handler.PositionHandler
	Vaults      *handler.VaultHandler
	Instruments *handler.InstrumentHandler
	Settlements *handler.SettlementHandler
}

// Server is the HTTP + WebSocket API server for the margin engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux. It
// wires up middleware (rate limiting, auth, logging, CORS) and attaches the
// WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required on the rest of the chain either; the
	// auth middleware gates everything uniformly).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Position lifecycle.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/history", handlers.Positions.ListHistory)
	mux.HandleFunc("GET /api/positions/{key}", handlers.Positions.GetPosition)
	mux.HandleFunc("POST /api/positions", handlers.Positions.OpenPosition)
	mux.HandleFunc("POST /api/positions/{key}/collateral", handlers.Positions.AddCollateral)
	mux.HandleFunc("POST /api/positions/{key}/settle", handlers.Positions.SettlePosition)
	mux.HandleFunc("POST /api/positions/{key}/liquidate", handlers.Positions.LiquidatePosition)

	// Read-only pool and series state.
	mux.HandleFunc("GET /api/vaults/{asset}", handlers.Vaults.GetVault)
	mux.HandleFunc("GET /api/instruments/{address}", handlers.Instruments.GetInstrument)

	// Settlement history.
	mux.HandleFunc("GET /api/settlements", handlers.Settlements.ListRecent)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey)(h)

	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute)(h)
	}

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
		mux:        mux,
		logger:     logger,
	}
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
