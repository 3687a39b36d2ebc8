// Package server is the HTTP and websocket API of chainbot.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/chainbot/internal/crypto"
	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/server/handler"
	"github.com/alanyoungcy/chainbot/internal/server/middleware"
	"github.com/alanyoungcy/chainbot/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey and Signer enable authentication; with neither set the API is
	// open.
	APIKey     string
	Signer     *crypto.RequestSigner
	RateLimit  int
	RateWindow time.Duration
}

// Handlers groups the route handlers. Nil groups are not registered.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Rules     *handler.RuleHandler
	Invoices  *handler.InvoiceHandler
	Scheduler *handler.SchedulerHandler
	Prices    *handler.PriceHandler
	Account   *handler.AccountHandler
}

// Server is the API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and builds the middleware chain. limiter and
// hub may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewHandler(cfg, h, hub, limiter, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Manual cycles and sweeps wait on the gateway.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler returns the routed, wrapped API handler.
func NewHandler(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Status != nil {
		mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	}
	if h.Rules != nil {
		mux.HandleFunc("GET /api/rules", h.Rules.ListRules)
		mux.HandleFunc("POST /api/rules", h.Rules.CreateRule)
		mux.HandleFunc("GET /api/rules/{id}", h.Rules.GetRule)
		mux.HandleFunc("DELETE /api/rules/{id}", h.Rules.DeleteRule)
		mux.HandleFunc("PUT /api/rules/{id}/status", h.Rules.UpdateStatus)
		mux.HandleFunc("GET /api/rules/{id}/logs", h.Rules.RuleLogs)
		mux.HandleFunc("GET /api/logs", h.Rules.ListLogs)
	}
	if h.Invoices != nil {
		mux.HandleFunc("GET /api/invoices", h.Invoices.ListInvoices)
		mux.HandleFunc("POST /api/invoices", h.Invoices.CreateInvoice)
		mux.HandleFunc("GET /api/invoices/{id}", h.Invoices.GetInvoice)
		mux.HandleFunc("POST /api/invoices/{id}/check", h.Invoices.CheckPayment)
		mux.HandleFunc("POST /api/invoices/{id}/sweep", h.Invoices.SweepInvoice)
	}
	if h.Scheduler != nil {
		mux.HandleFunc("GET /api/scheduler", h.Scheduler.GetScheduler)
		mux.HandleFunc("POST /api/scheduler/start", h.Scheduler.Start)
		mux.HandleFunc("POST /api/scheduler/stop", h.Scheduler.Stop)
		mux.HandleFunc("POST /api/scheduler/run", h.Scheduler.RunOnce)
	}
	if h.Prices != nil {
		mux.HandleFunc("GET /api/prices/{asset}", h.Prices.GetPrice)
		mux.HandleFunc("PUT /api/prices/{asset}", h.Prices.SetPrice)
	}
	if h.Account != nil {
		mux.HandleFunc("GET /api/account", h.Account.GetAccount)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var out http.Handler = mux
	out = middleware.Auth(cfg.APIKey, cfg.Signer, "/api/health")(out)
	out = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(out)
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
