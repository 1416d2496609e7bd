package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ezkeys/ezkeys/internal/audit"
	"github.com/ezkeys/ezkeys/internal/handler"
	"github.com/ezkeys/ezkeys/internal/metrics"
	"github.com/ezkeys/ezkeys/internal/server/middleware"
	"github.com/ezkeys/ezkeys/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// RateLimit is the per-IP request budget per minute; 0 disables it.
	RateLimit int
	// VerifyRateLimit is the per-key budget per minute on /verifyApiKey.
	VerifyRateLimit int
	BaseURL         string
	Version         string
	Session         handler.SessionConfig
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		RateLimit:       120,
		VerifyRateLimit: 600,
		Version:         "dev",
	}
}

// Checker reports whether a dependency is ready to serve.
type Checker func(ctx context.Context) error

// Deps are the collaborators the server routes to.
type Deps struct {
	Keys     *service.KeyService
	Sessions handler.SessionIssuer
	Resolver service.Resolver
	Audit    audit.Sink
	Metrics  *metrics.Metrics
	Checks   map[string]Checker
	Logger   *zap.Logger
}

// Server is the top-level HTTP server for ezkeys. It owns the Chi router and
// the lifecycle of the underlying http.Server.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *zap.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger, s.deps.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handler.WriteError(w, http.StatusNotFound, string(service.CodeNotFound), "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handler.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	// --- Health checks and metadata (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.Version, s.cfg.BaseURL, s.deps.Keys.DemoAvailable()).ServeSpec)

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(middleware.RateLimit(s.cfg.RateLimit))
		}

		// --- Key lifecycle: each operation resolves its own principal ---
		keys := handler.NewKeyHandler(s.deps.Keys, s.cfg.Session.CookieName)
		r.Post("/createApiKey", keys.Create)
		r.Get("/listApiKeys", keys.List)
		r.Post("/revokeApiKey", keys.Revoke)
		r.Post("/setDefaultApiKey", keys.SetDefault)
		if s.deps.Keys.DemoAvailable() {
			r.Post("/demoProxyCall", keys.DemoCall)
		}

		// --- Sessions ---
		if s.deps.Sessions != nil {
			sessions := handler.NewSessionHandler(s.deps.Sessions, s.deps.Resolver, s.deps.Audit, s.cfg.Session, s.logger)
			r.Post("/session/start", sessions.Start)
			r.Post("/session/end", sessions.End)
			r.Get("/session/status", sessions.Status)
		}
	})

	// --- Downstream key verification ---
	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(middleware.RateLimit(s.cfg.RateLimit))
		}
		if s.cfg.VerifyRateLimit > 0 {
			r.Use(middleware.RateLimitByHeader("X-API-Key", s.cfg.VerifyRateLimit))
		}
		r.Use(middleware.RequireAPIKey(s.deps.Keys))
		r.Post("/verifyApiKey", handler.NewKeyHandler(s.deps.Keys, s.cfg.Session.CookieName).Verify)
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when every dependency
// check passes, or 503 if any of them fails.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "error"
			status = "degraded"
		} else {
			checks[name] = "ok"
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until ctx is done or a
// SIGINT or SIGTERM is received. It then performs a graceful shutdown,
// draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
