package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teemow/draftsender/internal/delivery"
	"github.com/teemow/draftsender/internal/instrumentation"
	"github.com/teemow/draftsender/internal/logging"
)

const (
	// DefaultAddr is the default listen address of the API server.
	DefaultAddr = ":8080"

	// DefaultMaxBodyBytes caps request bodies.
	DefaultMaxBodyBytes = 64 << 10

	defaultReadHeaderTimeout = 10 * time.Second
	defaultWriteTimeout      = 60 * time.Second
	defaultIdleTimeout       = 120 * time.Second
)

// Orchestrator runs the send operations behind the HTTP surface.
type Orchestrator interface {
	SendDraft(ctx context.Context, req delivery.SendRequest) (*delivery.Result, error)
	SendFollowup(ctx context.Context, req delivery.SendRequest) (*delivery.Result, error)
	ResendToAnother(ctx context.Context, req delivery.ResendRequest) (*delivery.Result, error)
	CreateGmailDraft(ctx context.Context, id string) (*delivery.Result, error)
}

// Config holds the API server settings.
type Config struct {
	Addr         string
	Version      string
	MaxBodyBytes int64

	ReadHeaderTimeout time.Duration
	// WriteTimeout bounds a whole request, including the Google calls.
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP surface of the delivery service.
type Server struct {
	cfg          Config
	orchestrator Orchestrator
	health       *HealthChecker
	metrics      *instrumentation.Metrics
	logger       *slog.Logger
	router       chi.Router

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a Server for orchestrator.
func New(cfg Config, orchestrator Orchestrator) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		health:       NewHealthChecker(cfg.Version),
		metrics:      cfg.Metrics,
		logger:       logging.WithComponent(cfg.Logger, "http"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/health", s.health.ServiceHandler())
	r.Method(http.MethodGet, "/healthz", s.health.LivenessHandler())
	r.Method(http.MethodGet, "/readyz", s.health.ReadinessHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.limitBody)
		r.Post("/send-draft", s.handleSendDraft)
		r.Post("/send-followup", s.handleSendFollowup)
		r.Post("/resend-to-another", s.handleResend)
		r.Post("/create-draft", s.handleCreateDraft)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errorBody{Error: true, Code: delivery.CodeValidation, Message: "no route for " + r.Method + " " + r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errorBody{Error: true, Code: delivery.CodeValidation, Message: r.Method + " not allowed on " + r.URL.Path})
	})
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health returns the health checker so callers can add readiness checks.
func (s *Server) Health() *HealthChecker {
	return s.health
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Serve serves on ln until Shutdown. It returns http.ErrServerClosed after
// a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting API server", slog.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}

// Shutdown fails readiness and waits for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.MarkShuttingDown()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	err := srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// limitBody caps request bodies at MaxBodyBytes.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// observe logs each request and records its metrics under the route
// pattern, so ids in paths never become label values.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		duration := time.Since(start)

		s.metrics.RecordHTTPRequest(r.Context(), r.Method, route, status, duration)

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		if route == "/healthz" || route == "/readyz" {
			level = slog.LevelDebug
		}
		s.logger.LogAttrs(r.Context(), level, "request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration(logging.KeyDuration, duration),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("remote_addr", r.RemoteAddr))
	})
}
