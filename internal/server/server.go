// Package server exposes the submission pipeline over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/shineum/form-relay-lite/internal/submission"
)

// shutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Submitter runs one submission through the pipeline.
type Submitter interface {
	Handle(ctx context.Context, sub submission.Submission) submission.Response
}

// Tenants is the read-only view of the registry the HTTP layer needs.
type Tenants interface {
	SiteKey(host string) (string, bool)
	Hosts() []string
}

// ServerConfig holds the configuration for an HTTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":3000").
	ListenAddr string

	// TLSConfig enables HTTPS when non-nil.
	TLSConfig *tls.Config

	Submitter Submitter
	Tenants   Tenants

	// Environment is reported by /health. "development" opens CORS to
	// every origin.
	Environment string

	// AllowedOrigins are CORS origins allowed in addition to the tenants.
	AllowedOrigins []string

	// RateLimitWindow and RateLimitMax bound requests per client address.
	// A non-positive max disables limiting.
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Server is the HTTP front of the form relay.
type Server struct {
	config  ServerConfig
	router  *mux.Router
	limiter *ipLimiter
	started time.Time

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new Server and its routes.
func New(cfg ServerConfig) *Server {
	s := &Server{
		config:  cfg,
		started: time.Now(),
	}
	if cfg.RateLimitMax > 0 && cfg.RateLimitWindow > 0 {
		s.limiter = newIPLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, used by tests and ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger)
	r.Use(s.cors)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.Handle("/submit", s.rateLimit(http.HandlerFunc(s.handleSubmit))).
		Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/turnstile-key/{domain}", s.rateLimit(http.HandlerFunc(s.handleSiteKey))).
		Methods(http.MethodGet, http.MethodOptions)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
	})
	return r
}

// ListenAndServe starts the HTTP server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up to
// 30 seconds for in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Delivery may spend several backoff intervals before answering.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	slog.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
		"tenants", len(s.config.Tenants.Hosts()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		return srv.Close()
	}
	slog.Info("all requests completed")
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
