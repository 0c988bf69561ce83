package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger assigns a request id and logs every completed request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"origin", r.Header.Get("Origin"),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// originAllowed reports whether a browser origin may read responses.
func (s *Server) originAllowed(origin string) bool {
	if s.config.Environment == "development" {
		return true
	}
	switch origin {
	case "http://localhost:3000", "http://127.0.0.1:3000":
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	for _, host := range s.config.Tenants.Hosts() {
		if strings.EqualFold("https://"+host, origin) {
			return true
		}
	}
	return false
}

// cors sets CORS headers for allowed origins. Preflights from other
// origins are refused; requests without an Origin header pass through.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !s.originAllowed(origin) {
			slog.Debug("blocked origin", "origin", origin)
			if r.Method == http.MethodOptions {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "Not allowed by CORS"})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Origin")
		h.Add("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects clients that exceed their request budget with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			slog.Info("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", s.limiter.retryAfter())
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error: "Too many requests, please try again later.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
