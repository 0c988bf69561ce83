package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"github.com/shineum/form-relay-lite/internal/submission"
)

// errorBody is the JSON shape of non-submission errors.
type errorBody struct {
	Error string `json:"error"`
}

type siteKeyBody struct {
	SiteKey string `json:"siteKey"`
}

type healthBody struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Uptime      string `json:"uptime"`
	Environment string `json:"environment"`
	Goroutines  int    `json:"goroutines"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sub := submission.Submission{
		Origin:   r.Header.Get("Origin"),
		ClientIP: clientIP(r),
		Payload:  parsePayload(w, r),
	}

	resp := s.config.Submitter.Handle(r.Context(), sub)
	writeJSON(w, resp.Status, resp)
}

func (s *Server) handleSiteKey(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	domain := mux.Vars(r)["domain"]
	key, ok := s.config.Tenants.SiteKey(domain)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Domain not found or missing Turnstile configuration"})
		return
	}
	writeJSON(w, http.StatusOK, siteKeyBody{SiteKey: key})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(s.started)
	body := healthBody{
		Status:      "healthy",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Uptime:      fmt.Sprintf("%ds", int64(uptime.Seconds())),
		Environment: s.config.Environment,
		Goroutines:  runtime.NumGoroutine(),
	}
	slog.Debug("health check", "uptime", body.Uptime)
	writeJSON(w, http.StatusOK, body)
}

// writeJSON writes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
