package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/form-relay-lite/internal/dispatch"
	"github.com/shineum/form-relay-lite/internal/provider/stdout"
	"github.com/shineum/form-relay-lite/internal/submission"
	"github.com/shineum/form-relay-lite/internal/tenant"
	"github.com/shineum/form-relay-lite/internal/turnstile"
)

// stubSubmitter records the last submission and answers with resp.
type stubSubmitter struct {
	mu   sync.Mutex
	last submission.Submission
	resp submission.Response
}

func (s *stubSubmitter) Handle(_ context.Context, sub submission.Submission) submission.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = sub
	return s.resp
}

func (s *stubSubmitter) lastSubmission() submission.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// stubTenants serves a fixed site key map.
type stubTenants map[string]string

func (t stubTenants) SiteKey(host string) (string, bool) {
	k, ok := t[host]
	return k, ok
}

func (t stubTenants) Hosts() []string {
	hosts := make([]string, 0, len(t))
	for h := range t {
		hosts = append(hosts, h)
	}
	return hosts
}

func okResponse() submission.Response {
	return submission.Response{
		Status:   http.StatusOK,
		Success:  true,
		Message:  "Form submission sent successfully",
		Redirect: "https://example.com/form-success",
	}
}

func newTestServer(sub submission.Response, mutate func(c *ServerConfig)) (*Server, *stubSubmitter) {
	stub := &stubSubmitter{resp: sub}
	cfg := ServerConfig{
		Submitter:   stub,
		Tenants:     stubTenants{"example.com": "site-key-a"},
		Environment: "production",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), stub
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
	}
	return body
}

func TestSubmit_JSONBody(t *testing.T) {
	t.Parallel()

	srv, stub := newTestServer(okResponse(), nil)

	req := httptest.NewRequest(http.MethodPost, "/submit",
		strings.NewReader(`{"name":"Ada","age":36,"cf-turnstile-response":"tok"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("CF-Connecting-IP", "203.0.113.5")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["success"] != true || body["redirect"] != "https://example.com/form-success" {
		t.Errorf("body: got %v", body)
	}
	if _, ok := body["error"]; ok {
		t.Error("error key should be omitted on success")
	}

	got := stub.lastSubmission()
	if got.Origin != "https://example.com" {
		t.Errorf("Origin: got %q", got.Origin)
	}
	if got.ClientIP != "203.0.113.5" {
		t.Errorf("ClientIP: got %q", got.ClientIP)
	}
	if got.Payload["name"] != "Ada" || got.Payload["cf-turnstile-response"] != "tok" {
		t.Errorf("Payload: got %v", got.Payload)
	}
	if got.Payload["age"] != json.Number("36") {
		t.Errorf("age: got %#v", got.Payload["age"])
	}
}

func TestSubmit_FormBody(t *testing.T) {
	t.Parallel()

	srv, stub := newTestServer(okResponse(), nil)

	form := url.Values{}
	form.Add("name", "Ada")
	form.Add("name", "second value ignored")
	form.Set("cf-turnstile-response", "tok")

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	got := stub.lastSubmission()
	if got.Payload["name"] != "Ada" {
		t.Errorf("name: got %v", got.Payload["name"])
	}
	if got.Payload["cf-turnstile-response"] != "tok" {
		t.Errorf("token: got %v", got.Payload["cf-turnstile-response"])
	}
}

func TestSubmit_UnparsableBodyBecomesEmptyPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{name: "broken json", contentType: "application/json", body: `{"name":`},
		{name: "json array", contentType: "application/json", body: `["a"]`},
		{name: "json null", contentType: "application/json", body: `null`},
		{name: "plain text", contentType: "text/plain", body: "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, stub := newTestServer(submission.Response{Status: http.StatusBadRequest}, nil)

			req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if got := stub.lastSubmission().Payload; got == nil || len(got) != 0 {
				t.Errorf("Payload: got %v, want empty map", got)
			}
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", rec.Code)
			}
		})
	}
}

func TestSubmit_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(okResponse(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submit", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "cloudflare header", headers: map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, remote: "3.3.3.3:1234", want: "1.1.1.1"},
		{name: "forwarded first hop", headers: map[string]string{"X-Forwarded-For": " 2.2.2.2 , 10.0.0.1"}, remote: "3.3.3.3:1234", want: "2.2.2.2"},
		{name: "socket address", remote: "3.3.3.3:1234", want: "3.3.3.3"},
		{name: "socket without port", remote: "3.3.3.3", want: "3.3.3.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/submit", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSiteKey(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(okResponse(), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/turnstile-key/example.com", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got := decode(t, rec)["siteKey"]; got != "site-key-a" {
		t.Errorf("siteKey: got %v", got)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/turnstile-key/unknown.com", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
	if got := decode(t, rec)["error"]; got != "Domain not found or missing Turnstile configuration" {
		t.Errorf("error: got %v", got)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(okResponse(), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("status: got %v", body["status"])
	}
	if body["environment"] != "production" {
		t.Errorf("environment: got %v", body["environment"])
	}
	if up, _ := body["uptime"].(string); !strings.HasSuffix(up, "s") {
		t.Errorf("uptime: got %v", body["uptime"])
	}
	if _, err := time.Parse(time.RFC3339, body["timestamp"].(string)); err != nil {
		t.Errorf("timestamp: %v", err)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be set")
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(okResponse(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
	decode(t, rec)
}

func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		environment string
		extra       []string
		origin      string
		wantAllowed bool
	}{
		{name: "tenant https origin", origin: "https://example.com", wantAllowed: true},
		{name: "tenant http origin", origin: "http://example.com", wantAllowed: false},
		{name: "localhost dev page", origin: "http://localhost:3000", wantAllowed: true},
		{name: "loopback dev page", origin: "http://127.0.0.1:3000", wantAllowed: true},
		{name: "configured extra", extra: []string{"https://preview.example.net"}, origin: "https://preview.example.net", wantAllowed: true},
		{name: "unknown", origin: "https://evil.com", wantAllowed: false},
		{name: "development allows all", environment: "development", origin: "https://evil.com", wantAllowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newTestServer(okResponse(), func(c *ServerConfig) {
				if tt.environment != "" {
					c.Environment = tt.environment
				}
				c.AllowedOrigins = tt.extra
			})

			req := httptest.NewRequest(http.MethodOptions, "/submit", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			allowed := rec.Header().Get("Access-Control-Allow-Origin") == tt.origin
			if allowed != tt.wantAllowed {
				t.Fatalf("allowed: got %v, want %v", allowed, tt.wantAllowed)
			}
			if tt.wantAllowed {
				if rec.Code != http.StatusNoContent {
					t.Errorf("preflight status: got %d, want 204", rec.Code)
				}
				if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
					t.Error("credentials header missing")
				}
				if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
					t.Errorf("methods: got %q", rec.Header().Get("Access-Control-Allow-Methods"))
				}
			} else if rec.Code != http.StatusForbidden {
				t.Errorf("preflight status: got %d, want 403", rec.Code)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(okResponse(), func(c *ServerConfig) {
		c.RateLimitWindow = time.Hour
		c.RateLimitMax = 2
	})

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("CF-Connecting-IP", ip)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("Retry-After should be set on 429")
		}
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("198.51.100.1"); code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, code)
		}
	}
	if code := send("198.51.100.1"); code != http.StatusTooManyRequests {
		t.Errorf("third request: got %d, want 429", code)
	}
	if code := send("198.51.100.2"); code != http.StatusOK {
		t.Errorf("other client: got %d, want 200", code)
	}

	// Health checks are never limited.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("CF-Connecting-IP", "198.51.100.1")
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health: got %d, want 200", rec.Code)
	}
}

func TestIPLimiter_RefillAndSweep(t *testing.T) {
	t.Parallel()

	l := newIPLimiter(time.Minute, 2)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.lastSweep = now

	if !l.allow("a") || !l.allow("a") {
		t.Fatal("first two requests should pass")
	}
	if l.allow("a") {
		t.Fatal("third request should be limited")
	}

	// Half a window refills one token.
	now = now.Add(30 * time.Second)
	if !l.allow("a") {
		t.Error("request after refill should pass")
	}

	// A full idle window drops the bucket.
	now = now.Add(2 * time.Minute)
	l.allow("b")
	l.mu.Lock()
	_, kept := l.buckets["a"]
	l.mu.Unlock()
	if kept {
		t.Error("idle bucket should be swept")
	}

	if got := l.retryAfter(); got != "30" {
		t.Errorf("retryAfter: got %q, want %q", got, "30")
	}
}

func TestListenAndServe_GracefulShutdown(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(okResponse(), func(c *ServerConfig) {
		c.ListenAddr = "127.0.0.1:0"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe: got %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestEndToEnd_TestTokenDeliversThroughStdout(t *testing.T) {
	t.Parallel()

	reg, err := tenant.NewRegistry(map[string]tenant.Config{
		"example.com": {
			To:          "contact@example.com",
			FromAddress: "noreply@example.com",
			FromName:    "Example Contact Form",
			Turnstile:   tenant.Turnstile{SiteKey: "1x00000000000000000000AA", SecretKey: turnstile.TestSecretKey},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	var out bytes.Buffer
	sender := dispatch.New(stdout.NewWithWriter(&out), dispatch.Config{})
	verifier := turnstile.New(turnstile.Config{VerifyURL: "http://127.0.0.1:1/unreachable"})
	svc := submission.NewService(reg, verifier, sender, submission.Options{Production: true})

	srv := New(ServerConfig{Submitter: svc, Tenants: reg, Environment: "production"})

	req := httptest.NewRequest(http.MethodPost, "/submit",
		strings.NewReader(`{"name":"Ada","message":"<script>x</script>","cf-turnstile-response":"XXXX.DUMMY"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["redirect"] != "https://example.com/form-success" {
		t.Errorf("redirect: got %v", body["redirect"])
	}
	if !strings.Contains(out.String(), "New Form Submission from example.com") {
		t.Errorf("stdout output missing subject: %q", out.String())
	}
	if strings.Contains(out.String(), "<script>") {
		t.Error("rendered output contains raw script tag")
	}
}

func TestEndToEnd_JSONNumbersRenderVerbatim(t *testing.T) {
	t.Parallel()

	reg, err := tenant.NewRegistry(map[string]tenant.Config{
		"example.com": {
			To:          "contact@example.com",
			FromAddress: "noreply@example.com",
			FromName:    "Example Contact Form",
			Turnstile:   tenant.Turnstile{SiteKey: "1x00000000000000000000AA", SecretKey: turnstile.TestSecretKey},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	var out bytes.Buffer
	sender := dispatch.New(stdout.NewWithWriter(&out), dispatch.Config{})
	svc := submission.NewService(reg, turnstile.New(turnstile.Config{}), sender, submission.Options{Production: true})
	srv := New(ServerConfig{Submitter: svc, Tenants: reg, Environment: "production"})

	req := httptest.NewRequest(http.MethodPost, "/submit",
		strings.NewReader(`{"phone":5551234567,"zip":12345678,"id":9007199254740993,"cf-turnstile-response":"XXXX.DUMMY"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	for _, want := range []string{"phone: 5551234567", "zip: 12345678", "id: 9007199254740993"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("delivered body missing %q:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "e+") {
		t.Errorf("delivered body contains exponent notation:\n%s", out.String())
	}
}
