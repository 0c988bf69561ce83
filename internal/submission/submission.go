// Package submission runs one form submission through tenant resolution,
// challenge verification, rendering and delivery, and produces the JSON
// response returned to the browser.
package submission

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/shineum/form-relay-lite/internal/dispatch"
	"github.com/shineum/form-relay-lite/internal/email"
	"github.com/shineum/form-relay-lite/internal/tenant"
)

const (
	// TokenField is the reserved payload field holding the Turnstile token.
	TokenField = "cf-turnstile-response"

	// DefaultOrigin is assumed when a request carries no Origin header.
	DefaultOrigin = "http://localhost:3000"

	successPath = "/form-success"
	errorPath   = "/form-error"

	successMessage = "Form submission sent successfully"
)

// Verifier checks a challenge token against a tenant secret.
type Verifier interface {
	Verify(ctx context.Context, token, secretKey, remoteIP string) bool
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg *email.Message) (*dispatch.Result, error)
}

// Submission is one inbound form post.
type Submission struct {
	Origin   string
	ClientIP string
	Payload  map[string]any
}

// Response is the outcome returned to the submitting page.
type Response struct {
	Status   int    `json:"-"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Redirect string `json:"redirect"`
	Error    string `json:"error,omitempty"`
}

// Options configures a Service.
type Options struct {
	// Production hides internal error detail from responses.
	Production bool
}

// Service processes submissions. It holds only immutable collaborators and
// is safe for concurrent use.
type Service struct {
	registry   *tenant.Registry
	verifier   Verifier
	sender     Sender
	production bool
}

// NewService creates a Service.
func NewService(registry *tenant.Registry, verifier Verifier, sender Sender, opts Options) *Service {
	return &Service{
		registry:   registry,
		verifier:   verifier,
		sender:     sender,
		production: opts.Production,
	}
}

// Handle runs the submission pipeline. Every path ends in exactly one Response.
func (s *Service) Handle(ctx context.Context, sub Submission) Response {
	origin := sub.Origin
	if origin == "" {
		origin = DefaultOrigin
	}

	token, fields := splitToken(sub.Payload)

	if len(fields) == 0 {
		return s.reject(origin, errMissingFormData())
	}

	cfg, ok := s.registry.Resolve(origin)
	if !ok {
		return s.reject(origin, errUnauthorizedDomain(origin))
	}

	if token == "" {
		return s.reject(origin, errMissingVerification())
	}

	// Verification and delivery run to completion even if the client goes away.
	work := context.WithoutCancel(ctx)

	if !s.verifier.Verify(work, token, cfg.Turnstile.SecretKey, sub.ClientIP) {
		return s.reject(origin, errInvalidVerification())
	}

	msg, err := buildMessage(origin, cfg, fields)
	if err != nil {
		return s.fail(origin, err)
	}

	result, err := s.sender.Send(work, msg)
	if err != nil {
		return s.fail(origin, err)
	}

	slog.Info("form submission delivered",
		"origin", origin,
		"fields", len(fields),
		"message_id", result.MessageID,
		"attempts", result.Attempts,
	)

	return Response{
		Status:   http.StatusOK,
		Success:  true,
		Message:  successMessage,
		Redirect: origin + successPath,
	}
}

// reject converts a client error into its response. Client errors are
// expected traffic and logged at info.
func (s *Service) reject(origin string, rich *goerrors.Error) Response {
	slog.Info("form submission rejected",
		"origin", origin,
		"code", rich.TextCode,
		"status", rich.Code,
	)
	return Response{
		Status:   rich.Code,
		Success:  false,
		Message:  rich.Message,
		Redirect: origin + errorPath,
	}
}

// fail converts a delivery or rendering failure into a 500 response.
func (s *Service) fail(origin string, cause error) Response {
	rich := errDeliveryFailed(cause)
	slog.Error("form submission failed",
		"origin", origin,
		"code", rich.TextCode,
		"error", cause,
	)

	resp := Response{
		Status:   rich.Code,
		Success:  false,
		Message:  rich.Message,
		Redirect: origin + errorPath,
	}
	if !s.production {
		resp.Error = cause.Error()
	}
	return resp
}

// splitToken separates the reserved token field from the submitted fields.
// The caller's map is not modified.
func splitToken(payload map[string]any) (string, map[string]any) {
	fields := make(map[string]any, len(payload))
	var token string
	for k, v := range payload {
		if k == TokenField {
			if s, ok := v.(string); ok {
				token = strings.TrimSpace(s)
			}
			continue
		}
		fields[k] = v
	}
	return token, fields
}

// buildMessage renders the tenant's delivery message for fields.
func buildMessage(origin string, cfg tenant.Config, fields map[string]any) (*email.Message, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin: %w", err)
	}

	html, err := renderHTML(origin, fields)
	if err != nil {
		return nil, err
	}

	msg := &email.Message{
		From:    email.Address{Name: cfg.FromName, Address: cfg.FromAddress},
		To:      []string{cfg.To},
		Subject: "New Form Submission from " + u.Hostname(),
		HTML:    html,
		Text:    renderText(origin, fields),
		ReplyTo: replyTo(fields),
	}
	if cfg.Cc != "" {
		msg.Cc = []string{cfg.Cc}
	}
	if cfg.Bcc != "" {
		msg.Bcc = []string{cfg.Bcc}
	}
	return msg, nil
}

// replyTo returns the submitter's address from the "email" field when it
// parses as a bare address.
func replyTo(fields map[string]any) string {
	v, ok := fields["email"].(string)
	if !ok {
		return ""
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	addr, err := mail.ParseAddress(v)
	if err != nil {
		slog.Debug("ignoring unparsable reply-to", "value", v, "error", err)
		return ""
	}
	return addr.Address
}
