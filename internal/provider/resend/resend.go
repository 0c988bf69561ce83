// Package resend implements a Provider that sends emails through the Resend HTTP API.
package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shineum/form-relay-lite/internal/email"
)

// DefaultAPIURL is the Resend send-email endpoint.
const DefaultAPIURL = "https://api.resend.com/emails"

// requestTimeout bounds a single send call.
const requestTimeout = 30 * time.Second

// validationNames are Resend error names that describe a malformed request.
var validationNames = map[string]bool{
	"validation_error":       true,
	"missing_required_field": true,
	"invalid_parameter":      true,
	"invalid_from_address":   true,
	"invalid_attachment":     true,
}

// ResendProviderConfig holds the configuration for creating a ResendProvider.
type ResendProviderConfig struct {
	APIKey string
	APIURL string
}

// ResendProvider sends emails via the Resend API.
type ResendProvider struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
}

// New creates a new ResendProvider with the given configuration.
func New(cfg ResendProviderConfig) *ResendProvider {
	return NewWithClient(cfg, &http.Client{Timeout: requestTimeout})
}

// NewWithClient creates a ResendProvider with a custom HTTP client, used for testing.
func NewWithClient(cfg ResendProviderConfig, client *http.Client) *ResendProvider {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &ResendProvider{
		apiKey:     cfg.APIKey,
		apiURL:     apiURL,
		httpClient: client,
	}
}

// Send performs a single delivery attempt and returns the Resend message id.
func (r *ResendProvider) Send(ctx context.Context, msg *email.Message) (string, error) {
	bodyJSON, err := json.Marshal(buildSendRequest(msg))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("Resend request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read Resend response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok sendResponse
		if err := json.Unmarshal(body, &ok); err != nil {
			return "", fmt.Errorf("failed to parse Resend response: %w", err)
		}
		if ok.ID == "" {
			return "", fmt.Errorf("Resend response missing id")
		}
		return ok.ID, nil
	}

	return "", classifyError(resp.StatusCode, body)
}

// Name returns the provider name.
func (r *ResendProvider) Name() string {
	return "resend"
}

// Ping sends a probe message to Resend's test inbox. An API key restricted to
// sending only is still considered healthy.
func (r *ResendProvider) Ping(ctx context.Context) error {
	_, err := r.Send(ctx, &email.Message{
		From:    email.Address{Address: "onboarding@resend.dev"},
		To:      []string{"delivered@resend.dev"},
		Subject: "Test Email",
		HTML:    "<p>Test email from form-relay-lite</p>",
	})
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "restricted to only send emails") {
		slog.Debug("Resend API key is send-only, treating as healthy")
		return nil
	}
	return err
}

// APIError is an error payload returned by the Resend API.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("Resend API error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("Resend API error (HTTP %d, %s): %s", e.StatusCode, e.Name, e.Message)
}

// classifyError converts an error response into an *APIError. Malformed
// request errors are wrapped in *email.ValidationError so they are not retried.
func classifyError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode}

	var errResp errorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Message != "" {
		apiErr.Name = errResp.Name
		apiErr.Message = errResp.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	if statusCode == http.StatusUnprocessableEntity || validationNames[apiErr.Name] {
		return fmt.Errorf("%w: %w", &email.ValidationError{Reason: "rejected by Resend"}, apiErr)
	}
	return apiErr
}
