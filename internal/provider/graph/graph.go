package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shineum/form-relay-lite/internal/email"
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox the application sends as. When empty each
	// message is sent from its own From address.
	Sender string
}

// GraphProvider sends emails via the Microsoft Graph API using OAuth2
// client credentials authentication.
type GraphProvider struct {
	usersURL   string
	sender     string
	httpClient *http.Client
	token      *tokenCache
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)

	client := &http.Client{Timeout: 30 * time.Second}

	return &GraphProvider{
		usersURL:   "https://graph.microsoft.com/v1.0/users",
		sender:     cfg.Sender,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, usersURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		usersURL:   usersURL,
		sender:     cfg.Sender,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Send performs one sendMail call. A 401 forces a single token refresh and an
// immediate resend within the same attempt. Graph assigns no message id, so the
// request-id response header is returned instead.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Message) (string, error) {
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	endpoint := g.sendMailURL(msg)

	id, err := g.doSendRequest(ctx, endpoint, bodyJSON)
	if err == nil {
		return id, nil
	}

	sendErr, ok := err.(*sendError)
	if !ok || sendErr.statusCode != http.StatusUnauthorized {
		return "", wrapPermanent(err)
	}

	slog.Info("refreshing Graph API token after 401")
	if _, refreshErr := g.token.ForceRefresh(ctx); refreshErr != nil {
		return "", fmt.Errorf("token refresh failed: %w", refreshErr)
	}

	id, err = g.doSendRequest(ctx, endpoint, bodyJSON)
	if err != nil {
		return "", wrapPermanent(err)
	}
	return id, nil
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// sendMailURL is the sendMail endpoint of the sending mailbox.
func (g *GraphProvider) sendMailURL(msg *email.Message) string {
	sender := g.sender
	if sender == "" {
		sender = msg.From.Address
	}
	return g.usersURL + "/" + url.PathEscape(sender) + "/sendMail"
}

// doSendRequest performs a single HTTP request to the Graph API sendMail endpoint.
func (g *GraphProvider) doSendRequest(ctx context.Context, endpoint string, bodyJSON []byte) (string, error) {
	token, err := g.token.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &sendError{message: fmt.Sprintf("HTTP request failed: %v", err)}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("request-id"), nil
	}

	body, _ := io.ReadAll(resp.Body)

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return "", classifyError(resp.StatusCode, graphErrResp.Error.Message)
	}

	return "", classifyError(resp.StatusCode, string(body))
}

// sendError represents an error from the Graph API send operation.
type sendError struct {
	message    string
	statusCode int
	// permanent failures reject the message itself; everything else is
	// left to the dispatcher's retry.
	permanent  bool
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
// Unauthorized, throttled and server errors are retryable.
func classifyError(statusCode int, message string) *sendError {
	retryable := statusCode == http.StatusUnauthorized ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500

	return &sendError{
		message:    message,
		statusCode: statusCode,
		permanent:  !retryable,
	}
}

// wrapPermanent marks permanent Graph failures as message validation errors so
// the dispatcher stops retrying them.
func wrapPermanent(err error) error {
	if sendErr, ok := err.(*sendError); ok && sendErr.permanent {
		return fmt.Errorf("%w: %w", &email.ValidationError{Reason: "rejected by Graph"}, sendErr)
	}
	return err
}
