package resend

import "github.com/shineum/form-relay-lite/internal/email"

// sendRequest is the request body for the Resend send-email endpoint.
type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// sendResponse is the success body returned by Resend.
type sendResponse struct {
	ID string `json:"id"`
}

// errorResponse is the error body returned by Resend.
type errorResponse struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

// buildSendRequest converts a message into the Resend request shape.
func buildSendRequest(msg *email.Message) sendRequest {
	return sendRequest{
		From:    msg.From.String(),
		To:      msg.To,
		Cc:      msg.Cc,
		Bcc:     msg.Bcc,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}
}
