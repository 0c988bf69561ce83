// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"github.com/shineum/form-relay-lite/internal/email"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject       string      `json:"subject"`
	Body          messageBody `json:"body"`
	From          *recipient  `json:"from,omitempty"`
	ToRecipients  []recipient `json:"toRecipients"`
	CcRecipients  []recipient `json:"ccRecipients,omitempty"`
	BccRecipients []recipient `json:"bccRecipients,omitempty"`
	ReplyTo       []recipient `json:"replyTo,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a message into a Graph API sendMail request body.
// The HTML body wins when both bodies are set; Graph accepts only one.
func buildSendMailRequest(msg *email.Message) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.Text,
	}
	if msg.HTML != "" {
		body.ContentType = "html"
		body.Content = msg.HTML
	}

	out := &sendMailRequest{
		Message: sendMailMessage{
			Subject: msg.Subject,
			Body:    body,
			From: &recipient{EmailAddress: emailAddress{
				Name:    msg.From.Name,
				Address: msg.From.Address,
			}},
			ToRecipients:  recipients(msg.To),
			CcRecipients:  recipients(msg.Cc),
			BccRecipients: recipients(msg.Bcc),
		},
	}
	if msg.ReplyTo != "" {
		out.Message.ReplyTo = recipients([]string{msg.ReplyTo})
	}
	return out
}

func recipients(addrs []string) []recipient {
	out := make([]recipient, 0, len(addrs))
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		out = append(out, recipient{EmailAddress: emailAddress{Address: addr}})
	}
	return out
}
