// Package stdout implements a Provider that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/form-relay-lite/internal/email"
)

// Provider prints email messages to stdout in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message and returns a locally generated message id.
// The plain-text body is preferred when both bodies are present.
func (p *Provider) Send(_ context.Context, msg *email.Message) (string, error) {
	id := "stdout-" + uuid.NewString()

	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Message-ID: %s\n", id))
	b.WriteString(fmt.Sprintf("From: %s\n", msg.From.String()))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))

	if len(msg.Cc) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\n", strings.Join(msg.Cc, ", ")))
	}
	if len(msg.Bcc) > 0 {
		b.WriteString(fmt.Sprintf("Bcc: %s\n", strings.Join(msg.Bcc, ", ")))
	}
	if msg.ReplyTo != "" {
		b.WriteString(fmt.Sprintf("Reply-To: %s\n", msg.ReplyTo))
	}

	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	b.WriteString("Body:\n")

	body := msg.Text
	if body == "" {
		body = msg.HTML
	}
	b.WriteString(body + "\n")

	b.WriteString("========================================\n")

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}

	return id, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
