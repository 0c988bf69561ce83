// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/form-relay-lite/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each call to Send is exactly one remote delivery attempt; retries are the
// dispatcher's job.
type Provider interface {
	// Send delivers a message and returns the identifier assigned by the backend.
	// Errors that wrap *email.ValidationError are permanent; any other error is
	// treated as transient.
	Send(ctx context.Context, msg *email.Message) (string, error)

	// Name returns the human-readable name of this provider.
	Name() string
}
