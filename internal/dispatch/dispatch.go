// Package dispatch delivers rendered messages through a provider with bounded
// retry and linear backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/form-relay-lite/internal/email"
	"github.com/shineum/form-relay-lite/internal/provider"
)

const (
	// DefaultMaxAttempts is the number of delivery attempts before giving up.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is multiplied by the attempt number between attempts.
	DefaultBaseDelay = 1 * time.Second
)

// Result describes a successful delivery.
type Result struct {
	Success   bool
	MessageID string
	Attempts  int
	Provider  string
}

// DeliveryError is returned once every attempt has failed.
type DeliveryError struct {
	Attempts int
	Last     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to send email after %d attempts: %v", e.Attempts, e.Last)
}

func (e *DeliveryError) Unwrap() error {
	return e.Last
}

// Config tunes a Dispatcher. Zero values fall back to the defaults.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Dispatcher sends messages through a Provider. It holds no per-message state
// and is safe for concurrent use.
type Dispatcher struct {
	provider    provider.Provider
	maxAttempts int
	baseDelay   time.Duration

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher for the given provider.
func New(p provider.Provider, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	return &Dispatcher{
		provider:    p,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		sleep:       sleepWithContext,
	}
}

// Provider returns the name of the underlying provider.
func (d *Dispatcher) Provider() string {
	return d.provider.Name()
}

// Backoff returns the wait after the given failed attempt (numbered from 1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// phase is the state of one delivery run.
type phase int

const (
	attempting phase = iota
	succeeded
	failed
)

// run tracks the delivery state machine for a single message.
type run struct {
	phase     phase
	attempt   int
	messageID string
	lastErr   error
}

// Send validates msg and delivers it. Validation errors, whether found before
// sending or reported by the provider, are returned as-is without retrying.
// Transient failures are retried up to the attempt budget and then reported
// as a *DeliveryError.
func (d *Dispatcher) Send(ctx context.Context, msg *email.Message) (*Result, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	r := &run{phase: attempting, attempt: 1}

	for r.phase == attempting {
		id, err := d.provider.Send(ctx, msg)
		if err == nil {
			r.phase = succeeded
			r.messageID = id
			break
		}

		r.lastErr = err
		slog.Warn("delivery attempt failed",
			"provider", d.provider.Name(),
			"attempt", r.attempt,
			"max_attempts", d.maxAttempts,
			"error", err,
		)

		var vErr *email.ValidationError
		if errors.As(err, &vErr) {
			return nil, err
		}

		if r.attempt >= d.maxAttempts {
			r.phase = failed
			break
		}

		delay := Backoff(d.baseDelay, r.attempt)
		if err := d.sleep(ctx, delay); err != nil {
			r.lastErr = fmt.Errorf("context cancelled during retry wait: %w", err)
			r.phase = failed
			break
		}
		r.attempt++
	}

	if r.phase == failed {
		return nil, &DeliveryError{Attempts: r.attempt, Last: r.lastErr}
	}

	slog.Info("email sent",
		"provider", d.provider.Name(),
		"attempt", r.attempt,
		"message_id", r.messageID,
	)

	return &Result{
		Success:   true,
		MessageID: r.messageID,
		Attempts:  r.attempt,
		Provider:  d.provider.Name(),
	}, nil
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
