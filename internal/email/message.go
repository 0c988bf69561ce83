// Package email defines the outbound message model shared by the dispatcher and the
// delivery providers.
package email

import (
	"fmt"
	"net/mail"
)

// Address is a mailbox with an optional display name.
type Address struct {
	Name    string
	Address string
}

// String formats the address as `"Name" <address>`, or the bare address when no
// display name is set.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

// Message is a fully rendered form submission ready for delivery.
type Message struct {
	From    Address
	To      []string
	Cc      []string
	Bcc     []string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
}

// ValidationError reports a message that can never be delivered as built.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid message: %s", e.Reason)
	}
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

// Validate checks the fields every provider needs before a send is attempted.
func (m *Message) Validate() error {
	if m == nil {
		return &ValidationError{Reason: "message is nil"}
	}
	if m.From.Address == "" {
		return &ValidationError{Field: "from", Reason: "is required"}
	}
	if len(nonEmpty(m.To)) == 0 {
		return &ValidationError{Field: "to", Reason: "is required"}
	}
	if m.Subject == "" {
		return &ValidationError{Field: "subject", Reason: "is required"}
	}
	if m.HTML == "" && m.Text == "" {
		return &ValidationError{Field: "body", Reason: "requires html or text content"}
	}
	return nil
}

// Recipients returns every non-empty destination address (to, cc, bcc).
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, nonEmpty(m.To)...)
	out = append(out, nonEmpty(m.Cc)...)
	out = append(out, nonEmpty(m.Bcc)...)
	return out
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
