// Package provider holds the outbound email providers and the wrappers
// that make them safe to call from an at-least-once queue.
package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx, throttling.
	ErrTransient = errors.New("transient provider error")
	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent provider error")
)

// Error is a classified provider failure.
type Error struct {
	Provider  string
	Code      string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s error (%s): %v", e.Provider, kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermanent:
		return e.Permanent
	case ErrTransient:
		return !e.Permanent
	}
	return false
}

// Transient builds a retryable provider error.
func Transient(provider, code string, err error) error {
	return &Error{Provider: provider, Code: code, Err: err}
}

// Permanent builds a non-retryable provider error.
func Permanent(provider, code string, err error) error {
	return &Error{Provider: provider, Code: code, Permanent: true, Err: err}
}

// Codes raised by the idempotency wrapper before a message reaches the
// provider.
const (
	CodeInFlight         = "in_flight"
	CodeIdempotencyStore = "idempotency_store"
)

// IsLocal reports whether err came from the idempotency wrapper rather
// than from the provider.
func IsLocal(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == CodeInFlight || pe.Code == CodeIdempotencyStore
}

// IsPermanent reports whether err is a permanent provider failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Message is one outbound email.
type Message struct {
	To             string `json:"to"`
	Subject        string `json:"subject"`
	HTML           string `json:"html,omitempty"`
	Text           string `json:"text,omitempty"`
	Tag            string `json:"tag,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Result is the provider's acceptance of a message.
type Result struct {
	Provider          string `json:"provider"`
	ProviderMessageID string `json:"provider_message_id"`
	// Duplicate is set when the idempotency key had already been sent and
	// the stored message id is returned instead of sending again.
	Duplicate bool `json:"duplicate,omitempty"`
}

// BatchResult pairs one message of a batch with its outcome.
type BatchResult struct {
	Result *Result
	Err    error
}

// EmailProvider sends email.
type EmailProvider interface {
	Name() string
	Send(ctx context.Context, msg *Message) (*Result, error)
	SendBatch(ctx context.Context, msgs []*Message) ([]BatchResult, error)
}

func validate(msg *Message) error {
	if msg.To == "" {
		return errors.New("message has no recipient")
	}
	if msg.Subject == "" {
		return errors.New("message has no subject")
	}
	if msg.HTML == "" && msg.Text == "" {
		return errors.New("message has no body")
	}
	return nil
}

// sendEach sends a batch one message at a time.
func sendEach(ctx context.Context, p EmailProvider, msgs []*Message) ([]BatchResult, error) {
	results := make([]BatchResult, len(msgs))
	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := p.Send(ctx, msg)
		results[i] = BatchResult{Result: res, Err: err}
	}
	return results, nil
}
