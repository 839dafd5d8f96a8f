// Package notify defines the notification request model shared by intake,
// the delivery queue and the dispatcher.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies what kind of notification is being sent.
type Type string

const (
	TypeReminder          Type = "reminder"
	TypeTaskDue           Type = "task_due"
	TypeAchievement       Type = "achievement"
	TypeSystem            Type = "system"
	TypeAISuggestion      Type = "ai_suggestion"
	TypeWeeklyDigest      Type = "weekly_digest"
	TypeEmailVerification Type = "email_verification"
	TypePasswordReset     Type = "password_reset"
	TypeWelcome           Type = "welcome"
	TypeSecurityAlert     Type = "security_alert"
)

// Channel is the delivery medium.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

const (
	MinPriority = 0
	MaxPriority = 100
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError describes a rejected NotificationRequest field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Request is the intent to notify one user on one channel.
// It is immutable once created.
type Request struct {
	ID           uuid.UUID      `json:"id"`
	UserID       uuid.UUID      `json:"user_id"`
	Type         Type           `json:"type"`
	Channel      Channel        `json:"channel"`
	Priority     int            `json:"priority"`
	Payload      map[string]any `json:"payload,omitempty"`
	Recipient    string         `json:"recipient,omitempty"`
	Locale       string         `json:"locale,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
}

// Validate checks the request against its policy and channel rules.
func (r *Request) Validate() error {
	if r.UserID == uuid.Nil {
		return &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if _, ok := Policies[r.Type]; !ok {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown notification type %q", r.Type)}
	}
	if !r.Channel.Valid() {
		return &ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", r.Channel)}
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Reason: "must be between 0 and 100"}
	}

	switch r.Channel {
	case ChannelEmail:
		if strings.TrimSpace(r.Recipient) == "" {
			return &ValidationError{Field: "recipient", Reason: "email channel requires a recipient address"}
		}
		if _, err := mail.ParseAddress(r.Recipient); err != nil {
			return &ValidationError{Field: "recipient", Reason: "not a valid email address"}
		}
	case ChannelPush:
		if strings.TrimSpace(r.Recipient) == "" {
			return &ValidationError{Field: "recipient", Reason: "push channel requires an endpoint"}
		}
	}

	return nil
}

// Normalize fills defaults that depend on the policy table. It must be
// called before the request is persisted or enqueued.
func (r *Request) Normalize(now time.Time) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
	if r.Priority == 0 {
		if p, ok := Policies[r.Type]; ok {
			r.Priority = p.Priority
		}
	}
}

// RateLimitKey is the key the dispatcher consumes budget under:
// channel, recipient (or user for in-app) and category.
func (r *Request) RateLimitKey() string {
	subject := strings.ToLower(strings.TrimSpace(r.Recipient))
	if subject == "" {
		subject = r.UserID.String()
	}
	return fmt.Sprintf("%s:%s:%s", r.Channel, subject, PolicyFor(r.Type).Category)
}

// Encode serializes the request as a queue payload.
func (r *Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode notification request: %w", err)
	}
	return data, nil
}

// Decode parses a queue payload.
func Decode(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode notification request: %w", err)
	}
	return &r, nil
}
