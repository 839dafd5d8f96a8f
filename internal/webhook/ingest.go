// Package webhook applies signed delivery events from the email provider
// to delivery records.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrMissingSecret    = errors.New("webhook secret is not configured")
)

// maxConflictRetries bounds re-reads after a concurrent append.
const maxConflictRetries = 3

// Result statuses
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Store is the delivery record persistence the ingest needs.
type Store interface {
	GetDeliveryByEmailID(ctx context.Context, emailID string) (*db.DeliveryRecord, error)
	AppendDeliveryTransition(ctx context.Context, id uuid.UUID, expectedVersion int, tr db.StateTransition) (*db.DeliveryRecord, error)
}

// Payload is the provider's request body. Signature covers the raw bytes
// of Events exactly as sent.
type Payload struct {
	Signature       string          `json:"signature"`
	Events          json.RawMessage `json:"events"`
	DeliveryAttempt int             `json:"deliveryAttempt,omitempty"`
	WebhookID       string          `json:"webhookId,omitempty"`
}

// Event is one provider event. Fields beyond the common ones are kept in
// Data and stored with the transition.
type Event struct {
	Event     string          `json:"event"`
	Timestamp Timestamp       `json:"timestamp"`
	EmailID   string          `json:"emailId"`
	Recipient string          `json:"recipient"`
	Data      json.RawMessage `json:"-"`
}

// Timestamp accepts RFC 3339 strings or unix seconds / milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %s: %w", b, err)
	}
	// Values this large are milliseconds.
	if n > 1e11 {
		t.Time = time.UnixMilli(n).UTC()
	} else {
		t.Time = time.Unix(n, 0).UTC()
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}

// EventError reports one event that could not be applied.
type EventError struct {
	Event   string `json:"event"`
	EmailID string `json:"emailId,omitempty"`
	Error   string `json:"error"`
}

// Result is the response body of the webhook endpoint.
type Result struct {
	Status      string       `json:"status"`
	Processed   int          `json:"processed"`
	Failed      int          `json:"failed,omitempty"`
	Skipped     int          `json:"skipped,omitempty"`
	Duplicates  int          `json:"duplicates,omitempty"`
	Anomalies   int          `json:"anomalies,omitempty"`
	Errors      []EventError `json:"errors,omitempty"`
	ProcessedAt time.Time    `json:"processedAt"`
}

// eventStates maps provider event names onto delivery states. A nil
// entry is informational and changes nothing.
var eventStates = map[string]*db.DeliveryState{
	"email.sent":             state(db.DeliverySent),
	"email.delivered":        state(db.DeliveryDelivered),
	"email.delivery_delayed": nil,
	"email.opened":           state(db.DeliveryOpened),
	"email.clicked":          state(db.DeliveryClicked),
	"email.bounced":          state(db.DeliveryBounced),
	"email.complained":       state(db.DeliveryComplained),
	"email.failed":           state(db.DeliveryFailed),
}

func state(s db.DeliveryState) *db.DeliveryState { return &s }

// Sign computes the hex HMAC-SHA256 of the raw events JSON.
func Sign(secret string, events []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(events)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks signature in constant time.
func Verify(secret string, events []byte, signature string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	if signature == "" {
		return fmt.Errorf("%w: signature is missing", ErrInvalidSignature)
	}
	expected := Sign(secret, events)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}

type Ingest struct {
	store  Store
	secret string
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, secret string, logger *zap.Logger) *Ingest {
	return &Ingest{store: store, secret: secret, logger: logger, now: time.Now}
}

// Handle verifies body and applies its events. A bad signature rejects the
// whole batch before anything is read from the store. Per-event problems
// never fail the batch; they are reported in the Result.
func (i *Ingest) Handle(ctx context.Context, body []byte) (*Result, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(payload.Events) == 0 {
		return nil, fmt.Errorf("%w: events are required", ErrInvalidPayload)
	}
	if err := Verify(i.secret, payload.Events, payload.Signature); err != nil {
		i.logger.Warn("webhook rejected", zap.String("webhook_id", payload.WebhookID), zap.Error(err))
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(payload.Events, &raw); err != nil {
		return nil, fmt.Errorf("%w: events must be an array: %v", ErrInvalidPayload, err)
	}

	result := &Result{}
	for _, r := range raw {
		i.apply(ctx, r, result)
	}

	switch {
	case result.Failed == 0:
		result.Status = StatusSuccess
	case result.Processed == 0:
		result.Status = StatusError
	default:
		result.Status = StatusPartial
	}
	result.ProcessedAt = i.now().UTC()

	i.logger.Info("webhook processed",
		zap.String("webhook_id", payload.WebhookID),
		zap.Int("delivery_attempt", payload.DeliveryAttempt),
		zap.Int("events", len(raw)),
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("anomalies", result.Anomalies),
	)
	return result, nil
}

func (i *Ingest) fail(result *Result, ev *Event, err error) {
	result.Failed++
	result.Errors = append(result.Errors, EventError{Event: ev.Event, EmailID: ev.EmailID, Error: err.Error()})
	metrics.RecordWebhookEvent(ev.Event, "failed")
}

func (i *Ingest) apply(ctx context.Context, raw json.RawMessage, result *Result) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		i.fail(result, &ev, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}
	ev.Data = raw

	target, known := eventStates[ev.Event]
	switch {
	case !known:
		i.fail(result, &ev, fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, ev.Event))
		return
	case ev.EmailID == "":
		i.fail(result, &ev, fmt.Errorf("%w: emailId is required", ErrInvalidPayload))
		return
	case ev.Timestamp.IsZero():
		i.fail(result, &ev, fmt.Errorf("%w: timestamp is required", ErrInvalidPayload))
		return
	}

	outcome, err := i.transition(ctx, &ev, target)
	if err != nil {
		i.logger.Error("failed to apply webhook event",
			zap.String("event", ev.Event),
			zap.String("email_id", ev.EmailID),
			zap.Error(err),
		)
		i.fail(result, &ev, err)
		return
	}

	result.Processed++
	switch outcome {
	case "skipped":
		result.Skipped++
	case "duplicate":
		result.Duplicates++
	case "anomaly":
		result.Anomalies++
	}
	metrics.RecordWebhookEvent(ev.Event, outcome)
}

// transition appends ev to its delivery record. It returns what happened:
// applied, ignored, skipped, duplicate or anomaly.
func (i *Ingest) transition(ctx context.Context, ev *Event, target *db.DeliveryState) (string, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		rec, err := i.store.GetDeliveryByEmailID(ctx, ev.EmailID)
		if errors.Is(err, db.ErrNotFound) {
			i.logger.Info("webhook event for unknown email skipped",
				zap.String("event", ev.Event),
				zap.String("email_id", ev.EmailID),
			)
			return "skipped", nil
		}
		if err != nil {
			return "", err
		}

		if rec.HasEvent(ev.Event, ev.Timestamp.Time) {
			return "duplicate", nil
		}
		if target == nil {
			return "ignored", nil
		}
		if !rec.State.CanTransition(*target) {
			if rec.State == *target {
				return "duplicate", nil
			}
			i.logger.Warn("invalid delivery state transition",
				zap.String("email_id", ev.EmailID),
				zap.String("event", ev.Event),
				zap.String("from", string(rec.State)),
				zap.String("to", string(*target)),
			)
			return "anomaly", nil
		}

		_, err = i.store.AppendDeliveryTransition(ctx, rec.ID, rec.Version, db.StateTransition{
			State:      *target,
			Event:      ev.Event,
			OccurredAt: ev.Timestamp.Time,
			RecordedAt: i.now().UTC(),
			Data:       ev.Data,
		})
		if errors.Is(err, db.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		return "applied", nil
	}
	return "", fmt.Errorf("delivery record %s: %w after %d attempts", ev.EmailID, db.ErrVersionConflict, maxConflictRetries)
}
