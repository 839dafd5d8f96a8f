package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validRequest() *Request {
	return &Request{
		UserID:    uuid.New(),
		Type:      TypeTaskDue,
		Channel:   ChannelEmail,
		Priority:  50,
		Recipient: "student@example.com",
		Payload:   map[string]any{"taskTitle": "Read chapter 4"},
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr string
	}{
		{name: "valid email", mutate: func(r *Request) {}},
		{name: "valid in-app without recipient", mutate: func(r *Request) {
			r.Channel = ChannelInApp
			r.Recipient = ""
		}},
		{name: "missing user", mutate: func(r *Request) { r.UserID = uuid.Nil }, wantErr: "user_id"},
		{name: "unknown type", mutate: func(r *Request) { r.Type = "carrier_pigeon" }, wantErr: "type"},
		{name: "unknown channel", mutate: func(r *Request) { r.Channel = "sms" }, wantErr: "channel"},
		{name: "priority too high", mutate: func(r *Request) { r.Priority = 101 }, wantErr: "priority"},
		{name: "negative priority", mutate: func(r *Request) { r.Priority = -1 }, wantErr: "priority"},
		{name: "email without recipient", mutate: func(r *Request) { r.Recipient = "" }, wantErr: "recipient"},
		{name: "malformed address", mutate: func(r *Request) { r.Recipient = "not-an-email" }, wantErr: "recipient"},
		{name: "push without endpoint", mutate: func(r *Request) {
			r.Channel = ChannelPush
			r.Recipient = " "
		}, wantErr: "recipient"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			err := r.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantErr {
				t.Errorf("expected field %q, got %q", tt.wantErr, verr.Field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("expected error to match ErrValidation")
			}
		})
	}
}

func TestRequest_NormalizeAppliesPolicyPriority(t *testing.T) {
	r := validRequest()
	r.Priority = 0
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	r.Normalize(now)

	if r.ID == uuid.Nil {
		t.Error("expected an id to be assigned")
	}
	if !r.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, r.CreatedAt)
	}
	if r.Priority != Policies[TypeTaskDue].Priority {
		t.Errorf("expected policy priority %d, got %d", Policies[TypeTaskDue].Priority, r.Priority)
	}
}

func TestRequest_EncodeDecode(t *testing.T) {
	r := validRequest()
	r.Normalize(time.Now())

	data, err := r.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ID != r.ID || got.Type != r.Type || got.Payload["taskTitle"] != "Read chapter 4" {
		t.Errorf("decoded request mismatch: %+v", got)
	}
}

func TestRequest_RateLimitKey(t *testing.T) {
	r := validRequest()
	r.Recipient = "Student@Example.com"
	if got, want := r.RateLimitKey(), "email:student@example.com:task_reminders"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	r.Channel = ChannelInApp
	r.Recipient = ""
	if got, want := r.RateLimitKey(), "in_app:"+r.UserID.String()+":task_reminders"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestPolicies_SecurityTypes(t *testing.T) {
	for _, typ := range []Type{TypeEmailVerification, TypePasswordReset, TypeWelcome, TypeSecurityAlert} {
		if !Policies[typ].Security {
			t.Errorf("%s must be marked security-critical", typ)
		}
	}
	for _, typ := range []Type{TypeReminder, TypeAchievement, TypeWeeklyDigest} {
		if Policies[typ].Security {
			t.Errorf("%s must not bypass preferences", typ)
		}
	}
}
