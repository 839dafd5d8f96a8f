package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/notify"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record was modified concurrently")
	ErrClaimLost       = errors.New("schedule slot already claimed")
)

// Digest frequency values
const (
	DigestDaily  = "daily"
	DigestWeekly = "weekly"
	DigestNever  = "never"
)

// QuietHours is a daily window, in the user's timezone, during which
// non-critical push and in-app notifications are deferred.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"` // HH:MM
	End      string `json:"end"`   // HH:MM
	Timezone string `json:"timezone"`
}

// UserPreferences holds one user's notification settings.
type UserPreferences struct {
	UserID          uuid.UUID  `json:"user_id"`
	EmailEnabled    bool       `json:"email_enabled"`
	PushEnabled     bool       `json:"push_enabled"`
	InAppEnabled    bool       `json:"in_app_enabled"`
	TaskReminders   bool       `json:"task_reminders"`
	Achievements    bool       `json:"achievements"`
	WeeklyDigest    bool       `json:"weekly_digest"`
	AISuggestions   bool       `json:"ai_suggestions"`
	SystemUpdates   bool       `json:"system_updates"`
	QuietHours      QuietHours `json:"quiet_hours"`
	DigestFrequency string     `json:"digest_frequency"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DefaultPreferences is what a user gets before they change anything:
// every channel and category on, no quiet hours.
func DefaultPreferences(userID uuid.UUID) *UserPreferences {
	return &UserPreferences{
		UserID:          userID,
		EmailEnabled:    true,
		PushEnabled:     true,
		InAppEnabled:    true,
		TaskReminders:   true,
		Achievements:    true,
		WeeklyDigest:    true,
		AISuggestions:   true,
		SystemUpdates:   true,
		QuietHours:      QuietHours{Start: "22:00", End: "07:00", Timezone: "UTC"},
		DigestFrequency: DigestWeekly,
	}
}

// PreferencesPatch is a partial update. Nil fields are left unchanged.
type PreferencesPatch struct {
	EmailEnabled    *bool       `json:"email_enabled,omitempty"`
	PushEnabled     *bool       `json:"push_enabled,omitempty"`
	InAppEnabled    *bool       `json:"in_app_enabled,omitempty"`
	TaskReminders   *bool       `json:"task_reminders,omitempty"`
	Achievements    *bool       `json:"achievements,omitempty"`
	WeeklyDigest    *bool       `json:"weekly_digest,omitempty"`
	AISuggestions   *bool       `json:"ai_suggestions,omitempty"`
	SystemUpdates   *bool       `json:"system_updates,omitempty"`
	QuietHours      *QuietHours `json:"quiet_hours,omitempty"`
	DigestFrequency *string     `json:"digest_frequency,omitempty"`
}

// Apply copies every set field of the patch onto p.
func (patch *PreferencesPatch) Apply(p *UserPreferences) {
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(&p.EmailEnabled, patch.EmailEnabled)
	setBool(&p.PushEnabled, patch.PushEnabled)
	setBool(&p.InAppEnabled, patch.InAppEnabled)
	setBool(&p.TaskReminders, patch.TaskReminders)
	setBool(&p.Achievements, patch.Achievements)
	setBool(&p.WeeklyDigest, patch.WeeklyDigest)
	setBool(&p.AISuggestions, patch.AISuggestions)
	setBool(&p.SystemUpdates, patch.SystemUpdates)
	if patch.QuietHours != nil {
		p.QuietHours = *patch.QuietHours
	}
	if patch.DigestFrequency != nil {
		p.DigestFrequency = *patch.DigestFrequency
	}
}

// DeliveryState is a step of the delivery lifecycle reported by the provider.
type DeliveryState string

const (
	DeliveryQueued     DeliveryState = "queued"
	DeliverySent       DeliveryState = "sent"
	DeliveryDelivered  DeliveryState = "delivered"
	DeliveryOpened     DeliveryState = "opened"
	DeliveryClicked    DeliveryState = "clicked"
	DeliveryBounced    DeliveryState = "bounced"
	DeliveryComplained DeliveryState = "complained"
	DeliveryFailed     DeliveryState = "failed"
)

var deliveryTransitions = map[DeliveryState][]DeliveryState{
	DeliveryQueued:    {DeliverySent, DeliveryFailed},
	DeliverySent:      {DeliveryDelivered, DeliveryOpened, DeliveryClicked, DeliveryBounced, DeliveryComplained, DeliveryFailed},
	DeliveryDelivered: {DeliveryOpened, DeliveryClicked, DeliveryBounced, DeliveryComplained},
	DeliveryOpened:    {DeliveryOpened, DeliveryClicked, DeliveryComplained},
	DeliveryClicked:   {DeliveryOpened, DeliveryClicked, DeliveryComplained},
}

// CanTransition reports whether the state machine allows from -> to.
// bounced, complained and failed are terminal.
func (from DeliveryState) CanTransition(to DeliveryState) bool {
	for _, s := range deliveryTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s DeliveryState) Terminal() bool {
	return len(deliveryTransitions[s]) == 0
}

// StateTransition is one append-only history entry of a DeliveryRecord.
type StateTransition struct {
	State      DeliveryState   `json:"state"`
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurred_at"`
	RecordedAt time.Time       `json:"recorded_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// DeliveryRecord tracks one provider send and the events reported for it.
type DeliveryRecord struct {
	ID             uuid.UUID         `json:"id"`
	JobID          string            `json:"job_id"`
	NotificationID uuid.UUID         `json:"notification_id"`
	UserID         uuid.UUID         `json:"user_id"`
	Type           notify.Type       `json:"type"`
	Channel        notify.Channel    `json:"channel"`
	EmailID        string            `json:"email_id,omitempty"`
	Recipient      string            `json:"recipient,omitempty"`
	State          DeliveryState     `json:"state"`
	StateHistory   []StateTransition `json:"state_history"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	LastEventAt    time.Time         `json:"last_event_at"`
}

// HasEvent reports whether the history already holds this exact event.
func (d *DeliveryRecord) HasEvent(event string, occurredAt time.Time) bool {
	for _, h := range d.StateHistory {
		if h.Event == event && h.OccurredAt.Equal(occurredAt) {
			return true
		}
	}
	return false
}

// Schedule kinds
const (
	ScheduleOnce      = "once"
	ScheduleRecurring = "recurring"
)

// Recurrence patterns
const (
	PatternDaily   = "daily"
	PatternWeekly  = "weekly"
	PatternMonthly = "monthly"
)

// Recurrence describes when a recurring schedule repeats.
type Recurrence struct {
	Pattern    string         `json:"pattern"`
	Interval   int            `json:"interval"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	DayOfMonth int            `json:"day_of_month,omitempty"`
	Time       string         `json:"time"` // HH:MM
	Timezone   string         `json:"timezone"`
}

// ScheduleEnd bounds a recurring schedule. Zero values mean unbounded.
type ScheduleEnd struct {
	EndDate        *time.Time `json:"end_date,omitempty"`
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
}

// ScheduleDefinition produces notification requests at computed times.
type ScheduleDefinition struct {
	ID               uuid.UUID      `json:"id"`
	UserID           uuid.UUID      `json:"user_id"`
	Request          notify.Request `json:"request"`
	Kind             string         `json:"kind"`
	StartAt          time.Time      `json:"start_at"`
	LeadTime         time.Duration  `json:"lead_time"`
	Recurrence       *Recurrence    `json:"recurrence,omitempty"`
	End              ScheduleEnd    `json:"end"`
	OccurrencesFired int            `json:"occurrences_fired"`
	NextFireAt       *time.Time     `json:"next_fire_at,omitempty"`
	LastFiredAt      *time.Time     `json:"last_fired_at,omitempty"`
	Active           bool           `json:"active"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ScheduleClaim advances a schedule by one fire. It only succeeds when the
// stored NextFireAt and OccurrencesFired still equal the Expected values.
type ScheduleClaim struct {
	ID               uuid.UUID
	ExpectedFireAt   time.Time
	ExpectedFired    int
	FiredAt          time.Time
	NextFireAt       *time.Time
	OccurrencesFired int
	Active           bool
}

// DeadLetterJob is the durable archive of a job the queue gave up on.
type DeadLetterJob struct {
	ID        uuid.UUID       `json:"id"`
	JobID     string          `json:"job_id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	Reason    string          `json:"reason"`
	FailedAt  time.Time       `json:"failed_at"`
	CreatedAt time.Time       `json:"created_at"`
}
