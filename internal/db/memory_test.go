package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_GetOrCreatePreferencesDefaults(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()

	if _, err := store.GetPreferences(ctx, userID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before creation, got %v", err)
	}

	p, err := store.GetOrCreatePreferences(ctx, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.EmailEnabled || !p.TaskReminders || p.QuietHours.Enabled {
		t.Errorf("unexpected defaults: %+v", p)
	}
	if p.DigestFrequency != DigestWeekly {
		t.Errorf("expected weekly digest, got %s", p.DigestFrequency)
	}
}

func TestMemoryStore_UpdatePreferencesPatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()

	off := false
	daily := DigestDaily
	p, err := store.UpdatePreferences(ctx, userID, &PreferencesPatch{
		Achievements:    &off,
		DigestFrequency: &daily,
		QuietHours:      &QuietHours{Enabled: true, Start: "23:00", End: "06:30", Timezone: "Europe/Berlin"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Achievements {
		t.Error("achievements should be disabled")
	}
	if !p.TaskReminders {
		t.Error("untouched fields must keep their defaults")
	}
	if p.DigestFrequency != DigestDaily || !p.QuietHours.Enabled {
		t.Errorf("patch not applied: %+v", p)
	}
}

func TestMemoryStore_CreateDeliveryRecordIsIdempotentPerJob(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &DeliveryRecord{JobID: "job-1", EmailID: "em_1", State: DeliverySent}
	first, created, err := store.CreateDeliveryRecord(ctx, rec)
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}

	second, created, err := store.CreateDeliveryRecord(ctx, &DeliveryRecord{JobID: "job-1", EmailID: "em_2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("second create for the same job must not create a record")
	}
	if second.ID != first.ID || second.EmailID != "em_1" {
		t.Errorf("expected the original record, got %+v", second)
	}

	byEmail, err := store.GetDeliveryByEmailID(ctx, "em_1")
	if err != nil || byEmail.ID != first.ID {
		t.Fatalf("lookup by email id failed: %v", err)
	}
}

func TestMemoryStore_AppendDeliveryTransitionVersionCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, _, _ := store.CreateDeliveryRecord(ctx, &DeliveryRecord{JobID: "job-1", State: DeliverySent})

	updated, err := store.AppendDeliveryTransition(ctx, rec.ID, rec.Version, StateTransition{
		State: DeliveryDelivered, Event: "email.delivered", OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.State != DeliveryDelivered || updated.Version != rec.Version+1 {
		t.Errorf("unexpected record after append: %+v", updated)
	}

	_, err = store.AppendDeliveryTransition(ctx, rec.ID, rec.Version, StateTransition{State: DeliveryOpened})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for stale version, got %v", err)
	}
}

func TestMemoryStore_ClaimScheduleFireOnlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	fireAt := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	def := &ScheduleDefinition{Kind: ScheduleOnce, StartAt: fireAt, NextFireAt: &fireAt, Active: true}
	if err := store.CreateSchedule(ctx, def); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	claim := ScheduleClaim{
		ID:               def.ID,
		ExpectedFireAt:   fireAt,
		ExpectedFired:    0,
		FiredAt:          fireAt,
		OccurrencesFired: 1,
		Active:           false,
	}
	if err := store.ClaimScheduleFire(ctx, claim); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := store.ClaimScheduleFire(ctx, claim); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("second claim must lose, got %v", err)
	}

	if err := store.ReleaseScheduleFire(ctx, claim, nil); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	got, _ := store.GetSchedule(ctx, def.ID)
	if !got.Active || got.OccurrencesFired != 0 || !got.NextFireAt.Equal(fireAt) {
		t.Errorf("release did not restore the slot: %+v", got)
	}
}

func TestMemoryStore_ListDueSchedules(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	_ = store.CreateSchedule(ctx, &ScheduleDefinition{NextFireAt: &past, Active: true})
	_ = store.CreateSchedule(ctx, &ScheduleDefinition{NextFireAt: &future, Active: true})
	_ = store.CreateSchedule(ctx, &ScheduleDefinition{NextFireAt: &past, Active: false})

	due, err := store.ListDueSchedules(ctx, now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due schedule, got %d", len(due))
	}
}

func TestDeliveryState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to DeliveryState
		want     bool
	}{
		{DeliverySent, DeliveryDelivered, true},
		{DeliverySent, DeliveryOpened, true},
		{DeliveryDelivered, DeliveryClicked, true},
		{DeliveryOpened, DeliveryOpened, true},
		{DeliveryClicked, DeliveryComplained, true},
		{DeliveryDelivered, DeliverySent, false},
		{DeliveryBounced, DeliveryDelivered, false},
		{DeliveryComplained, DeliveryOpened, false},
		{DeliveryFailed, DeliverySent, false},
		{DeliveryOpened, DeliveryBounced, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range []DeliveryState{DeliveryBounced, DeliveryComplained, DeliveryFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
