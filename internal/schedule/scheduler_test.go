package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/intake"
	"github.com/lalithlochan/beacon/internal/notify"
)

type submission struct {
	req   notify.Request
	jobID string
}

type fakeSubmitter struct {
	mu    sync.Mutex
	subs  []submission
	err   error
	calls int
}

func (f *fakeSubmitter) SubmitWithJobID(ctx context.Context, req *notify.Request, jobID string) (*intake.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.subs = append(f.subs, submission{req: *req, jobID: jobID})
	return &intake.Receipt{NotificationID: req.ID, JobID: jobID, Status: intake.StatusQueued}, nil
}

var created = utc(2026, 3, 1, 12, 0)

func newScheduler(t *testing.T, store Store, sub Submitter) *Scheduler {
	t.Helper()
	s := New(store, sub, Config{}, zap.NewNop())
	s.now = func() time.Time { return created }
	return s
}

func dailyReminder(userID uuid.UUID) *db.ScheduleDefinition {
	return &db.ScheduleDefinition{
		UserID: userID,
		Request: notify.Request{
			Type:      notify.TypeReminder,
			Channel:   notify.ChannelEmail,
			Recipient: "student@example.com",
			Payload:   map[string]any{"title": "Review flashcards"},
		},
		Kind:       db.ScheduleRecurring,
		StartAt:    utc(2026, 3, 2, 9, 0),
		Recurrence: &db.Recurrence{Pattern: db.PatternDaily, Interval: 1},
	}
}

func TestScheduler_CreateComputesFirstFire(t *testing.T) {
	store := db.NewMemoryStore()
	s := newScheduler(t, store, &fakeSubmitter{})

	def, err := s.Create(context.Background(), dailyReminder(uuid.New()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !def.Active || def.NextFireAt == nil || !def.NextFireAt.Equal(utc(2026, 3, 2, 9, 0)) {
		t.Errorf("unexpected definition %+v", def)
	}
	if def.Request.UserID != def.UserID {
		t.Errorf("request user should follow the schedule owner")
	}
}

func TestScheduler_CreateRejectsBadDefinitions(t *testing.T) {
	s := newScheduler(t, db.NewMemoryStore(), &fakeSubmitter{})
	ctx := context.Background()

	expired := dailyReminder(uuid.New())
	expired.StartAt = utc(2026, 1, 1, 9, 0)
	end := utc(2026, 1, 5, 0, 0)
	expired.End.EndDate = &end
	if _, err := s.Create(ctx, expired); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("expected ErrInvalidSchedule for a schedule that never fires, got %v", err)
	}

	noRecipient := dailyReminder(uuid.New())
	noRecipient.Request.Recipient = ""
	if _, err := s.Create(ctx, noRecipient); !errors.Is(err, notify.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestScheduler_TickFiresDueSchedule(t *testing.T) {
	store := db.NewMemoryStore()
	sub := &fakeSubmitter{}
	s := newScheduler(t, store, sub)
	ctx := context.Background()

	def, err := s.Create(ctx, dailyReminder(uuid.New()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	fired, err := s.Tick(ctx, utc(2026, 3, 2, 8, 59))
	if err != nil || fired != 0 {
		t.Fatalf("expected nothing due yet, got %d, %v", fired, err)
	}

	now := utc(2026, 3, 2, 9, 0)
	fired, err = s.Tick(ctx, now)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if fired != 1 || len(sub.subs) != 1 {
		t.Fatalf("expected one fire, got %d", fired)
	}

	got := sub.subs[0]
	wantJob := JobID(def.ID, now)
	if got.jobID != wantJob {
		t.Errorf("expected job id %s, got %s", wantJob, got.jobID)
	}
	if got.req.ID != uuid.NewSHA1(uuid.NameSpaceURL, []byte(wantJob)) {
		t.Errorf("request id should derive from the job id")
	}
	if got.req.UserID != def.UserID || got.req.Payload["title"] != "Review flashcards" {
		t.Errorf("unexpected request %+v", got.req)
	}

	stored, _ := store.GetSchedule(ctx, def.ID)
	if stored.OccurrencesFired != 1 || !stored.NextFireAt.Equal(utc(2026, 3, 3, 9, 0)) {
		t.Errorf("expected schedule advanced one day, got fired=%d next=%v", stored.OccurrencesFired, stored.NextFireAt)
	}
	if stored.LastFiredAt == nil || !stored.LastFiredAt.Equal(now) {
		t.Errorf("expected last fired at %v, got %v", now, stored.LastFiredAt)
	}
}

func TestScheduler_MissedOccurrencesCollapse(t *testing.T) {
	store := db.NewMemoryStore()
	sub := &fakeSubmitter{}
	s := newScheduler(t, store, sub)
	ctx := context.Background()

	def, err := s.Create(ctx, dailyReminder(uuid.New()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	now := utc(2026, 3, 5, 10, 0)
	fired, err := s.Tick(ctx, now)
	if err != nil || fired != 1 {
		t.Fatalf("expected a single catch-up fire, got %d, %v", fired, err)
	}
	stored, _ := store.GetSchedule(ctx, def.ID)
	if !stored.NextFireAt.Equal(utc(2026, 3, 6, 9, 0)) {
		t.Errorf("expected next fire after now, got %v", stored.NextFireAt)
	}
}

func TestScheduler_ExhaustedScheduleIsDeactivated(t *testing.T) {
	store := db.NewMemoryStore()
	sub := &fakeSubmitter{}
	s := newScheduler(t, store, sub)
	ctx := context.Background()

	in := dailyReminder(uuid.New())
	in.End.MaxOccurrences = 2
	def, err := s.Create(ctx, in)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for day := 2; day <= 5; day++ {
		if _, err := s.Tick(ctx, utc(2026, 3, day, 9, 0)); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
	}

	if len(sub.subs) != 2 {
		t.Errorf("expected exactly 2 fires, got %d", len(sub.subs))
	}
	stored, _ := store.GetSchedule(ctx, def.ID)
	if stored.Active || stored.NextFireAt != nil || stored.OccurrencesFired != 2 {
		t.Errorf("expected inactive exhausted schedule, got %+v", stored)
	}
}

func TestScheduler_OnceFiresOnce(t *testing.T) {
	store := db.NewMemoryStore()
	sub := &fakeSubmitter{}
	s := newScheduler(t, store, sub)
	ctx := context.Background()

	in := dailyReminder(uuid.New())
	in.Kind = db.ScheduleOnce
	in.Recurrence = nil
	in.LeadTime = 15 * time.Minute
	def, err := s.Create(ctx, in)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !def.NextFireAt.Equal(utc(2026, 3, 2, 8, 45)) {
		t.Fatalf("expected lead time applied, got %v", def.NextFireAt)
	}

	s.Tick(ctx, utc(2026, 3, 2, 8, 45))
	s.Tick(ctx, utc(2026, 3, 2, 9, 0))
	if len(sub.subs) != 1 {
		t.Errorf("expected one fire, got %d", len(sub.subs))
	}
}

// staleStore lists what was due before another scheduler fired it.
type staleStore struct {
	*db.MemoryStore
	due []*db.ScheduleDefinition
}

func (s *staleStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*db.ScheduleDefinition, error) {
	return s.due, nil
}

func TestScheduler_ClaimLostToAnotherInstance(t *testing.T) {
	store := db.NewMemoryStore()
	ctx := context.Background()
	now := utc(2026, 3, 2, 9, 0)

	first := &fakeSubmitter{}
	a := newScheduler(t, store, first)
	if _, err := a.Create(ctx, dailyReminder(uuid.New())); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	due, _ := store.ListDueSchedules(ctx, now, 10)

	if fired, _ := a.Tick(ctx, now); fired != 1 {
		t.Fatalf("expected first scheduler to fire, got %d", fired)
	}

	second := &fakeSubmitter{}
	b := newScheduler(t, &staleStore{MemoryStore: store, due: due}, second)
	fired, err := b.Tick(ctx, now)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if fired != 0 || second.calls != 0 {
		t.Errorf("second scheduler must not fire a claimed slot, fired=%d calls=%d", fired, second.calls)
	}
}

func TestScheduler_SubmitFailureReleasesClaim(t *testing.T) {
	store := db.NewMemoryStore()
	sub := &fakeSubmitter{err: errors.New("redis unavailable")}
	s := newScheduler(t, store, sub)
	ctx := context.Background()
	now := utc(2026, 3, 2, 9, 0)

	def, err := s.Create(ctx, dailyReminder(uuid.New()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if fired, _ := s.Tick(ctx, now); fired != 0 {
		t.Fatalf("expected no fire, got %d", fired)
	}
	stored, _ := store.GetSchedule(ctx, def.ID)
	if stored.OccurrencesFired != 0 || !stored.NextFireAt.Equal(now) || !stored.Active || stored.LastFiredAt != nil {
		t.Fatalf("expected claim released, got %+v", stored)
	}

	sub.err = nil
	if fired, _ := s.Tick(ctx, now.Add(time.Minute)); fired != 1 {
		t.Errorf("expected the released slot to fire on the next tick, got %d", fired)
	}
	if sub.subs[0].jobID != JobID(def.ID, now) {
		t.Errorf("retry should reuse the slot's job id, got %s", sub.subs[0].jobID)
	}
}

func TestScheduler_ValidationFailureDropsOccurrence(t *testing.T) {
	store := db.NewMemoryStore()
	sub := &fakeSubmitter{err: &notify.ValidationError{Field: "recipient", Reason: "bad"}}
	s := newScheduler(t, store, sub)
	ctx := context.Background()

	def, err := s.Create(ctx, dailyReminder(uuid.New()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	s.Tick(ctx, utc(2026, 3, 2, 9, 0))

	stored, _ := store.GetSchedule(ctx, def.ID)
	if stored.OccurrencesFired != 1 || !stored.NextFireAt.Equal(utc(2026, 3, 3, 9, 0)) {
		t.Errorf("expected occurrence consumed, got fired=%d next=%v", stored.OccurrencesFired, stored.NextFireAt)
	}
}

func TestScheduler_CancelStopsFiring(t *testing.T) {
	store := db.NewMemoryStore()
	sub := &fakeSubmitter{}
	s := newScheduler(t, store, sub)
	ctx := context.Background()

	def, err := s.Create(ctx, dailyReminder(uuid.New()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Cancel(ctx, def.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if fired, _ := s.Tick(ctx, utc(2026, 3, 2, 9, 0)); fired != 0 {
		t.Errorf("cancelled schedule fired")
	}
	if err := s.Cancel(ctx, uuid.New()); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := New(db.NewMemoryStore(), &fakeSubmitter{}, Config{TickInterval: 10 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
