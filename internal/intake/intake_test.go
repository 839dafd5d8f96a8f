package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/preference"
	"github.com/lalithlochan/beacon/internal/queue"
)

var testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *queue.Queue, *db.MemoryStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	clock := func() time.Time { return testNow }
	q := queue.New(rdb, queue.Config{}, zap.NewNop(), queue.WithClock(clock))
	store := db.NewMemoryStore()
	svc := New(q, preference.NewGate(store, zap.NewNop()), zap.NewNop())
	svc.now = clock
	return svc, q, store
}

func request() *notify.Request {
	return &notify.Request{
		UserID:    uuid.New(),
		Type:      notify.TypeTaskDue,
		Channel:   notify.ChannelEmail,
		Recipient: "student@example.com",
		Payload:   map[string]any{"taskTitle": "Finish essay"},
	}
}

func TestSubmit_EnqueuesWithPolicy(t *testing.T) {
	svc, q, _ := setup(t)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, request())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receipt.Status != StatusQueued || receipt.Queue != "email" || receipt.JobID != receipt.NotificationID.String() {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	job, err := q.Get(ctx, "email", receipt.JobID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	policy := notify.PolicyFor(notify.TypeTaskDue)
	if job.MaxAttempts != policy.MaxAttempts || job.Priority != policy.Priority {
		t.Errorf("expected policy attempts/priority, got %d/%d", job.MaxAttempts, job.Priority)
	}
	if job.Backoff != policy.Backoff {
		t.Errorf("expected policy backoff, got %+v", job.Backoff)
	}
}

func TestSubmit_IsIdempotentPerRequest(t *testing.T) {
	svc, q, _ := setup(t)
	ctx := context.Background()
	req := request()
	req.ID = uuid.New()

	for i := 0; i < 2; i++ {
		if _, err := svc.Submit(ctx, req); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	stats, err := q.Stats(ctx, "email")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Waiting != 1 {
		t.Errorf("expected one job, got %d waiting", stats.Waiting)
	}
}

func TestSubmit_ValidationError(t *testing.T) {
	svc, _, _ := setup(t)
	req := request()
	req.Recipient = "not-an-address"

	_, err := svc.Submit(context.Background(), req)
	if !errors.Is(err, notify.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSubmit_SuppressedByPreferences(t *testing.T) {
	svc, q, store := setup(t)
	ctx := context.Background()
	req := request()

	off := false
	if _, err := store.UpdatePreferences(ctx, req.UserID, &db.PreferencesPatch{TaskReminders: &off}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	receipt, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receipt.Status != StatusSuppressed || receipt.JobID != "" {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	stats, _ := q.Stats(ctx, "email")
	if stats.Waiting+stats.Delayed != 0 {
		t.Errorf("suppressed request must not be enqueued")
	}
}

func TestSubmit_QuietHoursDefersPush(t *testing.T) {
	svc, q, store := setup(t)
	ctx := context.Background()
	req := request()
	req.Channel = notify.ChannelPush
	req.Recipient = "arn:aws:sns:us-east-1:123456789012:endpoint/GCM/beacon/abc"

	quiet := db.QuietHours{Enabled: true, Start: "14:00", End: "16:30", Timezone: "UTC"}
	if _, err := store.UpdatePreferences(ctx, req.UserID, &db.PreferencesPatch{QuietHours: &quiet}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	receipt, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	want := time.Date(2026, 3, 2, 16, 30, 0, 0, time.UTC)
	if receipt.Status != StatusDeferred || receipt.ProcessAt == nil || !receipt.ProcessAt.Equal(want) {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	stats, _ := q.Stats(ctx, "push")
	if stats.Delayed != 1 {
		t.Errorf("expected a delayed job, got %+v", stats)
	}
}

func TestSubmit_ScheduledFor(t *testing.T) {
	svc, q, _ := setup(t)
	ctx := context.Background()
	req := request()
	at := testNow.Add(2 * time.Hour)
	req.ScheduledFor = &at

	receipt, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receipt.Status != StatusScheduled || !receipt.ProcessAt.Equal(at) {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	stats, _ := q.Stats(ctx, "email")
	if stats.Delayed != 1 {
		t.Errorf("expected a delayed job, got %+v", stats)
	}
}

func TestSubmitWithJobID(t *testing.T) {
	svc, q, _ := setup(t)
	ctx := context.Background()

	receipt, err := svc.SubmitWithJobID(ctx, request(), "sched:abc:1700000000")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receipt.JobID != "sched:abc:1700000000" {
		t.Errorf("unexpected job id %q", receipt.JobID)
	}
	if _, err := q.Get(ctx, "email", "sched:abc:1700000000"); err != nil {
		t.Errorf("expected job under the given id: %v", err)
	}
}

type failingGate struct{}

func (failingGate) Decide(ctx context.Context, req *notify.Request, now time.Time) (preference.Decision, error) {
	return preference.Decision{}, errors.New("db down")
}

func TestSubmit_GateFailureStillEnqueues(t *testing.T) {
	svc, _, _ := setup(t)
	svc.gate = failingGate{}

	receipt, err := svc.Submit(context.Background(), request())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receipt.Status != StatusQueued {
		t.Errorf("expected queued, got %+v", receipt)
	}
}
