package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/intake"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/preference"
	"github.com/lalithlochan/beacon/internal/queue"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/schedule"
	"github.com/lalithlochan/beacon/internal/webhook"
)

const webhookSecret = "whsec_test"

// fakePublisher stands in for the SQS producer.
type fakePublisher struct {
	mu   sync.Mutex
	got  []*notify.Request
	fail error
}

func (f *fakePublisher) Enqueue(ctx context.Context, req *notify.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.got = append(f.got, req)
	return "sqs-1", nil
}

type harness struct {
	router http.Handler
	store  *db.MemoryStore
	queue  *queue.Queue
	deps   Dependencies
}

func newHarness(t *testing.T, mutate func(d *Dependencies, c *RouterConfig)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zap.NewNop()
	store := db.NewMemoryStore()
	q := queue.New(rdb, queue.Config{}, logger)
	gate := preference.NewGate(store, logger)
	in := intake.New(q, gate, logger)

	deps := Dependencies{
		Intake:      in,
		Idempotency: redis.NewIdempotencyService(redis.Wrap(rdb, logger), logger),
		Queue:       q,
		Preferences: gate,
		Schedules:   schedule.New(store, in, schedule.Config{}, logger),
		Deliveries:  store,
		DeadLetters: store,
		Webhooks:    webhook.New(store, webhookSecret, logger),
		Health:      map[string]HealthCheck{"store": store.Health},
	}
	cfg := RouterConfig{AllowedOrigins: []string{"*"}}
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	return &harness{
		router: NewRouter(NewHandler(deps, logger), cfg, logger),
		store:  store,
		queue:  q,
		deps:   deps,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func taskDue(userID uuid.UUID) map[string]any {
	return map[string]any{
		"user_id":   userID,
		"type":      notify.TypeTaskDue,
		"channel":   notify.ChannelEmail,
		"recipient": "student@example.com",
		"payload":   map[string]any{"taskTitle": "Finish essay"},
	}
}

func TestCreateNotification_Enqueues(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/notifications", taskDue(uuid.New()), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	receipt := decodeBody[intake.Receipt](t, rec)
	if receipt.Status != intake.StatusQueued || receipt.Queue != "email" {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	job, err := h.queue.Get(context.Background(), "email", receipt.JobID)
	if err != nil {
		t.Fatalf("job not in queue: %v", err)
	}
	if job.Status != queue.StatusWaiting {
		t.Errorf("expected waiting job, got %s", job.Status)
	}
}

func TestCreateNotification_ValidationError(t *testing.T) {
	h := newHarness(t, nil)
	body := taskDue(uuid.New())
	body["recipient"] = "not-an-address"

	rec := h.do(t, http.MethodPost, "/v1/notifications", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
	problem := decodeBody[ErrorResponse](t, rec)
	if problem.Type != "invalid_request" || problem.Status != http.StatusBadRequest {
		t.Errorf("unexpected problem %+v", problem)
	}
}

func TestCreateNotification_MalformedJSON(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/v1/notifications", []byte("{not json"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateNotification_IdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t, nil)
	user := uuid.New()
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := h.do(t, http.MethodPost, "/v1/notifications", taskDue(user), headers)
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.Code)
	}
	receipt := decodeBody[intake.Receipt](t, first)

	second := h.do(t, http.MethodPost, "/v1/notifications", taskDue(user), headers)
	if second.Code != http.StatusAccepted {
		t.Fatalf("expected replayed 202, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}
	replay := decodeBody[map[string]string](t, second)
	if replay["notification_id"] != receipt.NotificationID.String() {
		t.Errorf("replay returned %s, want %s", replay["notification_id"], receipt.NotificationID)
	}

	stats, err := h.queue.Stats(context.Background(), "email")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Errorf("expected one job, got %d", stats.Waiting)
	}
}

func TestCreateNotification_PublishesToSQS(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, func(d *Dependencies, c *RouterConfig) { d.Producer = pub })

	rec := h.do(t, http.MethodPost, "/v1/notifications", taskDue(uuid.New()), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(pub.got) != 1 {
		t.Fatalf("expected one published request, got %d", len(pub.got))
	}
	if pub.got[0].Priority == 0 {
		t.Error("published request should be normalized")
	}

	stats, _ := h.queue.Stats(context.Background(), "email")
	if stats.Waiting != 0 {
		t.Error("request must not be enqueued directly when SQS is configured")
	}
}

func TestCreateNotification_FailureReleasesIdempotencyKey(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("sqs down")}
	h := newHarness(t, func(d *Dependencies, c *RouterConfig) { d.Producer = pub })
	user := uuid.New()
	headers := map[string]string{"Idempotency-Key": "retry-me"}

	rec := h.do(t, http.MethodPost, "/v1/notifications", taskDue(user), headers)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	pub.fail = nil
	rec = h.do(t, http.MethodPost, "/v1/notifications", taskDue(user), headers)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 after release, got %d", rec.Code)
	}
	if rec.Header().Get("X-Idempotency-Replayed") != "" {
		t.Error("a failed request must not be replayed")
	}
}

func TestPreferences(t *testing.T) {
	h := newHarness(t, nil)
	user := uuid.New()
	base := "/v1/users/" + user.String() + "/preferences"

	rec := h.do(t, http.MethodGet, base, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	prefs := decodeBody[db.UserPreferences](t, rec)
	if !prefs.EmailEnabled || prefs.DigestFrequency != db.DigestWeekly {
		t.Errorf("expected defaults, got %+v", prefs)
	}

	rec = h.do(t, http.MethodPatch, base, map[string]any{"email_enabled": false}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody[db.UserPreferences](t, rec).EmailEnabled {
		t.Error("email should be disabled")
	}

	tests := []struct {
		category string
		code     int
		allowed  bool
	}{
		{"task_reminders", http.StatusOK, false},
		{"password_reset", http.StatusOK, true},
		{"horoscopes", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		rec := h.do(t, http.MethodGet, base+"/email/"+tt.category, nil, nil)
		if rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.category, tt.code, rec.Code)
			continue
		}
		if tt.code == http.StatusOK {
			got := decodeBody[map[string]any](t, rec)
			if got["allowed"] != tt.allowed {
				t.Errorf("%s: expected allowed=%v, got %v", tt.category, tt.allowed, got["allowed"])
			}
		}
	}
}

func TestPreferences_InvalidPatch(t *testing.T) {
	h := newHarness(t, nil)
	path := "/v1/users/" + uuid.NewString() + "/preferences"

	rec := h.do(t, http.MethodPatch, path, map[string]any{"digest_frequency": "hourly"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/users/nope/preferences", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad user id, got %d", rec.Code)
	}
}

func TestSchedules(t *testing.T) {
	h := newHarness(t, nil)
	user := uuid.New()

	body := ScheduleRequest{
		UserID:   user,
		Kind:     db.ScheduleRecurring,
		StartAt:  time.Now().Add(24 * time.Hour).UTC().Truncate(time.Minute),
		LeadTime: "15m",
		Request: notify.Request{
			Type:      notify.TypeReminder,
			Channel:   notify.ChannelEmail,
			Recipient: "student@example.com",
			Payload:   map[string]any{"title": "Review flashcards"},
		},
		Recurrence: &db.Recurrence{Pattern: db.PatternDaily, Interval: 1, Timezone: "UTC"},
		End:        db.ScheduleEnd{MaxOccurrences: 5},
	}

	rec := h.do(t, http.MethodPost, "/v1/schedules", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	def := decodeBody[db.ScheduleDefinition](t, rec)
	if def.NextFireAt == nil || !def.NextFireAt.Equal(body.StartAt.Add(-15*time.Minute)) {
		t.Errorf("unexpected next fire %v", def.NextFireAt)
	}
	if def.LeadTime != 15*time.Minute || !def.Active {
		t.Errorf("unexpected definition %+v", def)
	}

	rec = h.do(t, http.MethodGet, "/v1/schedules/"+def.ID.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/users/"+user.String()+"/schedules", nil, nil)
	if got := decodeBody[map[string]any](t, rec); got["count"] != float64(1) {
		t.Errorf("expected one schedule, got %v", got["count"])
	}

	rec = h.do(t, http.MethodDelete, "/v1/schedules/"+def.ID.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stored, _ := h.store.GetSchedule(context.Background(), def.ID)
	if stored.Active {
		t.Error("schedule should be inactive after cancel")
	}

	rec = h.do(t, http.MethodDelete, "/v1/schedules/"+uuid.NewString(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown schedule, got %d", rec.Code)
	}
}

func TestSchedules_RejectsInvalid(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		body ScheduleRequest
	}{
		{"bad lead time", ScheduleRequest{UserID: uuid.New(), Kind: db.ScheduleOnce, StartAt: time.Now().Add(time.Hour), LeadTime: "soon"}},
		{"unknown pattern", ScheduleRequest{
			UserID:     uuid.New(),
			Kind:       db.ScheduleRecurring,
			StartAt:    time.Now().Add(time.Hour),
			Recurrence: &db.Recurrence{Pattern: "hourly"},
			Request:    notify.Request{Type: notify.TypeReminder, Channel: notify.ChannelInApp},
		}},
		{"invalid request", ScheduleRequest{
			UserID:  uuid.New(),
			Kind:    db.ScheduleOnce,
			StartAt: time.Now().Add(time.Hour),
			Request: notify.Request{Type: notify.TypeReminder, Channel: notify.ChannelEmail},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/schedules", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestJobs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "push", []byte(`{}`), queue.EnqueueOptions{Delay: time.Hour})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/v1/queues/push/jobs/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if job := decodeBody[queue.Job](t, rec); job.Status != queue.StatusDelayed {
		t.Errorf("expected delayed job, got %s", job.Status)
	}

	rec = h.do(t, http.MethodGet, "/v1/queues/push/stats", nil, nil)
	if stats := decodeBody[queue.Stats](t, rec); stats.Delayed != 1 {
		t.Errorf("expected one delayed job, got %+v", stats)
	}

	rec = h.do(t, http.MethodDelete, "/v1/queues/push/jobs/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = h.do(t, http.MethodDelete, "/v1/queues/push/jobs/"+id, nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a finished job, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/queues/push/jobs/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/v1/queues/sms/stats", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown queue, got %d", rec.Code)
	}
}

func TestDeadLetters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "email", []byte(`{}`), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := h.queue.Claim(ctx, "email")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := h.queue.DeadLetter(ctx, job, "template_not_found", errors.New("no template")); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/v1/queues/email/dead", nil, nil)
	if got := decodeBody[map[string]any](t, rec); got["count"] != float64(1) {
		t.Fatalf("expected one dead job, got %v", got["count"])
	}

	rec = h.do(t, http.MethodPost, "/v1/queues/email/dead/"+id+"/retry", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stats, _ := h.queue.Stats(ctx, "email")
	if stats.Dead != 0 || stats.Waiting != 1 {
		t.Errorf("expected job back in wait set, got %+v", stats)
	}

	rec = h.do(t, http.MethodDelete, "/v1/queues/email/dead/"+id, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 discarding a live job, got %d", rec.Code)
	}
}

func TestArchivedDeadLetters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, q := range []string{"email", "push", "email"} {
		if err := h.store.ArchiveDeadLetter(ctx, &db.DeadLetterJob{JobID: uuid.NewString(), Queue: q, Reason: "failed"}); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	rec := h.do(t, http.MethodGet, "/v1/dead-letters?queue=email", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeBody[map[string]any](t, rec); got["count"] != float64(2) {
		t.Errorf("expected two email dead letters, got %v", got["count"])
	}
}

func signedWebhook(t *testing.T, secret string, events []map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(events)
	if err != nil {
		t.Fatalf("marshal events: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"signature": webhook.Sign(secret, raw),
		"events":    json.RawMessage(raw),
		"webhookId": "wh_1",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return body
}

func TestEmailWebhook_UpdatesDelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rec, _, err := h.store.CreateDeliveryRecord(ctx, &db.DeliveryRecord{
		JobID:     "job-1",
		EmailID:   "msg_1",
		Channel:   notify.ChannelEmail,
		Recipient: "student@example.com",
		State:     db.DeliverySent,
	})
	if err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	body := signedWebhook(t, webhookSecret, []map[string]any{{
		"event":     "email.delivered",
		"timestamp": "2026-03-02T15:05:00Z",
		"emailId":   "msg_1",
		"recipient": "student@example.com",
	}})

	resp := h.do(t, http.MethodPost, "/webhooks/email", body, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	result := decodeBody[webhook.Result](t, resp)
	if result.Status != webhook.StatusSuccess || result.Processed != 1 {
		t.Errorf("unexpected result %+v", result)
	}

	// Redelivery of the same event is a no-op.
	resp = h.do(t, http.MethodPost, "/webhooks/email", body, nil)
	if got := decodeBody[webhook.Result](t, resp); got.Duplicates != 1 {
		t.Errorf("expected duplicate on replay, got %+v", got)
	}

	resp = h.do(t, http.MethodGet, "/v1/deliveries?email_id=msg_1", nil, nil)
	delivery := decodeBody[db.DeliveryRecord](t, resp)
	if delivery.State != db.DeliveryDelivered || len(delivery.StateHistory) != 1 {
		t.Errorf("unexpected delivery %+v", delivery)
	}

	resp = h.do(t, http.MethodGet, "/v1/deliveries/"+rec.ID.String(), nil, nil)
	if resp.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.Code)
	}
	resp = h.do(t, http.MethodGet, "/v1/deliveries?email_id=unknown", nil, nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.Code)
	}
}

func TestEmailWebhook_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	events := []map[string]any{{"event": "email.opened", "timestamp": 1772463900, "emailId": "msg_1"}}

	tests := []struct {
		name string
		body []byte
		code int
	}{
		{"wrong secret", signedWebhook(t, "other", events), http.StatusUnauthorized},
		{"not json", []byte("nope"), http.StatusBadRequest},
		{"no events", []byte(`{"signature":"abc"}`), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/webhooks/email", tt.body, nil)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	if rec := h.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	down := newHarness(t, func(d *Dependencies, c *RouterConfig) {
		d.Health["redis"] = func(ctx context.Context) error { return errors.New("connection refused") }
	})
	rec := down.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	got := decodeBody[map[string]any](t, rec)
	checks := got["checks"].(map[string]any)
	if got["status"] != "degraded" || checks["store"] != "ok" {
		t.Errorf("unexpected health body %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/health", nil, nil)

	rec := h.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("beacon_")) {
		t.Error("expected beacon metrics in exposition")
	}
}
