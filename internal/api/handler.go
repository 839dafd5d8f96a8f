package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/intake"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/preference"
	"github.com/lalithlochan/beacon/internal/queue"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/schedule"
	"github.com/lalithlochan/beacon/internal/webhook"
)

// maxBodyBytes bounds every request body the API reads.
const maxBodyBytes = 1 << 20

// Submitter enqueues a notification request directly.
type Submitter interface {
	Submit(ctx context.Context, req *notify.Request) (*intake.Receipt, error)
}

// Publisher hands a request to the intake transport (SQS).
type Publisher interface {
	Enqueue(ctx context.Context, req *notify.Request) (string, error)
}

// IdempotencyStore caches the outcome of a request by Idempotency-Key.
type IdempotencyStore interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// JobQueue is the part of the delivery queue operators can see and steer.
type JobQueue interface {
	Get(ctx context.Context, name, id string) (*queue.Job, error)
	Cancel(ctx context.Context, name, id string) error
	Stats(ctx context.Context, name string) (*queue.Stats, error)
	ListDead(ctx context.Context, name string, offset, limit int) ([]*queue.Job, error)
	RetryDead(ctx context.Context, name, id string) error
	DiscardDead(ctx context.Context, name, id string) error
}

type PreferenceService interface {
	Preferences(ctx context.Context, userID uuid.UUID) (*db.UserPreferences, error)
	Update(ctx context.Context, userID uuid.UUID, patch *db.PreferencesPatch) (*db.UserPreferences, error)
	IsEmailAllowed(ctx context.Context, userID uuid.UUID, category notify.Category) (bool, error)
}

type ScheduleService interface {
	Create(ctx context.Context, def *db.ScheduleDefinition) (*db.ScheduleDefinition, error)
	Get(ctx context.Context, id uuid.UUID) (*db.ScheduleDefinition, error)
	List(ctx context.Context, userID uuid.UUID) ([]*db.ScheduleDefinition, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type DeliveryStore interface {
	GetDeliveryRecord(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	GetDeliveryByEmailID(ctx context.Context, emailID string) (*db.DeliveryRecord, error)
}

type DeadLetterArchive interface {
	ListDeadLetters(ctx context.Context, queue string, limit int) ([]*db.DeadLetterJob, error)
}

type WebhookIngest interface {
	Handle(ctx context.Context, body []byte) (*webhook.Result, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Dependencies are the services behind the API. Producer and Idempotency
// are optional.
type Dependencies struct {
	Intake      Submitter
	Producer    Publisher
	Idempotency IdempotencyStore
	Queue       JobQueue
	Preferences PreferenceService
	Schedules   ScheduleService
	Deliveries  DeliveryStore
	DeadLetters DeadLetterArchive
	Webhooks    WebhookIngest
	Health      map[string]HealthCheck
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	deps   Dependencies
	logger *zap.Logger
	now    func() time.Time
}

func NewHandler(deps Dependencies, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger, now: time.Now}
}

// CreateNotification handles POST /v1/notifications.
// Supports idempotency via the Idempotency-Key header, scoped per user.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req notify.Request
	if !h.decode(w, r, &req) {
		return
	}
	req.Normalize(h.now())
	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
		return
	}

	scope := req.UserID.String()
	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false
	if idempotencyKey != "" && h.deps.Idempotency != nil {
		cached, err := h.deps.Idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, map[string]string{"notification_id": cached.ResourceID})
			return
		default:
			reserved = true
		}
	}

	status, body, err := h.accept(ctx, &req)
	if err != nil {
		if reserved {
			if rerr := h.deps.Idempotency.Release(context.WithoutCancel(ctx), scope, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.logger.Error("failed to accept notification",
			zap.Error(err),
			zap.String("notification_id", req.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue notification", "")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{ResourceID: req.ID.String(), StatusCode: status}
		if err := h.deps.Idempotency.Store(ctx, scope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, status, body)
}

// accept routes a validated request to SQS when a producer is configured,
// otherwise straight into the delivery queue.
func (h *Handler) accept(ctx context.Context, req *notify.Request) (int, any, error) {
	if h.deps.Producer != nil {
		msgID, err := h.deps.Producer.Enqueue(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		h.logger.Info("notification published to sqs",
			zap.String("notification_id", req.ID.String()),
			zap.String("sqs_message_id", msgID),
		)
		return http.StatusAccepted, map[string]string{
			"notification_id": req.ID.String(),
			"status":          "accepted",
		}, nil
	}

	receipt, err := h.deps.Intake.Submit(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, receipt, nil
}

// GetJob handles GET /v1/queues/{queue}/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueParam(w, r)
	if !ok {
		return
	}
	job, err := h.deps.Queue.Get(r.Context(), name, chi.URLParam(r, "id"))
	if err != nil {
		h.queueError(w, err, "Failed to get job")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /v1/queues/{queue}/jobs/{id}. Only waiting and
// delayed jobs can be cancelled.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.deps.Queue.Cancel(r.Context(), name, id); err != nil {
		h.queueError(w, err, "Failed to cancel job")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(queue.StatusCancelled)})
}

// QueueStats handles GET /v1/queues/{queue}/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueParam(w, r)
	if !ok {
		return
	}
	stats, err := h.deps.Queue.Stats(r.Context(), name)
	if err != nil {
		h.queueError(w, err, "Failed to read queue stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ListDeadJobs handles GET /v1/queues/{queue}/dead?limit=20&offset=0
func (h *Handler) ListDeadJobs(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueParam(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	jobs, err := h.deps.Queue.ListDead(r.Context(), name, offset, limit)
	if err != nil {
		h.queueError(w, err, "Failed to list dead letters")
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// RetryDeadJob handles POST /v1/queues/{queue}/dead/{id}/retry
func (h *Handler) RetryDeadJob(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.deps.Queue.RetryDead(r.Context(), name, id); err != nil {
		h.queueError(w, err, "Failed to retry dead letter")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "retried"})
}

// DiscardDeadJob handles DELETE /v1/queues/{queue}/dead/{id}
func (h *Handler) DiscardDeadJob(w http.ResponseWriter, r *http.Request) {
	name, ok := h.queueParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.deps.Queue.DiscardDead(r.Context(), name, id); err != nil {
		h.queueError(w, err, "Failed to discard dead letter")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "discarded"})
}

// ListArchivedDeadLetters handles GET /v1/dead-letters?queue=email&limit=20,
// the durable archive that outlives queue retention.
func (h *Handler) ListArchivedDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	name := r.URL.Query().Get("queue")

	items, err := h.deps.DeadLetters.ListDeadLetters(r.Context(), name, limit)
	if err != nil {
		h.logger.Error("failed to list dead letter archive", zap.Error(err), zap.String("queue", name))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letters", "")
		return
	}
	if items == nil {
		items = []*db.DeadLetterJob{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"limit": limit,
		"count": len(items),
	})
}

// GetDelivery handles GET /v1/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.deps.Deliveries.GetDeliveryRecord(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "Delivery not found")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// FindDelivery handles GET /v1/deliveries?email_id=msg_1
func (h *Handler) FindDelivery(w http.ResponseWriter, r *http.Request) {
	emailID := r.URL.Query().Get("email_id")
	if emailID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing email_id", "email_id query parameter is required")
		return
	}
	rec, err := h.deps.Deliveries.GetDeliveryByEmailID(r.Context(), emailID)
	if err != nil {
		h.storeError(w, err, "Delivery not found")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// EmailWebhook handles POST /webhooks/email. A bad signature rejects the
// batch; per-event failures are reported in a 200 response so the
// provider does not redeliver events that were applied.
func (h *Handler) EmailWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	result, err := h.deps.Webhooks.Handle(r.Context(), body)
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Invalid webhook signature", "")
		return
	case errors.Is(err, webhook.ErrInvalidPayload):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid webhook payload", err.Error())
		return
	case errors.Is(err, webhook.ErrMissingSecret):
		h.writeError(w, http.StatusServiceUnavailable, "not_configured", "Webhook ingest is not configured", "")
		return
	case err != nil:
		h.logger.Error("webhook processing failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Webhook processing failed", "")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Health handles GET /health. Any failing check turns the response 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps.Health))
	for name, check := range h.deps.Health {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	h.writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

func (h *Handler) queueParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "queue")
	if !notify.Channel(name).Valid() {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown queue", "queue must be email, push or in_app")
		return "", false
	}
	return notify.QueueFor(notify.Channel(name)), true
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+key, key+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) queueError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
	case errors.Is(err, queue.ErrJobActive), errors.Is(err, queue.ErrJobFinished):
		h.writeError(w, http.StatusConflict, "conflict", title, err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "queue_error", title, "")
	}
}

// storeError maps repository and domain errors onto problem responses.
func (h *Handler) storeError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", notFound, "")
	case errors.Is(err, notify.ErrValidation),
		errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, preference.ErrInvalidPreferences):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	default:
		h.logger.Error("store operation failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Internal error", "")
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return io.ReadAll(r.Body)
}

// pagination reads limit (1-100, default 20) and offset (default 0).
func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
