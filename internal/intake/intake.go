// Package intake turns notification requests into delivery jobs.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/preference"
	"github.com/lalithlochan/beacon/internal/queue"
)

// Receipt statuses
const (
	StatusQueued     = "queued"
	StatusScheduled  = "scheduled"
	StatusDeferred   = "deferred"
	StatusSuppressed = "suppressed"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload []byte, opts queue.EnqueueOptions) (string, error)
}

type Gate interface {
	Decide(ctx context.Context, req *notify.Request, now time.Time) (preference.Decision, error)
}

// Receipt tells the caller what happened to a request.
type Receipt struct {
	NotificationID uuid.UUID  `json:"notification_id"`
	JobID          string     `json:"job_id,omitempty"`
	Queue          string     `json:"queue,omitempty"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	ProcessAt      *time.Time `json:"process_at,omitempty"`
}

type Service struct {
	queue  Enqueuer
	gate   Gate
	logger *zap.Logger
	now    func() time.Time
}

func New(q Enqueuer, gate Gate, logger *zap.Logger) *Service {
	return &Service{queue: q, gate: gate, logger: logger, now: time.Now}
}

// Submit validates req and enqueues it under a job id equal to its
// notification id, so resubmitting the same request is a no-op.
func (s *Service) Submit(ctx context.Context, req *notify.Request) (*Receipt, error) {
	req.Normalize(s.now())
	return s.SubmitWithJobID(ctx, req, req.ID.String())
}

// SubmitWithJobID is Submit with a caller-chosen job id.
func (s *Service) SubmitWithJobID(ctx context.Context, req *notify.Request, jobID string) (*Receipt, error) {
	now := s.now()
	req.Normalize(now)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	policy := notify.PolicyFor(req.Type)
	name := notify.QueueFor(req.Channel)
	receipt := &Receipt{NotificationID: req.ID, Queue: name, Status: StatusQueued}

	var delay time.Duration
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		delay = req.ScheduledFor.Sub(now)
		receipt.Status = StatusScheduled
	}

	// The dispatcher checks preferences again at send time. A failed
	// lookup here only loses the early exit.
	if delay == 0 {
		decision, err := s.gate.Decide(ctx, req, now)
		switch {
		case err != nil:
			s.logger.Warn("preference check failed at intake, enqueueing anyway",
				zap.String("notification_id", req.ID.String()),
				zap.Error(err),
			)
		case decision.Verdict == preference.Deny:
			metrics.RecordSubmitted(string(req.Type), string(req.Channel), StatusSuppressed)
			receipt.Queue = ""
			receipt.Status = StatusSuppressed
			receipt.Reason = decision.Reason
			return receipt, nil
		case decision.Verdict == preference.Defer:
			delay = decision.Until.Sub(now)
			receipt.Status = StatusDeferred
			receipt.Reason = decision.Reason
		}
	}

	payload, err := req.Encode()
	if err != nil {
		return nil, err
	}

	backoff := policy.Backoff
	id, err := s.queue.Enqueue(ctx, name, payload, queue.EnqueueOptions{
		JobID:       jobID,
		Priority:    req.Priority,
		Delay:       delay,
		MaxAttempts: policy.MaxAttempts,
		Backoff:     &backoff,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue notification %s: %w", req.ID, err)
	}

	receipt.JobID = id
	if delay > 0 {
		at := now.Add(delay).UTC()
		receipt.ProcessAt = &at
	}
	metrics.RecordSubmitted(string(req.Type), string(req.Channel), receipt.Status)

	s.logger.Info("notification enqueued",
		zap.String("notification_id", req.ID.String()),
		zap.String("job_id", id),
		zap.String("queue", name),
		zap.String("type", string(req.Type)),
		zap.String("status", receipt.Status),
	)
	return receipt, nil
}
