// Package worker consumes the delivery queues. For every job it checks
// preferences and the rate limit, renders the template, calls the channel
// sender and records the delivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/events"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/preference"
	"github.com/lalithlochan/beacon/internal/provider"
	"github.com/lalithlochan/beacon/internal/queue"
	"github.com/lalithlochan/beacon/internal/ratelimit"
	"github.com/lalithlochan/beacon/internal/template"
)

type JobQueue interface {
	Process(ctx context.Context, name string, handler queue.Handler, opts queue.ProcessOptions)
	Stats(ctx context.Context, name string) (*queue.Stats, error)
}

type Gate interface {
	Decide(ctx context.Context, req *notify.Request, now time.Time) (preference.Decision, error)
}

type Limiter interface {
	CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Decision, error)
}

type Renderer interface {
	Resolve(key, locale string, vars map[string]any) (*template.Content, error)
}

type DeliveryStore interface {
	CreateDeliveryRecord(ctx context.Context, rec *db.DeliveryRecord) (*db.DeliveryRecord, bool, error)
}

type OutcomePublisher interface {
	Publish(o events.Outcome)
}

type Config struct {
	Queues             []string
	Concurrency        int
	PollInterval       time.Duration
	StallCheckInterval time.Duration
	ProviderTimeout    time.Duration
	StatsInterval      time.Duration
}

// Dependencies groups the collaborators of a Dispatcher.
type Dependencies struct {
	Queue    JobQueue
	Gate     Gate
	Limiter  Limiter
	Renderer Renderer
	Sender   Sender
	Store    DeliveryStore
	Outcomes OutcomePublisher
}

type Dispatcher struct {
	deps   Dependencies
	config Config
	logger *zap.Logger
	now    func() time.Time

	// receipts carries the send result of a job from its handler to its
	// settlement callback.
	receipts sync.Map
}

func New(deps Dependencies, cfg Config, logger *zap.Logger) *Dispatcher {
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{
			notify.QueueFor(notify.ChannelEmail),
			notify.QueueFor(notify.ChannelPush),
			notify.QueueFor(notify.ChannelInApp),
		}
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 20 * time.Second
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = 15 * time.Second
	}

	return &Dispatcher{
		deps:   deps,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start processes every configured queue until ctx is cancelled. Jobs in
// flight at cancellation are finished and settled before Start returns.
func (d *Dispatcher) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range d.config.Queues {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			d.deps.Queue.Process(ctx, name, d.Handle, queue.ProcessOptions{
				Concurrency:        d.config.Concurrency,
				PollInterval:       d.config.PollInterval,
				StallCheckInterval: d.config.StallCheckInterval,
				OnSettled:          d.settled,
			})
		}(name)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.refreshStats(ctx)
	}()

	d.logger.Info("dispatcher started", zap.Strings("queues", d.config.Queues))
	wg.Wait()
	d.logger.Info("dispatcher stopping")
}

// Handle runs the delivery pipeline for one job.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	req, err := notify.Decode(job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}
	if err := req.Validate(); err != nil {
		return queue.Permanent(err)
	}
	policy := notify.PolicyFor(req.Type)
	now := d.now()

	decision, err := d.deps.Gate.Decide(ctx, req, now)
	if err != nil {
		return err
	}
	switch decision.Verdict {
	case preference.Deny:
		return queue.Discard(decision.Reason)
	case preference.Defer:
		return queue.DeferUntil(decision.Until, decision.Reason)
	}

	// Render before consuming rate budget so a broken template costs none.
	content, err := d.deps.Renderer.Resolve(policy.Template, req.Locale, req.Payload)
	if err != nil {
		return queue.Permanent(err)
	}

	rl, err := d.deps.Limiter.CheckAndConsume(ctx, req.RateLimitKey(), policy.RateLimit.Limit, policy.RateLimit.Window)
	if err != nil {
		return err
	}
	if !rl.Allowed {
		metrics.RecordRateLimited("dispatch")
		return queue.DeferUntil(now.Add(rl.RetryAfter), "rate limited")
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.ProviderTimeout)
	defer cancel()

	receipt, err := d.deps.Sender.Send(sendCtx, &Delivery{
		JobID:          job.ID,
		Request:        req,
		Content:        content,
		IdempotencyKey: "job:" + job.ID,
	})
	if err != nil {
		if provider.IsPermanent(err) {
			return queue.Permanent(err)
		}
		return err
	}
	d.receipts.Store(job.ID, receipt)

	sentAt := d.now().UTC()
	rec := &db.DeliveryRecord{
		JobID:          job.ID,
		NotificationID: req.ID,
		UserID:         req.UserID,
		Type:           req.Type,
		Channel:        req.Channel,
		EmailID:        receipt.MessageID,
		Recipient:      req.Recipient,
		State:          db.DeliverySent,
		StateHistory: []db.StateTransition{{
			State:      db.DeliverySent,
			Event:      "dispatch.sent",
			OccurredAt: sentAt,
			RecordedAt: sentAt,
		}},
		LastEventAt: sentAt,
	}
	// The message is out. A retry after a failed insert is deduplicated
	// by the idempotency key and recreates the record.
	if _, _, err := d.deps.Store.CreateDeliveryRecord(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("record delivery for job %s: %w", job.ID, err)
	}
	return nil
}

func (d *Dispatcher) settled(s queue.Settlement) {
	job := s.Job
	o := events.Outcome{
		JobID:       job.ID,
		Queue:       job.Queue,
		Disposition: string(s.Disposition),
		Attempts:    job.Attempts,
		Duration:    s.Duration,
		OccurredAt:  d.now().UTC(),
		Payload:     job.Payload,
	}
	if req, err := notify.Decode(job.Payload); err == nil {
		o.NotificationID = req.ID.String()
		o.UserID = req.UserID.String()
		o.Type = string(req.Type)
		o.Channel = string(req.Channel)
		o.RequestedAt = req.CreatedAt
	}
	if !s.RetryAt.IsZero() {
		retryAt := s.RetryAt
		o.RetryAt = &retryAt
	}

	if s.Err != nil {
		o.Error = s.Err.Error()
		var perr *provider.Error
		if errors.As(s.Err, &perr) {
			o.Provider = perr.Provider
		}
	}

	switch s.Disposition {
	case queue.Discarded, queue.Deferred:
		o.Reason = o.Error
		o.Error = ""
	case queue.DeadLettered:
		o.Reason = job.DeadReason
	}

	if v, ok := d.receipts.LoadAndDelete(job.ID); ok {
		if r := v.(*Receipt); s.Disposition == queue.Completed {
			o.Provider = r.Provider
			o.ProviderMessageID = r.MessageID
		}
	}

	if d.deps.Outcomes != nil {
		d.deps.Outcomes.Publish(o)
	}
}

// refreshStats keeps the queue depth gauges current.
func (d *Dispatcher) refreshStats(ctx context.Context) {
	ticker := time.NewTicker(d.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range d.config.Queues {
				stats, err := d.deps.Queue.Stats(ctx, name)
				if err != nil {
					d.logger.Warn("failed to read queue stats", zap.String("queue", name), zap.Error(err))
					continue
				}
				metrics.SetQueueJobs(name, "waiting", stats.Waiting)
				metrics.SetQueueJobs(name, "delayed", stats.Delayed)
				metrics.SetQueueJobs(name, "active", stats.Active)
				metrics.SetQueueJobs(name, "completed", stats.Completed)
				metrics.SetQueueJobs(name, "dead", stats.Dead)
			}
		}
	}
}
