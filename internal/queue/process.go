package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler runs one job. Its error decides how the job is settled; see
// Permanent, DeferUntil and Discard.
type Handler func(ctx context.Context, job *Job) error

// Disposition is how a processed job left the active set.
type Disposition string

const (
	Completed    Disposition = "completed"
	Discarded    Disposition = "discarded"
	Deferred     Disposition = "deferred"
	Retrying     Disposition = "retrying"
	DeadLettered Disposition = "dead_lettered"
)

// Settlement describes one processed job.
type Settlement struct {
	Job         *Job
	Disposition Disposition
	Err         error
	RetryAt     time.Time
	Duration    time.Duration
}

type ProcessOptions struct {
	Concurrency        int
	PollInterval       time.Duration
	StallCheckInterval time.Duration
	// OnSettled is called after every settlement, from the worker goroutine.
	OnSettled func(Settlement)
}

func (o *ProcessOptions) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StallCheckInterval <= 0 {
		o.StallCheckInterval = 30 * time.Second
	}
}

// Process runs handler against the named queue until ctx is cancelled.
// A job in flight when ctx is cancelled is still settled.
func (q *Queue) Process(ctx context.Context, name string, handler Handler, opts ProcessOptions) {
	opts.setDefaults()

	q.logger.Info("queue processor started",
		zap.String("queue", name),
		zap.Int("concurrency", opts.Concurrency),
	)

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workLoop(ctx, name, handler, opts)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.stallLoop(ctx, name, opts)
	}()

	wg.Wait()
	q.logger.Info("queue processor stopped", zap.String("queue", name))
}

func (q *Queue) workLoop(ctx context.Context, name string, handler Handler, opts ProcessOptions) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.Claim(ctx, name)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Error("failed to claim job", zap.String("queue", name), zap.Error(err))
			}
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.PollInterval):
			}
			continue
		}

		s := q.runJob(ctx, job, handler)
		if opts.OnSettled != nil {
			opts.OnSettled(s)
		}
	}
}

func (q *Queue) stallLoop(ctx context.Context, name string, opts ProcessOptions) {
	ticker := time.NewTicker(opts.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, deadIDs, err := q.RequeueStalled(ctx, name)
			if err != nil {
				q.logger.Error("stalled job check failed", zap.String("queue", name), zap.Error(err))
				continue
			}
			if opts.OnSettled == nil {
				continue
			}
			for _, id := range deadIDs {
				job, err := q.Get(ctx, name, id)
				if err != nil {
					continue
				}
				opts.OnSettled(Settlement{Job: job, Disposition: DeadLettered, Err: ErrStalled})
			}
		}
	}
}

// runJob executes handler and settles the job. Settlement uses a context
// detached from shutdown so a finished job is never left locked.
func (q *Queue) runJob(ctx context.Context, job *Job, handler Handler) Settlement {
	start := q.now()
	herr := safeCall(ctx, job, handler)
	settleCtx := context.WithoutCancel(ctx)

	s := Settlement{Job: job, Err: herr}
	var err error

	var (
		deferred *deferError
		discard  *discardError
	)
	switch {
	case herr == nil:
		s.Disposition = Completed
		err = q.Complete(settleCtx, job, "")
	case errors.As(herr, &discard):
		s.Disposition = Discarded
		err = q.Complete(settleCtx, job, herr.Error())
	case errors.As(herr, &deferred):
		s.Disposition = Deferred
		s.RetryAt = deferred.until
		err = q.Defer(settleCtx, job, deferred.until, deferred.reason)
	case IsPermanent(herr):
		s.Disposition = DeadLettered
		err = q.DeadLetter(settleCtx, job, "permanent failure", herr)
	default:
		var dead bool
		dead, s.RetryAt, err = q.Fail(settleCtx, job, herr)
		s.Disposition = Retrying
		if dead {
			s.Disposition = DeadLettered
		}
	}
	s.Duration = q.now().Sub(start)

	if err != nil {
		// The lock expired while the handler ran; the stall reaper owns
		// the job now.
		q.logger.Error("failed to settle job",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.String("disposition", string(s.Disposition)),
			zap.Error(err),
		)
	}
	return s
}

func safeCall(ctx context.Context, job *Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
