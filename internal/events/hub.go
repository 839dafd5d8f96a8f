// Package events fans job outcomes out to independent subscribers. A slow
// or failing subscriber never blocks the dispatcher or the other
// subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
)

// Outcome is the record of one settled delivery job.
type Outcome struct {
	JobID             string          `json:"job_id"`
	Queue             string          `json:"queue"`
	NotificationID    string          `json:"notification_id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	Type              string          `json:"type,omitempty"`
	Channel           string          `json:"channel,omitempty"`
	Disposition       string          `json:"disposition"`
	Reason            string          `json:"reason,omitempty"`
	Error             string          `json:"error,omitempty"`
	Attempts          int             `json:"attempts"`
	Provider          string          `json:"provider,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	Duration          time.Duration   `json:"duration_ns"`
	RetryAt           *time.Time      `json:"retry_at,omitempty"`
	RequestedAt       time.Time       `json:"requested_at,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	Payload           json.RawMessage `json:"-"`
}

// Subscriber consumes outcomes. Handle errors are logged and never retried.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, o Outcome) error
}

type funcSubscriber struct {
	name string
	fn   func(ctx context.Context, o Outcome) error
}

func (f funcSubscriber) Name() string { return f.name }

func (f funcSubscriber) Handle(ctx context.Context, o Outcome) error { return f.fn(ctx, o) }

// SubscriberFunc adapts a function to a Subscriber.
func SubscriberFunc(name string, fn func(ctx context.Context, o Outcome) error) Subscriber {
	return funcSubscriber{name: name, fn: fn}
}

type subscription struct {
	sub Subscriber
	ch  chan Outcome
}

// Hub buffers outcomes per subscriber. Publish never blocks: when a
// subscriber's buffer is full the outcome is dropped for that subscriber.
type Hub struct {
	logger *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
}

func NewHub(logger *zap.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{logger: logger, buffer: buffer}
}

// Subscribe registers s. It must be called before Run.
func (h *Hub) Subscribe(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, &subscription{sub: s, ch: make(chan Outcome, h.buffer)})
}

// Publish hands o to every subscriber. It is safe to call after Run has
// returned; the outcome is then discarded.
func (h *Hub) Publish(o Outcome) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, s := range h.subs {
		select {
		case s.ch <- o:
		default:
			metrics.RecordEventDropped(s.sub.Name())
			h.logger.Warn("outcome dropped, subscriber is behind",
				zap.String("subscriber", s.sub.Name()),
				zap.String("job_id", o.JobID),
			)
		}
	}
}

// Run delivers outcomes until ctx is cancelled, then drains what is
// already buffered and returns.
func (h *Hub) Run(ctx context.Context) {
	h.mu.RLock()
	subs := append([]*subscription(nil), h.subs...)
	h.mu.RUnlock()

	drainCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			for o := range s.ch {
				if err := s.sub.Handle(drainCtx, o); err != nil {
					h.logger.Error("outcome subscriber failed",
						zap.String("subscriber", s.sub.Name()),
						zap.String("job_id", o.JobID),
						zap.Error(err),
					)
				}
			}
		}(s)
	}

	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for _, s := range subs {
		close(s.ch)
	}
	h.mu.Unlock()

	wg.Wait()
	h.logger.Info("outcome hub stopped")
}
