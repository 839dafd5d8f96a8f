// Package ratelimit gates outbound sends per key with a sliding window.
// Counters live in a Store so several dispatcher processes can share them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var ErrInvalidLimit = errors.New("rate limit must be positive")

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store owns the counters. Consume must be atomic per key.
type Store interface {
	Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Limiter checks and consumes budget in a Store.
type Limiter struct {
	store  Store
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Limiter)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store Store, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume takes one unit of budget for key if the window allows it.
// A denied decision carries a positive RetryAfter.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{}, ErrInvalidLimit
	}

	d, err := l.store.Consume(ctx, l.prefix+key, limit, window, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	if !d.Allowed {
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Millisecond
		}
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("retry_after", d.RetryAfter),
		)
	}

	return d, nil
}
