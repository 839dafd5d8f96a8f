package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/redis"
)

const sendScope = "send"

// IdempotencyStore reserves and records idempotency keys.
type IdempotencyStore interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// Idempotent wraps a provider so that a message is sent at most once per
// idempotency key, even when the same job is delivered twice.
type Idempotent struct {
	next   EmailProvider
	store  IdempotencyStore
	logger *zap.Logger
}

func NewIdempotent(next EmailProvider, store IdempotencyStore, logger *zap.Logger) *Idempotent {
	return &Idempotent{next: next, store: store, logger: logger}
}

func (p *Idempotent) Name() string { return p.next.Name() }

func (p *Idempotent) Send(ctx context.Context, msg *Message) (*Result, error) {
	if msg.IdempotencyKey == "" {
		return p.next.Send(ctx, msg)
	}

	cached, err := p.store.CheckOrReserve(ctx, sendScope, msg.IdempotencyKey)
	if errors.Is(err, redis.ErrDuplicateRequest) {
		return nil, Transient(p.Name(), CodeInFlight, err)
	}
	if err != nil {
		return nil, Transient(p.Name(), CodeIdempotencyStore, err)
	}
	if cached != nil {
		p.logger.Info("email already sent for idempotency key",
			zap.String("idempotency_key", msg.IdempotencyKey),
			zap.String("message_id", cached.ResourceID),
		)
		return &Result{Provider: p.Name(), ProviderMessageID: cached.ResourceID, Duplicate: true}, nil
	}

	res, sendErr := p.next.Send(ctx, msg)
	if sendErr != nil {
		if err := p.store.Release(context.WithoutCancel(ctx), sendScope, msg.IdempotencyKey); err != nil {
			p.logger.Error("failed to release idempotency key",
				zap.String("idempotency_key", msg.IdempotencyKey),
				zap.Error(err),
			)
		}
		return nil, sendErr
	}

	stored := &redis.IdempotencyResult{ResourceID: res.ProviderMessageID}
	if err := p.store.Store(context.WithoutCancel(ctx), sendScope, msg.IdempotencyKey, stored, redis.SendIdempotencyTTL); err != nil {
		// The email is out; the reservation still blocks resends until it
		// expires.
		p.logger.Error("failed to store send result",
			zap.String("idempotency_key", msg.IdempotencyKey),
			zap.Error(err),
		)
	}
	return res, nil
}

func (p *Idempotent) SendBatch(ctx context.Context, msgs []*Message) ([]BatchResult, error) {
	return sendEach(ctx, p, msgs)
}
