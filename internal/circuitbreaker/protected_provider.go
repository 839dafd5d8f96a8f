package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/provider"
)

// ProtectedProvider wraps an email provider with a CircuitBreaker. Only
// transient failures of the provider itself count against the breaker.
// Permanent rejections count as answers, and errors raised by the
// idempotency wrapper settle the call without a verdict.
type ProtectedProvider struct {
	next    provider.EmailProvider
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedProvider(next provider.EmailProvider, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		next:    next,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedProvider) Name() string { return p.next.Name() }

// Send fails fast with a transient error while the circuit is open.
func (p *ProtectedProvider) Send(ctx context.Context, msg *provider.Message) (*provider.Result, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.Stringer("state", p.breaker.State()),
		)
		return nil, provider.Transient(p.Name(), "circuit_open",
			fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name()))
	}

	res, err := p.next.Send(ctx, msg)
	p.record(err)
	return res, err
}

// SendBatch counts a batch as one call.
func (p *ProtectedProvider) SendBatch(ctx context.Context, msgs []*provider.Message) ([]provider.BatchResult, error) {
	if !p.breaker.Allow() {
		return nil, provider.Transient(p.Name(), "circuit_open",
			fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name()))
	}

	results, err := p.next.SendBatch(ctx, msgs)
	p.record(err)
	return results, err
}

func (p *ProtectedProvider) record(err error) {
	switch {
	case err == nil || provider.IsPermanent(err):
		p.breaker.RecordSuccess()
		return
	case provider.IsLocal(err):
		p.breaker.Cancel()
		return
	}
	p.breaker.RecordFailure()
	p.logger.Debug("circuit breaker recorded failure",
		zap.String("breaker", p.breaker.Name()),
		zap.Error(err),
	)
}
