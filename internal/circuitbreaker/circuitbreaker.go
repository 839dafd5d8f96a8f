// Package circuitbreaker stops calls to a failing provider so jobs fail
// fast and back off instead of each waiting for a timeout.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker. An open circuit rejects calls until the recovery
// timeout passes; after that a limited number of trial calls decide
// whether it closes again.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name labels logs and the circuit state gauge ("ses", "postmark").
	Name string

	// MaxFailures consecutive failures open the circuit. Default 5.
	MaxFailures int

	// RecoveryTimeout is how long the circuit stays open. Default 30s.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps concurrent trial calls. Default 1.
	HalfOpenMaxRequests int

	// OnStateChange runs after every transition with the breaker lock
	// held. It must not call back into the breaker.
	OnStateChange func(name string, to State)

	Clock func() time.Time
}

// CircuitBreaker tracks consecutive failures of one provider. Every call
// admitted by Allow must be settled with RecordSuccess, RecordFailure or
// Cancel.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger

	state    State
	failures int
	openedAt time.Time
	trials   int
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{cfg: cfg, logger: logger.With(zap.String("breaker", cfg.Name))}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.cfg.Clock().Sub(cb.openedAt) < cb.cfg.RecoveryTimeout {
			return false
		}
		cb.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMaxRequests {
			return false
		}
		cb.trials++
		return true
	default:
		return true
	}
}

// RecordSuccess resets the failure streak and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered")
	}
}

// RecordFailure extends the failure streak. A failed trial call reopens the
// circuit at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.open()
		cb.logger.Warn("circuit breaker reopened, trial call failed")
	case cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures:
		cb.open()
		cb.logger.Warn("circuit breaker opened",
			zap.Int("failures", cb.failures),
			zap.Duration("recovery_timeout", cb.cfg.RecoveryTimeout),
		)
	}
}

// Cancel settles an admitted call that never reached the provider. It
// frees the half-open slot without judging the provider's health.
func (cb *CircuitBreaker) Cancel() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.cfg.Clock()
	cb.setState(StateOpen)
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.trials = 0
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, to)
	}
	cb.logger.Debug("circuit breaker state transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}
