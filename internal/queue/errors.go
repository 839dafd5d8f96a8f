package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobActive    = errors.New("job is being processed and cannot be cancelled")
	ErrJobFinished  = errors.New("job already finished")
	ErrLockLost     = errors.New("job lock lost")
	ErrInvalidQueue = errors.New("queue name is required")
	ErrStalled      = errors.New("job stalled too many times")
)

// Handler errors steer how a job is settled. A plain error is retried with
// backoff until the job runs out of attempts.

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job is dead-lettered
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type deferError struct {
	until  time.Time
	reason string
}

func (e *deferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.until.Format(time.RFC3339), e.reason)
}

// DeferUntil reschedules the job for until without consuming an attempt.
func DeferUntil(until time.Time, reason string) error {
	return &deferError{until: until, reason: reason}
}

type discardError struct {
	reason string
}

func (e *discardError) Error() string { return "discarded: " + e.reason }

// Discard completes the job without doing its work. It is used for
// expected suppressions and never reaches the dead-letter set.
func Discard(reason string) error {
	return &discardError{reason: reason}
}
