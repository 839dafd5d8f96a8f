package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed" // dead-lettered
	StatusCancelled Status = "cancelled"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFixed       BackoffStrategy = "fixed"
)

// Backoff describes the retry delay schedule of a job.
type Backoff struct {
	Strategy BackoffStrategy `json:"strategy"`
	Base     time.Duration   `json:"base"`
	Cap      time.Duration   `json:"cap"`
}

// Delay returns the wait before the given retry attempt (1-based):
// min(base * 2^(attempt-1), cap) for exponential backoff.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if b.Strategy == BackoffFixed || attempt <= 1 {
		return b.capped(b.Base)
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	return b.capped(d)
}

func (b Backoff) capped(d time.Duration) time.Duration {
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// Job is one unit of queued work. It is owned by the queue; handlers only
// read it.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      Backoff         `json:"backoff"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	LastError    string          `json:"last_error,omitempty"`
	DeadReason   string          `json:"dead_reason,omitempty"`
	Result       string          `json:"result,omitempty"`
	StalledCount int             `json:"stalled_count"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessAt    time.Time       `json:"process_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`

	token string
}

func msToTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

// parseJob builds a Job from the fields of its Redis hash.
func parseJob(queue string, fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{
		ID:           fields["id"],
		Queue:        queue,
		Payload:      json.RawMessage(fields["payload"]),
		Attempts:     atoi(fields["attempts"]),
		MaxAttempts:  atoi(fields["max_attempts"]),
		Status:       Status(fields["status"]),
		Priority:     atoi(fields["priority"]),
		LastError:    fields["last_error"],
		DeadReason:   fields["dead_reason"],
		Result:       fields["result"],
		StalledCount: atoi(fields["stalled"]),
		token:        fields["token"],
	}

	if raw := fields["backoff"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Backoff); err != nil {
			return nil, fmt.Errorf("decode backoff of job %s: %w", job.ID, err)
		}
	}

	var err error
	if job.CreatedAt, err = msToTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("decode created_at of job %s: %w", job.ID, err)
	}
	if job.ProcessAt, err = msToTime(fields["process_at"]); err != nil {
		return nil, fmt.Errorf("decode process_at of job %s: %w", job.ID, err)
	}
	finished, err := msToTime(fields["finished_at"])
	if err != nil {
		return nil, fmt.Errorf("decode finished_at of job %s: %w", job.ID, err)
	}
	if !finished.IsZero() {
		job.FinishedAt = &finished
	}

	return job, nil
}

// pairsToMap converts a flat HGETALL reply into a map.
func pairsToMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return m
}
