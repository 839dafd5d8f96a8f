package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// Disposition values carried by Outcome.Disposition.
const (
	DispositionCompleted    = "completed"
	DispositionDiscarded    = "discarded"
	DispositionDeferred     = "deferred"
	DispositionRetrying     = "retrying"
	DispositionDeadLettered = "dead_lettered"
)

// MetricsSink turns outcomes into Prometheus series.
type MetricsSink struct{}

func (MetricsSink) Name() string { return "metrics" }

func (MetricsSink) Handle(ctx context.Context, o Outcome) error {
	metrics.RecordJobSettled(o.Queue, o.Disposition, o.Duration)

	if o.Provider == "" {
		return nil
	}
	switch o.Disposition {
	case DispositionCompleted:
		metrics.RecordProviderSend(o.Provider, "sent")
		if !o.RequestedAt.IsZero() {
			metrics.RecordDeliveryLatency(o.Channel, o.OccurredAt.Sub(o.RequestedAt))
		}
	case DispositionRetrying:
		metrics.RecordProviderSend(o.Provider, "transient")
	case DispositionDeadLettered:
		metrics.RecordProviderSend(o.Provider, "permanent")
	}
	return nil
}

// DeadLetterStore persists dead-lettered jobs.
type DeadLetterStore interface {
	ArchiveDeadLetter(ctx context.Context, job *db.DeadLetterJob) error
}

// DeadLetterArchiver copies every dead-lettered job into durable storage,
// outliving the queue's own dead-letter retention.
type DeadLetterArchiver struct {
	store  DeadLetterStore
	logger *zap.Logger
}

func NewDeadLetterArchiver(store DeadLetterStore, logger *zap.Logger) *DeadLetterArchiver {
	return &DeadLetterArchiver{store: store, logger: logger}
}

func (a *DeadLetterArchiver) Name() string { return "dead_letter_archive" }

func (a *DeadLetterArchiver) Handle(ctx context.Context, o Outcome) error {
	if o.Disposition != DispositionDeadLettered {
		return nil
	}

	job := &db.DeadLetterJob{
		JobID:     o.JobID,
		Queue:     o.Queue,
		Payload:   o.Payload,
		Attempts:  o.Attempts,
		LastError: o.Error,
		Reason:    o.Reason,
		FailedAt:  o.OccurredAt,
	}
	if err := a.store.ArchiveDeadLetter(ctx, job); err != nil {
		return fmt.Errorf("archive dead letter %s: %w", o.JobID, err)
	}
	return nil
}

// LogSink logs every terminal outcome. Dead letters are logged at error
// level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Handle(ctx context.Context, o Outcome) error {
	fields := []zap.Field{
		zap.String("job_id", o.JobID),
		zap.String("queue", o.Queue),
		zap.String("type", o.Type),
		zap.String("disposition", o.Disposition),
		zap.Int("attempts", o.Attempts),
	}

	switch o.Disposition {
	case DispositionDeadLettered:
		l.logger.Error("job dead-lettered", append(fields,
			zap.String("reason", o.Reason),
			zap.String("error", o.Error),
		)...)
	case DispositionCompleted:
		l.logger.Info("notification delivered to provider", append(fields,
			zap.String("provider", o.Provider),
			zap.String("provider_message_id", o.ProviderMessageID),
		)...)
	case DispositionDiscarded:
		l.logger.Debug("notification suppressed", append(fields, zap.String("reason", o.Reason))...)
	}
	return nil
}
