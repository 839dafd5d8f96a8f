package schedule

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/intake"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/notify"
)

// Store is the schedule persistence. ClaimScheduleFire must be a
// compare-and-set so that concurrent schedulers fire a slot once.
type Store interface {
	CreateSchedule(ctx context.Context, def *db.ScheduleDefinition) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*db.ScheduleDefinition, error)
	ListSchedulesByUser(ctx context.Context, userID uuid.UUID) ([]*db.ScheduleDefinition, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*db.ScheduleDefinition, error)
	ClaimScheduleFire(ctx context.Context, c db.ScheduleClaim) error
	ReleaseScheduleFire(ctx context.Context, c db.ScheduleClaim, previousFiredAt *time.Time) error
	CancelSchedule(ctx context.Context, id uuid.UUID) error
}

type Submitter interface {
	SubmitWithJobID(ctx context.Context, req *notify.Request, jobID string) (*intake.Receipt, error)
}

type Config struct {
	TickInterval time.Duration
	BatchSize    int
}

type Scheduler struct {
	store  Store
	submit Submitter
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, submit Submitter, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		store:  store,
		submit: submit,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.logger.Error("schedule tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
		}
	}
}

// Tick fires every definition due at now and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueSchedules(ctx, now, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	fired := 0
	for _, def := range due {
		if s.fire(ctx, def, now) {
			fired++
		}
	}
	return fired, nil
}

// JobID is the queue job id of one slot of a schedule. Firing the same
// slot twice enqueues nothing new.
func JobID(scheduleID uuid.UUID, slot time.Time) string {
	return fmt.Sprintf("sched:%s:%d", scheduleID, slot.Unix())
}

// fire claims the slot, then submits its request. Occurrences missed while
// no scheduler ran collapse into this one fire.
func (s *Scheduler) fire(ctx context.Context, def *db.ScheduleDefinition, now time.Time) bool {
	if def.NextFireAt == nil {
		return false
	}
	slot := *def.NextFireAt

	advanced := *def
	advanced.OccurrencesFired++
	from := slot
	if now.After(from) {
		from = now
	}
	next, active := ComputeNextFire(&advanced, from)

	claim := db.ScheduleClaim{
		ID:               def.ID,
		ExpectedFireAt:   slot,
		ExpectedFired:    def.OccurrencesFired,
		FiredAt:          now.UTC(),
		OccurrencesFired: advanced.OccurrencesFired,
		Active:           active,
	}
	if active {
		claim.NextFireAt = &next
	}

	log := s.logger.With(
		zap.String("schedule_id", def.ID.String()),
		zap.Time("slot", slot),
	)

	if err := s.store.ClaimScheduleFire(ctx, claim); err != nil {
		if errors.Is(err, db.ErrClaimLost) {
			log.Debug("schedule slot claimed elsewhere")
			return false
		}
		log.Error("failed to claim schedule slot", zap.Error(err))
		return false
	}

	jobID := JobID(def.ID, slot)
	req := def.Request
	req.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(jobID))
	req.UserID = def.UserID
	req.Payload = maps.Clone(def.Request.Payload)
	req.CreatedAt = now.UTC()
	req.ScheduledFor = &slot

	if _, err := s.submit.SubmitWithJobID(ctx, &req, jobID); err != nil {
		if errors.Is(err, notify.ErrValidation) {
			log.Error("scheduled request rejected, occurrence dropped", zap.Error(err))
			return false
		}
		if rerr := s.store.ReleaseScheduleFire(context.WithoutCancel(ctx), claim, def.LastFiredAt); rerr != nil {
			log.Error("failed to release schedule slot", zap.Error(rerr))
		}
		log.Error("failed to submit scheduled notification", zap.Error(err))
		return false
	}

	metrics.RecordScheduleFired()
	log.Info("schedule fired",
		zap.String("job_id", jobID),
		zap.Int("occurrences_fired", advanced.OccurrencesFired),
	)
	if !active {
		log.Info("schedule exhausted")
	}
	return true
}

// Create validates def and stores it with its first fire time.
func (s *Scheduler) Create(ctx context.Context, def *db.ScheduleDefinition) (*db.ScheduleDefinition, error) {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	def.Request.UserID = def.UserID
	if err := Validate(def); err != nil {
		return nil, err
	}
	if err := def.Request.Validate(); err != nil {
		return nil, err
	}

	def.OccurrencesFired = 0
	def.LastFiredAt = nil
	next, ok := ComputeNextFire(def, s.now())
	if !ok {
		return nil, fmt.Errorf("%w: schedule never fires", ErrInvalidSchedule)
	}
	def.NextFireAt = &next
	def.Active = true

	if err := s.store.CreateSchedule(ctx, def); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.Info("schedule created",
		zap.String("schedule_id", def.ID.String()),
		zap.String("kind", def.Kind),
		zap.Time("next_fire_at", next),
	)
	return def, nil
}

func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*db.ScheduleDefinition, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, userID uuid.UUID) ([]*db.ScheduleDefinition, error) {
	return s.store.ListSchedulesByUser(ctx, userID)
}

// Cancel deactivates a schedule. Jobs it already enqueued are unaffected.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.store.CancelSchedule(ctx, id); err != nil {
		return err
	}
	s.logger.Info("schedule cancelled", zap.String("schedule_id", id.String()))
	return nil
}
