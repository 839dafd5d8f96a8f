package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles Postgres operations for the delivery engine
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Health checks if the database is reachable
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

const preferencesColumns = `
	user_id, email_enabled, push_enabled, in_app_enabled,
	task_reminders, achievements, weekly_digest, ai_suggestions, system_updates,
	quiet_hours, digest_frequency, created_at, updated_at`

func scanPreferences(row pgx.Row) (*UserPreferences, error) {
	var p UserPreferences
	var quiet []byte
	err := row.Scan(
		&p.UserID,
		&p.EmailEnabled,
		&p.PushEnabled,
		&p.InAppEnabled,
		&p.TaskReminders,
		&p.Achievements,
		&p.WeeklyDigest,
		&p.AISuggestions,
		&p.SystemUpdates,
		&quiet,
		&p.DigestFrequency,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(quiet) > 0 {
		if err := json.Unmarshal(quiet, &p.QuietHours); err != nil {
			return nil, fmt.Errorf("decode quiet hours: %w", err)
		}
	}
	return &p, nil
}

// GetPreferences returns ErrNotFound when the user has no row yet.
func (r *Repository) GetPreferences(ctx context.Context, userID uuid.UUID) (*UserPreferences, error) {
	query := `SELECT ` + preferencesColumns + ` FROM user_preferences WHERE user_id = $1`

	p, err := scanPreferences(r.db.Pool().QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return p, nil
}

// GetOrCreatePreferences lazily inserts the default row.
func (r *Repository) GetOrCreatePreferences(ctx context.Context, userID uuid.UUID) (*UserPreferences, error) {
	p, err := r.GetPreferences(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := r.insertPreferences(ctx, DefaultPreferences(userID)); err != nil {
		return nil, err
	}

	r.logger.Info("default preferences created", zap.String("user_id", userID.String()))

	return r.GetPreferences(ctx, userID)
}

func (r *Repository) insertPreferences(ctx context.Context, p *UserPreferences) error {
	quiet, err := json.Marshal(p.QuietHours)
	if err != nil {
		return fmt.Errorf("encode quiet hours: %w", err)
	}

	query := `
		INSERT INTO user_preferences (
			user_id, email_enabled, push_enabled, in_app_enabled,
			task_reminders, achievements, weekly_digest, ai_suggestions, system_updates,
			quiet_hours, digest_frequency
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO NOTHING
	`
	_, err = r.db.Pool().Exec(ctx, query,
		p.UserID,
		p.EmailEnabled,
		p.PushEnabled,
		p.InAppEnabled,
		p.TaskReminders,
		p.Achievements,
		p.WeeklyDigest,
		p.AISuggestions,
		p.SystemUpdates,
		quiet,
		p.DigestFrequency,
	)
	if err != nil {
		return fmt.Errorf("insert preferences: %w", err)
	}
	return nil
}

// UpdatePreferences applies a patch inside a transaction, creating the row
// first when it does not exist.
func (r *Repository) UpdatePreferences(ctx context.Context, userID uuid.UUID, patch *PreferencesPatch) (*UserPreferences, error) {
	if err := r.insertPreferences(ctx, DefaultPreferences(userID)); err != nil {
		return nil, err
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + preferencesColumns + ` FROM user_preferences WHERE user_id = $1 FOR UPDATE`
	p, err := scanPreferences(tx.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, fmt.Errorf("lock preferences: %w", err)
	}

	patch.Apply(p)

	quiet, err := json.Marshal(p.QuietHours)
	if err != nil {
		return nil, fmt.Errorf("encode quiet hours: %w", err)
	}

	update := `
		UPDATE user_preferences
		SET email_enabled = $1, push_enabled = $2, in_app_enabled = $3,
			task_reminders = $4, achievements = $5, weekly_digest = $6,
			ai_suggestions = $7, system_updates = $8, quiet_hours = $9,
			digest_frequency = $10, updated_at = NOW()
		WHERE user_id = $11
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, update,
		p.EmailEnabled,
		p.PushEnabled,
		p.InAppEnabled,
		p.TaskReminders,
		p.Achievements,
		p.WeeklyDigest,
		p.AISuggestions,
		p.SystemUpdates,
		quiet,
		p.DigestFrequency,
		userID,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update preferences: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("preferences updated", zap.String("user_id", userID.String()))

	return p, nil
}

const deliveryColumns = `
	id, job_id, notification_id, user_id, type, channel, COALESCE(email_id, ''),
	recipient, state, state_history, version, created_at, last_event_at`

func scanDelivery(row pgx.Row) (*DeliveryRecord, error) {
	var d DeliveryRecord
	var history []byte
	err := row.Scan(
		&d.ID,
		&d.JobID,
		&d.NotificationID,
		&d.UserID,
		&d.Type,
		&d.Channel,
		&d.EmailID,
		&d.Recipient,
		&d.State,
		&history,
		&d.Version,
		&d.CreatedAt,
		&d.LastEventAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &d.StateHistory); err != nil {
		return nil, fmt.Errorf("decode state history: %w", err)
	}
	return &d, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateDeliveryRecord inserts a record unless one exists for the same job.
// The returned bool is false when an existing record was returned instead.
func (r *Repository) CreateDeliveryRecord(ctx context.Context, rec *DeliveryRecord) (*DeliveryRecord, bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	history, err := json.Marshal(rec.StateHistory)
	if err != nil {
		return nil, false, fmt.Errorf("encode state history: %w", err)
	}
	lastEvent := rec.LastEventAt
	if lastEvent.IsZero() {
		lastEvent = time.Now().UTC()
	}

	query := `
		INSERT INTO delivery_records (
			id, job_id, notification_id, user_id, type, channel,
			email_id, recipient, state, state_history, version, last_event_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING ` + deliveryColumns

	stored, err := scanDelivery(r.db.Pool().QueryRow(ctx, query,
		rec.ID,
		rec.JobID,
		rec.NotificationID,
		rec.UserID,
		rec.Type,
		rec.Channel,
		nullableString(rec.EmailID),
		rec.Recipient,
		rec.State,
		history,
		lastEvent,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.GetDeliveryByJobID(ctx, rec.JobID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		r.logger.Error("failed to create delivery record",
			zap.Error(err),
			zap.String("job_id", rec.JobID),
		)
		return nil, false, fmt.Errorf("insert delivery record: %w", err)
	}

	return stored, true, nil
}

func (r *Repository) getDelivery(ctx context.Context, where string, arg any) (*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE ` + where + ` = $1`

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery record: %w", err)
	}
	return d, nil
}

func (r *Repository) GetDeliveryRecord(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	return r.getDelivery(ctx, "id", id)
}

func (r *Repository) GetDeliveryByJobID(ctx context.Context, jobID string) (*DeliveryRecord, error) {
	return r.getDelivery(ctx, "job_id", jobID)
}

func (r *Repository) GetDeliveryByEmailID(ctx context.Context, emailID string) (*DeliveryRecord, error) {
	return r.getDelivery(ctx, "email_id", emailID)
}

// AppendDeliveryTransition appends to the history if the stored version
// still equals expectedVersion, otherwise it returns ErrVersionConflict.
func (r *Repository) AppendDeliveryTransition(ctx context.Context, id uuid.UUID, expectedVersion int, tr StateTransition) (*DeliveryRecord, error) {
	if tr.RecordedAt.IsZero() {
		tr.RecordedAt = time.Now().UTC()
	}
	entry, err := json.Marshal([]StateTransition{tr})
	if err != nil {
		return nil, fmt.Errorf("encode transition: %w", err)
	}

	query := `
		UPDATE delivery_records
		SET state = $1,
			state_history = state_history || $2::jsonb,
			last_event_at = $3,
			version = version + 1
		WHERE id = $4 AND version = $5
		RETURNING ` + deliveryColumns

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, tr.State, entry, tr.OccurredAt, id, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetDeliveryRecord(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("append delivery transition: %w", err)
	}
	return d, nil
}

const scheduleColumns = `
	id, user_id, request, kind, start_at, lead_time_ms, recurrence,
	end_date, max_occurrences, occurrences_fired, next_fire_at, last_fired_at,
	active, created_at, updated_at`

func scanSchedule(row pgx.Row) (*ScheduleDefinition, error) {
	var def ScheduleDefinition
	var request, recurrence []byte
	var leadMillis int64
	err := row.Scan(
		&def.ID,
		&def.UserID,
		&request,
		&def.Kind,
		&def.StartAt,
		&leadMillis,
		&recurrence,
		&def.End.EndDate,
		&def.End.MaxOccurrences,
		&def.OccurrencesFired,
		&def.NextFireAt,
		&def.LastFiredAt,
		&def.Active,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(request, &def.Request); err != nil {
		return nil, fmt.Errorf("decode schedule request: %w", err)
	}
	if len(recurrence) > 0 {
		def.Recurrence = &Recurrence{}
		if err := json.Unmarshal(recurrence, def.Recurrence); err != nil {
			return nil, fmt.Errorf("decode recurrence: %w", err)
		}
	}
	def.LeadTime = time.Duration(leadMillis) * time.Millisecond
	return &def, nil
}

func (r *Repository) CreateSchedule(ctx context.Context, def *ScheduleDefinition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	request, err := json.Marshal(def.Request)
	if err != nil {
		return fmt.Errorf("encode schedule request: %w", err)
	}
	var recurrence []byte
	if def.Recurrence != nil {
		if recurrence, err = json.Marshal(def.Recurrence); err != nil {
			return fmt.Errorf("encode recurrence: %w", err)
		}
	}

	query := `
		INSERT INTO schedule_definitions (
			id, user_id, request, kind, start_at, lead_time_ms, recurrence,
			end_date, max_occurrences, occurrences_fired, next_fire_at, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	err = r.db.Pool().QueryRow(ctx, query,
		def.ID,
		def.UserID,
		request,
		def.Kind,
		def.StartAt,
		def.LeadTime.Milliseconds(),
		recurrence,
		def.End.EndDate,
		def.End.MaxOccurrences,
		def.OccurrencesFired,
		def.NextFireAt,
		def.Active,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create schedule",
			zap.Error(err),
			zap.String("schedule_id", def.ID.String()),
		)
		return fmt.Errorf("insert schedule: %w", err)
	}

	r.logger.Info("schedule created",
		zap.String("schedule_id", def.ID.String()),
		zap.String("user_id", def.UserID.String()),
		zap.String("kind", def.Kind),
	)
	return nil
}

func (r *Repository) GetSchedule(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedule_definitions WHERE id = $1`

	def, err := scanSchedule(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	return def, nil
}

func (r *Repository) listSchedules(ctx context.Context, query string, args ...any) ([]*ScheduleDefinition, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var defs []*ScheduleDefinition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return defs, nil
}

func (r *Repository) ListSchedulesByUser(ctx context.Context, userID uuid.UUID) ([]*ScheduleDefinition, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedule_definitions WHERE user_id = $1 ORDER BY created_at ASC`
	return r.listSchedules(ctx, query, userID)
}

// ListDueSchedules returns active definitions whose next fire is at or
// before now, oldest first.
func (r *Repository) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*ScheduleDefinition, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedule_definitions
		WHERE active AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		ORDER BY next_fire_at ASC
		LIMIT $2
	`
	return r.listSchedules(ctx, query, now, limit)
}

// ClaimScheduleFire is a compare-and-set on (next_fire_at, occurrences_fired).
// Exactly one scheduler instance wins a given slot.
func (r *Repository) ClaimScheduleFire(ctx context.Context, c ScheduleClaim) error {
	query := `
		UPDATE schedule_definitions
		SET last_fired_at = $1, next_fire_at = $2, occurrences_fired = $3,
			active = $4, updated_at = NOW()
		WHERE id = $5 AND active AND next_fire_at = $6 AND occurrences_fired = $7
	`
	result, err := r.db.Pool().Exec(ctx, query,
		c.FiredAt, c.NextFireAt, c.OccurrencesFired, c.Active,
		c.ID, c.ExpectedFireAt, c.ExpectedFired,
	)
	if err != nil {
		return fmt.Errorf("claim schedule fire: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReleaseScheduleFire undoes a claim whose notification could not be
// submitted, so the slot fires again on the next tick.
func (r *Repository) ReleaseScheduleFire(ctx context.Context, c ScheduleClaim, previousFiredAt *time.Time) error {
	query := `
		UPDATE schedule_definitions
		SET next_fire_at = $1, occurrences_fired = $2, last_fired_at = $3,
			active = TRUE, updated_at = NOW()
		WHERE id = $4 AND occurrences_fired = $5
	`
	result, err := r.db.Pool().Exec(ctx, query,
		c.ExpectedFireAt, c.ExpectedFired, previousFiredAt,
		c.ID, c.OccurrencesFired,
	)
	if err != nil {
		return fmt.Errorf("release schedule fire: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *Repository) CancelSchedule(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE schedule_definitions
		SET active = FALSE, next_fire_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("schedule cancelled", zap.String("schedule_id", id.String()))
	return nil
}

// ArchiveDeadLetter stores a dead-lettered job for operator inspection.
func (r *Repository) ArchiveDeadLetter(ctx context.Context, job *DeadLetterJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	payload := job.Payload
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return fmt.Errorf("encode dead letter payload: %w", err)
		}
		payload = quoted
	}

	query := `
		INSERT INTO dead_letter_jobs (
			id, job_id, queue, payload, attempts, last_error, reason, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.JobID,
		job.Queue,
		payload,
		job.Attempts,
		job.LastError,
		job.Reason,
		job.FailedAt,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	r.logger.Info("dead letter archived",
		zap.String("job_id", job.JobID),
		zap.String("queue", job.Queue),
		zap.String("last_error", job.LastError),
	)
	return nil
}

// ListDeadLetters returns the newest archived jobs, optionally for one queue.
func (r *Repository) ListDeadLetters(ctx context.Context, queue string, limit int) ([]*DeadLetterJob, error) {
	query := `
		SELECT id, job_id, queue, payload, attempts, last_error, reason, failed_at, created_at
		FROM dead_letter_jobs
		WHERE $1 = '' OR queue = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*DeadLetterJob
	for rows.Next() {
		var dl DeadLetterJob
		var payload []byte
		if err := rows.Scan(
			&dl.ID,
			&dl.JobID,
			&dl.Queue,
			&payload,
			&dl.Attempts,
			&dl.LastError,
			&dl.Reason,
			&dl.FailedAt,
			&dl.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Payload = payload
		items = append(items, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}
