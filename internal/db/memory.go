package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of the repository used by
// tests and single-node development.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	preferences map[uuid.UUID]*UserPreferences
	deliveries  map[uuid.UUID]*DeliveryRecord
	byJobID     map[string]uuid.UUID
	byEmailID   map[string]uuid.UUID
	schedules   map[uuid.UUID]*ScheduleDefinition
	deadLetters []*DeadLetterJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		preferences: make(map[uuid.UUID]*UserPreferences),
		deliveries:  make(map[uuid.UUID]*DeliveryRecord),
		byJobID:     make(map[string]uuid.UUID),
		byEmailID:   make(map[string]uuid.UUID),
		schedules:   make(map[uuid.UUID]*ScheduleDefinition),
	}
}

func (m *MemoryStore) GetPreferences(ctx context.Context, userID uuid.UUID) (*UserPreferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.preferences[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetOrCreatePreferences(ctx context.Context, userID uuid.UUID) (*UserPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.preferences[userID]
	if !ok {
		p = DefaultPreferences(userID)
		p.CreatedAt = m.now().UTC()
		p.UpdatedAt = p.CreatedAt
		m.preferences[userID] = p
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdatePreferences(ctx context.Context, userID uuid.UUID, patch *PreferencesPatch) (*UserPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.preferences[userID]
	if !ok {
		p = DefaultPreferences(userID)
		p.CreatedAt = m.now().UTC()
		m.preferences[userID] = p
	}
	patch.Apply(p)
	p.UpdatedAt = m.now().UTC()

	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateDeliveryRecord(ctx context.Context, rec *DeliveryRecord) (*DeliveryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byJobID[rec.JobID]; ok {
		return cloneDelivery(m.deliveries[id]), false, nil
	}

	stored := cloneDelivery(rec)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := m.now().UTC()
	stored.CreatedAt = now
	if stored.LastEventAt.IsZero() {
		stored.LastEventAt = now
	}
	stored.Version = 1

	m.deliveries[stored.ID] = stored
	m.byJobID[stored.JobID] = stored.ID
	if stored.EmailID != "" {
		m.byEmailID[stored.EmailID] = stored.ID
	}
	return cloneDelivery(stored), true, nil
}

func (m *MemoryStore) GetDeliveryRecord(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDelivery(rec), nil
}

func (m *MemoryStore) GetDeliveryByJobID(ctx context.Context, jobID string) (*DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byJobID[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDelivery(m.deliveries[id]), nil
}

func (m *MemoryStore) GetDeliveryByEmailID(ctx context.Context, emailID string) (*DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmailID[emailID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDelivery(m.deliveries[id]), nil
}

func (m *MemoryStore) AppendDeliveryTransition(ctx context.Context, id uuid.UUID, expectedVersion int, tr StateTransition) (*DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	if tr.RecordedAt.IsZero() {
		tr.RecordedAt = m.now().UTC()
	}
	rec.StateHistory = append(rec.StateHistory, tr)
	rec.State = tr.State
	rec.LastEventAt = tr.OccurredAt
	rec.Version++

	return cloneDelivery(rec), nil
}

func (m *MemoryStore) CreateSchedule(ctx context.Context, def *ScheduleDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	now := m.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	m.schedules[def.ID] = cloneSchedule(def)
	return nil
}

func (m *MemoryStore) GetSchedule(ctx context.Context, id uuid.UUID) (*ScheduleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSchedule(def), nil
}

func (m *MemoryStore) ListSchedulesByUser(ctx context.Context, userID uuid.UUID) ([]*ScheduleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ScheduleDefinition
	for _, def := range m.schedules {
		if def.UserID == userID {
			out = append(out, cloneSchedule(def))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*ScheduleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ScheduleDefinition
	for _, def := range m.schedules {
		if def.Active && def.NextFireAt != nil && !def.NextFireAt.After(now) {
			out = append(out, cloneSchedule(def))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFireAt.Before(*out[j].NextFireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimScheduleFire(ctx context.Context, c ScheduleClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.schedules[c.ID]
	if !ok {
		return ErrNotFound
	}
	if !def.Active || def.NextFireAt == nil || !def.NextFireAt.Equal(c.ExpectedFireAt) || def.OccurrencesFired != c.ExpectedFired {
		return ErrClaimLost
	}

	firedAt := c.FiredAt
	def.LastFiredAt = &firedAt
	def.NextFireAt = copyTime(c.NextFireAt)
	def.OccurrencesFired = c.OccurrencesFired
	def.Active = c.Active
	def.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) ReleaseScheduleFire(ctx context.Context, c ScheduleClaim, previousFiredAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.schedules[c.ID]
	if !ok {
		return ErrNotFound
	}
	if def.OccurrencesFired != c.OccurrencesFired {
		return ErrClaimLost
	}

	expected := c.ExpectedFireAt
	def.NextFireAt = &expected
	def.OccurrencesFired = c.ExpectedFired
	def.LastFiredAt = copyTime(previousFiredAt)
	def.Active = true
	def.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) CancelSchedule(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	def.Active = false
	def.NextFireAt = nil
	def.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) ArchiveDeadLetter(ctx context.Context, job *DeadLetterJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *job
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = m.now().UTC()
	m.deadLetters = append(m.deadLetters, &cp)
	return nil
}

func (m *MemoryStore) ListDeadLetters(ctx context.Context, queue string, limit int) ([]*DeadLetterJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*DeadLetterJob
	for i := len(m.deadLetters) - 1; i >= 0; i-- {
		dl := m.deadLetters[i]
		if queue != "" && dl.Queue != queue {
			continue
		}
		cp := *dl
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Health always succeeds.
func (m *MemoryStore) Health(ctx context.Context) error {
	return nil
}

func cloneDelivery(rec *DeliveryRecord) *DeliveryRecord {
	cp := *rec
	cp.StateHistory = append([]StateTransition(nil), rec.StateHistory...)
	return &cp
}

func cloneSchedule(def *ScheduleDefinition) *ScheduleDefinition {
	cp := *def
	cp.NextFireAt = copyTime(def.NextFireAt)
	cp.LastFiredAt = copyTime(def.LastFiredAt)
	cp.End.EndDate = copyTime(def.End.EndDate)
	if def.Recurrence != nil {
		r := *def.Recurrence
		r.DaysOfWeek = append([]time.Weekday(nil), def.Recurrence.DaysOfWeek...)
		cp.Recurrence = &r
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
