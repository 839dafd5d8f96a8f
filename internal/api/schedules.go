package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/notify"
)

// ScheduleRequest is the body of POST /v1/schedules. LeadTime is a Go
// duration string such as "15m".
type ScheduleRequest struct {
	UserID     uuid.UUID      `json:"user_id"`
	Request    notify.Request `json:"request"`
	Kind       string         `json:"kind"`
	StartAt    time.Time      `json:"start_at"`
	LeadTime   string         `json:"lead_time,omitempty"`
	Recurrence *db.Recurrence `json:"recurrence,omitempty"`
	End        db.ScheduleEnd `json:"end"`
}

// CreateSchedule handles POST /v1/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	var lead time.Duration
	if req.LeadTime != "" {
		d, err := time.ParseDuration(req.LeadTime)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid lead_time", err.Error())
			return
		}
		lead = d
	}

	def, err := h.deps.Schedules.Create(r.Context(), &db.ScheduleDefinition{
		UserID:     req.UserID,
		Request:    req.Request,
		Kind:       req.Kind,
		StartAt:    req.StartAt,
		LeadTime:   lead,
		Recurrence: req.Recurrence,
		End:        req.End,
	})
	if err != nil {
		h.storeError(w, err, "Schedule not found")
		return
	}

	h.logger.Info("schedule created via api",
		zap.String("schedule_id", def.ID.String()),
		zap.String("user_id", def.UserID.String()),
	)
	h.writeJSON(w, http.StatusCreated, def)
}

// GetSchedule handles GET /v1/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	def, err := h.deps.Schedules.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "Schedule not found")
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

// ListSchedules handles GET /v1/users/{userID}/schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	defs, err := h.deps.Schedules.List(r.Context(), userID)
	if err != nil {
		h.storeError(w, err, "Schedules not found")
		return
	}
	if defs == nil {
		defs = []*db.ScheduleDefinition{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": defs, "count": len(defs)})
}

// CancelSchedule handles DELETE /v1/schedules/{id}
func (h *Handler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.deps.Schedules.Cancel(r.Context(), id); err != nil {
		h.storeError(w, err, "Schedule not found")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "cancelled"})
}
