package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/notify"
)

// GetPreferences handles GET /v1/users/{userID}/preferences. A user
// without stored preferences gets defaults.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	prefs, err := h.deps.Preferences.Preferences(r.Context(), userID)
	if err != nil {
		h.storeError(w, err, "Preferences not found")
		return
	}
	h.writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences handles PATCH /v1/users/{userID}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	var patch db.PreferencesPatch
	if !h.decode(w, r, &patch) {
		return
	}
	prefs, err := h.deps.Preferences.Update(r.Context(), userID, &patch)
	if err != nil {
		h.storeError(w, err, "Preferences not found")
		return
	}
	h.writeJSON(w, http.StatusOK, prefs)
}

// EmailCategoryAllowed handles GET /v1/users/{userID}/preferences/email/{category}
func (h *Handler) EmailCategoryAllowed(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	category := notify.Category(chi.URLParam(r, "category"))
	if !knownCategory(category) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown category", string(category))
		return
	}

	allowed, err := h.deps.Preferences.IsEmailAllowed(r.Context(), userID, category)
	if err != nil {
		h.storeError(w, err, "Preferences not found")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"category": category,
		"allowed":  allowed,
	})
}

func knownCategory(c notify.Category) bool {
	for _, p := range notify.Policies {
		if p.Category == c {
			return true
		}
	}
	return false
}
