// Package preference decides whether a notification may be delivered to a
// user, based on their stored preferences.
package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/notify"
)

var ErrInvalidPreferences = errors.New("invalid preferences")

// Store is the persistence the gate needs.
type Store interface {
	GetOrCreatePreferences(ctx context.Context, userID uuid.UUID) (*db.UserPreferences, error)
	UpdatePreferences(ctx context.Context, userID uuid.UUID, patch *db.PreferencesPatch) (*db.UserPreferences, error)
}

// Verdict is the outcome of a preference check.
type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
	Defer Verdict = "defer"
)

// Decision explains a verdict. Until is set for Defer.
type Decision struct {
	Verdict Verdict   `json:"verdict"`
	Reason  string    `json:"reason"`
	Until   time.Time `json:"until,omitempty"`
}

// Evaluate is the preference policy. It depends only on its arguments.
//
// Security-critical types always pass. Otherwise the channel and the
// type's category must both be enabled, and push or in-app notifications
// inside quiet hours are deferred to the end of the window.
func Evaluate(prefs *db.UserPreferences, t notify.Type, channel notify.Channel, now time.Time) Decision {
	policy := notify.PolicyFor(t)
	if policy.Security {
		return Decision{Verdict: Allow, Reason: "security-critical"}
	}
	if prefs == nil {
		prefs = db.DefaultPreferences(uuid.Nil)
	}

	if !ChannelEnabled(prefs, channel) {
		return Decision{Verdict: Deny, Reason: fmt.Sprintf("%s channel disabled", channel)}
	}
	if !CategoryEnabled(prefs, policy.Category) {
		return Decision{Verdict: Deny, Reason: fmt.Sprintf("%s category disabled", policy.Category)}
	}

	if channel == notify.ChannelPush || channel == notify.ChannelInApp {
		if end, in := QuietHoursEnd(prefs.QuietHours, now); in {
			return Decision{Verdict: Defer, Reason: "quiet hours", Until: end}
		}
	}

	return Decision{Verdict: Allow}
}

// ChannelEnabled reports the channel-level toggle.
func ChannelEnabled(prefs *db.UserPreferences, channel notify.Channel) bool {
	switch channel {
	case notify.ChannelEmail:
		return prefs.EmailEnabled
	case notify.ChannelPush:
		return prefs.PushEnabled
	case notify.ChannelInApp:
		return prefs.InAppEnabled
	}
	return false
}

// CategoryEnabled reports the per-category toggle. Account lifecycle
// categories have no toggle and are always enabled.
func CategoryEnabled(prefs *db.UserPreferences, category notify.Category) bool {
	switch category {
	case notify.CategoryTaskReminders:
		return prefs.TaskReminders
	case notify.CategoryAchievements:
		return prefs.Achievements
	case notify.CategoryWeeklyDigest:
		return prefs.WeeklyDigest && prefs.DigestFrequency != db.DigestNever
	case notify.CategoryAISuggestions:
		return prefs.AISuggestions
	case notify.CategorySystemUpdates:
		return prefs.SystemUpdates
	case notify.CategoryVerification, notify.CategoryPasswordReset, notify.CategoryWelcome, notify.CategorySecurity:
		return true
	}
	return false
}

// Gate applies Evaluate to stored preferences. A user without a
// preferences row gets defaults, created on first lookup.
type Gate struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewGate(store Store, logger *zap.Logger) *Gate {
	return &Gate{store: store, logger: logger, now: time.Now}
}

// Decide evaluates a request at now.
func (g *Gate) Decide(ctx context.Context, req *notify.Request, now time.Time) (Decision, error) {
	if notify.PolicyFor(req.Type).Security {
		return Decision{Verdict: Allow, Reason: "security-critical"}, nil
	}

	prefs, err := g.store.GetOrCreatePreferences(ctx, req.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("load preferences for %s: %w", req.UserID, err)
	}

	d := Evaluate(prefs, req.Type, req.Channel, now)
	if d.Verdict != Allow {
		g.logger.Debug("notification suppressed by preferences",
			zap.String("user_id", req.UserID.String()),
			zap.String("type", string(req.Type)),
			zap.String("channel", string(req.Channel)),
			zap.String("verdict", string(d.Verdict)),
			zap.String("reason", d.Reason),
		)
	}
	return d, nil
}

// IsAllowed reports whether type t may reach the user on channel at all.
// Quiet hours delay delivery but do not forbid it.
func (g *Gate) IsAllowed(ctx context.Context, userID uuid.UUID, t notify.Type, channel notify.Channel) (bool, error) {
	d, err := g.Decide(ctx, &notify.Request{UserID: userID, Type: t, Channel: channel}, g.now())
	if err != nil {
		return false, err
	}
	return d.Verdict != Deny, nil
}

// IsEmailAllowed is the per-category email check. Verification, password
// reset, welcome and security mail pass regardless of opt-out.
func (g *Gate) IsEmailAllowed(ctx context.Context, userID uuid.UUID, category notify.Category) (bool, error) {
	switch category {
	case notify.CategoryVerification, notify.CategoryPasswordReset, notify.CategoryWelcome, notify.CategorySecurity:
		return true, nil
	}

	prefs, err := g.store.GetOrCreatePreferences(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load preferences for %s: %w", userID, err)
	}
	return prefs.EmailEnabled && CategoryEnabled(prefs, category), nil
}

// Preferences returns the user's preferences, creating defaults if needed.
func (g *Gate) Preferences(ctx context.Context, userID uuid.UUID) (*db.UserPreferences, error) {
	return g.store.GetOrCreatePreferences(ctx, userID)
}

// Update validates and applies a partial update.
func (g *Gate) Update(ctx context.Context, userID uuid.UUID, patch *db.PreferencesPatch) (*db.UserPreferences, error) {
	if err := ValidatePatch(patch); err != nil {
		return nil, err
	}
	prefs, err := g.store.UpdatePreferences(ctx, userID, patch)
	if err != nil {
		return nil, fmt.Errorf("update preferences for %s: %w", userID, err)
	}

	g.logger.Info("preferences updated", zap.String("user_id", userID.String()))
	return prefs, nil
}

// ValidatePatch rejects malformed quiet hours and digest values.
func ValidatePatch(patch *db.PreferencesPatch) error {
	if patch == nil {
		return fmt.Errorf("%w: empty patch", ErrInvalidPreferences)
	}
	if patch.DigestFrequency != nil {
		switch *patch.DigestFrequency {
		case db.DigestDaily, db.DigestWeekly, db.DigestNever:
		default:
			return fmt.Errorf("%w: digest_frequency must be daily, weekly or never", ErrInvalidPreferences)
		}
	}
	if qh := patch.QuietHours; qh != nil {
		if _, err := parseClock(qh.Start); err != nil {
			return fmt.Errorf("%w: quiet_hours.start: %v", ErrInvalidPreferences, err)
		}
		if _, err := parseClock(qh.End); err != nil {
			return fmt.Errorf("%w: quiet_hours.end: %v", ErrInvalidPreferences, err)
		}
		if _, err := time.LoadLocation(qh.Timezone); err != nil {
			return fmt.Errorf("%w: quiet_hours.timezone: %v", ErrInvalidPreferences, err)
		}
	}
	return nil
}
