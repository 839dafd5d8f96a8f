package notify

import (
	"time"

	"github.com/lalithlochan/beacon/internal/queue"
)

// Category is the preference bucket a notification type belongs to.
type Category string

const (
	CategoryTaskReminders Category = "task_reminders"
	CategoryAchievements  Category = "achievements"
	CategoryWeeklyDigest  Category = "weekly_digest"
	CategoryAISuggestions Category = "ai_suggestions"
	CategorySystemUpdates Category = "system_updates"

	// Account lifecycle categories. They are never subject to opt-out.
	CategoryVerification  Category = "verification"
	CategoryPasswordReset Category = "password_reset"
	CategoryWelcome       Category = "welcome"
	CategorySecurity      Category = "security"
)

// RateLimit is a send budget per key and window.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Policy is the delivery configuration attached to a notification type.
type Policy struct {
	Category    Category
	Template    string
	Security    bool
	Priority    int
	MaxAttempts int
	Backoff     queue.Backoff
	RateLimit   RateLimit
}

var (
	defaultBackoff  = queue.Backoff{Strategy: queue.BackoffExponential, Base: 30 * time.Second, Cap: 30 * time.Minute}
	securityBackoff = queue.Backoff{Strategy: queue.BackoffExponential, Base: 5 * time.Second, Cap: 5 * time.Minute}
)

// Policies maps each notification type to its delivery policy.
var Policies = map[Type]Policy{
	TypeReminder: {
		Category: CategoryTaskReminders, Template: "reminder",
		Priority: 60, MaxAttempts: 5, Backoff: defaultBackoff,
		RateLimit: RateLimit{Limit: 20, Window: time.Hour},
	},
	TypeTaskDue: {
		Category: CategoryTaskReminders, Template: "task_due",
		Priority: 70, MaxAttempts: 5, Backoff: defaultBackoff,
		RateLimit: RateLimit{Limit: 20, Window: time.Hour},
	},
	TypeAchievement: {
		Category: CategoryAchievements, Template: "achievement",
		Priority: 30, MaxAttempts: 3, Backoff: defaultBackoff,
		RateLimit: RateLimit{Limit: 10, Window: time.Hour},
	},
	TypeSystem: {
		Category: CategorySystemUpdates, Template: "system",
		Priority: 40, MaxAttempts: 3, Backoff: defaultBackoff,
		RateLimit: RateLimit{Limit: 5, Window: time.Hour},
	},
	TypeAISuggestion: {
		Category: CategoryAISuggestions, Template: "ai_suggestion",
		Priority: 20, MaxAttempts: 3, Backoff: defaultBackoff,
		RateLimit: RateLimit{Limit: 5, Window: 24 * time.Hour},
	},
	TypeWeeklyDigest: {
		Category: CategoryWeeklyDigest, Template: "weekly_digest",
		Priority: 10, MaxAttempts: 3, Backoff: defaultBackoff,
		RateLimit: RateLimit{Limit: 2, Window: 24 * time.Hour},
	},
	TypeEmailVerification: {
		Category: CategoryVerification, Template: "email_verification", Security: true,
		Priority: 100, MaxAttempts: 8, Backoff: securityBackoff,
		RateLimit: RateLimit{Limit: 5, Window: time.Hour},
	},
	TypePasswordReset: {
		Category: CategoryPasswordReset, Template: "password_reset", Security: true,
		Priority: 100, MaxAttempts: 8, Backoff: securityBackoff,
		RateLimit: RateLimit{Limit: 5, Window: time.Hour},
	},
	TypeWelcome: {
		Category: CategoryWelcome, Template: "welcome", Security: true,
		Priority: 90, MaxAttempts: 8, Backoff: securityBackoff,
		RateLimit: RateLimit{Limit: 3, Window: time.Hour},
	},
	TypeSecurityAlert: {
		Category: CategorySecurity, Template: "security_alert", Security: true,
		Priority: 100, MaxAttempts: 8, Backoff: securityBackoff,
		RateLimit: RateLimit{Limit: 10, Window: time.Hour},
	},
}

// PolicyFor returns the policy of t, or a conservative system policy for
// unknown types.
func PolicyFor(t Type) Policy {
	if p, ok := Policies[t]; ok {
		return p
	}
	return Policies[TypeSystem]
}

// QueueFor returns the delivery queue that carries a channel.
func QueueFor(c Channel) string {
	return string(c)
}
