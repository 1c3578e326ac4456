// Package alerts implements alert storage, condition evaluation, the priority
// evaluation worker, and notification delivery.
package alerts

import (
	"encoding/json"
	"time"
)

// Alert statuses. Only active alerts are evaluated. Triggered is reachable
// only through the admin API; deleted is a terminal soft state.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusTriggered = "triggered"
	StatusExpired   = "expired"
	StatusDeleted   = "deleted"
)

// Alert priorities, in evaluation order.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// EvaluationOrder is the fixed order in which the worker drains priorities.
var EvaluationOrder = []string{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// priorityRank maps priorities to comparable ranks for the quiet-hours gate.
var priorityRank = map[string]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// ValidPriority reports whether p is a known priority label.
func ValidPriority(p string) bool {
	_, ok := priorityRank[p]
	return ok
}

// Alert is one persisted alert definition.
type Alert struct {
	AlertID              string          `json:"alert_id"`
	UserID               string          `json:"user_id"`
	Name                 string          `json:"name"`
	AlertType            string          `json:"alert_type"`
	Priority             string          `json:"priority"`
	Status               string          `json:"status"`
	ConditionConfig      json.RawMessage `json:"condition_config"`
	NotificationChannels []string        `json:"notification_channels"`
	EvaluationIntervalS  int64           `json:"evaluation_interval_seconds"`
	CooldownSeconds      int64           `json:"cooldown_seconds"`
	MaxTriggersPerDay    *int64          `json:"max_triggers_per_day,omitempty"`
	TriggerCount         int64           `json:"trigger_count"`
	LastTriggeredAt      *int64          `json:"last_triggered_at,omitempty"`
	LastEvaluatedAt      *int64          `json:"last_evaluated_at,omitempty"`
	CreatedAt            int64           `json:"created_at"`
}

// Event is one trigger record for an alert.
type Event struct {
	EventID             string          `json:"event_id"`
	AlertID             string          `json:"alert_id"`
	TriggeredAt         int64           `json:"triggered_at"`
	EvaluationResult    json.RawMessage `json:"evaluation_result,omitempty"`
	NotificationResults json.RawMessage `json:"notification_results,omitempty"`
}

// Preferences is a user's notification configuration. A user without a stored
// row gets DefaultPreferences.
type Preferences struct {
	UserID                  string `json:"user_id"`
	TelegramEnabled         bool   `json:"telegram_enabled"`
	TelegramChatID          string `json:"telegram_chat_id,omitempty"`
	WebhookEnabled          bool   `json:"webhook_enabled"`
	WebhookURL              string `json:"webhook_url,omitempty"`
	QuietHoursStart         string `json:"quiet_hours_start,omitempty"` // HH:MM
	QuietHoursEnd           string `json:"quiet_hours_end,omitempty"`   // HH:MM
	QuietHoursTimezone      string `json:"quiet_hours_timezone"`
	QuietHoursThreshold     string `json:"quiet_hours_priority_threshold"`
	MaxNotificationsPerHour int    `json:"max_notifications_per_hour"`
	NotificationFormat      string `json:"notification_format"` // rich|compact|minimal
}

// DefaultPreferences returns the preferences used for users without a stored
// row: no channels enabled, no quiet hours, rich format.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:                  userID,
		QuietHoursTimezone:      "Asia/Kolkata",
		QuietHoursThreshold:     PriorityHigh,
		MaxNotificationsPerHour: 30,
		NotificationFormat:      "rich",
	}
}

// EvaluationResult is the outcome of evaluating one condition. Policy
// failures (unreachable source, unknown type) are reported through Error with
// Matched false, never as a raised error.
type EvaluationResult struct {
	Matched      bool                   `json:"matched"`
	CurrentValue *float64               `json:"current_value,omitempty"`
	Threshold    *float64               `json:"threshold,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	SubResults   []EvaluationResult     `json:"sub_results,omitempty"`
	Error        string                 `json:"error,omitempty"`
	EvaluatedAt  time.Time              `json:"evaluated_at"`
}

// NotificationLogRow is one appended delivery attempt.
type NotificationLogRow struct {
	UserID    string `json:"user_id"`
	AlertID   string `json:"alert_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	SentAt    int64  `json:"sent_at"`
}

// ProviderResult is what a notification provider reports for one send.
type ProviderResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Response  string `json:"provider_response,omitempty"`
}

// SendOutcome is the notification service's result for one trigger: either
// delivery results per channel, or a skip with a policy reason.
type SendOutcome struct {
	Skipped    bool                      `json:"skipped"`
	SkipReason string                    `json:"skip_reason,omitempty"`
	Results    map[string]ProviderResult `json:"results,omitempty"`
}
