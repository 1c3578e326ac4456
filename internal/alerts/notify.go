package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier routes trigger notifications through the user's enabled channels,
// applying the quiet-hours and hourly rate-limit gates first.
type Notifier struct {
	repo      *Repository
	providers map[string]Provider
	clock     func() time.Time
	log       zerolog.Logger
}

// NewNotifier builds the notification service over the given providers,
// keyed by channel name.
func NewNotifier(repo *Repository, providers map[string]Provider, log zerolog.Logger) *Notifier {
	return &Notifier{
		repo:      repo,
		providers: providers,
		clock:     time.Now,
		log:       log.With().Str("component", "notifier").Logger(),
	}
}

// SendRequest carries everything needed to notify one trigger.
type SendRequest struct {
	UserID       string
	AlertID      string
	EventID      string
	AlertName    string
	AlertType    string
	Priority     string
	TriggerValue *float64
	Threshold    *float64
	Symbol       string
	Channels     []string // overrides the user's enabled channels when set
}

// Send runs the policy gates and delivers to each resolved channel. Policy
// skips are outcomes, not errors; Send only fails when preferences cannot be
// read.
func (n *Notifier) Send(ctx context.Context, req SendRequest) (SendOutcome, error) {
	prefs, err := n.repo.GetPreferences(ctx, req.UserID)
	if err != nil {
		return SendOutcome{}, fmt.Errorf("failed to load preferences: %w", err)
	}

	now := n.clock()

	if reason := n.quietHoursGate(prefs, req.Priority, now); reason != "" {
		n.log.Debug().Str("alert_id", req.AlertID).Str("reason", reason).Msg("Notification skipped")
		return SendOutcome{Skipped: true, SkipReason: reason}, nil
	}

	primary := primaryRecipient(prefs)
	if primary != "" && prefs.MaxNotificationsPerHour > 0 {
		count, err := n.repo.CountNotificationsSince(ctx, primary, now.Add(-time.Hour).UTC().Unix())
		if err != nil {
			n.log.Error().Err(err).Msg("Failed to count recent notifications, sending anyway")
		} else if count >= prefs.MaxNotificationsPerHour {
			n.log.Debug().Str("alert_id", req.AlertID).Int("sent_last_hour", count).Msg("Notification rate limited")
			return SendOutcome{Skipped: true, SkipReason: "rate_limit"}, nil
		}
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = enabledChannels(prefs)
	}
	if len(channels) == 0 {
		return SendOutcome{Skipped: true, SkipReason: "no_channels"}, nil
	}

	outcome := SendOutcome{Results: make(map[string]ProviderResult, len(channels))}
	for _, channel := range channels {
		result := n.sendOne(ctx, channel, prefs, req, now)
		outcome.Results[channel] = result
	}
	return outcome, nil
}

// sendOne resolves the provider and recipient for one channel, delivers, and
// appends the log row.
func (n *Notifier) sendOne(ctx context.Context, channel string, prefs *Preferences, req SendRequest, now time.Time) ProviderResult {
	provider, ok := n.providers[channel]
	if !ok {
		return ProviderResult{Error: fmt.Sprintf("no provider for channel %q", channel)}
	}

	recipient := recipientFor(channel, prefs)
	if recipient == "" {
		return ProviderResult{Error: fmt.Sprintf("no recipient configured for channel %q", channel)}
	}

	message := formatMessage(prefs, req, now)
	metadata := map[string]string{
		"alert_id":   req.AlertID,
		"alert_type": req.AlertType,
	}
	if req.Symbol != "" {
		metadata["symbol"] = req.Symbol
	}

	result := provider.Send(ctx, recipient, message, req.Priority, metadata)

	logRow := &NotificationLogRow{
		UserID:    req.UserID,
		AlertID:   req.AlertID,
		EventID:   req.EventID,
		Channel:   channel,
		Recipient: recipient,
		Success:   result.Success,
		MessageID: result.MessageID,
		Error:     result.Error,
		SentAt:    now.UTC().Unix(),
	}
	if err := n.repo.AppendNotificationLog(ctx, logRow); err != nil {
		n.log.Error().Err(err).Str("channel", channel).Msg("Failed to append notification log")
	}

	if !result.Success {
		n.log.Warn().
			Str("alert_id", req.AlertID).
			Str("channel", channel).
			Str("error", result.Error).
			Msg("Notification delivery failed")
	}
	return result
}

// quietHoursGate returns a skip reason when the user's quiet window is active
// and the alert's priority is below the user's threshold.
func (n *Notifier) quietHoursGate(prefs *Preferences, priority string, now time.Time) string {
	if prefs.QuietHoursStart == "" || prefs.QuietHoursEnd == "" {
		return ""
	}

	loc, err := time.LoadLocation(prefs.QuietHoursTimezone)
	if err != nil {
		n.log.Warn().Str("timezone", prefs.QuietHoursTimezone).Msg("Unknown quiet-hours timezone, gate disabled")
		return ""
	}
	local := now.In(loc).Format("15:04")

	if !inClockWindow(local, prefs.QuietHoursStart, prefs.QuietHoursEnd) {
		return ""
	}
	if priorityRank[priority] >= priorityRank[prefs.QuietHoursThreshold] {
		return ""
	}
	return "quiet_hours"
}

// primaryRecipient is the identity the hourly cap is counted against:
// the Telegram chat when enabled, else the webhook URL.
func primaryRecipient(prefs *Preferences) string {
	if prefs.TelegramEnabled && prefs.TelegramChatID != "" {
		return prefs.TelegramChatID
	}
	if prefs.WebhookEnabled && prefs.WebhookURL != "" {
		return prefs.WebhookURL
	}
	return ""
}

func enabledChannels(prefs *Preferences) []string {
	var out []string
	if prefs.TelegramEnabled && prefs.TelegramChatID != "" {
		out = append(out, "telegram")
	}
	if prefs.WebhookEnabled && prefs.WebhookURL != "" {
		out = append(out, "webhook")
	}
	return out
}

func recipientFor(channel string, prefs *Preferences) string {
	switch channel {
	case "telegram":
		return prefs.TelegramChatID
	case "webhook":
		return prefs.WebhookURL
	}
	return ""
}

// formatMessage renders the user's chosen format.
func formatMessage(prefs *Preferences, req SendRequest, now time.Time) string {
	switch prefs.NotificationFormat {
	case "minimal":
		return fmt.Sprintf("🔔 %s", req.AlertName)

	case "compact":
		return fmt.Sprintf("🔔 *%s*\nSymbol: %s\nValue: %s",
			req.AlertName, defaultString(req.Symbol, "n/a"), formatValue(req.TriggerValue))

	default: // rich
		var b strings.Builder
		fmt.Fprintf(&b, "%s *%s*\n", PriorityEmoji(req.Priority), req.AlertName)
		fmt.Fprintf(&b, "Type: %s\n", req.AlertType)
		if req.Symbol != "" {
			fmt.Fprintf(&b, "Symbol: %s\n", req.Symbol)
		}
		if req.Threshold != nil {
			fmt.Fprintf(&b, "Threshold: %.2f\n", *req.Threshold)
		}
		if req.TriggerValue != nil {
			fmt.Fprintf(&b, "Current Value: %.2f\n", *req.TriggerValue)
		}
		fmt.Fprintf(&b, "Time: %s", localTimestamp(now, prefs.QuietHoursTimezone))
		return b.String()
	}
}

func formatValue(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}

func localTimestamp(now time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02 15:04:05 MST")
}

// Close releases every provider.
func (n *Notifier) Close() {
	for _, p := range n.providers {
		p.Close()
	}
}
