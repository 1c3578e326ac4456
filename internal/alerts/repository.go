package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/database"
)

// Repository persists alerts, trigger events, notification preferences, and
// the notification log.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new alerts repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "alerts").Logger(),
	}
}

const alertColumns = `
	alert_id, user_id, name, alert_type, priority, status, condition_config,
	notification_channels, evaluation_interval_seconds, cooldown_seconds,
	max_triggers_per_day, trigger_count, last_triggered_at, last_evaluated_at,
	created_at`

// CreateAlert inserts a new alert. A missing ID and created_at are filled in.
func (r *Repository) CreateAlert(ctx context.Context, a *Alert) error {
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UTC().Unix()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.Priority == "" {
		a.Priority = PriorityMedium
	}

	channels, err := json.Marshal(a.NotificationChannels)
	if err != nil {
		return fmt.Errorf("failed to encode notification channels: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO alerts (
			alert_id, user_id, name, alert_type, priority, status, condition_config,
			notification_channels, evaluation_interval_seconds, cooldown_seconds,
			max_triggers_per_day, trigger_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.AlertID, a.UserID, a.Name, a.AlertType, a.Priority, a.Status,
		string(a.ConditionConfig), string(channels), a.EvaluationIntervalS,
		a.CooldownSeconds, a.MaxTriggersPerDay, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// GetAlert fetches one alert by ID. Returns sql.ErrNoRows when absent.
func (r *Repository) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	row := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM alerts WHERE alert_id = ?`, alertColumns), alertID)

	a, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to fetch alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns a user's alerts, optionally filtered by status. Deleted
// alerts are excluded unless explicitly requested.
func (r *Repository) ListAlerts(ctx context.Context, userID, status string) ([]Alert, error) {
	query := fmt.Sprintf(`SELECT %s FROM alerts WHERE user_id = ?`, alertColumns)
	args := []interface{}{userID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	} else {
		query += " AND status != ?"
		args = append(args, StatusDeleted)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return out, nil
}

// UpdateAlert rewrites an alert's mutable definition fields.
func (r *Repository) UpdateAlert(ctx context.Context, a *Alert) error {
	channels, err := json.Marshal(a.NotificationChannels)
	if err != nil {
		return fmt.Errorf("failed to encode notification channels: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET
			name = ?, alert_type = ?, priority = ?, condition_config = ?,
			notification_channels = ?, evaluation_interval_seconds = ?,
			cooldown_seconds = ?, max_triggers_per_day = ?
		WHERE alert_id = ?`,
		a.Name, a.AlertType, a.Priority, string(a.ConditionConfig),
		string(channels), a.EvaluationIntervalS, a.CooldownSeconds,
		a.MaxTriggersPerDay, a.AlertID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateStatus moves an alert to a new lifecycle status.
func (r *Repository) UpdateStatus(ctx context.Context, alertID, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET status = ? WHERE alert_id = ?`, status, alertID)
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FetchDue returns up to limit active alerts of one priority whose evaluation
// interval has elapsed, least-recently-evaluated first.
func (r *Repository) FetchDue(ctx context.Context, priority string, limit int, now int64) ([]Alert, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM alerts
		WHERE status = ? AND priority = ?
		  AND (last_evaluated_at IS NULL OR last_evaluated_at + evaluation_interval_seconds < ?)
		ORDER BY COALESCE(last_evaluated_at, 0) ASC, created_at ASC
		LIMIT ?`, alertColumns),
		StatusActive, priority, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due alert: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due alerts: %w", err)
	}
	return out, nil
}

// MarkEvaluated stamps last_evaluated_at. Written for every evaluation,
// matched or not.
func (r *Repository) MarkEvaluated(ctx context.Context, alertID string, now int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET last_evaluated_at = ? WHERE alert_id = ?`, now, alertID)
	if err != nil {
		return fmt.Errorf("failed to mark alert evaluated: %w", err)
	}
	return nil
}

// CountEventsSince counts trigger events for one alert at or after since.
func (r *Repository) CountEventsSince(ctx context.Context, alertID string, since int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_events WHERE alert_id = ? AND triggered_at >= ?`,
		alertID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count alert events: %w", err)
	}
	return count, nil
}

// RecordTrigger appends the trigger event and bumps the alert's counters in
// one transaction.
func (r *Repository) RecordTrigger(ctx context.Context, event *Event) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alert_events (event_id, alert_id, triggered_at, evaluation_result, notification_results)
			VALUES (?, ?, ?, ?, ?)`,
			event.EventID, event.AlertID, event.TriggeredAt,
			nullableJSON(event.EvaluationResult), nullableJSON(event.NotificationResults),
		)
		if err != nil {
			return fmt.Errorf("failed to insert alert event: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE alerts SET trigger_count = trigger_count + 1, last_triggered_at = ?
			WHERE alert_id = ?`,
			event.TriggeredAt, event.AlertID,
		)
		if err != nil {
			return fmt.Errorf("failed to bump trigger count: %w", err)
		}
		return nil
	})
}

// UpdateEventNotifications fills in the notification results after delivery.
func (r *Repository) UpdateEventNotifications(ctx context.Context, eventID string, results json.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE alert_events SET notification_results = ? WHERE event_id = ?`,
		nullableJSON(results), eventID)
	if err != nil {
		return fmt.Errorf("failed to update event notifications: %w", err)
	}
	return nil
}

// ListEvents returns an alert's most recent trigger events.
func (r *Repository) ListEvents(ctx context.Context, alertID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, alert_id, triggered_at, evaluation_result, notification_results
		FROM alert_events WHERE alert_id = ?
		ORDER BY triggered_at DESC LIMIT ?`, alertID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var evalResult, notifResults sql.NullString
		if err := rows.Scan(&e.EventID, &e.AlertID, &e.TriggeredAt, &evalResult, &notifResults); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		if evalResult.Valid {
			e.EvaluationResult = json.RawMessage(evalResult.String)
		}
		if notifResults.Valid {
			e.NotificationResults = json.RawMessage(notifResults.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert events: %w", err)
	}
	return out, nil
}

// GetPreferences loads a user's notification preferences, falling back to the
// defaults when no row exists.
func (r *Repository) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	p := Preferences{UserID: userID}
	var chatID, webhookURL, quietStart, quietEnd sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT telegram_enabled, telegram_chat_id, webhook_enabled, webhook_url,
		       quiet_hours_start, quiet_hours_end, quiet_hours_timezone,
		       quiet_hours_priority_threshold, max_notifications_per_hour, notification_format
		FROM notification_preferences WHERE user_id = ?`, userID,
	).Scan(
		&p.TelegramEnabled, &chatID, &p.WebhookEnabled, &webhookURL,
		&quietStart, &quietEnd, &p.QuietHoursTimezone,
		&p.QuietHoursThreshold, &p.MaxNotificationsPerHour, &p.NotificationFormat,
	)
	if err == sql.ErrNoRows {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notification preferences: %w", err)
	}

	p.TelegramChatID = chatID.String
	p.WebhookURL = webhookURL.String
	p.QuietHoursStart = quietStart.String
	p.QuietHoursEnd = quietEnd.String
	return &p, nil
}

// UpsertPreferences writes a user's notification preferences.
func (r *Repository) UpsertPreferences(ctx context.Context, p *Preferences) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (
			user_id, telegram_enabled, telegram_chat_id, webhook_enabled, webhook_url,
			quiet_hours_start, quiet_hours_end, quiet_hours_timezone,
			quiet_hours_priority_threshold, max_notifications_per_hour, notification_format
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			telegram_enabled = excluded.telegram_enabled,
			telegram_chat_id = excluded.telegram_chat_id,
			webhook_enabled = excluded.webhook_enabled,
			webhook_url = excluded.webhook_url,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end,
			quiet_hours_timezone = excluded.quiet_hours_timezone,
			quiet_hours_priority_threshold = excluded.quiet_hours_priority_threshold,
			max_notifications_per_hour = excluded.max_notifications_per_hour,
			notification_format = excluded.notification_format`,
		p.UserID, p.TelegramEnabled, nullableString(p.TelegramChatID),
		p.WebhookEnabled, nullableString(p.WebhookURL),
		nullableString(p.QuietHoursStart), nullableString(p.QuietHoursEnd),
		p.QuietHoursTimezone, p.QuietHoursThreshold,
		p.MaxNotificationsPerHour, p.NotificationFormat,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert notification preferences: %w", err)
	}
	return nil
}

// AppendNotificationLog records one delivery attempt. The log is append-only.
func (r *Repository) AppendNotificationLog(ctx context.Context, row *NotificationLogRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_log (user_id, alert_id, event_id, channel, recipient, success, message_id, error, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.UserID, nullableString(row.AlertID), nullableString(row.EventID),
		row.Channel, row.Recipient, row.Success,
		nullableString(row.MessageID), nullableString(row.Error), row.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append notification log: %w", err)
	}
	return nil
}

// CountNotificationsSince counts log rows for one recipient at or after since.
func (r *Repository) CountNotificationsSince(ctx context.Context, recipient string, since int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_log WHERE recipient = ? AND sent_at >= ?`,
		recipient, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}

// PruneEvents deletes alert events and notification log rows older than the
// cutoff, for retention cleanup. Returns rows removed.
func (r *Repository) PruneEvents(ctx context.Context, cutoff int64) (int64, error) {
	var total int64

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM alert_events WHERE triggered_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune alert events: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = r.db.ExecContext(ctx,
		`DELETE FROM notification_log WHERE sent_at < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to prune notification log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(s scanner) (*Alert, error) {
	var a Alert
	var condition, channels string
	var maxTriggers, lastTriggered, lastEvaluated sql.NullInt64

	err := s.Scan(
		&a.AlertID, &a.UserID, &a.Name, &a.AlertType, &a.Priority, &a.Status,
		&condition, &channels, &a.EvaluationIntervalS, &a.CooldownSeconds,
		&maxTriggers, &a.TriggerCount, &lastTriggered, &lastEvaluated, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ConditionConfig = json.RawMessage(condition)
	if err := json.Unmarshal([]byte(channels), &a.NotificationChannels); err != nil {
		a.NotificationChannels = nil
	}
	a.MaxTriggersPerDay = nullableInt(maxTriggers)
	a.LastTriggeredAt = nullableInt(lastTriggered)
	a.LastEvaluatedAt = nullableInt(lastEvaluated)
	return &a, nil
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
