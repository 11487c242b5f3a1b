package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

const alertColumns = `
	id, unit_id, alert_type, severity, status, title, message, metadata,
	triggered_at, acknowledged_at, resolved_at,
	notification_state, notification_revision, last_notified_at, last_notified_reason, notify_count,
	updated_at`

// AlertRepository reads and writes alerts.
type AlertRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewAlertRepository creates an alert repository.
func NewAlertRepository(db DBTX, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger}
}

// AlertUpdate is an in-place change to an open alert.
type AlertUpdate struct {
	Severity models.Severity
	Message  string
	Metadata json.RawMessage
	// Repend moves the alert back to pending and bumps notification_revision.
	Repend bool
}

func scanAlert(row scanner) (*models.Alert, error) {
	var (
		a                  models.Alert
		alertType          string
		severity           string
		status             string
		metadata           []byte
		acknowledgedAt     sql.NullTime
		resolvedAt         sql.NullTime
		notificationState  string
		lastNotifiedAt     sql.NullTime
		lastNotifiedReason sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.UnitID, &alertType, &severity, &status, &a.Title, &a.Message, &metadata,
		&a.TriggeredAt, &acknowledgedAt, &resolvedAt,
		&notificationState, &a.NotificationRevision, &lastNotifiedAt, &lastNotifiedReason, &a.NotifyCount,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if a.AlertType, err = models.ParseAlertType(alertType); err != nil {
		return nil, err
	}
	if a.Severity, err = models.ParseSeverity(severity); err != nil {
		return nil, err
	}
	if a.NotificationState, err = models.ParseNotificationState(notificationState); err != nil {
		return nil, err
	}
	a.Status = models.AlertStatus(status)
	a.Metadata = json.RawMessage(metadata)
	a.AcknowledgedAt = nullTimePtr(acknowledgedAt)
	a.ResolvedAt = nullTimePtr(resolvedAt)
	a.LastNotifiedAt = nullTimePtr(lastNotifiedAt)
	a.LastNotifiedReason = nullStringPtr(lastNotifiedReason)
	return &a, nil
}

func (r *AlertRepository) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// GetAlert loads one alert.
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	a, err := scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get alert %s: %w", alertID, err)
	}
	return a, nil
}

// OpenAlerts returns the active or acknowledged alerts of a unit.
func (r *AlertRepository) OpenAlerts(ctx context.Context, unitID string) ([]models.Alert, error) {
	return r.queryAlerts(ctx, `SELECT `+alertColumns+`
		FROM alerts
		WHERE unit_id = $1 AND status IN ('active', 'acknowledged')
		ORDER BY triggered_at`, unitID)
}

// InsertAlert creates an alert unless an open one of the same type exists.
// It reports whether a row was inserted.
func (r *AlertRepository) InsertAlert(ctx context.Context, a *models.Alert) (bool, error) {
	metadata := a.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (
			id, unit_id, alert_type, severity, status, title, message, metadata,
			triggered_at, notification_state, notification_revision, updated_at
		) VALUES ($1, $2, $3, $4, 'active', $5, $6, $7, $8, $9, 1, $8)
		ON CONFLICT (unit_id, alert_type) WHERE status IN ('active', 'acknowledged') DO NOTHING`,
		a.ID, a.UnitID, string(a.AlertType), string(a.Severity), a.Title, a.Message, []byte(metadata),
		a.TriggeredAt, string(a.NotificationState),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	return n == 1, nil
}

// UpdateAlert refreshes severity, message and metadata of an open alert.
func (r *AlertRepository) UpdateAlert(ctx context.Context, alertID string, upd AlertUpdate, at time.Time) error {
	metadata := upd.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET
			severity = $2,
			message = $3,
			metadata = $4,
			notification_state = CASE WHEN $5 THEN 'pending' ELSE notification_state END,
			notification_revision = notification_revision + CASE WHEN $5 THEN 1 ELSE 0 END,
			updated_at = $6
		WHERE id = $1 AND status IN ('active', 'acknowledged')`,
		alertID, string(upd.Severity), upd.Message, []byte(metadata), upd.Repend, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}
	return nil
}

// ResolveAlert marks an open alert resolved.
func (r *AlertRepository) ResolveAlert(ctx context.Context, alertID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('active', 'acknowledged')`,
		alertID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve alert %s: %w", alertID, err)
	}
	return nil
}

// ListPendingAlertIDs returns active alerts waiting for dispatch, oldest first.
func (r *AlertRepository) ListPendingAlertIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM alerts
		WHERE status = 'active' AND notification_state = 'pending'
		ORDER BY triggered_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending alerts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan alert id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListReminderCandidates returns notified active alerts last notified at or before cutoff.
func (r *AlertRepository) ListReminderCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.Alert, error) {
	return r.queryAlerts(ctx, `SELECT `+alertColumns+`
		FROM alerts
		WHERE status = 'active' AND notification_state = 'notified'
			AND last_notified_at IS NOT NULL AND last_notified_at <= $1
		ORDER BY last_notified_at
		LIMIT $2`, cutoff, limit)
}

// MarkNotified stamps the alert for revision. It reports false when the alert
// changed revision in the meantime and must be dispatched again.
func (r *AlertRepository) MarkNotified(ctx context.Context, alertID string, revision int, at time.Time, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET
			notification_state = 'notified',
			last_notified_at = $3,
			last_notified_reason = $4,
			notify_count = notify_count + 1,
			updated_at = $3
		WHERE id = $1 AND notification_revision = $2`,
		alertID, revision, at, reason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark alert %s notified: %w", alertID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark alert %s notified: %w", alertID, err)
	}
	return n == 1, nil
}

// Acknowledge moves an active alert to acknowledged.
func (r *AlertRepository) Acknowledge(ctx context.Context, alertID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'acknowledged', acknowledged_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'active'`,
		alertID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert %s: %w", alertID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("active alert %s: %w", alertID, ErrNotFound)
	}
	return nil
}
