package repository

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// NotificationEventRepository appends delivery audit rows.
type NotificationEventRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewNotificationEventRepository creates a notification event repository.
func NewNotificationEventRepository(db DBTX, logger *zap.Logger) *NotificationEventRepository {
	return &NotificationEventRepository{db: db, logger: logger}
}

// InsertNotificationEvent appends one row.
func (r *NotificationEventRepository) InsertNotificationEvent(ctx context.Context, e *models.NotificationEvent) error {
	recipients := e.ToRecipients
	if recipients == nil {
		recipients = []string{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_events (
			id, alert_id, channel, event_type, to_recipients, status, reason, provider_message_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AlertID, string(e.Channel), string(e.EventType), pq.Array(recipients),
		string(e.Status), e.Reason, e.ProviderMessageID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification event: %w", err)
	}
	return nil
}

// ListByAlert returns every event recorded for an alert, oldest first.
func (r *NotificationEventRepository) ListByAlert(ctx context.Context, alertID string) ([]models.NotificationEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, alert_id, channel, event_type, to_recipients, status, reason, provider_message_id, created_at
		FROM notification_events
		WHERE alert_id = $1
		ORDER BY created_at`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification events: %w", err)
	}
	defer rows.Close()

	var events []models.NotificationEvent
	for rows.Next() {
		var (
			e                          models.NotificationEvent
			channel, eventType, status string
		)
		if err := rows.Scan(&e.ID, &e.AlertID, &channel, &eventType, pq.Array(&e.ToRecipients),
			&status, &e.Reason, &e.ProviderMessageID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification event: %w", err)
		}
		e.Channel = models.Channel(channel)
		e.EventType = models.NotificationEventType(eventType)
		e.Status = models.DeliveryStatus(status)
		events = append(events, e)
	}
	return events, rows.Err()
}
