package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InAppNotification is one row of a user's notification center.
type InAppNotification struct {
	ID        string
	UserID    string
	AlertID   string
	Title     string
	Body      string
	Severity  string
	CreatedAt time.Time
}

// InAppRepository writes the in-app notification center.
type InAppRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewInAppRepository creates an in-app notification repository.
func NewInAppRepository(db DBTX, logger *zap.Logger) *InAppRepository {
	return &InAppRepository{db: db, logger: logger}
}

// InsertNotifications writes one row per notification and returns the ids.
func (r *InAppRepository) InsertNotifications(ctx context.Context, notifications []InAppNotification) ([]string, error) {
	ids := make([]string, 0, len(notifications))
	for _, n := range notifications {
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO in_app_notifications (id, user_id, alert_id, title, body, severity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			n.ID, n.UserID, n.AlertID, n.Title, n.Body, n.Severity, n.CreatedAt,
		)
		if err != nil {
			return ids, fmt.Errorf("failed to insert in-app notification for %s: %w", n.UserID, err)
		}
		ids = append(ids, n.ID)
	}
	return ids, nil
}
