package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/repository"
)

// InAppWriter persists notification center rows.
type InAppWriter interface {
	InsertNotifications(ctx context.Context, notifications []repository.InAppNotification) ([]string, error)
}

// InAppSender writes one notification center row per recipient.
type InAppSender struct {
	writer InAppWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewInAppSender creates an IN_APP_CENTER sender.
func NewInAppSender(writer InAppWriter, logger *zap.Logger) *InAppSender {
	return &InAppSender{writer: writer, logger: logger, now: time.Now}
}

func (s *InAppSender) Channel() models.Channel { return models.ChannelInAppCenter }

func (s *InAppSender) Addresses(recipients []models.Recipient) []string { return userIDs(recipients) }

func (s *InAppSender) Send(ctx context.Context, msg Message, addresses []string) (string, error) {
	now := s.now()
	rows := make([]repository.InAppNotification, 0, len(addresses))
	for _, userID := range addresses {
		rows = append(rows, repository.InAppNotification{
			UserID:    userID,
			AlertID:   msg.AlertID,
			Title:     msg.Subject(),
			Body:      msg.Body,
			Severity:  string(msg.Severity),
			CreatedAt: now,
		})
	}
	ids, err := s.writer.InsertNotifications(ctx, rows)
	if err != nil {
		return "", fmt.Errorf("failed to write in-app notifications: %w", err)
	}
	s.logger.Debug("In-app notifications written", zap.String("alert_id", msg.AlertID), zap.Int("count", len(ids)))
	return strings.Join(ids, ","), nil
}
