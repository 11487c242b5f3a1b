package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// MQTTPublisher is the subset of the MQTT client the toast sender needs.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// ToastPayload is what web clients subscribed to the org topic receive.
type ToastPayload struct {
	ID        string   `json:"id"`
	AlertID   string   `json:"alert_id"`
	UnitID    string   `json:"unit_id"`
	Severity  string   `json:"severity"`
	EventType string   `json:"event_type"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	UserIDs   []string `json:"user_ids"`
}

// ToastSender publishes WEB_TOAST notifications to <prefix>/<org_id>.
type ToastSender struct {
	client      MQTTPublisher
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewToastSender creates a WEB_TOAST sender.
func NewToastSender(client MQTTPublisher, topicPrefix string, qos byte, logger *zap.Logger) *ToastSender {
	return &ToastSender{client: client, topicPrefix: topicPrefix, qos: qos, logger: logger}
}

func (s *ToastSender) Channel() models.Channel { return models.ChannelWebToast }

func (s *ToastSender) Addresses(recipients []models.Recipient) []string { return userIDs(recipients) }

// Topic returns the org topic toasts are published on.
func (s *ToastSender) Topic(orgID string) string {
	return s.topicPrefix + "/" + orgID
}

func (s *ToastSender) Send(ctx context.Context, msg Message, addresses []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload := ToastPayload{
		ID:        uuid.New().String(),
		AlertID:   msg.AlertID,
		UnitID:    msg.UnitID,
		Severity:  string(msg.Severity),
		EventType: string(msg.EventType),
		Title:     msg.Subject(),
		Body:      msg.Body,
		UserIDs:   addresses,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal toast: %w", err)
	}

	topic := s.Topic(msg.OrgID)
	if err := s.client.Publish(topic, s.qos, false, data); err != nil {
		return "", err
	}
	s.logger.Debug("Toast published", zap.String("topic", topic), zap.String("alert_id", msg.AlertID))
	return payload.ID, nil
}
