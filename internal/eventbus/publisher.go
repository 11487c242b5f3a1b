package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/common/config"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// StatusMessage is the payload published for every unit status transition.
type StatusMessage struct {
	EventID        string   `json:"event_id"`
	UnitID         string   `json:"unit_id"`
	FromStatus     string   `json:"from_status"`
	ToStatus       string   `json:"to_status"`
	Reason         string   `json:"reason"`
	TempReading    *float64 `json:"temp_reading,omitempty"`
	DoorState      string   `json:"door_state"`
	MissedCheckins int      `json:"missed_checkins"`
	Timestamp      int64    `json:"timestamp"`
}

// Publisher fans status transitions out to NATS for downstream consumers.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewPublisher connects to cfg.URL, retrying in the background if the server is not up yet.
func NewPublisher(cfg *config.NATSConfig, logger *zap.Logger) (*Publisher, error) {
	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("freshtrack-evaluator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", cfg.URL), zap.String("subject", cfg.Subject))

	return &Publisher{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Subject returns the per-unit subject, e.g. freshtrack.unit.status.<unit_id>.
func Subject(base, unitID string) string {
	return base + "." + unitID
}

// NewStatusMessage builds the wire payload for e.
func NewStatusMessage(e models.StatusEvent) StatusMessage {
	return StatusMessage{
		EventID:        e.ID,
		UnitID:         e.UnitID,
		FromStatus:     string(e.FromStatus),
		ToStatus:       string(e.ToStatus),
		Reason:         e.Reason,
		TempReading:    e.TempReading,
		DoorState:      string(e.DoorState),
		MissedCheckins: e.MissedCheckins,
		Timestamp:      e.CreatedAt.Unix(),
	}
}

// PublishStatusEvent publishes e. Delivery is best effort.
func (p *Publisher) PublishStatusEvent(_ context.Context, e models.StatusEvent) error {
	data, err := json.Marshal(NewStatusMessage(e))
	if err != nil {
		return err
	}

	if err := p.conn.Publish(Subject(p.subject, e.UnitID), data); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}

	p.logger.Debug("Published status event",
		zap.String("unit_id", e.UnitID),
		zap.String("to_status", string(e.ToStatus)),
	)
	return nil
}

// Close closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
		p.logger.Info("Disconnected from NATS")
	}
}

// IsConnected reports the connection state.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}
