package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/repository"
)

// TelemetryPayload is the JSON body published on freshtrack/units/<unit_id>/telemetry.
// A payload without temperature is a heartbeat.
type TelemetryPayload struct {
	Temperature *float64   `json:"temperature"`
	DoorState   string     `json:"door_state"`
	RecordedAt  *time.Time `json:"recorded_at"`
}

// TelemetryStore persists ingested samples.
type TelemetryStore interface {
	InsertReading(ctx context.Context, reading models.Reading) error
	ApplyTelemetry(ctx context.Context, t repository.Telemetry) error
}

// TelemetryConsumer turns MQTT telemetry into readings and unit check-ins.
type TelemetryConsumer struct {
	store   TelemetryStore
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
	// maxSkew rejects timestamps from misconfigured device clocks.
	maxSkew time.Duration
}

// NewTelemetryConsumer creates a telemetry consumer.
func NewTelemetryConsumer(store TelemetryStore, timeout time.Duration, logger *zap.Logger) *TelemetryConsumer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelemetryConsumer{
		store:   store,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		maxSkew: 5 * time.Minute,
	}
}

// UnitIDFromTopic extracts the unit id from freshtrack/units/<unit_id>/telemetry.
func UnitIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "units" && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("no unit id in topic %q", topic)
}

// HandleMessage is the MQTT handler.
func (c *TelemetryConsumer) HandleMessage(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Handle(ctx, topic, payload)
}

// Handle ingests one telemetry message.
func (c *TelemetryConsumer) Handle(ctx context.Context, topic string, payload []byte) error {
	unitID, err := UnitIDFromTopic(topic)
	if err != nil {
		return err
	}
	var p TelemetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to parse telemetry for unit %s: %w", unitID, err)
	}

	now := c.now()
	recordedAt := now
	if p.RecordedAt != nil {
		recordedAt = *p.RecordedAt
		if recordedAt.After(now.Add(c.maxSkew)) {
			c.logger.Warn("Telemetry timestamp in the future, using receive time",
				zap.String("unit_id", unitID), zap.Time("recorded_at", recordedAt))
			recordedAt = now
		}
	}

	if p.Temperature != nil {
		if err := c.store.InsertReading(ctx, models.Reading{UnitID: unitID, Temperature: *p.Temperature, RecordedAt: recordedAt}); err != nil {
			return err
		}
	}
	if err := c.store.ApplyTelemetry(ctx, repository.Telemetry{
		UnitID:      unitID,
		Temperature: p.Temperature,
		DoorState:   models.ParseDoorState(p.DoorState),
		RecordedAt:  recordedAt,
	}); err != nil {
		return err
	}

	c.logger.Debug("Telemetry ingested",
		zap.String("unit_id", unitID),
		zap.Bool("heartbeat", p.Temperature == nil),
	)
	return nil
}
