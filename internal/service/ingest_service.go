package service

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/common/database"
	"github.com/getdatasurge/freshtrack-pro-sub006/common/mqtt"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/config"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/consumer"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/repository"
)

// telemetryStore writes readings and unit check-ins.
type telemetryStore struct {
	*repository.ReadingRepository
	*repository.UnitRepository
}

// IngestService subscribes to device telemetry over MQTT.
type IngestService struct {
	config     *config.Config
	db         *sql.DB
	mqttClient *mqtt.Client
	consumer   *consumer.TelemetryConsumer
	logger     *zap.Logger
}

// NewIngestService connects to PostgreSQL and the MQTT broker.
func NewIngestService(cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	store := telemetryStore{
		ReadingRepository: repository.NewReadingRepository(db, logger),
		UnitRepository:    repository.NewUnitRepository(db, logger),
	}

	return &IngestService{
		config:     cfg,
		db:         db,
		mqttClient: mqttClient,
		consumer:   consumer.NewTelemetryConsumer(store, cfg.Notifier.CallTimeout, logger),
		logger:     logger,
	}, nil
}

// Start subscribes and blocks until ctx is cancelled.
func (s *IngestService) Start(ctx context.Context) error {
	topic := s.config.Ingest.TelemetryTopic
	if err := s.mqttClient.Subscribe(topic, s.config.MQTT.QoS, s.consumer.HandleMessage); err != nil {
		return err
	}
	s.logger.Info("Ingest service subscribed", zap.String("topic", topic))

	<-ctx.Done()
	if err := s.mqttClient.Unsubscribe(topic); err != nil {
		s.logger.Warn("Failed to unsubscribe", zap.String("topic", topic), zap.Error(err))
	}
	return nil
}

// Stop releases connections.
func (s *IngestService) Stop() error {
	s.logger.Info("Stopping ingest service")
	s.mqttClient.Disconnect()
	if err := database.Close(s.db); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
