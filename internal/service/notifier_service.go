package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/common/database"
	"github.com/getdatasurge/freshtrack-pro-sub006/common/mqtt"
	rediscommon "github.com/getdatasurge/freshtrack-pro-sub006/common/redis"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/channel"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/config"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/consumer"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/dispatcher"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/lock"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/repository"
)

// NotifierService delivers pending alerts from the stream and sweeps for
// missed dispatches, escalations and reminders.
type NotifierService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	store       *repository.DispatchStore
	dispatcher  *dispatcher.Dispatcher
	consumer    *consumer.AlertStreamConsumer
	logger      *zap.Logger
}

// NewNotifierService wires the dispatcher and its channels.
func NewNotifierService(cfg *config.Config, logger *zap.Logger) (*NotifierService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	s := &NotifierService{
		config: cfg,
		db:     db,
		store:  repository.NewDispatchStore(db, logger),
		logger: logger,
	}

	senders := []channel.Sender{
		channel.NewInAppSender(repository.NewInAppRepository(db, logger), logger),
	}

	s.mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		logger.Warn("MQTT unavailable, toast channel disabled", zap.Error(err))
		s.mqttClient = nil
	} else {
		senders = append(senders, channel.NewToastSender(s.mqttClient, cfg.Channels.ToastTopicPrefix, cfg.MQTT.QoS, logger))
	}
	if cfg.Channels.EmailAPIURL != "" {
		senders = append(senders, channel.NewEmailSender(cfg.Channels.EmailAPIURL, cfg.Channels.EmailAPIKey, cfg.Channels.EmailFrom, logger))
	}
	if cfg.Channels.SMSAPIURL != "" {
		senders = append(senders, channel.NewSMSSender(cfg.Channels.SMSAPIURL, cfg.Channels.SMSAPIKey, cfg.Channels.SMSSender, logger))
	}

	var locker dispatcher.Locker
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rediscommon.Ping(pingCtx, redisClient); err != nil {
		logger.Warn("Redis unavailable, notifier runs on sweeps only", zap.Error(err))
		_ = redisClient.Close()
	} else {
		s.redisClient = redisClient
		locker = lock.NewRedisLocker(redisClient, cfg.LockPrefix, logger)
	}

	s.dispatcher = dispatcher.NewDispatcher(
		s.store,
		repository.NewPolicyRepository(db, logger),
		repository.NewRecipientRepository(db, logger),
		channel.NewRegistry(senders...),
		locker,
		dispatcher.Config{
			Workers:     cfg.Notifier.Workers,
			BatchSize:   cfg.Notifier.BatchSize,
			CallTimeout: cfg.Notifier.CallTimeout,
			LockTTL:     cfg.Notifier.LockTTL,
		},
		logger,
	)

	if s.redisClient != nil {
		s.consumer = consumer.NewAlertStreamConsumer(s.redisClient, consumer.StreamConfig{
			Stream:    cfg.Evaluator.AlertStream,
			Group:     cfg.Notifier.ConsumerGroup,
			Consumer:  cfg.Notifier.ConsumerName,
			BatchSize: int64(cfg.Notifier.BatchSize),
		}, s.dispatcher, logger)
	}

	return s, nil
}

// Dispatch delivers the given alerts now.
func (s *NotifierService) Dispatch(ctx context.Context, alertIDs []string) (*dispatcher.Result, error) {
	return s.dispatcher.DispatchAlerts(ctx, alertIDs)
}

// Sweep runs one pending and follow-up pass.
func (s *NotifierService) Sweep(ctx context.Context) (*dispatcher.Result, error) {
	return s.dispatcher.Sweep(ctx)
}

// Acknowledge marks an alert acknowledged, which stops its reminders.
func (s *NotifierService) Acknowledge(ctx context.Context, alertID string) error {
	return s.store.Acknowledge(ctx, alertID, time.Now().UTC())
}

// Start runs the stream consumer and the sweep loop until ctx is cancelled.
func (s *NotifierService) Start(ctx context.Context) error {
	s.logger.Info("Starting notifier service",
		zap.Duration("sweep_interval", s.config.Notifier.SweepInterval),
		zap.Int("workers", s.config.Notifier.Workers),
		zap.Bool("stream", s.consumer != nil),
	)

	var wg sync.WaitGroup
	errChan := make(chan error, 1)
	if s.consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.consumer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("alert stream consumer: %w", err)
			}
		}()
	}

	runEvery(ctx, s.config.Notifier.SweepInterval, func(ctx context.Context) {
		res, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("Sweep failed", zap.Error(err))
			return
		}
		if res.Alerts > 0 {
			s.logger.Info("Sweep completed",
				zap.Int("alerts", res.Alerts),
				zap.Int("notified", res.Notified),
				zap.Int("gated", res.Gated),
				zap.Int("failed", res.Failed),
			)
		}
	})
	wg.Wait()

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

// Stop releases connections.
func (s *NotifierService) Stop() error {
	s.logger.Info("Stopping notifier service")
	if s.consumer != nil {
		m := s.consumer.Metrics().Snapshot()
		s.logger.Info("Alert stream consumer metrics",
			zap.Int64("messages_read", m.MessagesRead),
			zap.Int64("messages_invalid", m.MessagesInvalid),
			zap.Int64("alerts_notified", m.AlertsNotified),
			zap.Int64("batches_failed", m.BatchesFailed),
			zap.Duration("uptime", time.Since(m.StartTime)),
		)
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
	if err := database.Close(s.db); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
