package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/common/database"
	rediscommon "github.com/getdatasurge/freshtrack-pro-sub006/common/redis"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/config"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/consumer"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/evaluator"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/eventbus"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/lock"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/repository"
)

// EvaluatorService runs the unit state evaluator on a fixed interval.
type EvaluatorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	publisher   *eventbus.Publisher
	evaluator   *evaluator.Evaluator
	logger      *zap.Logger
}

// NewEvaluatorService connects to PostgreSQL, Redis and, when configured, NATS.
func NewEvaluatorService(cfg *config.Config, logger *zap.Logger) (*EvaluatorService, error) {
	// 1. Database
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. Redis: run lease and pending alert stream. Optional.
	var opts []evaluator.Option
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rediscommon.Ping(pingCtx, redisClient); err != nil {
		logger.Warn("Redis unavailable, running without lease and push dispatch", zap.Error(err))
		_ = redisClient.Close()
		redisClient = nil
	} else {
		opts = append(opts,
			evaluator.WithLocker(lock.NewRedisLocker(redisClient, cfg.LockPrefix, logger)),
			evaluator.WithAlertQueue(consumer.NewAlertStreamProducer(redisClient, cfg.Evaluator.AlertStream)),
		)
	}

	// 3. NATS fan-out. Optional.
	var publisher *eventbus.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = eventbus.NewPublisher(&cfg.NATS, logger)
		if err != nil {
			logger.Warn("NATS unavailable, status events stay in the database only", zap.Error(err))
		} else {
			opts = append(opts, evaluator.WithStatusPublisher(publisher))
		}
	}

	eval := evaluator.NewEvaluator(
		repository.NewEvaluationStore(db, logger),
		evaluator.Config{
			Workers:                cfg.Evaluator.Workers,
			RulesFile:              cfg.Evaluator.RulesFile,
			LockKey:                cfg.Evaluator.LockKey,
			LockTTL:                cfg.Evaluator.LockTTL,
			NotifyOnExcursionStart: cfg.Evaluator.NotifyOnStart,
		},
		logger,
		opts...,
	)

	return &EvaluatorService{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		publisher:   publisher,
		evaluator:   eval,
		logger:      logger,
	}, nil
}

// RunOnce evaluates every unit once.
func (s *EvaluatorService) RunOnce(ctx context.Context) (*evaluator.RunResult, error) {
	return s.evaluator.RunOnce(ctx, time.Now().UTC())
}

// Start evaluates on every interval until ctx is cancelled.
func (s *EvaluatorService) Start(ctx context.Context) error {
	s.logger.Info("Starting evaluator service",
		zap.Duration("interval", s.config.Evaluator.Interval),
		zap.Int("workers", s.config.Evaluator.Workers),
	)
	runEvery(ctx, s.config.Evaluator.Interval, func(ctx context.Context) {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Evaluator run failed", zap.Error(err))
		}
	})
	return nil
}

// Stop releases connections.
func (s *EvaluatorService) Stop() error {
	s.logger.Info("Stopping evaluator service")
	if s.publisher != nil {
		s.publisher.Close()
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
