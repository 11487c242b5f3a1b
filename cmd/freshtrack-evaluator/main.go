package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/getdatasurge/freshtrack-pro-sub006/common/logger"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/config"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/service"
)

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. Logger
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "freshtrack-evaluator")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. Service
	evaluatorService, err := service.NewEvaluatorService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create evaluator service", zap.Error(err))
	}
	defer evaluatorService.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceErrChan := make(chan error, 1)
	go func() {
		if err := evaluatorService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-serviceErrChan:
		log.Error("Service error", zap.Error(err))
		cancel()
	}

	log.Info("Evaluator service stopped")
}
