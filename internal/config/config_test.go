package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "freshtrack", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "", cfg.NATS.URL)

	assert.Equal(t, 60*time.Second, cfg.Evaluator.Interval)
	assert.Equal(t, 8, cfg.Evaluator.Workers)
	assert.True(t, cfg.Evaluator.NotifyOnStart)
	assert.Equal(t, "freshtrack:alerts:pending", cfg.Evaluator.AlertStream)

	assert.Equal(t, 60*time.Second, cfg.Notifier.SweepInterval)
	assert.Equal(t, 4, cfg.Notifier.Workers)
	assert.Equal(t, 100, cfg.Notifier.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Notifier.CallTimeout)

	assert.Equal(t, "freshtrack/toast", cfg.Channels.ToastTopicPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("EVALUATOR_INTERVAL_SECONDS", "120")
	t.Setenv("EVALUATOR_WORKERS", "2")
	t.Setenv("NOTIFY_ON_EXCURSION_START", "false")
	t.Setenv("CALL_TIMEOUT_SECONDS", "3")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Evaluator.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Evaluator.LockTTL)
	assert.Equal(t, 2, cfg.Evaluator.Workers)
	assert.False(t, cfg.Evaluator.NotifyOnStart)
	assert.Equal(t, 3*time.Second, cfg.Notifier.CallTimeout)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidNumbersKeepDefaults(t *testing.T) {
	t.Setenv("EVALUATOR_WORKERS", "many")
	t.Setenv("NOTIFY_ON_EXCURSION_START", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Evaluator.Workers)
	assert.True(t, cfg.Evaluator.NotifyOnStart)
}

func TestLoad_ZeroIntervalsFallBack(t *testing.T) {
	t.Setenv("EVALUATOR_INTERVAL_SECONDS", "0")
	t.Setenv("NOTIFIER_WORKERS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Evaluator.Interval)
	assert.Equal(t, 1, cfg.Notifier.Workers)
}
