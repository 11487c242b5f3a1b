package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/getdatasurge/freshtrack-pro-sub006/common/config"
)

// Config is the shared configuration for the freshtrack services.
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	NATS     config.NATSConfig

	Evaluator struct {
		Interval      time.Duration
		Workers       int
		RulesFile     string
		LockKey       string
		LockTTL       time.Duration
		AlertStream   string
		NotifyOnStart bool // false holds temp_excursion alerts until confirmed
	}

	Notifier struct {
		SweepInterval time.Duration
		Workers       int
		BatchSize     int
		CallTimeout   time.Duration
		ConsumerGroup string
		ConsumerName  string
		LockTTL       time.Duration
	}

	Ingest struct {
		TelemetryTopic string
	}

	Channels struct {
		EmailAPIURL      string
		EmailAPIKey      string
		EmailFrom        string
		SMSAPIURL        string
		SMSAPIKey        string
		SMSSender        string
		ToastTopicPrefix string
	}

	// LockPrefix namespaces the Redis lease keys of both services.
	LockPrefix string

	Log struct {
		Level  string
		Format string
	}
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "freshtrack",
		SSLMode:  "disable",
		MaxConns: 20,
		MaxIdle:  5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{Broker: "tcp://localhost:1883", QoS: 1}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.NATS = config.NATSConfig{
		Subject:       "freshtrack.unit.status",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
	}
	cfg.NATS.LoadFromEnv("NATS")

	cfg.Evaluator.Interval = time.Duration(getEnvInt("EVALUATOR_INTERVAL_SECONDS", 60)) * time.Second
	cfg.Evaluator.Workers = getEnvInt("EVALUATOR_WORKERS", 8)
	cfg.Evaluator.RulesFile = getEnv("ALERT_RULES_FILE", "")
	cfg.Evaluator.LockKey = getEnv("EVALUATOR_LOCK_KEY", "evaluator")
	cfg.Evaluator.LockTTL = cfg.Evaluator.Interval
	cfg.Evaluator.AlertStream = getEnv("ALERT_STREAM", "freshtrack:alerts:pending")
	cfg.Evaluator.NotifyOnStart = getEnvBool("NOTIFY_ON_EXCURSION_START", true)

	cfg.Notifier.SweepInterval = time.Duration(getEnvInt("NOTIFIER_SWEEP_SECONDS", 60)) * time.Second
	cfg.Notifier.Workers = getEnvInt("NOTIFIER_WORKERS", 4)
	cfg.Notifier.BatchSize = getEnvInt("NOTIFIER_BATCH_SIZE", 100)
	cfg.Notifier.CallTimeout = time.Duration(getEnvInt("CALL_TIMEOUT_SECONDS", 10)) * time.Second
	cfg.Notifier.ConsumerGroup = getEnv("NOTIFIER_CONSUMER_GROUP", "freshtrack-notifier")
	cfg.Notifier.ConsumerName = getEnv("NOTIFIER_CONSUMER_NAME", hostname("notifier"))
	cfg.Notifier.LockTTL = 2 * time.Minute

	cfg.Ingest.TelemetryTopic = getEnv("TELEMETRY_TOPIC", "freshtrack/units/+/telemetry")

	cfg.Channels.EmailAPIURL = getEnv("EMAIL_API_URL", "")
	cfg.Channels.EmailAPIKey = getEnv("EMAIL_API_KEY", "")
	cfg.Channels.EmailFrom = getEnv("EMAIL_FROM", "alerts@freshtrack.local")
	cfg.Channels.SMSAPIURL = getEnv("SMS_API_URL", "")
	cfg.Channels.SMSAPIKey = getEnv("SMS_API_KEY", "")
	cfg.Channels.SMSSender = getEnv("SMS_SENDER", "FreshTrack")
	cfg.Channels.ToastTopicPrefix = getEnv("TOAST_TOPIC_PREFIX", "freshtrack/toast")

	cfg.LockPrefix = getEnv("LOCK_PREFIX", "freshtrack:lock:")

	// zero intervals or pools would stall the tickers and worker groups
	if cfg.Evaluator.Interval <= 0 {
		cfg.Evaluator.Interval = 60 * time.Second
		cfg.Evaluator.LockTTL = cfg.Evaluator.Interval
	}
	if cfg.Notifier.SweepInterval <= 0 {
		cfg.Notifier.SweepInterval = 60 * time.Second
	}
	if cfg.Evaluator.Workers <= 0 {
		cfg.Evaluator.Workers = 1
	}
	if cfg.Notifier.Workers <= 0 {
		cfg.Notifier.Workers = 1
	}
	if cfg.Notifier.BatchSize <= 0 {
		cfg.Notifier.BatchSize = 100
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func hostname(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
