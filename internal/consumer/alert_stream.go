package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "github.com/getdatasurge/freshtrack-pro-sub006/common/redis"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/dispatcher"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

// AlertStreamProducer pushes pending alerts onto the notifier stream.
type AlertStreamProducer struct {
	client *redis.Client
	stream string
}

// NewAlertStreamProducer creates a producer for stream.
func NewAlertStreamProducer(client *redis.Client, stream string) *AlertStreamProducer {
	return &AlertStreamProducer{client: client, stream: stream}
}

// EnqueuePending publishes ref as a JSON "data" field.
func (p *AlertStreamProducer) EnqueuePending(ctx context.Context, ref models.AlertRef) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, ref); err != nil {
		return fmt.Errorf("failed to enqueue alert %s: %w", ref.AlertID, err)
	}
	return nil
}

// AlertDispatcher handles a batch of alert ids.
type AlertDispatcher interface {
	DispatchAlerts(ctx context.Context, alertIDs []string) (*dispatcher.Result, error)
}

// StreamConfig names the stream and consumer group. A negative Block reads
// without waiting.
type StreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
}

// Metrics counts stream consumer activity.
type Metrics struct {
	mu sync.RWMutex

	MessagesRead    int64
	MessagesInvalid int64
	AlertsNotified  int64
	BatchesFailed   int64
	StartTime       time.Time
}

// Snapshot returns a copy safe to read.
func (m *Metrics) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		MessagesRead:    m.MessagesRead,
		MessagesInvalid: m.MessagesInvalid,
		AlertsNotified:  m.AlertsNotified,
		BatchesFailed:   m.BatchesFailed,
		StartTime:       m.StartTime,
	}
}

func (m *Metrics) record(read, invalid, notified, failed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesRead += read
	m.MessagesInvalid += invalid
	m.AlertsNotified += notified
	m.BatchesFailed += failed
}

// AlertStreamConsumer reads pending alert refs and dispatches them.
type AlertStreamConsumer struct {
	client     *redis.Client
	cfg        StreamConfig
	dispatcher AlertDispatcher
	logger     *zap.Logger
	metrics    *Metrics
}

// NewAlertStreamConsumer creates a consumer group reader.
func NewAlertStreamConsumer(client *redis.Client, cfg StreamConfig, d AlertDispatcher, logger *zap.Logger) *AlertStreamConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Block == 0 {
		cfg.Block = 2 * time.Second
	}
	return &AlertStreamConsumer{
		client:     client,
		cfg:        cfg,
		dispatcher: d,
		logger:     logger,
		metrics:    &Metrics{StartTime: time.Now()},
	}
}

// Metrics returns the consumer's counters.
func (c *AlertStreamConsumer) Metrics() *Metrics { return c.metrics }

// Start consumes until ctx is cancelled, backing off on read errors.
func (c *AlertStreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.client, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}
	c.logger.Info("Alert stream consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("consumer_group", c.cfg.Group),
		zap.String("consumer_name", c.cfg.Consumer),
	)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.ConsumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume alert stream", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// ConsumeOnce reads one batch, dispatches it and acknowledges it. It returns
// the number of messages read. Alerts that fail to dispatch stay pending in
// the store for the next sweep, so the batch is acknowledged regardless.
func (c *AlertStreamConsumer) ConsumeOnce(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(ctx, c.client, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.Block)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	var (
		ids     []string
		seen    = map[string]bool{}
		msgIDs  = make([]string, 0, len(messages))
		invalid int64
	)
	for _, msg := range messages {
		msgIDs = append(msgIDs, msg.ID)
		ref, err := parseAlertRef(msg)
		if err != nil {
			invalid++
			c.logger.Warn("Dropping invalid alert stream message", zap.String("stream_id", msg.ID), zap.Error(err))
			continue
		}
		if !seen[ref.AlertID] {
			seen[ref.AlertID] = true
			ids = append(ids, ref.AlertID)
		}
	}

	var notified, failed int64
	if len(ids) > 0 {
		res, err := c.dispatcher.DispatchAlerts(ctx, ids)
		if err != nil {
			failed = 1
			c.logger.Error("Failed to dispatch alert batch", zap.Int("alerts", len(ids)), zap.Error(err))
		} else {
			notified = int64(res.Notified + res.Gated)
		}
	}

	if err := rediscommon.AckMessages(ctx, c.client, c.cfg.Stream, c.cfg.Group, msgIDs...); err != nil {
		return len(messages), fmt.Errorf("failed to ack messages: %w", err)
	}
	c.metrics.record(int64(len(messages)), invalid, notified, failed)
	return len(messages), nil
}

func parseAlertRef(msg rediscommon.StreamMessage) (models.AlertRef, error) {
	var ref models.AlertRef
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return ref, fmt.Errorf("missing data field")
	}
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		return ref, fmt.Errorf("failed to unmarshal alert ref: %w", err)
	}
	if ref.AlertID == "" {
		return ref, fmt.Errorf("empty alert_id")
	}
	return ref, nil
}
