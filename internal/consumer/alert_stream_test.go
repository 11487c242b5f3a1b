package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	rediscommon "github.com/getdatasurge/freshtrack-pro-sub006/common/redis"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/dispatcher"
	"github.com/getdatasurge/freshtrack-pro-sub006/internal/models"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (d *recordingDispatcher) DispatchAlerts(ctx context.Context, ids []string) (*dispatcher.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, ids)
	if d.err != nil {
		return nil, d.err
	}
	return &dispatcher.Result{Alerts: len(ids), Notified: len(ids)}, nil
}

const testStream = "freshtrack:alerts:pending"

func setupStream(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestConsumer(client *redis.Client, d AlertDispatcher) *AlertStreamConsumer {
	return NewAlertStreamConsumer(client, StreamConfig{
		Stream:   testStream,
		Group:    "freshtrack-notifier",
		Consumer: "notifier-1",
		Block:    -1,
	}, d, zap.NewNop())
}

func TestAlertStream_ProduceConsumeAck(t *testing.T) {
	_, client := setupStream(t)
	ctx := context.Background()
	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, testStream, "freshtrack-notifier"))

	producer := NewAlertStreamProducer(client, testStream)
	require.NoError(t, producer.EnqueuePending(ctx, models.AlertRef{AlertID: "a1", UnitID: "u1", AlertType: models.AlertTypeTempExcursion}))
	require.NoError(t, producer.EnqueuePending(ctx, models.AlertRef{AlertID: "a2", UnitID: "u1", AlertType: models.AlertTypeManualRequired}))
	require.NoError(t, producer.EnqueuePending(ctx, models.AlertRef{AlertID: "a1", UnitID: "u1", AlertType: models.AlertTypeTempExcursion}))

	d := &recordingDispatcher{}
	c := newTestConsumer(client, d)
	n, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, d.batches, 1)
	assert.Equal(t, []string{"a1", "a2"}, d.batches[0])

	pending, err := client.XPending(ctx, testStream, "freshtrack-notifier").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	n, err = c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	snap := c.Metrics().Snapshot()
	assert.Equal(t, int64(3), snap.MessagesRead)
	assert.Equal(t, int64(2), snap.AlertsNotified)
}

func TestAlertStream_InvalidMessagesAreDropped(t *testing.T) {
	_, client := setupStream(t)
	ctx := context.Background()
	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, testStream, "freshtrack-notifier"))

	_, err := rediscommon.PublishToStream(ctx, client, testStream, map[string]interface{}{"data": "{not json"})
	require.NoError(t, err)
	_, err = rediscommon.PublishToStream(ctx, client, testStream, map[string]interface{}{"other": "x"})
	require.NoError(t, err)

	d := &recordingDispatcher{}
	c := newTestConsumer(client, d)
	n, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, d.batches)
	assert.Equal(t, int64(2), c.Metrics().Snapshot().MessagesInvalid)
}

func TestAlertStream_DispatchErrorStillAcks(t *testing.T) {
	_, client := setupStream(t)
	ctx := context.Background()
	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, testStream, "freshtrack-notifier"))
	require.NoError(t, NewAlertStreamProducer(client, testStream).EnqueuePending(ctx, models.AlertRef{AlertID: "a1"}))

	c := newTestConsumer(client, &recordingDispatcher{err: errors.New("db down")})
	_, err := c.ConsumeOnce(ctx)
	require.NoError(t, err)

	pending, err := client.XPending(ctx, testStream, "freshtrack-notifier").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
	assert.Equal(t, int64(1), c.Metrics().Snapshot().BatchesFailed)
}

func TestAlertStream_StartStopsOnCancel(t *testing.T) {
	_, client := setupStream(t)
	d := &recordingDispatcher{}
	c := newTestConsumer(client, d)
	c.cfg.Block = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		return NewAlertStreamProducer(client, testStream).EnqueuePending(context.Background(), models.AlertRef{AlertID: "a9"}) == nil
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.batches) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
