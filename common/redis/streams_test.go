package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCreateConsumerGroup_Idempotent(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "alerts", "notifier"))
	require.NoError(t, CreateConsumerGroup(ctx, client, "alerts", "notifier"))
}

func TestPublishJSONAndRead(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "alerts", "notifier"))

	payload := map[string]string{"alert_id": "alert-1"}
	id, err := PublishJSONToStream(ctx, client, "alerts", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	messages, err := ReadFromStream(ctx, client, "alerts", "notifier", "worker-1", 10, -1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(messages[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "alert-1", decoded["alert_id"])

	require.NoError(t, AckMessages(ctx, client, "alerts", "notifier", id))

	pending, err := client.XPending(ctx, "alerts", "notifier").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestReadFromStream_EmptyNonBlocking(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "alerts", "notifier"))

	messages, err := ReadFromStream(ctx, client, "alerts", "notifier", "worker-1", 10, -1)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestPublishToStream_Stringifies(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	_, err := PublishToStream(ctx, client, "raw", map[string]interface{}{
		"count": 3,
		"ok":    true,
		"temp":  4.5,
	})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, "raw", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "3", entries[0].Values["count"])
	assert.Equal(t, "true", entries[0].Values["ok"])
	assert.Equal(t, "4.5", entries[0].Values["temp"])
}
