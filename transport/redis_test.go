package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *RedisTransport {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTransportWithClient(client, "test:")
}

func TestRedisTransport_PublishAndDepth(t *testing.T) {
	tr := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, "orders.events", []byte(`{"n":1}`)))
	require.NoError(t, tr.Publish(ctx, "orders.events", []byte(`{"n":2}`)))

	depth, err := tr.QueueDepth(ctx, "orders.events")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestRedisTransport_SubscribeDeliversInOrder(t *testing.T) {
	tr := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, tr.Publish(ctx, "orders.inbound", []byte(`{"n":1}`)))
	require.NoError(t, tr.Publish(ctx, "orders.inbound", []byte(`{"n":2}`)))

	var mu sync.Mutex
	var received []string
	require.NoError(t, tr.Subscribe(ctx, "orders.inbound", func(ctx context.Context, body []byte) error {
		mu.Lock()
		received = append(received, string(body))
		mu.Unlock()
		return nil
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, received)
}

func TestRedisTransport_HandlerErrorRequeues(t *testing.T) {
	tr := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, tr.Publish(ctx, "orders.inbound", []byte(`{"n":1}`)))

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, tr.Subscribe(ctx, "orders.inbound", func(ctx context.Context, body []byte) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	}, 5*time.Second, 10*time.Millisecond, "failed delivery should be redelivered")
}

func TestRedisTransport_IsReady(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := NewRedisTransportWithClient(client, "")

	assert.True(t, tr.IsReady())

	mr.Close()
	assert.False(t, tr.IsReady())
}
