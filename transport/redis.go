package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/message"
)

// RedisTransport carries envelopes over Redis lists, one list per
// destination. It is the lightweight alternative to AMQP for deployments
// that already run Redis; delivery is at-least-once via the engine's
// retry-on-lease-expiry, redelivery after a crash mid-handling is absorbed
// by the inbox dedup.
type RedisTransport struct {
	client *redis.Client
	prefix string
	logger *logrus.Entry
}

// NewRedisTransport connects to the Redis at url. prefix namespaces the
// destination keys (conventionally "wh:").
func NewRedisTransport(ctx context.Context, url, prefix string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if prefix == "" {
		prefix = "wh:"
	}

	return &RedisTransport{
		client: client,
		prefix: prefix,
		logger: common.Logger.WithField("component", "redis-transport"),
	}, nil
}

// NewRedisTransportWithClient wraps an existing client, used by tests.
func NewRedisTransportWithClient(client *redis.Client, prefix string) *RedisTransport {
	if prefix == "" {
		prefix = "wh:"
	}
	return &RedisTransport{
		client: client,
		prefix: prefix,
		logger: common.Logger.WithField("component", "redis-transport"),
	}
}

func (t *RedisTransport) key(destination string) string {
	return t.prefix + destination
}

// Publish pushes one envelope onto the destination list.
func (t *RedisTransport) Publish(ctx context.Context, destination string, body []byte) error {
	if err := t.client.RPush(ctx, t.key(destination), body).Err(); err != nil {
		return message.NewFailure(message.KindTransportError, message.StatusNone,
			fmt.Sprintf("failed to push to %s: %v", destination, err))
	}
	return nil
}

// Subscribe pops the destination list until ctx is cancelled. A handler
// error pushes the body back to the head of the list so order survives.
func (t *RedisTransport) Subscribe(ctx context.Context, destination string, handler Handler) error {
	key := t.key(destination)

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			result, err := t.client.BLPop(ctx, time.Second, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.WithError(err).WithField("destination", destination).
					Warn("blocking pop failed, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if len(result) < 2 {
				continue
			}

			body := []byte(result[1])
			if err := handler(ctx, body); err != nil {
				t.logger.WithError(err).WithField("destination", destination).
					Warn("handler failed, requeueing delivery")
				if pushErr := t.client.LPush(ctx, key, body).Err(); pushErr != nil {
					t.logger.WithError(pushErr).Error("failed to requeue delivery")
				}
			}
		}
	}()
	return nil
}

// QueueDepth returns the number of messages waiting on a destination.
func (t *RedisTransport) QueueDepth(ctx context.Context, destination string) (int64, error) {
	depth, err := t.client.LLen(ctx, t.key(destination)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", destination, err)
	}
	return depth, nil
}

// IsReady pings the server.
func (t *RedisTransport) IsReady() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return t.client.Ping(ctx).Err() == nil
}

// Close closes the client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

var _ Transport = (*RedisTransport)(nil)
