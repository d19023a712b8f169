package notify

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes events with PUBLISH. The client is owned by the
// caller and is not closed by Close.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (r *RedisTransport) Send(ctx context.Context, channel string, body []byte) error {
	if err := r.client.Publish(ctx, channel, body).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

func (r *RedisTransport) Close() error { return nil }
