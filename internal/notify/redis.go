package notify

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// redisPublisher is the slice of *redis.Client used here.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes each event on the pub/sub channel named after its type.
type Redis struct {
	rdb redisPublisher
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Publish(ctx context.Context, e Event) error {
	payload, err := e.encode()
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	if err := r.rdb.Publish(ctx, e.Type, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish %s", e.Type)
	}
	return nil
}
