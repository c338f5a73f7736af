// README: Redis pub/sub relay so events published on one instance reach sessions on all of them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisRelay struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel string, log *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, log: log}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

func (r *RedisRelay) Run(ctx context.Context, deliver func(Envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info("fan-out relay subscribed", zap.String("channel", r.channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("drop malformed relay message", zap.Error(err))
				continue
			}
			deliver(env)
		}
	}
}
