package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisPublisher is the subset of the go-redis client the bridge needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisBridge republishes bus traffic as JSON on Redis channels named
// prefix + topic.
type RedisBridge struct {
	client  RedisPublisher
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisBridge builds a bridge. Attach it with Attach.
func NewRedisBridge(client RedisPublisher, prefix string, timeout time.Duration, logger zerolog.Logger) *RedisBridge {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisBridge{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.With().Str("component", "redis_bridge").Logger(),
	}
}

// Attach subscribes the bridge to every topic on bus.
func (r *RedisBridge) Attach(bus *Bus) func() {
	return bus.SubscribeAll(r.forward)
}

func (r *RedisBridge) forward(topic string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("topic", topic).Msg("marshal event payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.prefix+topic, body).Err(); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("redis publish failed")
	}
}
