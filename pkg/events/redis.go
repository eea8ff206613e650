package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events to a Redis channel for downstream consumers.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to Redis and returns a sink publishing on channel.
func NewRedisSink(redisURL, channel string) (*RedisSink, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisSink{client: client, channel: channel}, nil
}

// Publish sends the event as JSON on the configured channel.
func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
