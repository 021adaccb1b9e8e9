package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPubSub publishes and subscribes through Redis channels
type RedisPubSub struct {
	redisClient *redis.Client
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewRedisPubSub creates a new Redis pub/sub handler
func NewRedisPubSub(redisURL string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisPubSubFromClient(redisClient), nil
}

// NewRedisPubSubFromClient wraps an existing client; Close closes it
func NewRedisPubSubFromClient(redisClient *redis.Client) *RedisPubSub {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisPubSub{
		redisClient: redisClient,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Publish publishes the appended offset on the topic channel
func (r *RedisPubSub) Publish(ctx context.Context, topic string, offset int64) error {
	return r.redisClient.Publish(ctx, topic, formatPayload(offset)).Err()
}

// Subscribe opens a dedicated Redis subscription for topics
func (r *RedisPubSub) Subscribe(ctx context.Context, topics []string) (<-chan Event, error) {
	sub := r.redisClient.Subscribe(ctx, topics...)
	// Wait for confirmation so publishes issued after Subscribe returns are not missed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	events := make(chan Event, 100)
	go r.listenLoop(ctx, sub, events)
	return events, nil
}

// listenLoop converts Redis messages into events until ctx or the PubSub is done
func (r *RedisPubSub) listenLoop(ctx context.Context, sub *redis.PubSub, events chan<- Event) {
	defer close(events)
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			event := Event{
				Topic:  msg.Channel,
				Offset: parsePayload(msg.Payload),
				Source: "redis",
			}
			select {
			case events <- event:
			default:
				log.Debug().Str("topic", msg.Channel).Msg("RedisPubSub: skipping full channel")
			}
		}
	}
}

// Close stops every listen loop and closes the Redis connection
func (r *RedisPubSub) Close() error {
	r.cancel()
	return r.redisClient.Close()
}
