package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// ChannelPubSub implements PubSub with Go channels.
// Only subscribers inside this process are notified.
type ChannelPubSub struct {
	subscribers map[string][]chan Event // topic -> list of subscriber channels
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewChannelPubSub creates a new channel-based pub/sub implementation
func NewChannelPubSub() *ChannelPubSub {
	ctx, cancel := context.WithCancel(context.Background())

	return &ChannelPubSub{
		subscribers: make(map[string][]chan Event),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Publish sends the event to every subscriber of topic without blocking.
// A full subscriber buffer already holds a pending wake-up, so dropping is safe.
func (cp *ChannelPubSub) Publish(ctx context.Context, topic string, offset int64) error {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	event := Event{Topic: topic, Offset: offset, Source: "channels"}
	for _, ch := range cp.subscribers[topic] {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Debug().Str("topic", topic).Msg("ChannelPubSub: skipping full channel")
		}
	}
	return nil
}

// Subscribe creates a subscription to the given topics
func (cp *ChannelPubSub) Subscribe(ctx context.Context, topics []string) (<-chan Event, error) {
	eventChan := make(chan Event, 100)

	cp.mu.Lock()
	for _, topic := range topics {
		cp.subscribers[topic] = append(cp.subscribers[topic], eventChan)
	}
	cp.mu.Unlock()

	log.Debug().Strs("topics", topics).Msg("ChannelPubSub: new subscription")

	go func() {
		select {
		case <-ctx.Done():
		case <-cp.ctx.Done():
		}
		if cp.unsubscribeChannel(eventChan, topics) {
			close(eventChan)
		}
	}()

	return eventChan, nil
}

// unsubscribeChannel removes eventChan from topics, reporting whether it was still registered
func (cp *ChannelPubSub) unsubscribeChannel(eventChan chan Event, topics []string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	found := false
	for _, topic := range topics {
		subscribers := cp.subscribers[topic]
		for i, ch := range subscribers {
			if ch == eventChan {
				cp.subscribers[topic] = append(subscribers[:i:i], subscribers[i+1:]...)
				found = true
				break
			}
		}

		if len(cp.subscribers[topic]) == 0 {
			delete(cp.subscribers, topic)
		}
	}
	return found
}

// Close stops the pub/sub system and closes every subscription channel
func (cp *ChannelPubSub) Close() error {
	cp.cancel()
	return nil
}
