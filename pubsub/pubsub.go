package pubsub

import (
	"context"
	"strconv"
	"strings"
)

// Event announces that a message was appended to a topic
type Event struct {
	Topic  string `json:"topic"`
	Offset int64  `json:"offset"`
	Source string `json:"source"` // "redis", "channels"
}

// PubSub delivers best-effort notifications. Consumers must not rely on receiving
// every event: the topic count in the store stays the source of truth.
type PubSub interface {
	Publish(ctx context.Context, topic string, offset int64) error

	// Subscribe returns a channel of events for topics. The channel is closed
	// when ctx is cancelled or the PubSub is closed.
	Subscribe(ctx context.Context, topics []string) (<-chan Event, error)

	Close() error
}

func formatPayload(offset int64) string {
	return strconv.FormatInt(offset, 10)
}

// parsePayload reads an offset payload; unparseable payloads still wake listeners
func parsePayload(payload string) int64 {
	offset, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return -1
	}
	return offset
}
