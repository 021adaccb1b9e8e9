package subscriber

import (
	"context"
	"fmt"

	"github.com/b-open-io/topicq/topic"
	"github.com/rs/zerolog/log"
)

// Handler processes one delivered message. Errors and panics are logged and
// do not stop the drain; the message stays consumed either way.
type Handler func(ctx context.Context, msg *topic.Message) error

// Consumer is a named subscriber bound to one topic
type Consumer struct {
	advancer *Advancer
	topic    string
	name     string
}

func NewConsumer(advancer *Advancer, topicName, name string) *Consumer {
	return &Consumer{advancer: advancer, topic: topicName, name: name}
}

func (c *Consumer) Topic() string {
	return c.topic
}

func (c *Consumer) Name() string {
	return c.name
}

// ConsumeOne claims at most one message
func (c *Consumer) ConsumeOne(ctx context.Context) (*topic.Message, bool, error) {
	return c.advancer.Advance(ctx, c.topic, c.name)
}

// Consume drains every unread message into handler and returns how many were delivered
func (c *Consumer) Consume(ctx context.Context, handler Handler) (int, error) {
	delivered := 0
	for {
		msg, ok, err := c.ConsumeOne(ctx)
		if err != nil {
			return delivered, err
		}
		if !ok {
			return delivered, nil
		}
		delivered++
		c.handle(ctx, handler, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, handler Handler, msg *topic.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Err(fmt.Errorf("panic: %v", r)).
				Str("topic", c.topic).
				Str("subscriber", c.name).
				Int64("offset", msg.ID).
				Msg("message handler panicked")
		}
	}()

	if err := handler(ctx, msg); err != nil {
		log.Warn().
			Err(err).
			Str("topic", c.topic).
			Str("subscriber", c.name).
			Int64("offset", msg.ID).
			Msg("message handler failed")
	}
}
