package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/b-open-io/topicq/pubsub"
	"github.com/b-open-io/topicq/store"
	"github.com/b-open-io/topicq/topic"
	"github.com/rs/zerolog/log"
)

// Producer appends messages to topic logs
type Producer struct {
	log      *topic.Log
	notifier pubsub.PubSub
	retry    store.RetryPolicy
	now      func() time.Time
}

// NewProducer creates a producer; notifier may be nil
func NewProducer(l *topic.Log, notifier pubsub.PubSub, retry store.RetryPolicy) *Producer {
	return &Producer{
		log:      l,
		notifier: notifier,
		retry:    retry,
		now:      time.Now,
	}
}

// Publish appends a message to topicName and returns it with its offset.
//
// The count key is watched while the message is written at offset Count and the
// count is bumped in the same transaction, so a consumer never observes a count
// whose last slot is not yet readable.
func (p *Producer) Publish(ctx context.Context, topicName, content, extraInfo string) (*topic.Message, error) {
	keys := p.log.Keys()
	countKey := keys.Count(topicName)
	s := p.log.Store()

	var msg *topic.Message
	err := p.retry.Do(ctx, func() error {
		return s.Watch(ctx, func(tx store.Tx) error {
			offset, err := p.log.CountWith(ctx, tx, topicName)
			if err != nil {
				return err
			}

			now := p.now().UTC()
			candidate := &topic.Message{
				ID:         offset,
				CreateTime: now,
				UpdateTime: now,
				Content:    content,
				Topic:      topicName,
				ExtraInfo:  extraInfo,
			}
			raw, err := topic.Encode(candidate)
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx, func(pipe store.Pipe) error {
				pipe.Set(keys.Message(topicName, offset), raw, 0)
				pipe.Incr(countKey)
				return nil
			})
			if err != nil {
				return err
			}
			msg = candidate
			return nil
		}, countKey)
	})
	if err != nil {
		return nil, fmt.Errorf("publish to %s: %w", topicName, err)
	}

	if p.notifier != nil {
		if err := p.notifier.Publish(ctx, keys.Notify(topicName), msg.ID); err != nil {
			log.Warn().Err(err).Str("topic", topicName).Int64("offset", msg.ID).Msg("failed to notify subscribers")
		}
	}
	return msg, nil
}
