package subscriber

import (
	"context"
	"time"

	"github.com/b-open-io/topicq/pubsub"
	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = time.Second

// Listener drains a Consumer whenever the topic's notify channel fires,
// and on a fixed interval to pick up anything a lost notification left behind
type Listener struct {
	consumer     *Consumer
	notifier     pubsub.PubSub
	handler      Handler
	pollInterval time.Duration
}

// NewListener creates a listener; notifier may be nil to rely on polling only
func NewListener(consumer *Consumer, notifier pubsub.PubSub, handler Handler, pollInterval time.Duration) *Listener {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Listener{
		consumer:     consumer,
		notifier:     notifier,
		handler:      handler,
		pollInterval: pollInterval,
	}
}

// Run blocks until ctx is cancelled
func (l *Listener) Run(ctx context.Context) error {
	channel := l.consumer.advancer.Log().Keys().Notify(l.consumer.Topic())

	var events <-chan pubsub.Event
	if l.notifier != nil {
		var err error
		if events, err = l.notifier.Subscribe(ctx, []string{channel}); err != nil {
			log.Warn().Err(err).Str("channel", channel).Msg("notification subscribe failed, polling only")
			events = nil
		}
	}

	log.Info().
		Str("topic", l.consumer.Topic()).
		Str("subscriber", l.consumer.Name()).
		Dur("poll", l.pollInterval).
		Msg("listening")

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	l.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("topic", l.consumer.Topic()).Str("subscriber", l.consumer.Name()).Msg("listener stopped")
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.drain(ctx)
		case <-ticker.C:
			l.drain(ctx)
		}
	}
}

func (l *Listener) drain(ctx context.Context) {
	n, err := l.consumer.Consume(ctx, l.handler)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("topic", l.consumer.Topic()).Str("subscriber", l.consumer.Name()).Msg("drain failed")
	}
	if n > 0 {
		log.Debug().Int("delivered", n).Str("topic", l.consumer.Topic()).Msg("drained")
	}
}
