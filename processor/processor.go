package processor

import (
	"context"
	"time"

	"github.com/b-open-io/topicq/subscriber"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ProcessorConfig holds configuration for a queue processor
type ProcessorConfig struct {
	// Topic to consume and the subscriber name the workers share
	Topic      string
	Subscriber string

	// Number of concurrent workers claiming messages
	Concurrency int

	// Sleep duration when the subscriber has caught up
	EmptyQueueSleep time.Duration

	// Sleep duration after a store failure
	ErrorSleep time.Duration
}

// QueueProcessor runs a pool of workers acting as one consumer group.
// Workers claim messages through the advancement protocol, so no message is
// handled twice however many workers or processes share the subscriber name.
type QueueProcessor struct {
	config   *ProcessorConfig
	consumer *subscriber.Consumer
	cursor   *subscriber.Cursor
	handler  subscriber.Handler
}

// NewQueueProcessor creates a new queue processor
func NewQueueProcessor(cfg *ProcessorConfig, advancer *subscriber.Advancer, handler subscriber.Handler) *QueueProcessor {
	return &QueueProcessor{
		config:   cfg,
		consumer: subscriber.NewConsumer(advancer, cfg.Topic, cfg.Subscriber),
		cursor:   advancer.Cursor(),
		handler:  handler,
	}
}

// Start runs the workers and blocks until ctx is cancelled
func (qp *QueueProcessor) Start(ctx context.Context) error {
	workers := max(qp.config.Concurrency, 1)
	log.Info().
		Str("topic", qp.config.Topic).
		Str("subscriber", qp.config.Subscriber).
		Int("concurrency", workers).
		Msg("Starting queue processor")

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return qp.work(gctx, w)
		})
	}
	return g.Wait()
}

// work drains the subscriber, sleeping whenever it is caught up
func (qp *QueueProcessor) work(ctx context.Context, worker int) error {
	for {
		n, err := qp.consumer.Consume(ctx, qp.handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sleep := qp.config.EmptyQueueSleep
		switch {
		case err != nil:
			log.Error().Err(err).Int("worker", worker).Str("topic", qp.config.Topic).Msg("Error processing queue")
			sleep = qp.config.ErrorSleep
		case n > 0:
			log.Debug().Int("worker", worker).Int("processed", n).Str("topic", qp.config.Topic).Msg("Processed batch")
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetQueueLength returns how many messages the subscriber has not claimed yet
func (qp *QueueProcessor) GetQueueLength(ctx context.Context) (int64, error) {
	pos, err := qp.cursor.Position(ctx, qp.config.Topic, qp.config.Subscriber)
	if err != nil {
		return 0, err
	}
	return pos.Lag, nil
}

// DefaultProcessorConfig returns a default processor configuration
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Concurrency:     16,
		EmptyQueueSleep: 1 * time.Second,
		ErrorSleep:      1 * time.Second,
	}
}
