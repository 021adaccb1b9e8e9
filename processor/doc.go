// Package processor runs pools of workers that consume a topic as one subscriber.
//
// Each worker loops over the subscriber's drain-loop; because every claim goes
// through the cursor advancement protocol, workers never handle the same message
// and never skip one, exactly as if they were separate processes sharing the
// subscriber name.
//
// Key Components:
//
// QueueProcessor:
//   - Starts Concurrency workers and blocks until the context is cancelled
//   - Sleeps EmptyQueueSleep when caught up and ErrorSleep after a store failure
//   - Reports the remaining lag with GetQueueLength
//
// Example Usage:
//
//	cfg := processor.DefaultProcessorConfig()
//	cfg.Topic = "orders"
//	cfg.Subscriber = "billing"
//
//	qp := processor.NewQueueProcessor(cfg, q.Advancer, func(ctx context.Context, msg *topic.Message) error {
//	    return bill(ctx, msg)
//	})
//	if err := qp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal().Err(err).Msg("processor stopped")
//	}
package processor
