// Package subscriber delivers topic messages to named subscribers.
//
// Each (topic, subscriber) pair owns a cursor: the offset of the next message
// it has not consumed. Every process using the same subscriber name shares that
// cursor, so the name behaves like a consumer group. Different names read the
// same topic independently.
//
// Advancing:
//
// An advance watches the cursor key, reads the cursor and the topic count on the
// watched connection, reads the candidate message at the cursor, and commits an
// increment of the cursor in a transaction. A commit that observes a changed
// cursor fails and the attempt is retried, so each offset is handed to exactly
// one caller and none is skipped.
//
// Key Components:
//
// Cursor:
//   - Lazily creates cursors at the configured StartPosition
//   - Reports position and lag, seeks and resets
//
// Advancer:
//   - Runs the watch/check/increment protocol under a store.RetryPolicy
//   - Skips missing or undecodable slots with a warning
//
// Consumer and Listener:
//   - Consumer drains a topic into a Handler, isolating handler failures
//   - Listener drains on publish notifications and on a poll interval
//
// Example Usage:
//
//	l := topic.NewLog(s, topic.NewKeys("topicq"))
//	adv := subscriber.NewAdvancer(l, subscriber.NewCursor(l, subscriber.StartLatest), store.DefaultRetryPolicy())
//	c := subscriber.NewConsumer(adv, "orders", "billing")
//
//	n, err := c.Consume(ctx, func(ctx context.Context, msg *topic.Message) error {
//	    return bill(msg)
//	})
package subscriber
