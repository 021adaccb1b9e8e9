// Package publish provides the producer side of topicq.
//
// A Producer appends messages to a topic log kept in a store.Store. Each append
// is one optimistic transaction:
//
//	WATCH  {ns}:topic_count:{topic}
//	GET    {ns}:topic_count:{topic}            -> n
//	MULTI
//	SET    {ns}:topic_message:{topic}:{n} <json>
//	INCR   {ns}:topic_count:{topic}
//	EXEC
//
// so the message at offset n is readable no later than the count that exposes
// it. Concurrent producers on one topic lose the WATCH race and retry under the
// configured store.RetryPolicy.
//
// After a successful append the producer publishes the new offset through a
// pubsub.PubSub, waking subscriber.Listener instances without polling. The
// notification is best effort: a lost notification delays delivery until the
// next poll, it never loses a message.
//
// Example Usage:
//
//	s, _ := store.CreateStore("redis://localhost:6379")
//	l := topic.NewLog(s, topic.NewKeys("myapp"))
//	producer := publish.NewProducer(l, pubsub.NewChannelPubSub(), store.DefaultRetryPolicy())
//
//	msg, err := producer.Publish(ctx, "orders", `{"orderId": 42}`, "")
package publish
