package topic

import (
	"strconv"
	"strings"
)

// DefaultNamespace prefixes every key when no namespace is configured
const DefaultNamespace = "topicq"

// Cache types, the middle segment of every key
const (
	CountCacheType      = "topic_count"
	MessageCacheType    = "topic_message"
	SubscriberCacheType = "key_subscribers"
	NotifyCacheType     = "topic_notify"
)

// Keys builds store keys of the form {namespace}:{cache-type}:{identifier}
type Keys struct {
	Namespace string
}

// NewKeys returns a key builder; an empty namespace falls back to DefaultNamespace
func NewKeys(namespace string) Keys {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Keys{Namespace: namespace}
}

func (k Keys) full(cacheType string, parts ...string) string {
	return k.Namespace + ":" + cacheType + ":" + strings.Join(parts, ":")
}

// Count is the key holding the number of messages ever appended to topic
func (k Keys) Count(topic string) string {
	return k.full(CountCacheType, topic)
}

// Message is the key of the message stored at offset
func (k Keys) Message(topic string, offset int64) string {
	return k.full(MessageCacheType, topic, strconv.FormatInt(offset, 10))
}

// Cursor is the key of subscriber's next-offset-to-read on topic
func (k Keys) Cursor(topic, subscriber string) string {
	return k.full(SubscriberCacheType, topic, subscriber)
}

// Notify is the pub/sub channel announcing appends to topic
func (k Keys) Notify(topic string) string {
	return k.full(NotifyCacheType, topic)
}
