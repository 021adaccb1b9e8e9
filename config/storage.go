package config

import (
	"errors"
	"fmt"

	"github.com/b-open-io/topicq/internal/utils"
	"github.com/b-open-io/topicq/publish"
	"github.com/b-open-io/topicq/pubsub"
	"github.com/b-open-io/topicq/store"
	"github.com/b-open-io/topicq/subscriber"
	"github.com/b-open-io/topicq/topic"
	"github.com/rs/zerolog/log"
)

// Queue bundles the components sharing one store and one notifier
type Queue struct {
	Config   Config
	Store    store.Store
	PubSub   pubsub.PubSub
	Log      *topic.Log
	Producer *publish.Producer
	Cursor   *subscriber.Cursor
	Advancer *subscriber.Advancer
}

// New creates a fully wired Queue.
//
// Example configurations:
//
//  1. All Redis, shared by every process:
//     Config{StoreURL: "redis://localhost:6379", PubSubURL: "redis://localhost:6379"}
//
//  2. PostgreSQL log and cursors, Redis notifications:
//     Config{StoreURL: "postgres://app@db/topicq", PubSubURL: "redis://localhost:6379"}
//
//  3. Default no-dependency setup:
//     Default()  // ~/.topicq/queue.db and channels://
func New(cfg Config) (*Queue, error) {
	s, err := store.CreateStore(cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	ps, err := pubsub.CreatePubSub(cfg.PubSubURL)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create pub/sub: %w", err)
	}

	log.Info().
		Str("store", utils.SanitizeConnectionString(cfg.StoreURL)).
		Str("pubsub", utils.SanitizeConnectionString(cfg.PubSubURL)).
		Str("namespace", cfg.Namespace).
		Stringer("start", cfg.StartPosition).
		Msg("queue configured")

	return NewQueue(cfg, s, ps), nil
}

// NewQueue wires the components over an existing store and notifier
func NewQueue(cfg Config, s store.Store, ps pubsub.PubSub) *Queue {
	l := topic.NewLog(s, topic.NewKeys(cfg.Namespace))
	cursor := subscriber.NewCursor(l, cfg.StartPosition)
	return &Queue{
		Config:   cfg,
		Store:    s,
		PubSub:   ps,
		Log:      l,
		Producer: publish.NewProducer(l, ps, cfg.Retry),
		Cursor:   cursor,
		Advancer: subscriber.NewAdvancer(l, cursor, cfg.Retry),
	}
}

// Consumer returns the named subscriber of topicName
func (q *Queue) Consumer(topicName, name string) *subscriber.Consumer {
	return subscriber.NewConsumer(q.Advancer, topicName, name)
}

// Listener returns a listener draining the named subscriber into handler
func (q *Queue) Listener(topicName, name string, handler subscriber.Handler) *subscriber.Listener {
	return subscriber.NewListener(q.Consumer(topicName, name), q.PubSub, handler, q.Config.PollInterval)
}

func (q *Queue) Close() error {
	var errs []error
	if q.PubSub != nil {
		errs = append(errs, q.PubSub.Close())
	}
	if q.Store != nil {
		errs = append(errs, q.Store.Close())
	}
	return errors.Join(errs...)
}
