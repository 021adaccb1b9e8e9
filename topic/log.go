package topic

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/b-open-io/topicq/store"
)

// ErrNotFound is returned when no message is stored at an offset
var ErrNotFound = errors.New("topic: message not found")

// Reader is the read half of store.Store and store.Tx, letting the log read
// through a watched connection
type Reader interface {
	Get(ctx context.Context, key string) (string, error)
}

// Log reads topic logs and counts. Appends belong to publish.Producer.
type Log struct {
	store store.Store
	keys  Keys
}

func NewLog(s store.Store, keys Keys) *Log {
	return &Log{store: s, keys: keys}
}

func (l *Log) Store() store.Store {
	return l.store
}

func (l *Log) Keys() Keys {
	return l.keys
}

// Count returns the number of messages appended to topic, 0 if none
func (l *Log) Count(ctx context.Context, topic string) (int64, error) {
	return l.CountWith(ctx, l.store, topic)
}

func (l *Log) CountWith(ctx context.Context, r Reader, topic string) (int64, error) {
	return ReadInt(ctx, r, l.keys.Count(topic))
}

// Get returns the message at offset.
// An absent slot yields ErrNotFound, an undecodable one ErrMalformed.
func (l *Log) Get(ctx context.Context, topic string, offset int64) (*Message, error) {
	return l.GetWith(ctx, l.store, topic, offset)
}

func (l *Log) GetWith(ctx context.Context, r Reader, topic string, offset int64) (*Message, error) {
	raw, err := r.Get(ctx, l.keys.Message(topic, offset))
	if errors.Is(err, store.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Range returns up to limit readable messages starting at from.
// Missing or malformed slots are skipped.
func (l *Log) Range(ctx context.Context, topic string, from int64, limit int) ([]*Message, error) {
	count, err := l.Count(ctx, topic)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}

	messages := make([]*Message, 0, limit)
	for offset := from; offset < count && len(messages) < limit; offset++ {
		m, err := l.Get(ctx, topic, offset)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) {
			continue
		}
		if err != nil {
			return messages, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// ReadInt reads a counter key; absent keys read as 0
func ReadInt(ctx context.Context, r Reader, key string) (int64, error) {
	raw, err := r.Get(ctx, key)
	if errors.Is(err, store.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds %q: %w", key, raw, err)
	}
	return n, nil
}
