package subscriber

import (
	"context"
	"errors"
	"fmt"

	"github.com/b-open-io/topicq/store"
	"github.com/b-open-io/topicq/topic"
	"github.com/rs/zerolog/log"
)

// errCursorMissing aborts an attempt that found no cursor so it can be created outside the watch
var errCursorMissing = errors.New("subscriber: cursor missing")

// claim is the outcome of one committed cursor increment
type claim struct {
	offset  int64
	message *topic.Message
	readErr error // ErrNotFound or ErrMalformed for an unreadable slot
}

// Advancer moves subscriber cursors forward with optimistic transactions.
// Every committed increment hands exactly one offset to exactly one caller,
// however many processes share the subscriber name.
type Advancer struct {
	log    *topic.Log
	cursor *Cursor
	retry  store.RetryPolicy
}

func NewAdvancer(l *topic.Log, cursor *Cursor, retry store.RetryPolicy) *Advancer {
	return &Advancer{log: l, cursor: cursor, retry: retry}
}

func (a *Advancer) Log() *topic.Log {
	return a.log
}

func (a *Advancer) Cursor() *Cursor {
	return a.cursor
}

// Advance delivers the next unread message of topicName to subscriber.
// It returns ok=false with a nil error when the subscriber has caught up.
// Slots that are missing or undecodable are claimed, logged and skipped.
func (a *Advancer) Advance(ctx context.Context, topicName, subscriber string) (*topic.Message, bool, error) {
	for {
		c, err := a.claim(ctx, topicName, subscriber)
		switch {
		case errors.Is(err, errCursorMissing):
			if _, err := a.cursor.Read(ctx, topicName, subscriber); err != nil {
				return nil, false, fmt.Errorf("advance %s/%s: %w", topicName, subscriber, err)
			}
			continue
		case err != nil:
			return nil, false, fmt.Errorf("advance %s/%s: %w", topicName, subscriber, err)
		case c == nil:
			return nil, false, nil
		case c.readErr != nil:
			log.Warn().
				Err(c.readErr).
				Str("topic", topicName).
				Str("subscriber", subscriber).
				Int64("offset", c.offset).
				Msg("skipping unreadable message")
			continue
		}

		log.Debug().
			Str("topic", topicName).
			Str("subscriber", subscriber).
			Int64("offset", c.offset).
			Msg("delivered message")
		return c.message, true, nil
	}
}

// claim runs the watch/check/increment attempt under the retry policy.
// A nil claim with a nil error means nothing is unread.
func (a *Advancer) claim(ctx context.Context, topicName, subscriber string) (*claim, error) {
	key := a.log.Keys().Cursor(topicName, subscriber)

	var result *claim
	err := a.retry.Do(ctx, func() error {
		result = nil
		return a.log.Store().Watch(ctx, func(tx store.Tx) error {
			raw, err := tx.Get(ctx, key)
			if errors.Is(err, store.ErrNil) {
				return errCursorMissing
			}
			if err != nil {
				return err
			}
			cursor, err := parseOffset(key, raw)
			if err != nil {
				return err
			}

			count, err := a.log.CountWith(ctx, tx, topicName)
			if err != nil {
				return err
			}
			if count-cursor <= 0 {
				return nil
			}

			msg, readErr := a.log.GetWith(ctx, tx, topicName, cursor)
			if readErr != nil && !errors.Is(readErr, topic.ErrNotFound) && !errors.Is(readErr, topic.ErrMalformed) {
				return readErr
			}

			replies, err := tx.Exec(ctx, func(p store.Pipe) error {
				p.Incr(key)
				return nil
			})
			if err != nil {
				return err
			}
			// no new cursor value in the reply is treated like a lost race
			if len(replies) == 0 || replies[0].Int <= cursor {
				return store.ErrTxFailed
			}

			result = &claim{offset: cursor, message: msg, readErr: readErr}
			return nil
		}, key)
	})
	return result, err
}
