package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/b-open-io/topicq/dedup"
	"github.com/b-open-io/topicq/store"
	"github.com/b-open-io/topicq/topic"
	"github.com/rs/zerolog/log"
)

// StartPosition decides where a subscriber seen for the first time begins reading
type StartPosition int

const (
	// StartLatest places the cursor on the newest message, max(Count-1, 0)
	StartLatest StartPosition = iota
	// StartEarliest replays the whole log from offset 0
	StartEarliest
	// StartTail skips every existing message, Count
	StartTail
)

func (p StartPosition) String() string {
	switch p {
	case StartLatest:
		return "latest"
	case StartEarliest:
		return "earliest"
	case StartTail:
		return "tail"
	default:
		return "unknown"
	}
}

// ParseStartPosition parses "latest", "earliest" or "tail"; empty means latest
func ParseStartPosition(s string) (StartPosition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest":
		return StartLatest, nil
	case "earliest":
		return StartEarliest, nil
	case "tail":
		return StartTail, nil
	default:
		return 0, fmt.Errorf("unknown start position %q", s)
	}
}

// offset returns the initial cursor for a topic holding count messages
func (p StartPosition) offset(count int64) int64 {
	switch p {
	case StartEarliest:
		return 0
	case StartTail:
		return count
	default:
		return max(count-1, 0)
	}
}

// Position is a snapshot of one subscriber on one topic
type Position struct {
	Cursor int64 `json:"cursor"`
	Count  int64 `json:"count"`
	Lag    int64 `json:"lag"`
}

// Cursor reads and lazily creates per-(topic, subscriber) read positions
type Cursor struct {
	log   *topic.Log
	start StartPosition
	retry store.RetryPolicy
	inits dedup.Group[string, int64]
}

func NewCursor(l *topic.Log, start StartPosition) *Cursor {
	return &Cursor{log: l, start: start, retry: store.DefaultRetryPolicy()}
}

// Read returns the subscriber's next offset to read, creating it on first use.
// Creation only writes a cursor that is still absent; a reader that loses the
// race returns the value the winner wrote, however far it has advanced since.
func (c *Cursor) Read(ctx context.Context, topicName, subscriber string) (int64, error) {
	key := c.log.Keys().Cursor(topicName, subscriber)
	raw, err := c.log.Store().Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNil):
		return c.initialize(ctx, topicName, subscriber, key)
	case err != nil:
		return 0, err
	}

	return parseOffset(key, raw)
}

func parseOffset(key, raw string) (int64, error) {
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cursor %s holds %q: %w", key, raw, err)
	}
	return offset, nil
}

// initialize collapses concurrent first reads in this process into one create.
// The collapsed call runs with the first caller's ctx; waiters whose own ctx is
// still live try again when that caller was cancelled.
func (c *Cursor) initialize(ctx context.Context, topicName, subscriber, key string) (int64, error) {
	for {
		offset, err, shared := c.inits.Do(key, func() (int64, error) {
			return c.create(ctx, topicName, subscriber, key)
		})
		if shared && ctx.Err() == nil &&
			(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			continue
		}
		return offset, err
	}
}

// create writes the start offset under a watch on the cursor key, so it never
// overwrites a cursor another process created or advanced in the meantime
func (c *Cursor) create(ctx context.Context, topicName, subscriber, key string) (int64, error) {
	var offset, count int64
	var created bool

	err := c.retry.Do(ctx, func() error {
		created = false
		return c.log.Store().Watch(ctx, func(tx store.Tx) error {
			raw, err := tx.Get(ctx, key)
			if err == nil {
				offset, err = parseOffset(key, raw)
				return err
			}
			if !errors.Is(err, store.ErrNil) {
				return err
			}

			count, err = c.log.CountWith(ctx, tx, topicName)
			if err != nil {
				return err
			}
			offset = c.start.offset(count)

			if _, err := tx.Exec(ctx, func(p store.Pipe) error {
				p.Set(key, strconv.FormatInt(offset, 10), 0)
				return nil
			}); err != nil {
				return err
			}
			created = true
			return nil
		}, key)
	})
	if err != nil {
		return 0, err
	}

	if created {
		log.Info().
			Str("topic", topicName).
			Str("subscriber", subscriber).
			Int64("cursor", offset).
			Int64("count", count).
			Stringer("start", c.start).
			Msg("initialized subscriber cursor")
	}
	return offset, nil
}

// Position returns the cursor, count and unread lag of subscriber
func (c *Cursor) Position(ctx context.Context, topicName, subscriber string) (Position, error) {
	cursor, err := c.Read(ctx, topicName, subscriber)
	if err != nil {
		return Position{}, err
	}
	count, err := c.log.Count(ctx, topicName)
	if err != nil {
		return Position{}, err
	}
	return Position{Cursor: cursor, Count: count, Lag: max(count-cursor, 0)}, nil
}

// Seek moves the cursor to offset clamped into [0, Count] and returns the value written.
// Unlike advancement it is a blind write; concurrent consumers may deliver a
// message once more or skip ahead across the seek.
func (c *Cursor) Seek(ctx context.Context, topicName, subscriber string, offset int64) (int64, error) {
	count, err := c.log.Count(ctx, topicName)
	if err != nil {
		return 0, err
	}
	offset = min(max(offset, 0), count)

	key := c.log.Keys().Cursor(topicName, subscriber)
	if err := c.log.Store().Set(ctx, key, strconv.FormatInt(offset, 10), 0); err != nil {
		return 0, err
	}
	log.Info().Str("topic", topicName).Str("subscriber", subscriber).Int64("cursor", offset).Msg("seeked subscriber cursor")
	return offset, nil
}

// Reset forgets the subscriber so the next Read starts over from the start position
func (c *Cursor) Reset(ctx context.Context, topicName, subscriber string) error {
	return c.log.Store().Del(ctx, c.log.Keys().Cursor(topicName, subscriber))
}
