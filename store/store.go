package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNil is returned by Get when the key does not exist.
	ErrNil = errors.New("store: nil")

	// ErrTxFailed is returned by Exec when a watched key changed after Watch.
	ErrTxFailed = errors.New("store: transaction failed")

	// ErrUnavailable wraps transport and connection failures.
	ErrUnavailable = errors.New("store: unavailable")

	errClosed        = errors.New("store closed")
	errWatchReleased = errors.New("store: watch already released")
)

// unavailable wraps a backend error so callers can tell it apart from ErrNil and ErrTxFailed
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Reply is the result of one queued transaction operation
type Reply struct {
	Int int64  // INCR result
	Str string // SET status
}

// Pipe queues operations inside a transaction
type Pipe interface {
	Incr(key string)
	Set(key, value string, ttl time.Duration)
}

// Tx is bound to the connection that issued the Watch.
// Reads go through the same connection; Exec commits the queued operations only if
// none of the watched keys changed, and releases the watch either way.
type Tx interface {
	Get(ctx context.Context, key string) (string, error)
	Exec(ctx context.Context, fn func(Pipe) error) ([]Reply, error)
}

// Store provides the transactional key-value primitives the queue is built on
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)

	// Watch checks out one connection, watches keys and runs fn with a Tx on that
	// connection. The connection is released when fn returns.
	Watch(ctx context.Context, fn func(Tx) error, keys ...string) error

	// Resource management
	Close() error
}

// op is a queued transaction operation shared by the non-redis backends
type op struct {
	incr  bool
	key   string
	value string
	ttl   time.Duration
}

// opPipe records operations for backends that apply them on Exec
type opPipe struct {
	ops []op
}

func (p *opPipe) Incr(key string) {
	p.ops = append(p.ops, op{incr: true, key: key})
}

func (p *opPipe) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, op{key: key, value: value, ttl: ttl})
}

// expiry converts a ttl into an absolute deadline, zero meaning no expiry
func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
