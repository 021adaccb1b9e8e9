package store

import (
	"context"
	"errors"
	"time"

	"github.com/b-open-io/topicq/internal/utils"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(connString string) (*RedisStore, error) {
	log.Info().Str("url", utils.SanitizeConnectionString(connString)).Msg("Connecting to Redis store")
	opts, err := redis.ParseURL(connString)
	if err != nil {
		return nil, err
	}

	return NewRedisStoreFromClient(redis.NewClient(opts)), nil
}

// NewRedisStoreFromClient wraps an existing client; Close closes it
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	return redisString(s.client.Get(ctx, key).Result())
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return redisErr(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return redisErr(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	return n, redisErr(err)
}

// Watch runs fn on a single pooled connection holding WATCH on keys.
// go-redis issues UNWATCH when fn returns without EXEC.
func (s *RedisStore) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	var fnErr error
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		fnErr = fn(&redisTx{tx: tx})
		return fnErr
	}, keys...)
	if fnErr != nil && errors.Is(err, fnErr) {
		return err
	}
	return redisErr(err)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisTx struct {
	tx *redis.Tx
}

func (t *redisTx) Get(ctx context.Context, key string) (string, error) {
	return redisString(t.tx.Get(ctx, key).Result())
}

func (t *redisTx) Exec(ctx context.Context, fn func(Pipe) error) ([]Reply, error) {
	cmds, err := t.tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(&redisPipe{ctx: ctx, p: p})
	})
	if err != nil {
		return nil, redisErr(err)
	}

	replies := make([]Reply, 0, len(cmds))
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case *redis.IntCmd:
			replies = append(replies, Reply{Int: c.Val()})
		case *redis.StatusCmd:
			replies = append(replies, Reply{Str: c.Val()})
		}
	}
	return replies, nil
}

type redisPipe struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (p *redisPipe) Incr(key string) {
	p.p.Incr(p.ctx, key)
}

func (p *redisPipe) Set(key, value string, ttl time.Duration) {
	p.p.Set(p.ctx, key, value, ttl)
}

func redisString(val string, err error) (string, error) {
	return val, redisErr(err)
}

// redisErr maps go-redis errors onto the store sentinels
func redisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNil
	case errors.Is(err, redis.TxFailedErr):
		return ErrTxFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var redisError redis.Error
	if errors.As(err, &redisError) {
		// server replied with an error; the connection itself is fine
		return err
	}
	return unavailable(err)
}
