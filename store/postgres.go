package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgQuerier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgUpsert = `INSERT INTO kv_store (key_name, value, version, expires_at) VALUES ($1, $2, 1, $3)
	ON CONFLICT (key_name) DO UPDATE SET
		value = EXCLUDED.value,
		version = kv_store.version + 1,
		expires_at = EXCLUDED.expires_at`

const pgIncrUpsert = `INSERT INTO kv_store (key_name, value, version, expires_at) VALUES ($1, '1', 1, 0)
	ON CONFLICT (key_name) DO UPDATE SET
		value = CASE
			WHEN kv_store.value IS NULL OR (kv_store.expires_at > 0 AND kv_store.expires_at <= $2) THEN '1'
			ELSE (kv_store.value::BIGINT + 1)::TEXT
		END,
		version = kv_store.version + 1,
		expires_at = CASE
			WHEN kv_store.value IS NULL OR (kv_store.expires_at > 0 AND kv_store.expires_at <= $2) THEN 0
			ELSE kv_store.expires_at
		END
	RETURNING value`

// PostgresStore implements Store using a versioned PostgreSQL table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 100
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.createTables(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS kv_store (
		key_name TEXT PRIMARY KEY,
		value TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		expires_at BIGINT NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	return pgGet(ctx, s.pool, key)
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return pgSet(ctx, s.pool, key, value, ttl)
}

func (s *PostgresStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		"UPDATE kv_store SET value = NULL, version = version + 1 WHERE key_name = ANY($1)", keys)
	return unavailable(err)
}

func (s *PostgresStore) Incr(ctx context.Context, key string) (int64, error) {
	return pgIncr(ctx, s.pool, key)
}

// Watch acquires one pooled connection for the lifetime of fn
func (s *PostgresStore) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return unavailable(err)
	}
	defer conn.Release()

	watched := make(map[string]int64, len(keys))
	for _, key := range keys {
		version, err := pgVersion(ctx, conn, key, "")
		if err != nil {
			return err
		}
		watched[key] = version
	}

	return fn(&pgTx{conn: conn, watched: watched})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	conn    *pgxpool.Conn
	watched map[string]int64
	done    bool
}

func (t *pgTx) Get(ctx context.Context, key string) (string, error) {
	return pgGet(ctx, t.conn, key)
}

func (t *pgTx) Exec(ctx context.Context, fn func(Pipe) error) ([]Reply, error) {
	if t.done {
		return nil, errWatchReleased
	}
	t.done = true

	pipe := &opPipe{}
	if err := fn(pipe); err != nil {
		return nil, err
	}

	tx, err := t.conn.Begin(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback(ctx)

	// advisory locks also cover watched keys that have no row yet
	keys := make([]string, 0, len(t.watched))
	for key := range t.watched {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			return nil, pgCommitErr(err)
		}
	}

	for key, version := range t.watched {
		current, err := pgVersion(ctx, tx, key, "")
		if err != nil {
			return nil, err
		}
		if current != version {
			return nil, ErrTxFailed
		}
	}

	replies := make([]Reply, 0, len(pipe.ops))
	for _, o := range pipe.ops {
		if o.incr {
			n, err := pgIncr(ctx, tx, o.key)
			if err != nil {
				return nil, err
			}
			replies = append(replies, Reply{Int: n})
			continue
		}
		if err := pgSet(ctx, tx, o.key, o.value, o.ttl); err != nil {
			return nil, err
		}
		replies = append(replies, Reply{Str: "OK"})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, pgCommitErr(err)
	}
	return replies, nil
}

func pgGet(ctx context.Context, q pgQuerier, key string) (string, error) {
	var value *string
	var expires int64
	err := q.QueryRow(ctx, "SELECT value, expires_at FROM kv_store WHERE key_name = $1", key).Scan(&value, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", unavailable(err)
	}
	if value == nil || expired(expires) {
		return "", ErrNil
	}
	return *value, nil
}

func pgSet(ctx context.Context, q pgQuerier, key, value string, ttl time.Duration) error {
	_, err := q.Exec(ctx, pgUpsert, key, value, expiresAt(ttl))
	return unavailable(err)
}

// pgIncr is a single upsert so concurrent increments of a missing key cannot both insert
func pgIncr(ctx context.Context, q pgQuerier, key string) (int64, error) {
	var value string
	err := q.QueryRow(ctx, pgIncrUpsert, key, time.Now().UnixMilli()).Scan(&value)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
		}
		return 0, unavailable(err)
	}
	return strconv.ParseInt(value, 10, 64)
}

func pgVersion(ctx context.Context, q pgQuerier, key, suffix string) (int64, error) {
	var version int64
	err := q.QueryRow(ctx, "SELECT version FROM kv_store WHERE key_name = $1"+suffix, key).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return version, nil
}

// pgCommitErr maps serialization and unique-violation failures to a retryable conflict
func pgCommitErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return ErrTxFailed
		}
	}
	return unavailable(err)
}
