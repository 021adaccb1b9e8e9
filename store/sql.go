package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlDialect holds the statements that differ between database/sql backends
type sqlDialect struct {
	driver      string
	createTable string
	upsert      string // args: key, value, expires_at
	forUpdate   string // appended to version reads inside Exec
	conflict    func(error) bool
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on a relational table.
// Each row carries a version that every write bumps; deletes leave a NULL tombstone so
// the version keeps growing and a watch can never be fooled by delete-then-recreate.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func newSQLStore(db *sql.DB, dialect sqlDialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	if _, err := s.db.Exec(s.dialect.createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	return sqlGet(ctx, s.db, key)
}

func (s *SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.set(ctx, s.db, key, value, ttl)
}

func (s *SQLStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1] // Remove trailing comma

	args := make([]any, 0, len(keys))
	for _, key := range keys {
		args = append(args, key)
	}

	query := fmt.Sprintf("UPDATE kv_store SET value = NULL, version = version + 1 WHERE key_name IN (%s)", placeholders)
	_, err := s.db.ExecContext(ctx, query, args...)
	return unavailable(err)
}

func (s *SQLStore) Incr(ctx context.Context, key string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer tx.Rollback()

	n, err := s.incr(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// Watch pins one *sql.Conn for the lifetime of fn and snapshots the versions of keys
func (s *SQLStore) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return unavailable(err)
	}
	defer conn.Close()

	watched := make(map[string]int64, len(keys))
	for _, key := range keys {
		version, err := sqlVersion(ctx, conn, key, "")
		if err != nil {
			return err
		}
		watched[key] = version
	}

	return fn(&sqlTx{store: s, conn: conn, watched: watched})
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStore) set(ctx context.Context, q querier, key, value string, ttl time.Duration) error {
	_, err := q.ExecContext(ctx, s.dialect.upsert, key, value, expiresAt(ttl))
	return unavailable(err)
}

// incr must run inside a transaction so the read and write are not interleaved
func (s *SQLStore) incr(ctx context.Context, q querier, key string) (int64, error) {
	var value sql.NullString
	var expires int64
	err := q.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_store WHERE key_name = ?"+s.dialect.forUpdate, key).Scan(&value, &expires)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, unavailable(err)
	}

	var n int64
	if value.Valid && !expired(expires) {
		if n, err = strconv.ParseInt(value.String, 10, 64); err != nil {
			return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
		}
	} else {
		expires = 0
	}
	n++

	var ttl time.Duration
	if expires > 0 {
		ttl = time.Until(time.UnixMilli(expires))
	}
	if err := s.set(ctx, q, key, strconv.FormatInt(n, 10), ttl); err != nil {
		return 0, err
	}
	return n, nil
}

type sqlTx struct {
	store   *SQLStore
	conn    *sql.Conn
	watched map[string]int64
	done    bool
}

func (t *sqlTx) Get(ctx context.Context, key string) (string, error) {
	return sqlGet(ctx, t.conn, key)
}

func (t *sqlTx) Exec(ctx context.Context, fn func(Pipe) error) ([]Reply, error) {
	if t.done {
		return nil, errWatchReleased
	}
	t.done = true

	pipe := &opPipe{}
	if err := fn(pipe); err != nil {
		return nil, err
	}

	replies, err := t.exec(ctx, pipe.ops)
	if err != nil && t.store.dialect.conflict != nil && t.store.dialect.conflict(err) {
		return nil, ErrTxFailed
	}
	return replies, err
}

func (t *sqlTx) exec(ctx context.Context, ops []op) ([]Reply, error) {
	tx, err := t.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback()

	for key, version := range t.watched {
		current, err := sqlVersion(ctx, tx, key, t.store.dialect.forUpdate)
		if err != nil {
			return nil, err
		}
		if current != version {
			return nil, ErrTxFailed
		}
	}

	replies := make([]Reply, 0, len(ops))
	for _, o := range ops {
		if o.incr {
			n, err := t.store.incr(ctx, tx, o.key)
			if err != nil {
				return nil, err
			}
			replies = append(replies, Reply{Int: n})
			continue
		}
		if err := t.store.set(ctx, tx, o.key, o.value, o.ttl); err != nil {
			return nil, err
		}
		replies = append(replies, Reply{Str: "OK"})
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return replies, nil
}

func sqlGet(ctx context.Context, q querier, key string) (string, error) {
	var value sql.NullString
	var expires int64
	err := q.QueryRowContext(ctx, "SELECT value, expires_at FROM kv_store WHERE key_name = ?", key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", unavailable(err)
	}
	if !value.Valid || expired(expires) {
		return "", ErrNil
	}
	return value.String, nil
}

// sqlVersion returns the row version, 0 when the row was never written
func sqlVersion(ctx context.Context, q querier, key, suffix string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, "SELECT version FROM kv_store WHERE key_name = ?"+suffix, key).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return version, nil
}

// expiresAt converts a ttl into unix milliseconds, 0 meaning no expiry
func expiresAt(ttl time.Duration) int64 {
	if t := expiry(ttl); !t.IsZero() {
		return t.UnixMilli()
	}
	return 0
}

func expired(expiresAt int64) bool {
	return expiresAt > 0 && expiresAt <= time.Now().UnixMilli()
}
