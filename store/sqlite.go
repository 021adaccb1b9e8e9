package store

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = sqlDialect{
	driver: "sqlite3",
	createTable: `CREATE TABLE IF NOT EXISTS kv_store (
		key_name TEXT PRIMARY KEY,
		value TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`,
	upsert: `INSERT INTO kv_store (key_name, value, version, expires_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key_name) DO UPDATE SET
			value = excluded.value,
			version = kv_store.version + 1,
			expires_at = excluded.expires_at`,
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Transactions start with BEGIN IMMEDIATE so concurrent writers queue on the
// database lock instead of failing on upgrade.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, err
	}

	s, err := newSQLStore(db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
