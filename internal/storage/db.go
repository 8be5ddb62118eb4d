// Package storage is the sqlite-backed durable state: messages, group
// rooms, privacy preferences, push tokens and the client-side outbox.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("storage: not found")

// DB wraps a SQLite database. Writes are serialized; reads share the lock.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

var schema = []struct {
	name string
	sql  string
}{
	{"meta", `
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);`},
	{"messages", `
		CREATE TABLE IF NOT EXISTS _messages (
			id           TEXT PRIMARY KEY,
			conversation TEXT NOT NULL,
			sender       TEXT NOT NULL,
			client_id    TEXT NOT NULL DEFAULT '',
			body         TEXT NOT NULL DEFAULT '',
			media_ref    TEXT NOT NULL DEFAULT '',
			reply_to     TEXT NOT NULL DEFAULT '',
			state        INTEGER NOT NULL,
			acked_by     TEXT NOT NULL DEFAULT '[]',
			reactions    TEXT NOT NULL DEFAULT '{}',
			edited       INTEGER NOT NULL DEFAULT 0,
			deleted      INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS _messages_conversation ON _messages (conversation, id);
		CREATE UNIQUE INDEX IF NOT EXISTS _messages_client ON _messages (sender, client_id) WHERE client_id != '';`},
	{"group members", `
		CREATE TABLE IF NOT EXISTS _group_members (
			group_id  TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			joined_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (group_id, user_id)
		);`},
	{"privacy", `
		CREATE TABLE IF NOT EXISTS _privacy (
			user_id    TEXT PRIMARY KEY,
			hidden     INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);`},
	{"push tokens", `
		CREATE TABLE IF NOT EXISTS _push_tokens (
			user_id    TEXT NOT NULL,
			token      TEXT NOT NULL,
			platform   TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, token)
		);`},
	{"outbox", `
		CREATE TABLE IF NOT EXISTS _outbox (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			idempotency_key TEXT NOT NULL UNIQUE,
			endpoint        TEXT NOT NULL,
			payload         BLOB NOT NULL,
			enqueued_at     INTEGER NOT NULL
		);`},
}

// Open opens or creates data.db in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenFile(filepath.Join(dir, "data.db"))
}

// OpenFile opens or creates the database at path.
func OpenFile(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	for _, s := range schema {
		if _, err := db.Exec(s.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", s.name, err)
		}
	}

	// Migration: reply_to arrived after the first schema
	db.Exec(`ALTER TABLE _messages ADD COLUMN reply_to TEXT NOT NULL DEFAULT ''`)

	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
