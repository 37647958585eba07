// Package store implements the durable encrypted queue store: a SQLite-backed
// key-value layer over named logical stores, with records AEAD-encrypted at
// rest under a per-device vault key.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Logical store names. Each store is an independent key namespace.
const (
	StorePendingSOS   = "pending_sos"
	StoreSyncQueue    = "sync_queue"
	StoreProfileCache = "profile_cache"
	StoreReceivedSOS  = "received_sos"
)

// CreateQueueDDL is the DDL for queue.db. Kept in sync with the files under
// migrations/; migrations are the source of truth for existing databases.
const CreateQueueDDL = `
CREATE TABLE IF NOT EXISTS records (
	store         TEXT NOT NULL,
	key           TEXT NOT NULL,
	body          TEXT NOT NULL,
	created_at_ns INTEGER NOT NULL,
	updated_at_ns INTEGER NOT NULL,
	PRIMARY KEY (store, key)
);
`

// OpenDB opens (or creates) a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}
