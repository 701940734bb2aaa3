// Package db provides the SQLite database shared by the CLI and the server.
// It holds the maker-checker approval requests so both processes see the
// same queue.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const AgentDBFile = "infra-agent.db"

// Schema defines the approval tables. Structured fields are JSON text.
const Schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS approval_requests (
    request_id        TEXT PRIMARY KEY,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    run_id            TEXT DEFAULT '',
    thread_id         TEXT DEFAULT '',
    requester_profile TEXT NOT NULL,
    checker_profiles  TEXT NOT NULL DEFAULT '[]',  -- JSON array, snapshot at creation
    tool_name         TEXT NOT NULL,
    tool_arguments    TEXT NOT NULL DEFAULT '{}',
    target_executor   TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    plan_preview      TEXT DEFAULT '',
    execution_result  TEXT,                        -- JSON object once executed
    execution_error   TEXT DEFAULT '',
    comments          TEXT NOT NULL DEFAULT '[]',
    approved_at       TEXT,
    approved_by       TEXT DEFAULT '',
    rejected_at       TEXT,
    rejected_by       TEXT DEFAULT '',
    executed_at       TEXT,
    executed_by       TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_requests(status);
CREATE INDEX IF NOT EXISTS idx_approval_created ON approval_requests(created_at);
CREATE INDEX IF NOT EXISTS idx_approval_requester ON approval_requests(requester_profile);
`

// Open opens or creates the agent database in dataDir.
func Open(dataDir string) (*sql.DB, error) {
	if err := EnsureDataDir(dataDir); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dataDir, AgentDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening agent db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing agent schema: %w", err)
	}

	return db, nil
}

// EnsureDataDir creates the data directory layout.
func EnsureDataDir(path string) error {
	dirs := []string{
		path,
		filepath.Join(path, "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}
