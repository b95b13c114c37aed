// ABOUTME: SQLite implementation of the Archive interface using modernc.org/sqlite
// ABOUTME: Provides RPC log persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteArchive implements the Archive interface using SQLite.
type SQLiteArchive struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteArchive creates a new SQLite archive at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	a := &SQLiteArchive{
		db:     db,
		logger: logger,
	}

	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite archive initialized", "path", path)
	return a, nil
}

// createSchema creates the database tables if they don't exist
func (a *SQLiteArchive) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rpc_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			timestamp TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rpc_logs_server ON rpc_logs(server_id, id);
	`
	_, err := a.db.Exec(schema)
	return err
}

// AppendLog stores one RPC log entry.
func (a *SQLiteArchive) AppendLog(ctx context.Context, entry LogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO rpc_logs (server_id, session_id, direction, method, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ServerID, entry.SessionID, entry.Direction, entry.Method,
		[]byte(entry.Payload), ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting rpc log: %w", err)
	}
	return nil
}

// ListLogs returns entries for a server in append order, applying the
// Archive limit semantics.
func (a *SQLiteArchive) ListLogs(ctx context.Context, serverID string, limit int) ([]LogEntry, error) {
	if limit == 0 {
		return []LogEntry{}, nil
	}

	query := `
		SELECT id, server_id, session_id, direction, method, payload, timestamp
		FROM rpc_logs WHERE server_id = ? ORDER BY id`
	args := []any{serverID}
	if limit > 0 {
		// Grab the newest N, then re-sort ascending below.
		query = `
			SELECT id, server_id, session_id, direction, method, payload, timestamp
			FROM rpc_logs WHERE server_id = ? ORDER BY id DESC LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rpc logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var payload []byte
		var ts string
		if err := rows.Scan(&e.ID, &e.ServerID, &e.SessionID, &e.Direction, &e.Method, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scanning rpc log: %w", err)
		}
		e.Payload = payload
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing rpc log timestamp %q: %w", ts, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rpc logs: %w", err)
	}

	if limit > 0 {
		// Newest-first from the query; flip back to append order.
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	return entries, nil
}

// Close releases the underlying database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
