// ABOUTME: Archive interface and types for persisted RPC traffic logs
// ABOUTME: Backed by SQLite; the in-memory event bus remains the hot path

package store

import (
	"context"
	"encoding/json"
	"time"
)

// LogEntry is one archived JSON-RPC wire event.
type LogEntry struct {
	ID        int64           `json:"id"`
	ServerID  string          `json:"serverId"`
	SessionID string          `json:"sessionId,omitempty"`
	Direction string          `json:"direction"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Archive persists RPC log entries beyond the in-memory buffer's horizon.
type Archive interface {
	// AppendLog stores one entry.
	AppendLog(ctx context.Context, entry LogEntry) error
	// ListLogs returns entries for a server in append order. A limit of 0
	// returns nothing, a negative limit returns everything, and a positive
	// limit returns the most recent entries.
	ListLogs(ctx context.Context, serverID string, limit int) ([]LogEntry, error)
	// Close releases the underlying database.
	Close() error
}
