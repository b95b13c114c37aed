// ABOUTME: Tests for the SQLite RPC log archive
// ABOUTME: Covers append, per-server listing, and limit semantics

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	a, err := NewSQLiteArchive(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func appendN(t *testing.T, a *SQLiteArchive, serverID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := a.AppendLog(context.Background(), LogEntry{
			ServerID:  serverID,
			SessionID: "sess-1",
			Direction: "request",
			Method:    fmt.Sprintf("m%d", i),
			Payload:   json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}
}

func TestAppendAndList(t *testing.T) {
	a := newTestArchive(t)

	err := a.AppendLog(context.Background(), LogEntry{
		ServerID:  "github",
		SessionID: "sess-1",
		Direction: "request",
		Method:    "tools/list",
		Payload:   json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`),
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	entries, err := a.ListLogs(context.Background(), "github", -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "github", entries[0].ServerID)
	assert.Equal(t, "tools/list", entries[0].Method)
	assert.Equal(t, "request", entries[0].Direction)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, string(entries[0].Payload))
	assert.Equal(t, 2026, entries[0].Timestamp.Year())
}

func TestListFiltersByServer(t *testing.T) {
	a := newTestArchive(t)
	appendN(t, a, "github", 3)
	appendN(t, a, "jira", 2)

	entries, err := a.ListLogs(context.Background(), "github", -1)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, err = a.ListLogs(context.Background(), "jira", -1)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestListLimitSemantics(t *testing.T) {
	a := newTestArchive(t)
	appendN(t, a, "github", 5)

	entries, err := a.ListLogs(context.Background(), "github", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = a.ListLogs(context.Background(), "github", -1)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	entries, err = a.ListLogs(context.Background(), "github", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Most recent two, in append order.
	assert.Equal(t, "m3", entries[0].Method)
	assert.Equal(t, "m4", entries[1].Method)
}

func TestListUnknownServer(t *testing.T) {
	a := newTestArchive(t)
	entries, err := a.ListLogs(context.Background(), "nope", -1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendStampsTimestamp(t *testing.T) {
	a := newTestArchive(t)
	err := a.AppendLog(context.Background(), LogEntry{
		ServerID:  "github",
		Direction: "response",
		Payload:   json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	entries, err := a.ListLogs(context.Background(), "github", -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.WithinDuration(t, time.Now(), entries[0].Timestamp, time.Minute)
}
