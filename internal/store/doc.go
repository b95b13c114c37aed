// Package store persists JSON-RPC traffic logs to SQLite.
//
// The event bus keeps a bounded in-memory buffer for live replay; this
// package is the durable tail behind it. When a database path is configured
// the relay subscribes the archive to the RPC log bus and serves historical
// queries from here.
//
// The driver is modernc.org/sqlite (pure Go, no cgo), with WAL mode enabled
// at open.
package store
