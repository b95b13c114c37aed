// ABOUTME: RPC log instantiation of the event bus for wire-level traffic.
// ABOUTME: Events are keyed by server id with an optional session id.

package bus

import (
	"encoding/json"
	"time"
)

// Direction distinguishes the sides of logged RPC traffic.
type Direction string

const (
	DirectionRequest      Direction = "request"
	DirectionResponse     Direction = "response"
	DirectionNotification Direction = "notification"
)

// RPCLogEvent is one immutable record of wire-level JSON-RPC traffic to or
// from a downstream server. Events are never mutated after publish.
type RPCLogEvent struct {
	ServerID  string          `json:"server_id"`
	SessionID string          `json:"session_id,omitempty"`
	Direction Direction       `json:"direction"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e RPCLogEvent) BusKey() string         { return e.ServerID }
func (e RPCLogEvent) EventServerID() string  { return e.ServerID }
func (e RPCLogEvent) EventSessionID() string { return e.SessionID }

// RPCLog is the wire-traffic instantiation of the event bus.
type RPCLog struct {
	*Bus[RPCLogEvent]
}

// NewRPCLog creates an RPC log bus whose per-server buffers hold at most
// maxPerKey events (0 for unbounded).
func NewRPCLog(maxPerKey int) *RPCLog {
	return &RPCLog{Bus: New[RPCLogEvent](maxPerKey)}
}

// Publish stamps the event if needed and publishes it.
func (l *RPCLog) Publish(event RPCLogEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	l.Bus.Publish(event)
}
