// ABOUTME: Manages live connections to downstream tool-providing servers for one session.
// ABOUTME: Dispatches JSON-RPC, logs wire traffic, routes progress, gates tool calls.

package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fernwood/mcp-relay/internal/approval"
	"github.com/fernwood/mcp-relay/internal/bus"
	"github.com/fernwood/mcp-relay/internal/jsonrpc"
)

// ErrServerNotFound indicates no connected server matches the requested id.
var ErrServerNotFound = errors.New("server not found")

// Transport is one live connection to a downstream tool-providing server.
// Implementations deliver server-initiated notifications through the handler
// installed with SetNotificationHandler, if they support server push at all.
type Transport interface {
	Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
	Notify(ctx context.Context, req *jsonrpc.Request) error
	SetNotificationHandler(fn func(*jsonrpc.Request))
	Close() error
}

// Config holds the collaborators a Manager publishes into. All fields are
// optional; a zero Config yields a manager that only dispatches.
type Config struct {
	SessionID string
	RPCLog    *bus.RPCLog
	Progress  *bus.ProgressStore
	Gate      *approval.Gate
	Logger    *slog.Logger
}

// Manager owns the set of live connections to tool-providing servers for one
// session. The session store governs when a Manager is created and
// disconnected; everything in between goes through Dispatch and Notify.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]Transport

	sessionID string
	rpcLog    *bus.RPCLog
	progress  *bus.ProgressStore
	gate      *approval.Gate
	logger    *slog.Logger

	// approvedTools remembers approve-for-session decisions, keyed by
	// serverID and toolName together to avoid cross-server name collisions.
	approvedMu    sync.Mutex
	approvedTools map[string]bool
}

// New creates a Manager with no servers attached.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers:       make(map[string]Transport),
		sessionID:     cfg.SessionID,
		rpcLog:        cfg.RPCLog,
		progress:      cfg.Progress,
		gate:          cfg.Gate,
		logger:        logger.With("component", "manager"),
		approvedTools: make(map[string]bool),
	}
}

// AddServer attaches a transport under the given server id, replacing any
// previous transport for that id. Progress notifications from the transport
// are routed into the progress store.
func (m *Manager) AddServer(serverID string, t Transport) {
	t.SetNotificationHandler(func(req *jsonrpc.Request) {
		m.handleNotification(serverID, req)
	})

	m.mu.Lock()
	old := m.servers[serverID]
	m.servers[serverID] = t
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("closing replaced server transport", "server_id", serverID, "error", err)
		}
	}
	m.logger.Info("server connected", "server_id", serverID, "session_id", m.sessionID)
}

// RemoveServer detaches and closes the transport for the given server id.
func (m *Manager) RemoveServer(serverID string) {
	m.mu.Lock()
	t, ok := m.servers[serverID]
	delete(m.servers, serverID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := t.Close(); err != nil {
		m.logger.Warn("closing server transport", "server_id", serverID, "error", err)
	}
	m.logger.Info("server disconnected", "server_id", serverID, "session_id", m.sessionID)
}

// ServerIDs returns the ids of all attached servers.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	return ids
}

// Resolve finds the transport for a server id. Matching is case-insensitive
// with exact-match priority, tolerating client-side casing drift without
// creating duplicate logical servers.
func (m *Manager) Resolve(serverID string) (string, Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.servers[serverID]; ok {
		return serverID, t, true
	}
	for id, t := range m.servers {
		if strings.EqualFold(id, serverID) {
			return id, t, true
		}
	}
	return "", nil, false
}

// Dispatch routes one JSON-RPC request to the named server and returns its
// response. Tool calls pass through the approval gate first when one is
// configured; a denial or approval timeout yields a JSON-RPC error response
// rather than a transport failure.
func (m *Manager) Dispatch(ctx context.Context, serverID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	canonical, t, ok := m.Resolve(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}

	m.logRequest(canonical, req)

	if m.gate != nil && req.Method == "tools/call" {
		if resp := m.gateToolCall(ctx, canonical, req); resp != nil {
			m.logResponse(canonical, resp)
			return resp, nil
		}
	}

	resp, err := t.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	m.logResponse(canonical, resp)
	return resp, nil
}

// Notify routes a JSON-RPC notification to the named server.
func (m *Manager) Notify(ctx context.Context, serverID string, req *jsonrpc.Request) error {
	canonical, t, ok := m.Resolve(serverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	m.logRequest(canonical, req)
	return t.Notify(ctx, req)
}

// toolCallParams is the subset of tools/call params the gate needs.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// gateToolCall runs the approval rendezvous for a tools/call request.
// It returns a terminal JSON-RPC response when the call must not proceed,
// or nil when execution is allowed.
func (m *Manager) gateToolCall(ctx context.Context, serverID string, req *jsonrpc.Request) *jsonrpc.Response {
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "invalid tools/call params")
		}
	}

	memoryKey := serverID + "\x00" + params.Name
	m.approvedMu.Lock()
	remembered := m.approvedTools[memoryKey]
	m.approvedMu.Unlock()
	if remembered {
		return nil
	}

	resp, err := m.gate.Request(ctx, approval.Pending{
		ToolCallID: string(req.ID),
		ToolName:   params.Name,
		Parameters: params.Arguments,
		ServerName: serverID,
	})
	if err != nil {
		if errors.Is(err, approval.ErrTimeout) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, "tool approval timed out")
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, "tool approval cancelled")
	}

	if !resp.Approved() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, "tool call denied by user")
	}
	if resp.RememberForSession {
		m.approvedMu.Lock()
		m.approvedTools[memoryKey] = true
		m.approvedMu.Unlock()
	}
	return nil
}

// progressParams is the shape of a progress notification's params. The token
// is kept raw because peers send it as either a string or a number.
type progressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         float64         `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// token normalizes the progress token to its text form: string tokens lose
// their quotes, numeric tokens pass through as written.
func (p progressParams) token() string {
	var s string
	if err := json.Unmarshal(p.ProgressToken, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(p.ProgressToken))
}

// handleNotification publishes server-initiated notifications to the log bus
// and routes progress notifications into the progress store.
func (m *Manager) handleNotification(serverID string, req *jsonrpc.Request) {
	if m.rpcLog != nil {
		payload, _ := json.Marshal(req)
		m.rpcLog.Publish(bus.RPCLogEvent{
			ServerID:  serverID,
			SessionID: m.sessionID,
			Direction: bus.DirectionNotification,
			Method:    req.Method,
			Payload:   payload,
		})
	}

	if m.progress == nil || req.Method != "notifications/progress" {
		return
	}
	var params progressParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		m.logger.Warn("malformed progress notification", "server_id", serverID, "error", err)
		return
	}
	m.progress.Publish(bus.ProgressEvent{
		ServerID:      serverID,
		ProgressToken: params.token(),
		Progress:      params.Progress,
		Total:         params.Total,
		Message:       params.Message,
	})
}

func (m *Manager) logRequest(serverID string, req *jsonrpc.Request) {
	if m.rpcLog == nil {
		return
	}
	payload, _ := json.Marshal(req)
	direction := bus.DirectionRequest
	if req.IsNotification() {
		direction = bus.DirectionNotification
	}
	m.rpcLog.Publish(bus.RPCLogEvent{
		ServerID:  serverID,
		SessionID: m.sessionID,
		Direction: direction,
		Method:    req.Method,
		Payload:   payload,
	})
}

func (m *Manager) logResponse(serverID string, resp *jsonrpc.Response) {
	if m.rpcLog == nil {
		return
	}
	payload, _ := json.Marshal(resp)
	m.rpcLog.Publish(bus.RPCLogEvent{
		ServerID:  serverID,
		SessionID: m.sessionID,
		Direction: bus.DirectionResponse,
		Payload:   payload,
	})
}

// Disconnect closes every attached server transport. A failure on one server
// is logged as a warning and does not abort cleanup of the others; the id is
// removed from bookkeeping either way so a stuck server cannot leak siblings.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	servers := make(map[string]Transport, len(m.servers))
	for id, t := range m.servers {
		servers[id] = t
	}
	m.mu.Unlock()

	for id, t := range servers {
		if err := t.Close(); err != nil {
			m.logger.Warn("server disconnect failed during teardown",
				"server_id", id,
				"session_id", m.sessionID,
				"error", err,
			)
		}
		m.mu.Lock()
		delete(m.servers, id)
		m.mu.Unlock()
	}
}
