// ABOUTME: HTTP/SSE transport adapter exposing downstream servers over JSON-RPC.
// ABOUTME: Serves synchronous POST, server-push SSE with follow-up POST, and approval endpoints.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fernwood/mcp-relay/internal/approval"
	"github.com/fernwood/mcp-relay/internal/jsonrpc"
	"github.com/fernwood/mcp-relay/internal/manager"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// EndpointOverrideHeader lets a reverse proxy rewrite the follow-up POST URL
// advertised in the SSE endpoint event, so clients route back through it.
const EndpointOverrideHeader = "X-Relay-Endpoint-Base"

// defaultKeepAlive is how often SSE comment keep-alives are emitted so
// intermediary proxies neither buffer nor time out the connection.
const defaultKeepAlive = 15 * time.Second

// Runtime is the per-caller execution context the bridge dispatches into.
// Single-tenant deployments share one Runtime; hosted deployments resolve a
// tenant-private one per request.
type Runtime struct {
	Manager *manager.Manager
	Gate    *approval.Gate
}

// RuntimeResolver returns the runtime serving a request. Writing to w is
// allowed (minting identity cookies); returning an error fails the request
// with 401.
type RuntimeResolver func(w http.ResponseWriter, r *http.Request) (*Runtime, error)

// Bridge adapts the relay's call semantics onto HTTP and SSE.
type Bridge struct {
	resolve   RuntimeResolver
	table     *sessionTable
	logger    *slog.Logger
	keepAlive time.Duration
}

// New creates a Bridge that resolves per-request runtimes through resolve.
func New(resolve RuntimeResolver, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		resolve:   resolve,
		table:     newSessionTable(),
		logger:    logger.With("component", "bridge"),
		keepAlive: defaultKeepAlive,
	}
}

// RegisterRoutes attaches the bridge endpoints to the mux.
func (b *Bridge) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /servers/{serverId}", b.handleRPC)
	mux.HandleFunc("GET /servers/{serverId}", b.handleSSE)
	mux.HandleFunc("HEAD /servers/{serverId}", b.handleSSEHead)
	mux.HandleFunc("POST /servers/{serverId}/messages", b.handleFollowUp)
	mux.HandleFunc("GET /tool-approval/stream", b.handleApprovalStream)
	mux.HandleFunc("POST /tool-approval/respond", b.handleApprovalRespond)
}

// SessionCount reports the number of live SSE sessions.
func (b *Bridge) SessionCount() int {
	return b.table.count()
}

// runtime resolves the caller's runtime, answering 401 on failure.
func (b *Bridge) runtime(w http.ResponseWriter, r *http.Request) (*Runtime, bool) {
	rt, err := b.resolve(w, r)
	if err != nil {
		b.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return rt, true
}

// readRequest decodes one JSON-RPC message from the body. A nil return means
// the error response has already been written.
func (b *Bridge) readRequest(w http.ResponseWriter, r *http.Request) *jsonrpc.Request {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize))
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, "reading request body")
		return nil
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeParseError, "invalid JSON-RPC message"))
		return nil
	}
	return &req
}

// handleRPC serves the synchronous POST shape: one JSON-RPC message in, one
// response out. Notifications get 202 with no body.
func (b *Bridge) handleRPC(w http.ResponseWriter, r *http.Request) {
	rt, ok := b.runtime(w, r)
	if !ok {
		return
	}
	serverID := r.PathValue("serverId")
	req := b.readRequest(w, r)
	if req == nil {
		return
	}

	if req.IsNotification() {
		if err := rt.Manager.Notify(r.Context(), serverID, req); err != nil {
			if errors.Is(err, manager.ErrServerNotFound) {
				b.sendJSONError(w, http.StatusNotFound, "unknown server: "+serverID)
				return
			}
			b.logger.Warn("notification dispatch failed", "server_id", serverID, "method", req.Method, "error", err)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp, err := rt.Manager.Dispatch(r.Context(), serverID, req)
	if err != nil {
		if errors.Is(err, manager.ErrServerNotFound) {
			b.sendJSONError(w, http.StatusNotFound, "unknown server: "+serverID)
			return
		}
		b.logger.Error("dispatch failed", "server_id", serverID, "method", req.Method, "error", err)
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, "downstream call failed")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleSSEHead advertises the stream content type without opening one.
func (b *Bridge) handleSSEHead(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

// endpointEvent is the handshake payload naming the follow-up POST target.
type endpointEvent struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// handleSSE serves the server-push shape: register a fresh session, hand the
// client its follow-up POST target, then stream responses until the peer
// disconnects.
func (b *Bridge) handleSSE(w http.ResponseWriter, r *http.Request) {
	rt, ok := b.runtime(w, r)
	if !ok {
		return
	}
	requested := r.PathValue("serverId")
	serverID, _, ok := rt.Manager.Resolve(requested)
	if !ok {
		b.sendJSONError(w, http.StatusNotFound, "unknown server: "+requested)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		b.logger.Error("streaming not supported")
		b.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sess := b.table.register(serverID, rt)
	defer b.table.deregister(sess.id)
	b.logger.Info("sse session opened", "server_id", serverID, "session_id", sess.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	endpoint := endpointEvent{
		URL:     b.followUpURL(r, serverID, sess.id),
		Headers: map[string]string{},
	}
	if v := r.Header.Get("Authorization"); v != "" {
		endpoint.Headers["Authorization"] = v
	}
	b.writeSSEEvent(w, "endpoint", endpoint)
	flusher.Flush()

	keepAlive := time.NewTicker(b.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			b.logger.Info("sse session closed", "server_id", serverID, "session_id", sess.id)
			return

		case resp, ok := <-sess.ch:
			if !ok {
				return
			}
			b.writeSSEEvent(w, "message", resp)
			flusher.Flush()

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// followUpURL builds the advertised follow-up POST target, honoring the
// reverse-proxy override header.
func (b *Bridge) followUpURL(r *http.Request, serverID, sessionID string) string {
	path := fmt.Sprintf("/servers/%s/messages?sessionId=%s", serverID, sessionID)
	if base := r.Header.Get(EndpointOverrideHeader); base != "" {
		for len(base) > 0 && base[len(base)-1] == '/' {
			base = base[:len(base)-1]
		}
		return base + path
	}
	return path
}

// handleFollowUp serves the follow-up POST shape. The response, if any, is
// pushed over the matching SSE stream; the POST itself always 202s once a
// session resolves.
func (b *Bridge) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	rt, ok := b.runtime(w, r)
	if !ok {
		return
	}
	requested := r.PathValue("serverId")
	serverID, _, ok := rt.Manager.Resolve(requested)
	if !ok {
		serverID = requested
	}
	sessionID := r.URL.Query().Get("sessionId")

	sess, ok := b.table.lookup(rt, serverID, sessionID)
	if !ok {
		b.sendJSONError(w, http.StatusBadRequest, "no live session for server: "+requested)
		return
	}

	req := b.readRequest(w, r)
	if req == nil {
		return
	}

	// The POST returns before the dispatch finishes, so the work must not
	// die with the POST's context.
	ctx := context.WithoutCancel(r.Context())
	if req.IsNotification() {
		go func() {
			if err := sess.runtime.Manager.Notify(ctx, sess.serverID, req); err != nil {
				b.logger.Warn("follow-up notification failed", "server_id", sess.serverID, "method", req.Method, "error", err)
			}
		}()
	} else {
		go func() {
			resp, err := sess.runtime.Manager.Dispatch(ctx, sess.serverID, req)
			if err != nil {
				b.logger.Error("follow-up dispatch failed", "server_id", sess.serverID, "method", req.Method, "error", err)
				resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, "downstream call failed")
			}
			sess.send(resp)
		}()
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleApprovalStream serves the approval SSE feed: current pending
// approvals first, then live request/complete events.
func (b *Bridge) handleApprovalStream(w http.ResponseWriter, r *http.Request) {
	rt, ok := b.runtime(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		b.logger.Error("streaming not supported")
		b.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	// Gate listeners run on the publisher's goroutine; hand events to this
	// writer through a channel. A backed-up client just misses events.
	events := make(chan approval.Event, 64)
	unsubscribe := rt.Gate.Subscribe(func(ev approval.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	for _, pending := range rt.Gate.Pending() {
		b.writeSSEEvent(w, string(approval.EventRequest), approval.Event{
			Type:     approval.EventRequest,
			Approval: pending,
		})
	}
	flusher.Flush()

	keepAlive := time.NewTicker(b.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			b.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// approvalResponse is the wire shape for POST /tool-approval/respond.
type approvalResponse struct {
	ApprovalID         string `json:"approvalId"`
	Action             string `json:"action"`
	RememberForSession bool   `json:"rememberForSession,omitempty"`
}

// handleApprovalRespond delivers a human decision to the gate. An unknown or
// already-resolved id is 404: an expected race, not a failure.
func (b *Bridge) handleApprovalRespond(w http.ResponseWriter, r *http.Request) {
	rt, ok := b.runtime(w, r)
	if !ok {
		return
	}

	var req approvalResponse
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodySize)).Decode(&req); err != nil {
		b.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ApprovalID == "" {
		b.sendJSONError(w, http.StatusBadRequest, "approvalId is required")
		return
	}
	action := approval.Action(req.Action)
	if action != approval.ActionApprove && action != approval.ActionDeny {
		b.sendJSONError(w, http.StatusBadRequest, "action must be approve or deny")
		return
	}

	delivered := rt.Gate.Respond(req.ApprovalID, approval.Response{
		ApprovalID:         req.ApprovalID,
		Action:             action,
		RememberForSession: req.RememberForSession,
	})
	if !delivered {
		b.sendJSONError(w, http.StatusNotFound, "unknown or expired approval id")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true}`)
}

// writeSSEEvent writes one SSE event frame.
func (b *Bridge) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		b.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (b *Bridge) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
