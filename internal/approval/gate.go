// ABOUTME: Human-in-the-loop approval gate that suspends tool execution.
// ABOUTME: Pending approvals resolve exactly once: by response, timeout, or cancel.

package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a request waits for a human decision.
const DefaultTimeout = 5 * time.Minute

// ErrTimeout indicates no response arrived within the approval deadline.
// It is distinct from a denial: the human never answered.
var ErrTimeout = errors.New("tool approval timed out")

// Action is the human's decision on a pending approval.
type Action string

const (
	ActionApprove Action = "approve"
	ActionDeny    Action = "deny"
)

// Pending describes one tool invocation awaiting human sign-off.
type Pending struct {
	ApprovalID      string          `json:"approval_id"`
	ToolCallID      string          `json:"tool_call_id"`
	ToolName        string          `json:"tool_name"`
	ToolDescription string          `json:"tool_description,omitempty"`
	Parameters      json.RawMessage `json:"parameters"`
	ServerName      string          `json:"server_name,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Response is the human's answer to a pending approval.
type Response struct {
	ApprovalID         string `json:"approval_id"`
	Action             Action `json:"action"`
	RememberForSession bool   `json:"remember_for_session,omitempty"`
}

// Approved reports whether the response allows the tool call.
func (r Response) Approved() bool { return r.Action == ActionApprove }

// EventType distinguishes gate broadcast events.
type EventType string

const (
	EventRequest  EventType = "tool_approval_request"
	EventComplete EventType = "tool_approval_complete"
)

// Event is broadcast to all gate subscribers, typically UI listeners, so
// every client can show and clear prompts regardless of which one answers.
type Event struct {
	Type     EventType `json:"type"`
	Approval Pending   `json:"approval"`
	Response *Response `json:"response,omitempty"`
	TimedOut bool      `json:"timed_out,omitempty"`
}

type pendingEntry struct {
	approval Pending
	respCh   chan Response
}

type gateSubscriber struct {
	id uint64
	fn func(Event)
}

// Gate coordinates the rendezvous between a tool-execution path waiting for
// permission and the HTTP handler delivering the human's answer.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	subs    []*gateSubscriber
	nextSub uint64
	timeout time.Duration
	logger  *slog.Logger
}

// NewGate creates a gate. A timeout <= 0 selects DefaultTimeout. Pass nil
// logger for the default.
func NewGate(timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending: make(map[string]*pendingEntry),
		timeout: timeout,
		logger:  logger.With("component", "approval-gate"),
	}
}

// Subscribe registers a listener for gate events and returns an unsubscribe
// function.
func (g *Gate) Subscribe(fn func(Event)) func() {
	g.mu.Lock()
	g.nextSub++
	sub := &gateSubscriber{id: g.nextSub, fn: fn}
	g.subs = append(g.subs, sub)
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, s := range g.subs {
			if s.id == sub.id {
				g.subs = append(g.subs[:i], g.subs[i+1:]...)
				return
			}
		}
	}
}

// Pending returns a snapshot of all approvals still awaiting a decision,
// letting a reconnecting UI re-render open prompts.
func (g *Gate) Pending() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.approval)
	}
	return out
}

// Request registers the approval, broadcasts it to subscribers, and blocks
// until a response arrives, the timeout elapses, or ctx is cancelled.
func (g *Gate) Request(ctx context.Context, approval Pending) (Response, error) {
	if approval.ApprovalID == "" {
		approval.ApprovalID = uuid.New().String()
	}
	if approval.Timestamp.IsZero() {
		approval.Timestamp = time.Now()
	}

	entry := &pendingEntry{
		approval: approval,
		respCh:   make(chan Response, 1),
	}

	g.mu.Lock()
	g.pending[approval.ApprovalID] = entry
	g.mu.Unlock()

	g.broadcast(Event{Type: EventRequest, Approval: approval})
	g.logger.Debug("approval requested",
		"approval_id", approval.ApprovalID,
		"tool_name", approval.ToolName,
		"server_name", approval.ServerName,
	)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.respCh:
		return resp, nil

	case <-timer.C:
		if resp, ok := g.takeLateResponse(approval.ApprovalID, entry); ok {
			return resp, nil
		}
		g.broadcast(Event{Type: EventComplete, Approval: approval, TimedOut: true})
		g.logger.Warn("approval timed out",
			"approval_id", approval.ApprovalID,
			"tool_name", approval.ToolName,
		)
		return Response{}, ErrTimeout

	case <-ctx.Done():
		if resp, ok := g.takeLateResponse(approval.ApprovalID, entry); ok {
			return resp, nil
		}
		g.broadcast(Event{Type: EventComplete, Approval: approval, TimedOut: true})
		return Response{}, ctx.Err()
	}
}

// takeLateResponse removes the entry if still pending; when the entry is
// already gone a response raced the deadline and is waiting on the channel.
func (g *Gate) takeLateResponse(id string, entry *pendingEntry) (Response, bool) {
	g.mu.Lock()
	_, stillPending := g.pending[id]
	if stillPending {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if stillPending {
		return Response{}, false
	}
	resp := <-entry.respCh
	return resp, true
}

// Respond resolves a pending approval. It returns false when the id is
// unknown or already resolved; callers must treat that as "stale, ignore"
// rather than an error, since the approval may simply have expired.
func (g *Gate) Respond(approvalID string, resp Response) bool {
	resp.ApprovalID = approvalID

	g.mu.Lock()
	entry, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}

	entry.respCh <- resp
	g.broadcast(Event{Type: EventComplete, Approval: entry.approval, Response: &resp})
	g.logger.Debug("approval resolved",
		"approval_id", approvalID,
		"action", resp.Action,
	)
	return true
}

// broadcast delivers an event to every subscriber. Subscriber callbacks run
// outside the gate lock so they may call back into the gate.
func (g *Gate) broadcast(event Event) {
	g.mu.Lock()
	targets := make([]func(Event), 0, len(g.subs))
	for _, s := range g.subs {
		targets = append(targets, s.fn)
	}
	g.mu.Unlock()

	for _, fn := range targets {
		fn(event)
	}
}
