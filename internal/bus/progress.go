// ABOUTME: Progress store tracking long-running call progress per (server, token).
// ABOUTME: Adds token-to-task association and a latest-progress-per-server query.

package bus

import (
	"sync"
	"time"
)

// ProgressEvent is one increment of progress for a long-running downstream
// call, correlated by an opaque progress token.
type ProgressEvent struct {
	ServerID      string    `json:"server_id"`
	ProgressToken string    `json:"progress_token"`
	Progress      float64   `json:"progress"`
	Total         float64   `json:"total,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// BusKey keys progress buffers by (server, token).
func (e ProgressEvent) BusKey() string        { return e.ServerID + "\x00" + e.ProgressToken }
func (e ProgressEvent) EventServerID() string { return e.ServerID }
func (e ProgressEvent) EventSessionID() string {
	return ""
}

// ProgressStore is the progress instantiation of the event bus. Beyond plain
// publish/subscribe/replay it maintains a token→task association so a progress
// token can be resolved to a higher-level task id after the fact, and answers
// "latest progress for this server" for watchers that do not know which token
// to ask for.
type ProgressStore struct {
	*Bus[ProgressEvent]

	mu     sync.RWMutex
	tasks  map[string]string              // progress token -> task id
	tokens map[string]map[string]struct{} // server id -> tracked tokens
}

// NewProgressStore creates a progress store whose per-token buffers hold at
// most maxPerKey events (0 for unbounded).
func NewProgressStore(maxPerKey int) *ProgressStore {
	return &ProgressStore{
		Bus:    New[ProgressEvent](maxPerKey),
		tasks:  make(map[string]string),
		tokens: make(map[string]map[string]struct{}),
	}
}

// Publish records the event's token under its server and publishes it.
func (s *ProgressStore) Publish(event ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.mu.Lock()
	if _, ok := s.tokens[event.ServerID]; !ok {
		s.tokens[event.ServerID] = make(map[string]struct{})
	}
	s.tokens[event.ServerID][event.ProgressToken] = struct{}{}
	s.mu.Unlock()

	s.Bus.Publish(event)
}

// AssociateTask records the task a progress token belongs to.
func (s *ProgressStore) AssociateTask(progressToken, taskID string) {
	s.mu.Lock()
	s.tasks[progressToken] = taskID
	s.mu.Unlock()
}

// TaskFor resolves a progress token to its associated task id.
func (s *ProgressStore) TaskFor(progressToken string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	taskID, ok := s.tasks[progressToken]
	return taskID, ok
}

// Latest returns the most recent progress event across every token tracked
// for the server, chosen by greatest timestamp.
func (s *ProgressStore) Latest(serverID string) (ProgressEvent, bool) {
	var latest ProgressEvent
	found := false
	for _, ev := range s.Buffer(Filter{ServerIDs: []string{serverID}}, -1) {
		if !found || ev.Timestamp.After(latest.Timestamp) {
			latest = ev
			found = true
		}
	}
	return latest, found
}
