// ABOUTME: In-memory table of live SSE sessions keyed by session id.
// ABOUTME: Tracks a per-runtime "latest" pointer for follow-up POST fallback.

package bridge

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fernwood/mcp-relay/internal/jsonrpc"
	"github.com/fernwood/mcp-relay/internal/manager"
)

// sessionBufferSize bounds how many responses can queue for a slow SSE
// reader before new ones are dropped.
const sessionBufferSize = 64

// sseSession is one live server-push connection.
type sseSession struct {
	id       string
	serverID string
	runtime  *Runtime
	ch       chan *jsonrpc.Response

	mu     sync.Mutex
	closed bool
}

// send queues a response for the session's SSE writer. Sends to a closed or
// backed-up session are dropped; the peer is gone or too slow to care.
func (s *sseSession) send(resp *jsonrpc.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- resp:
		return true
	default:
		return false
	}
}

func (s *sseSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// latestKey scopes the fallback pointer to one caller's manager, so a
// follow-up POST can never land on a session opened by a different caller.
// Runtime structs are rebuilt per request; the manager is the stable identity
// of a caller's scope.
type latestKey struct {
	mgr      *manager.Manager
	serverID string
}

// sessionTable registers live SSE sessions and remembers, per caller and
// server, the most recently opened one so follow-up POSTs from clients that
// lost their session id still have somewhere to go.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*sseSession
	latest   map[latestKey]string
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*sseSession),
		latest:   make(map[latestKey]string),
	}
}

// register creates a session for the server and marks it as the caller's
// latest for that server.
func (t *sessionTable) register(serverID string, rt *Runtime) *sseSession {
	s := &sseSession{
		id:       uuid.NewString(),
		serverID: serverID,
		runtime:  rt,
		ch:       make(chan *jsonrpc.Response, sessionBufferSize),
	}
	t.mu.Lock()
	t.sessions[s.id] = s
	t.latest[latestKey{rt.Manager, serverID}] = s.id
	t.mu.Unlock()
	return s
}

// deregister removes the session and clears its latest pointer if it still
// names this session. A newer session's pointer is left alone.
func (t *sessionTable) deregister(sessionID string) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
		key := latestKey{s.runtime.Manager, s.serverID}
		if t.latest[key] == sessionID {
			delete(t.latest, key)
		}
	}
	t.mu.Unlock()
	if ok {
		s.close()
	}
}

// lookup finds the session for a follow-up POST: the exact session id if it
// is live, else the caller's most recent session for the server, else
// nothing. Both paths are scoped to the caller's runtime; a session opened
// under a different manager is invisible.
func (t *sessionTable) lookup(rt *Runtime, serverID, sessionID string) (*sseSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[sessionID]; ok && s.runtime.Manager == rt.Manager {
		return s, true
	}
	if latestID, ok := t.latest[latestKey{rt.Manager, serverID}]; ok {
		if s, ok := t.sessions[latestID]; ok {
			return s, true
		}
	}
	return nil, false
}

// count returns the number of live sessions.
func (t *sessionTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
