// ABOUTME: Session-keyed store of connection manager handles with TTL and capacity limits.
// ABOUTME: Sweeps expired entries opportunistically on access; evicts one LRU victim at capacity.

package session

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handle is the store's view of a connection manager. The store governs only
// when a handle is created and disconnected; everything else is opaque to it.
type Handle interface {
	Disconnect(ctx context.Context)
}

// Factory creates a new handle for a session key. It is invoked at most once
// per live session key.
type Factory func(ctx context.Context, sessionKey string) (Handle, error)

// Store hands out connection manager handles keyed by session.
type Store interface {
	// GetManager returns the handle for the session key, creating it if
	// none exists.
	GetManager(ctx context.Context, sessionKey string) (Handle, error)
	// Dispose disconnects every live handle and empties the store.
	Dispose(ctx context.Context)
}

// SingletonStore shares one handle across all session keys. Used when the
// relay fronts a single backend that multiplexes sessions itself.
type SingletonStore struct {
	mu      sync.Mutex
	factory Factory
	handle  Handle
}

// NewSingletonStore creates a store that lazily builds one shared handle.
func NewSingletonStore(factory Factory) *SingletonStore {
	return &SingletonStore{factory: factory}
}

func (s *SingletonStore) GetManager(ctx context.Context, sessionKey string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return s.handle, nil
	}
	h, err := s.factory(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	s.handle = h
	return h, nil
}

func (s *SingletonStore) Dispose(ctx context.Context) {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h != nil {
		h.Disconnect(ctx)
	}
}

const (
	// DefaultSweepInterval bounds how stale an expired entry can linger.
	DefaultSweepInterval = time.Minute
	// DefaultMaxEntries caps the store when no explicit limit is given.
	DefaultMaxEntries = 1000
)

// Options configures a SessionStore. TTL is honored verbatim, including zero:
// a zero TTL means entries expire at the very next sweep. SweepInterval and
// MaxEntries fall back to defaults when non-positive.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxEntries    int
	Logger        *slog.Logger
}

// storeEntry tracks one live session handle. The list element points into the
// access-order list (least recently used at the front).
type storeEntry struct {
	key            string
	handle         Handle
	lastAccessedAt time.Time
	element        *list.Element
}

// SessionStore keeps one handle per session key. Expired entries are reaped by
// an opportunistic sweep piggybacked on access rather than a background
// goroutine, so an idle store does no work and holds no timers.
type SessionStore struct {
	mu        sync.Mutex
	entries   map[string]*storeEntry
	order     *list.List // keys in access order, LRU at front
	factory   Factory
	ttl       time.Duration
	sweepEach time.Duration
	maxSize   int
	lastSweep time.Time
	logger    *slog.Logger

	now func() time.Time
}

// NewSessionStore creates a per-session store with the given options.
func NewSessionStore(factory Factory, opts Options) *SessionStore {
	sweepEach := opts.SweepInterval
	if sweepEach <= 0 {
		sweepEach = DefaultSweepInterval
	}
	maxSize := opts.MaxEntries
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		entries:   make(map[string]*storeEntry),
		order:     list.New(),
		factory:   factory,
		ttl:       opts.TTL,
		sweepEach: sweepEach,
		maxSize:   maxSize,
		lastSweep: time.Now(),
		logger:    logger.With("component", "session-store"),
		now:       time.Now,
	}
}

// GetManager returns the handle for sessionKey, creating one on first use.
// Each access refreshes the entry's TTL and its position in the LRU order.
func (s *SessionStore) GetManager(ctx context.Context, sessionKey string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= s.sweepEach {
		s.sweepLocked(now)
	}

	if e, ok := s.entries[sessionKey]; ok {
		e.lastAccessedAt = now
		s.order.MoveToBack(e.element)
		return e.handle, nil
	}

	// Exactly one victim per insert: the store never drops below maxSize-1
	// on a capacity eviction, and never exceeds maxSize after the insert.
	if len(s.entries) >= s.maxSize {
		s.evictOldestLocked("capacity")
	}

	h, err := s.factory(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	elem := s.order.PushBack(sessionKey)
	s.entries[sessionKey] = &storeEntry{
		key:            sessionKey,
		handle:         h,
		lastAccessedAt: now,
		element:        elem,
	}
	s.logger.Info("session created", "session_key", sessionKey, "live_sessions", len(s.entries))
	return h, nil
}

// Len returns the number of live entries.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweepLocked removes every entry whose TTL has elapsed. Must be called with
// mu held.
func (s *SessionStore) sweepLocked(now time.Time) {
	s.lastSweep = now
	for key, e := range s.entries {
		if now.Sub(e.lastAccessedAt) >= s.ttl {
			s.removeLocked(key, "ttl_expired")
		}
	}
}

// evictOldestLocked removes the least recently used entry. Must be called
// with mu held.
func (s *SessionStore) evictOldestLocked(reason string) {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	s.removeLocked(key, reason)
}

// removeLocked deletes an entry and disconnects its handle asynchronously so
// a slow or stuck downstream server never blocks the caller holding the lock.
func (s *SessionStore) removeLocked(key, reason string) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	s.order.Remove(e.element)
	delete(s.entries, key)
	s.logger.Info("session evicted", "session_key", key, "reason", reason)
	go e.handle.Disconnect(context.Background())
}

// Dispose disconnects every handle synchronously and empties the store.
func (s *SessionStore) Dispose(ctx context.Context) {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.entries))
	for _, e := range s.entries {
		handles = append(handles, e.handle)
	}
	s.entries = make(map[string]*storeEntry)
	s.order.Init()
	s.mu.Unlock()

	for _, h := range handles {
		h.Disconnect(ctx)
	}
}
