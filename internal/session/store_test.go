// ABOUTME: Tests for the session-keyed manager store.
// ABOUTME: Covers stickiness, TTL sweeps, capacity eviction, and disposal.

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	key string

	mu           sync.Mutex
	disconnected bool
}

func (f *fakeHandle) Disconnect(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeHandle) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type handleTracker struct {
	mu      sync.Mutex
	created []*fakeHandle
}

func (t *handleTracker) factory(ctx context.Context, key string) (Handle, error) {
	h := &fakeHandle{key: key}
	t.mu.Lock()
	t.created = append(t.created, h)
	t.mu.Unlock()
	return h, nil
}

func (t *handleTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.created)
}

func (t *handleTracker) find(key string) *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.created) - 1; i >= 0; i-- {
		if t.created[i].key == key {
			return t.created[i]
		}
	}
	return nil
}

func waitDisconnected(t *testing.T, h *fakeHandle) {
	t.Helper()
	require.Eventually(t, h.isDisconnected, time.Second, 5*time.Millisecond)
}

func TestSingletonStoreSharesHandle(t *testing.T) {
	tr := &handleTracker{}
	store := NewSingletonStore(tr.factory)

	a, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)
	b, err := store.GetManager(context.Background(), "beta")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, tr.count())

	store.Dispose(context.Background())
	assert.True(t, a.(*fakeHandle).isDisconnected())
}

func TestSessionStoreDistinctKeysDistinctHandles(t *testing.T) {
	tr := &handleTracker{}
	store := NewSessionStore(tr.factory, Options{TTL: time.Hour})

	a, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)
	b, err := store.GetManager(context.Background(), "beta")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, tr.count())
}

func TestSessionStoreStickyWithinTTL(t *testing.T) {
	tr := &handleTracker{}
	store := NewSessionStore(tr.factory, Options{TTL: time.Hour})

	a, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)
	again, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Same(t, a, again)
	assert.Equal(t, 1, tr.count())
}

func TestSessionStoreZeroTTLStickyBetweenSweeps(t *testing.T) {
	// TTL zero means the entry dies at the next sweep, but between sweeps
	// the same handle keeps being returned.
	tr := &handleTracker{}
	store := NewSessionStore(tr.factory, Options{TTL: 0, SweepInterval: time.Hour})

	a, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)
	again, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Same(t, a, again)
	assert.Equal(t, 1, tr.count())
}

func TestSessionStoreSweepRemovesExpired(t *testing.T) {
	tr := &handleTracker{}
	store := NewSessionStore(tr.factory, Options{TTL: 10 * time.Minute, SweepInterval: time.Minute})

	base := time.Now()
	store.now = func() time.Time { return base }

	_, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)
	_, err = store.GetManager(context.Background(), "beta")
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	// Advance past both the TTL and the sweep interval; the next access
	// reaps the stale entries before serving.
	store.now = func() time.Time { return base.Add(11 * time.Minute) }
	_, err = store.GetManager(context.Background(), "gamma")
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len())
	waitDisconnected(t, tr.find("alpha"))
	waitDisconnected(t, tr.find("beta"))
	assert.False(t, tr.find("gamma").isDisconnected())
}

func TestSessionStoreAccessRefreshesTTL(t *testing.T) {
	tr := &handleTracker{}
	store := NewSessionStore(tr.factory, Options{TTL: 10 * time.Minute, SweepInterval: time.Minute})

	base := time.Now()
	store.now = func() time.Time { return base }
	_, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)

	// Touch alpha at +6m, then sweep at +12m: alpha is 6m old, survives.
	store.now = func() time.Time { return base.Add(6 * time.Minute) }
	_, err = store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(12 * time.Minute) }
	_, err = store.GetManager(context.Background(), "other")
	require.NoError(t, err)

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 2, tr.count())
}

func TestSessionStoreCapacityEvictsLRU(t *testing.T) {
	tr := &handleTracker{}
	store := NewSessionStore(tr.factory, Options{TTL: time.Hour, MaxEntries: 2})

	_, err := store.GetManager(context.Background(), "a")
	require.NoError(t, err)
	_, err = store.GetManager(context.Background(), "b")
	require.NoError(t, err)

	// Accessing "a" makes "b" the least recently used entry.
	_, err = store.GetManager(context.Background(), "a")
	require.NoError(t, err)

	_, err = store.GetManager(context.Background(), "c")
	require.NoError(t, err)

	assert.Equal(t, 2, store.Len())
	waitDisconnected(t, tr.find("b"))
	assert.False(t, tr.find("a").isDisconnected())

	// "a" survived; fetching it again must not create a new handle.
	before := tr.count()
	_, err = store.GetManager(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, before, tr.count())
}

func TestSessionStoreEvictsExactlyOnePerInsert(t *testing.T) {
	tr := &handleTracker{}
	store := NewSessionStore(tr.factory, Options{TTL: time.Hour, MaxEntries: 3})

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.GetManager(context.Background(), key)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, store.Len())
	waitDisconnected(t, tr.find("a"))
	waitDisconnected(t, tr.find("b"))
	assert.False(t, tr.find("e").isDisconnected())
}

func TestSessionStoreFactoryErrorNotCached(t *testing.T) {
	boom := errors.New("dial failed")
	fail := true
	factory := func(ctx context.Context, key string) (Handle, error) {
		if fail {
			return nil, boom
		}
		return &fakeHandle{key: key}, nil
	}
	store := NewSessionStore(factory, Options{TTL: time.Hour})

	_, err := store.GetManager(context.Background(), "alpha")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.Len())

	fail = false
	h, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestSessionStoreDispose(t *testing.T) {
	tr := &handleTracker{}
	store := NewSessionStore(tr.factory, Options{TTL: time.Hour})

	_, err := store.GetManager(context.Background(), "alpha")
	require.NoError(t, err)
	_, err = store.GetManager(context.Background(), "beta")
	require.NoError(t, err)

	store.Dispose(context.Background())

	assert.Equal(t, 0, store.Len())
	assert.True(t, tr.find("alpha").isDisconnected())
	assert.True(t, tr.find("beta").isDisconnected())
}
