// ABOUTME: Tests for the tenant actor registry.
// ABOUTME: Covers stickiness, subject isolation, TTL-zero freshness, and sweeps.

package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwood/mcp-relay/internal/session"
)

func testFactory(subject string) (*Actor, error) {
	store := session.NewSingletonStore(func(ctx context.Context, key string) (session.Handle, error) {
		return nopHandle{}, nil
	})
	return &Actor{Store: store}, nil
}

type nopHandle struct{}

func (nopHandle) Disconnect(ctx context.Context) {}

func TestResolveStickyPerSubject(t *testing.T) {
	r := NewRegistry(testFactory, Options{TTL: time.Hour})

	a1, err := r.Resolve("alice")
	require.NoError(t, err)
	a2, err := r.Resolve("alice")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, "alice", a1.Subject)
	assert.NotEmpty(t, a1.ID)
}

func TestResolveIsolatesSubjects(t *testing.T) {
	r := NewRegistry(testFactory, Options{TTL: time.Hour})

	alice, err := r.Resolve("alice")
	require.NoError(t, err)
	bob, err := r.Resolve("bob")
	require.NoError(t, err)

	assert.NotSame(t, alice, bob)
	assert.NotEqual(t, alice.ID, bob.ID)
	assert.NotSame(t, alice.Store, bob.Store)
}

func TestResolveZeroTTLNeverReuses(t *testing.T) {
	r := NewRegistry(testFactory, Options{TTL: 0})

	a1, err := r.Resolve("alice")
	require.NoError(t, err)
	a2, err := r.Resolve("alice")
	require.NoError(t, err)

	assert.NotSame(t, a1, a2)
	assert.Equal(t, 0, r.Len(), "zero TTL actors must not be cached")
}

func TestSweepReclaimsIdleActors(t *testing.T) {
	r := NewRegistry(testFactory, Options{TTL: 10 * time.Minute, SweepInterval: time.Minute})

	base := time.Now()
	r.now = func() time.Time { return base }
	_, err := r.Resolve("alice")
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	r.now = func() time.Time { return base.Add(11 * time.Minute) }
	fresh, err := r.Resolve("alice")
	require.NoError(t, err)

	// The idle actor was reclaimed by the sweep; this resolve built a new one.
	assert.Equal(t, 1, r.Len())
	again, err := r.Resolve("alice")
	require.NoError(t, err)
	assert.Same(t, fresh, again)
}

func TestResolveRefreshesTTL(t *testing.T) {
	r := NewRegistry(testFactory, Options{TTL: 10 * time.Minute, SweepInterval: time.Minute})

	base := time.Now()
	r.now = func() time.Time { return base }
	a1, err := r.Resolve("alice")
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(6 * time.Minute) }
	_, err = r.Resolve("alice")
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(12 * time.Minute) }
	a2, err := r.Resolve("alice")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
}

func TestSweepReleasesActorSubscriptions(t *testing.T) {
	released := make(chan string, 2)
	factory := func(subject string) (*Actor, error) {
		store := session.NewSingletonStore(func(ctx context.Context, key string) (session.Handle, error) {
			return nopHandle{}, nil
		})
		return &Actor{
			Store:       store,
			Unsubscribe: func() { released <- subject },
		}, nil
	}
	r := NewRegistry(factory, Options{TTL: 10 * time.Minute, SweepInterval: time.Minute})

	base := time.Now()
	r.now = func() time.Time { return base }
	_, err := r.Resolve("alice")
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(11 * time.Minute) }
	_, err = r.Resolve("bob")
	require.NoError(t, err)

	// The sweep reclaimed alice's actor and ran its unsubscribe.
	select {
	case subject := <-released:
		assert.Equal(t, "alice", subject)
	case <-time.After(time.Second):
		t.Fatal("reclaimed actor's subscription was never released")
	}
}

func TestDisposeEmptiesRegistry(t *testing.T) {
	r := NewRegistry(testFactory, Options{TTL: time.Hour})

	_, err := r.Resolve("alice")
	require.NoError(t, err)
	_, err = r.Resolve("bob")
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	r.Dispose(context.Background())
	assert.Equal(t, 0, r.Len())
}
