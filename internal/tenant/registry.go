// ABOUTME: Per-subject runtime actor registry for hosted multi-tenant mode.
// ABOUTME: Gives each verified subject a sticky, isolated runtime reclaimed by TTL sweep.

package tenant

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernwood/mcp-relay/internal/approval"
	"github.com/fernwood/mcp-relay/internal/bus"
	"github.com/fernwood/mcp-relay/internal/session"
)

// Actor is one tenant's private runtime: its own manager store, event buses,
// and approval gate. Nothing in an Actor is ever shared across subjects.
type Actor struct {
	ID      string
	Subject string

	Store    session.Store
	RPCLog   *bus.RPCLog
	Progress *bus.ProgressStore
	Gate     *approval.Gate

	// Unsubscribe releases any bus subscriptions taken out on the actor's
	// behalf, so a reclaimed actor's buses become collectable. May be nil.
	Unsubscribe func()
}

// Shutdown disconnects every manager the actor's store holds and releases
// its bus subscriptions.
func (a *Actor) Shutdown(ctx context.Context) {
	if a.Store != nil {
		a.Store.Dispose(ctx)
	}
	if a.Unsubscribe != nil {
		a.Unsubscribe()
	}
}

// Factory builds a fresh Actor for a subject. The actor id is assigned by
// the registry.
type Factory func(subject string) (*Actor, error)

// Options configures a Registry. TTL 0 means actors are never reused: every
// Resolve creates a fresh actor and the registry caches nothing, giving
// strict isolation for tests. SweepInterval falls back to a minute when
// non-positive.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

type registryEntry struct {
	actor          *Actor
	lastAccessedAt time.Time
}

// Registry maps verified subjects to sticky actors. The first Resolve for a
// subject creates its actor; later Resolves return the same instance until a
// TTL sweep reclaims it. Sweeps are opportunistic, piggybacked on Resolve.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*registryEntry
	factory   Factory
	ttl       time.Duration
	sweepEach time.Duration
	lastSweep time.Time
	logger    *slog.Logger

	now func() time.Time
}

// NewRegistry creates a tenant registry.
func NewRegistry(factory Factory, opts Options) *Registry {
	sweepEach := opts.SweepInterval
	if sweepEach <= 0 {
		sweepEach = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:   make(map[string]*registryEntry),
		factory:   factory,
		ttl:       opts.TTL,
		sweepEach: sweepEach,
		lastSweep: time.Now(),
		logger:    logger.With("component", "tenant-registry"),
		now:       time.Now,
	}
}

// Resolve returns the actor for a verified subject, creating one on first
// use. With TTL 0 every call returns a brand-new actor that the registry
// does not retain.
func (r *Registry) Resolve(subject string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) >= r.sweepEach {
		r.sweepLocked(now)
	}

	if r.ttl == 0 {
		return r.newActorLocked(subject)
	}

	if e, ok := r.entries[subject]; ok {
		e.lastAccessedAt = now
		return e.actor, nil
	}

	actor, err := r.newActorLocked(subject)
	if err != nil {
		return nil, err
	}
	r.entries[subject] = &registryEntry{actor: actor, lastAccessedAt: now}
	r.logger.Info("tenant actor created",
		"subject", subject,
		"actor_id", actor.ID,
		"live_actors", len(r.entries),
	)
	return actor, nil
}

func (r *Registry) newActorLocked(subject string) (*Actor, error) {
	actor, err := r.factory(subject)
	if err != nil {
		return nil, err
	}
	actor.ID = uuid.NewString()
	actor.Subject = subject
	return actor, nil
}

// Len returns the number of cached actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sweepLocked reclaims actor entries idle longer than the TTL. Must be
// called with mu held.
func (r *Registry) sweepLocked(now time.Time) {
	r.lastSweep = now
	for subject, e := range r.entries {
		if now.Sub(e.lastAccessedAt) >= r.ttl {
			delete(r.entries, subject)
			r.logger.Info("tenant actor reclaimed", "subject", subject, "actor_id", e.actor.ID)
			go e.actor.Shutdown(context.Background())
		}
	}
}

// Dispose shuts down every cached actor and empties the registry.
func (r *Registry) Dispose(ctx context.Context) {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.entries))
	for _, e := range r.entries {
		actors = append(actors, e.actor)
	}
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, a := range actors {
		a.Shutdown(ctx)
	}
}
