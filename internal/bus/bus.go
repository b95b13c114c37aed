// ABOUTME: Generic in-process pub/sub with per-key buffering and replay.
// ABOUTME: Publish is synchronous and totally ordered; filters fail closed.

package bus

import (
	"sort"
	"sync"
)

// Keyed is implemented by event types carried on a Bus. The bus buffers
// events under their primary key and matches subscriptions against the
// server and session identifiers.
type Keyed interface {
	// BusKey returns the primary buffer key for the event.
	BusKey() string
	// EventServerID returns the server the event belongs to.
	EventServerID() string
	// EventSessionID returns the session the event belongs to, or "".
	EventSessionID() string
}

// Filter selects events by server id and, optionally, session id.
//
// An empty ServerIDs list matches nothing. This is deliberate: an
// unconfigured subscriber must never receive all servers' traffic.
type Filter struct {
	ServerIDs []string
	SessionID string
}

// Matches reports whether the filter selects the given event.
func (f Filter) Matches(e Keyed) bool {
	if len(f.ServerIDs) == 0 {
		return false
	}
	found := false
	for _, id := range f.ServerIDs {
		if id == e.EventServerID() {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if f.SessionID != "" && f.SessionID != e.EventSessionID() {
		return false
	}
	return true
}

// Listener receives published events matching a subscription's filter.
type Listener[E Keyed] func(E)

type subscription[E Keyed] struct {
	id       uint64
	filter   Filter
	listener Listener[E]
}

type entry[E Keyed] struct {
	seq   uint64
	event E
}

// Bus is an in-memory event bus with per-key buffering and replay.
//
// Publish appends the event to its key's buffer and synchronously invokes
// every matching listener. Delivery is serialized: all listeners observe
// events in the same total order. Listeners must not publish back into the
// same bus; they may subscribe, unsubscribe, and read buffers.
type Bus[E Keyed] struct {
	mu        sync.RWMutex
	notifyMu  sync.Mutex
	buffers   map[string][]entry[E]
	subs      []*subscription[E]
	nextSeq   uint64
	nextSubID uint64

	// maxPerKey bounds each key's buffer; 0 means unbounded.
	maxPerKey int
}

// New creates a bus whose per-key buffers hold at most maxPerKey events.
// Pass 0 for unbounded buffers.
func New[E Keyed](maxPerKey int) *Bus[E] {
	return &Bus[E]{
		buffers:   make(map[string][]entry[E]),
		maxPerKey: maxPerKey,
	}
}

// Publish appends the event to its buffer and notifies matching listeners.
func (b *Bus[E]) Publish(event E) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	b.nextSeq++
	key := event.BusKey()
	buf := append(b.buffers[key], entry[E]{seq: b.nextSeq, event: event})
	if b.maxPerKey > 0 && len(buf) > b.maxPerKey {
		buf = buf[len(buf)-b.maxPerKey:]
	}
	b.buffers[key] = buf

	targets := make([]Listener[E], 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(event) {
			targets = append(targets, sub.listener)
		}
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(event)
	}
}

// Subscribe registers a listener for events matching the filter and returns
// an unsubscribe function. Unsubscribing twice is a no-op.
func (b *Bus[E]) Subscribe(filter Filter, listener Listener[E]) func() {
	b.mu.Lock()
	b.nextSubID++
	sub := &subscription[E]{id: b.nextSubID, filter: filter, listener: listener}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Buffer returns buffered events matching the filter, in publish order.
//
// limit == 0 returns nothing; limit < 0 returns every match; otherwise the
// most recent limit matches are returned.
func (b *Bus[E]) Buffer(filter Filter, limit int) []E {
	if limit == 0 {
		return []E{}
	}

	b.mu.RLock()
	matched := make([]entry[E], 0)
	for _, buf := range b.buffers {
		for _, e := range buf {
			if filter.Matches(e.event) {
				matched = append(matched, e)
			}
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	events := make([]E, len(matched))
	for i, e := range matched {
		events[i] = e.event
	}
	return events
}

// Reset drops all buffered events. Subscriptions are kept.
func (b *Bus[E]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers = make(map[string][]entry[E])
}
