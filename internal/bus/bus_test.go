// ABOUTME: Tests for the buffered event bus: filtering, replay, and ordering.
// ABOUTME: Validates the fail-closed empty filter and limit semantics.

package bus

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logEvent(serverID, method string) RPCLogEvent {
	return RPCLogEvent{
		ServerID:  serverID,
		Direction: DirectionRequest,
		Method:    method,
		Payload:   json.RawMessage(`{}`),
	}
}

func TestBus_PublishNotifiesMatchingListeners(t *testing.T) {
	b := NewRPCLog(0)

	var got []string
	unsub := b.Subscribe(Filter{ServerIDs: []string{"s1"}}, func(e RPCLogEvent) {
		got = append(got, e.Method)
	})
	defer unsub()

	b.Publish(logEvent("s1", "tools/list"))
	b.Publish(logEvent("s2", "tools/list"))
	b.Publish(logEvent("s1", "tools/call"))

	assert.Equal(t, []string{"tools/list", "tools/call"}, got)
}

func TestBus_EmptyServerFilterMatchesNothing(t *testing.T) {
	b := NewRPCLog(0)

	called := false
	unsub := b.Subscribe(Filter{}, func(RPCLogEvent) { called = true })
	defer unsub()

	b.Publish(logEvent("s1", "ping"))

	assert.False(t, called, "empty server-id filter must never match")
	assert.Empty(t, b.Buffer(Filter{ServerIDs: []string{}}, 10))
}

func TestBus_BufferLimitSemantics(t *testing.T) {
	b := NewRPCLog(0)
	for i := 0; i < 5; i++ {
		b.Publish(logEvent("s1", fmt.Sprintf("m%d", i)))
	}
	filter := Filter{ServerIDs: []string{"s1"}}

	assert.Empty(t, b.Buffer(filter, 0), "limit 0 returns nothing")
	assert.Len(t, b.Buffer(filter, -1), 5, "negative limit returns everything")

	recent := b.Buffer(filter, 2)
	require.Len(t, recent, 2)
	assert.Equal(t, "m3", recent[0].Method)
	assert.Equal(t, "m4", recent[1].Method)
}

func TestBus_BufferPreservesPublishOrder(t *testing.T) {
	b := NewRPCLog(0)
	b.Publish(logEvent("s1", "a"))
	b.Publish(logEvent("s2", "b"))
	b.Publish(logEvent("s1", "c"))
	b.Publish(logEvent("s2", "d"))

	events := b.Buffer(Filter{ServerIDs: []string{"s1", "s2"}}, -1)
	require.Len(t, events, 4)
	for i, method := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, method, events[i].Method)
	}
}

func TestBus_BufferFiltersByServer(t *testing.T) {
	b := NewRPCLog(0)
	b.Publish(logEvent("s1", "a"))
	b.Publish(logEvent("s2", "b"))
	b.Publish(logEvent("s1", "c"))

	events := b.Buffer(Filter{ServerIDs: []string{"s1"}}, 10)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Method)
	assert.Equal(t, "c", events[1].Method)
}

func TestBus_SessionFilter(t *testing.T) {
	b := NewRPCLog(0)
	ev := logEvent("s1", "a")
	ev.SessionID = "sess-1"
	b.Publish(ev)

	ev2 := logEvent("s1", "b")
	ev2.SessionID = "sess-2"
	b.Publish(ev2)

	events := b.Buffer(Filter{ServerIDs: []string{"s1"}, SessionID: "sess-2"}, -1)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Method)
}

func TestBus_MaxPerKeyBoundsBuffer(t *testing.T) {
	b := NewRPCLog(3)
	for i := 0; i < 10; i++ {
		b.Publish(logEvent("s1", fmt.Sprintf("m%d", i)))
	}

	events := b.Buffer(Filter{ServerIDs: []string{"s1"}}, -1)
	require.Len(t, events, 3)
	assert.Equal(t, "m7", events[0].Method)
	assert.Equal(t, "m9", events[2].Method)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewRPCLog(0)

	count := 0
	unsub := b.Subscribe(Filter{ServerIDs: []string{"s1"}}, func(RPCLogEvent) { count++ })

	b.Publish(logEvent("s1", "a"))
	unsub()
	b.Publish(logEvent("s1", "b"))
	unsub() // second call is a no-op

	assert.Equal(t, 1, count)
}

func TestBus_ListenersObserveSameOrder(t *testing.T) {
	b := NewRPCLog(0)

	var first, second []string
	defer b.Subscribe(Filter{ServerIDs: []string{"s1"}}, func(e RPCLogEvent) {
		first = append(first, e.Method)
	})()
	defer b.Subscribe(Filter{ServerIDs: []string{"s1"}}, func(e RPCLogEvent) {
		second = append(second, e.Method)
	})()

	for i := 0; i < 20; i++ {
		b.Publish(logEvent("s1", fmt.Sprintf("m%d", i)))
	}

	assert.Equal(t, first, second)
	assert.Len(t, first, 20)
}
