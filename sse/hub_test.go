package sse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReplaysHistory(t *testing.T) {
	h := NewHub()
	h.Publish("t1", Event{"status": "queued"})
	h.Publish("t1", Event{"status": "running"})

	events, _, unsub := h.Get("t1").Subscribe()
	defer unsub()

	ev := <-events
	assert.Equal(t, "queued", ev["status"])
	ev = <-events
	assert.Equal(t, "running", ev["status"])
}

func TestLiveDelivery(t *testing.T) {
	h := NewHub()
	events, _, unsub := h.Get("t1").Subscribe()
	defer unsub()

	h.Publish("t1", Event{"status": "done"})

	select {
	case ev := <-events:
		assert.Equal(t, "done", ev["status"])
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestCloseTaskSignalsDone(t *testing.T) {
	h := NewHub()
	b := h.Get("t1")
	events, done, unsub := b.Subscribe()
	defer unsub()

	h.CloseTask("t1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not signaled")
	}
	_, open := <-events
	assert.False(t, open)

	// state dropped, a new Get returns a fresh broadcaster
	b2 := h.Get("t1")
	assert.NotSame(t, b, b2)
	assert.False(t, b2.Closed())
}

func TestSubscribeAfterClose(t *testing.T) {
	b := newBroadcaster()
	b.Send(Event{"n": 1})
	b.Close()

	events, done, _ := b.Subscribe()
	ev, open := <-events
	require.True(t, open)
	assert.Equal(t, 1, ev["n"])
	_, open = <-events
	assert.False(t, open)
	select {
	case <-done:
	default:
		t.Fatal("done should be closed")
	}
}

func TestSlowClientDropped(t *testing.T) {
	b := newBroadcaster()
	events, done, unsub := b.Subscribe()
	defer unsub()

	// fill the buffer without reading
	for i := 0; i < 300; i++ {
		b.Send(Event{"n": i})
	}

	drained := 0
	for range events {
		drained++
	}
	assert.Less(t, drained, 300, "client dropped before all events")
	select {
	case <-done:
		t.Fatal("done must stay open on slow-client drop")
	default:
	}
}

func TestHistoryCopy(t *testing.T) {
	b := newBroadcaster()
	b.Send(Event{"a": 1})
	hist := b.History()
	require.Len(t, hist, 1)
	b.Send(Event{"a": 2})
	assert.Len(t, hist, 1)
}
