package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal Connection for tests: OnClose registers a
// callback, Close invokes every registered callback (simulating a
// transport tearing down).
type fakeConn struct {
	mu    sync.Mutex
	onCls []func()
}

func (f *fakeConn) OnClose(fn func()) {
	f.mu.Lock()
	f.onCls = append(f.onCls, fn)
	f.mu.Unlock()
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	cbs := append([]func(){}, f.onCls...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func TestHub_EmitInRegistrationOrder(t *testing.T) {
	h := NewHub()
	var order []int
	h.Subscribe(nil, func(any) { order = append(order, 1) }, "s")
	h.Subscribe(nil, func(any) { order = append(order, 2) }, "s")
	h.Subscribe(nil, func(any) { order = append(order, 3) }, "s")

	h.Emit("x", "s")
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestHub_PanicInCallbackDoesNotStopOthers(t *testing.T) {
	h := NewHub()
	var ran []int
	h.Subscribe(nil, func(any) { panic("boom") }, "s")
	h.Subscribe(nil, func(any) { ran = append(ran, 1) }, "s")

	assert.NotPanics(t, func() { h.Emit("x", "s") })
	assert.Equal(t, []int{1}, ran)
}

func TestHub_CloseRemovesSubscription(t *testing.T) {
	h := NewHub()
	conn := &fakeConn{}
	called := false
	h.Subscribe(conn, func(any) { called = true }, "s")

	require.Equal(t, 1, h.SubscribersCount("s"))
	conn.Close()
	require.Equal(t, 0, h.SubscribersCount("s"))

	h.Emit("x", "s")
	assert.False(t, called, "callback for a closed connection must never fire")
}

func TestHub_UnsubscribeRemovesOnlyMatchingConnection(t *testing.T) {
	h := NewHub()
	connA := &fakeConn{}
	connB := &fakeConn{}
	h.Subscribe(connA, func(any) {}, "s")
	h.Subscribe(connB, func(any) {}, "s")

	h.Unsubscribe(connA, "s")
	assert.Equal(t, 1, h.SubscribersCount("s"))
}

func TestHub_GlobalSubscriptionSurvivesConnectionClose(t *testing.T) {
	h := NewHub()
	called := false
	h.Subscribe(nil, func(any) { called = true }, "s")
	conn := &fakeConn{}
	h.Subscribe(conn, func(any) {}, "s")
	conn.Close()

	h.Emit("x", "s")
	assert.True(t, called)
	assert.Equal(t, 1, h.SubscribersCount("s"))
}

func TestHub_EmptySubtypeRemovedAfterLastUnsubscribe(t *testing.T) {
	h := NewHub()
	conn := &fakeConn{}
	h.Subscribe(conn, func(any) {}, "s")
	h.Unsubscribe(conn, "s")
	assert.Equal(t, 0, h.SubtypeCount())
}

func TestHub_Introspection(t *testing.T) {
	h := NewHub()
	h.Subscribe(nil, func(any) {}, "a")
	h.Subscribe(nil, func(any) {}, "b")
	h.Subscribe(nil, func(any) {}, "b")

	assert.True(t, h.HasSubscribers("a"))
	assert.False(t, h.HasSubscribers("missing"))
	assert.Equal(t, 2, h.SubscribersCount("b"))
	assert.Equal(t, 2, h.SubtypeCount())
	assert.ElementsMatch(t, []string{"a", "b"}, h.Subtypes())
}
