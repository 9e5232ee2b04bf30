// Package events implements the in-process publish/subscribe hub that
// joins database change notifications (via pkg/notifylistener) to
// per-connection subscriptions held by the HTTP and WebSocket protocols.
package events

import "sync"

// Callback receives emitted data for a subscription.
type Callback func(data any)

// Connection is the minimal shape a subscriber needs: something that
// can notify the hub when it goes away. httpproto and wsproto
// connections both implement this. The hub never holds a strong
// reference back from the connection — it registers a removal closure
// via OnClose instead, avoiding a subscription/connection ownership
// cycle.
type Connection interface {
	OnClose(func())
}

type subscriber struct {
	conn Connection // nil for a "global" subscription
	cb   Callback
}

// Hub is a single named event type's subtype -> subscriber-list table.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]*subscriber // subtype -> ordered subscriber list ("" = no subtype)
}

// NewHub creates an empty Hub for one event type.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*subscriber)}
}

// Subscribe appends a subscriber to subtype's list. If conn is non-nil,
// the subscription is automatically removed when conn closes; a nil conn
// produces a "global" subscription removable only via explicit Unsubscribe.
func (h *Hub) Subscribe(conn Connection, cb Callback, subtype string) {
	h.mu.Lock()
	s := &subscriber{conn: conn, cb: cb}
	h.subs[subtype] = append(h.subs[subtype], s)
	h.mu.Unlock()

	if conn != nil {
		conn.OnClose(func() {
			h.removeWhere(subtype, func(other *subscriber) bool { return other.conn == conn })
		})
	}
}

// Unsubscribe removes every subscriber in subtype whose connection equals
// conn (or every global subscriber, if conn is nil).
func (h *Hub) Unsubscribe(conn Connection, subtype string) {
	h.removeWhere(subtype, func(s *subscriber) bool { return s.conn == conn })
}

func (h *Hub) removeWhere(subtype string, match func(*subscriber) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list, ok := h.subs[subtype]
	if !ok {
		return
	}
	kept := list[:0:0]
	for _, s := range list {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(h.subs, subtype)
		return
	}
	h.subs[subtype] = kept
}

// Emit invokes every subtype subscriber's callback, synchronously, in
// registration order. A callback that panics does not prevent later
// callbacks in the same emit from running; each is isolated by a
// recover.
func (h *Hub) Emit(data any, subtype string) {
	h.mu.Lock()
	list := append([]*subscriber(nil), h.subs[subtype]...)
	h.mu.Unlock()

	for _, s := range list {
		invoke(s.cb, data)
	}
}

func invoke(cb Callback, data any) {
	defer func() { _ = recover() }()
	cb(data)
}

// HasSubscribers reports whether subtype has any subscriber.
func (h *Hub) HasSubscribers(subtype string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[subtype]) > 0
}

// SubscribersCount returns the number of subscribers on subtype.
func (h *Hub) SubscribersCount(subtype string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[subtype])
}

// SubtypeCount returns the number of distinct subtypes with subscribers.
func (h *Hub) SubtypeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subtypes returns the current subtype keys with at least one subscriber.
func (h *Hub) Subtypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.subs))
	for k := range h.subs {
		out = append(out, k)
	}
	return out
}
