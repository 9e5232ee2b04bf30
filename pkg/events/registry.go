package events

import "sync"

// Event types the core itself emits and consumes.
const (
	// TypeMessage is emitted by the request dispatcher immediately before
	// dispatch, for introspection hooks — it carries the *Message being
	// dispatched (as `any`, to avoid an import cycle with pkg/protocol).
	TypeMessage = "message"

	// Transaction notification fanout event types.
	TypeTransactionID       = "transactionId"
	TypeTransactionAddress  = "transactionAddress"
	TypeTransactionContract = "transactionContract"
	TypeTransaction         = "transaction"
)

// Registry is a process-wide collection of named Hub instances, one per
// event type, created lazily on first use. A single Registry instance is
// shared by the request dispatcher, the notification listener, and the
// basics handler module within one worker process.
type Registry struct {
	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewRegistry creates an empty event-type registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[string]*Hub)}
}

// Hub returns the named event type's Hub, creating it if necessary.
func (r *Registry) Hub(eventType string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[eventType]
	if !ok {
		h = NewHub()
		r.hubs[eventType] = h
	}
	return h
}

// HasSubscribers reports whether the named event type currently has any
// subscriber for the given subtype, without creating the Hub as a side
// effect.
func (r *Registry) HasSubscribers(eventType, subtype string) bool {
	r.mu.Lock()
	h, ok := r.hubs[eventType]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return h.HasSubscribers(subtype)
}
