package protocol

import (
	"context"
	"sort"
	"sync"

	"github.com/validana-io/vserver/pkg/events"
)

// HandlerFunc implements one verb. It returns the response body on
// success. A *ClientError or *BusinessRejectError failure is a
// well-known rejection class; any other error is wrapped as an
// *InternalError by the protocol layer before being logged and
// translated to the generic client-facing message.
type HandlerFunc func(ctx context.Context, msg *Message) (any, error)

// Module registers one or more verbs against a Dispatcher, following the
// "mixin" composition pattern: a bundle of related verbs (e.g. the
// basics module) is a single function taking the dispatcher it extends.
type Module func(d *Dispatcher)

// Dispatcher is the per-API-version verb registry shared by the HTTP
// and WebSocket protocols. A Dispatcher is obtained from a
// VersionRegistry keyed by API version string.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]registeredHandler
	events   *events.Registry
}

type registeredHandler struct {
	fn      HandlerFunc
	logFlag bool
}

// NewDispatcher creates an empty per-version dispatcher. reg is the
// event registry used to emit the internal "message" event prior to
// every dispatch.
func NewDispatcher(reg *events.Registry) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]registeredHandler), events: reg}
}

// Register adds verb (case-folded by the caller) to the dispatcher.
// logFlag is copied onto the LogFlag of every Message Receive dispatches
// to this verb; Receive itself logs nothing.
func (d *Dispatcher) Register(verb string, fn HandlerFunc, logFlag bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[verb] = registeredHandler{fn: fn, logFlag: logFlag}
}

// Use applies a Module, letting handler bundles register many verbs at
// once.
func (d *Dispatcher) Use(mod Module) {
	mod(d)
}

// Receive looks up verb, emits the internal "message" event for
// introspection, then invokes the handler. An unknown verb fails with
// *UnknownVerbError listing every registered verb, sorted for
// determinism.
func (d *Dispatcher) Receive(ctx context.Context, verb string, msg *Message) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[verb]
	d.mu.RUnlock()

	if d.events != nil {
		d.events.Hub(events.TypeMessage).Emit(msg, "")
	}

	if !ok {
		return nil, &UnknownVerbError{Verb: verb, Known: d.knownVerbs()}
	}
	msg.LogFlag = h.logFlag
	return h.fn(ctx, msg)
}

// knownVerbs returns every registered verb, sorted.
func (d *Dispatcher) knownVerbs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for v := range d.handlers {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// VersionRegistry maps API version strings (case-insensitive) to their
// Dispatcher, shared by both protocols so that dispatching the same
// verb through HTTP or WebSocket reaches the same handler.
type VersionRegistry struct {
	mu     sync.RWMutex
	byVer  map[string]*Dispatcher
	events *events.Registry
}

// NewVersionRegistry creates an empty registry.
func NewVersionRegistry(reg *events.Registry) *VersionRegistry {
	return &VersionRegistry{byVer: make(map[string]*Dispatcher), events: reg}
}

// Version returns (creating if necessary) the Dispatcher for version,
// normalised to lower-case.
func (r *VersionRegistry) Version(version string) *Dispatcher {
	version = lowerASCII(version)
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byVer[version]
	if !ok {
		d = NewDispatcher(r.events)
		r.byVer[version] = d
	}
	return d
}

// Has reports whether version is a registered API version.
func (r *VersionRegistry) Has(version string) bool {
	version = lowerASCII(version)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byVer[version]
	return ok
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
