// Package basics is the reference implementation of the six built-in
// verbs a vserver deployment registers by default: process, transaction,
// txStatus, contracts, time, metrics: a bundle of related operations
// sharing one set of dependencies, composed onto a protocol.Dispatcher.
package basics

import (
	"time"

	"github.com/validana-io/vserver/pkg/cache"
	"github.com/validana-io/vserver/pkg/events"
	"github.com/validana-io/vserver/pkg/metrics"
	"github.com/validana-io/vserver/pkg/protocol"
	"github.com/validana-io/vserver/pkg/store"
)

// Deps bundles everything the built-in verbs need. A zero-value Deps is
// not usable; Store and Events are required.
type Deps struct {
	Store  *store.Store
	Events *events.Registry

	// Contracts caches contract descriptors served by the `contracts`
	// verb.
	Contracts *cache.Cache

	Exporter       *metrics.Exporter
	MetricsEnabled func() bool
	MetricsToken   string

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

const contractsCacheTTL = 5 * time.Minute

// Register wires the six built-in verbs onto d, lower-cased as the
// dispatch layer requires (verb matching is case-insensitive via the
// caller lower-casing before Receive).
func Register(d *protocol.Dispatcher, deps Deps) {
	if deps.Contracts != nil {
		deps.Contracts.RegisterAddAll(contractsCacheTTL, deps.refreshContracts)
	}

	d.Register("process", deps.handleProcess, true)
	d.Register("contracts", deps.handleContracts, true)
	d.Register("transaction", deps.handleTransaction, true)
	d.Register("txstatus", deps.handleTxStatus, true)
	d.Register("time", deps.handleTime, true)
	d.Register("metrics", deps.handleMetrics, false)
}
