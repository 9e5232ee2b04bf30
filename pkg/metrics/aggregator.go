package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Aggregator accumulates one worker's metrics locally: totals
// (append-only counters, reset to zero after each sync) and currents
// (gauges, retained across syncs). It satisfies httpproto.LatencyRecorder
// via RecordLatency/RecordOutcome, and wsproto's OutcomeRecorder and
// ConnMetrics via RecordWSOutcome, IncWSConnections and RecordWSLifetime.
type Aggregator struct {
	workerID int32

	mu       sync.Mutex
	totals   map[string]int64
	currents map[string]int64
}

// New creates an Aggregator for workerID (the real worker id; totals
// are merged under store.TotalsWorkerID at sync time).
func New(workerID int32) *Aggregator {
	return &Aggregator{
		workerID: workerID,
		totals:   make(map[string]int64),
		currents: make(map[string]int64),
	}
}

// incr adds delta to a total counter.
func (a *Aggregator) incr(metric string, delta int64) {
	a.mu.Lock()
	a.totals[metric] += delta
	a.mu.Unlock()
}

// setCurrent overwrites a gauge's latest value.
func (a *Aggregator) setCurrent(metric string, value int64) {
	a.mu.Lock()
	a.currents[metric] = value
	a.mu.Unlock()
}

// RecordOutcome increments the requests{Success,ClientError,ServerError}Rest
// total for the given class ("success", "clientError", "serverError").
// Implements httpproto.LatencyRecorder.
func (a *Aggregator) RecordOutcome(class string) {
	a.incr(RequestOutcomeMetric(class, "rest"), 1)
}

// RecordWSOutcome is RecordOutcome's WebSocket-transport counterpart.
func (a *Aggregator) RecordWSOutcome(class string) {
	a.incr(RequestOutcomeMetric(class, "ws"), 1)
}

// RecordLatency buckets an end-to-end HTTP request latency into the
// cumulative histogram and adds it to the running sum. Implements
// httpproto.LatencyRecorder.
func (a *Aggregator) RecordLatency(d time.Duration) {
	ms := d.Milliseconds()
	a.mu.Lock()
	for _, bound := range LatencyBuckets {
		if ms <= bound {
			a.totals[LatencyBucketMetric(bound)]++
		}
	}
	a.totals[LatencyBucketMetric(-1)]++
	a.totals[MetricLatencyTotal] += ms
	a.mu.Unlock()
}

// RecordWSLifetime buckets a closed WebSocket connection's lifetime into
// the websocket histogram and adds it to the running sum.
func (a *Aggregator) RecordWSLifetime(d time.Duration) {
	secs := int64(d.Seconds())
	a.mu.Lock()
	for _, bound := range WebsocketBuckets {
		if secs <= bound {
			a.totals[WebsocketBucketMetric(bound)]++
		}
	}
	a.totals[WebsocketBucketMetric(-1)]++
	a.totals[MetricWebsocketTotal] += secs
	a.mu.Unlock()
}

// SetMemory records the worker's current resident memory, in MB.
func (a *Aggregator) SetMemory(mb int64) { a.setCurrent(MetricMemory, mb) }

// SetWSConnections records the worker's current live WebSocket connection count.
func (a *Aggregator) SetWSConnections(n int64) { a.setCurrent(MetricWSConnections, n) }

// IncWSConnections adjusts the live connection gauge by delta (+1 on
// accept, -1 on close).
func (a *Aggregator) IncWSConnections(delta int64) {
	a.mu.Lock()
	a.currents[MetricWSConnections] += delta
	a.mu.Unlock()
}

// Syncer is the subset of *store.Store needed to persist metrics,
// narrowed for testability.
type Syncer interface {
	SyncTotals(ctx context.Context, deltas map[string]int64) error
	SyncCurrents(ctx context.Context, workerID int32, currents map[string]int64) error
	DeleteStaleWorkers(ctx context.Context, knownWorkers []int32) error
}

// SyncLoop persists this worker's metrics into the shared store every
// interval until ctx is cancelled. After the first successful sync it
// deletes current-metric rows for worker ids not in knownWorkers (the
// supervisor's view of currently live workers), cleaning up after
// workers that died without a final sync.
func (a *Aggregator) SyncLoop(ctx context.Context, st Syncer, interval time.Duration, knownWorkers func() []int32, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.syncOnce(ctx, st); err != nil {
				log.Error("metrics sync failed", "worker", a.workerID, "error", err)
				continue
			}
			if first {
				first = false
				if knownWorkers != nil {
					if err := st.DeleteStaleWorkers(ctx, knownWorkers()); err != nil {
						log.Error("metrics: delete stale worker rows failed", "error", err)
					}
				}
			}
		}
	}
}

func (a *Aggregator) syncOnce(ctx context.Context, st Syncer) error {
	a.setCurrent(MetricLastSync, time.Now().Unix())

	a.mu.Lock()
	totals := make(map[string]int64, len(a.totals))
	for k, v := range a.totals {
		if v != 0 {
			totals[k] = v
		}
	}
	currents := make(map[string]int64, len(a.currents))
	for k, v := range a.currents {
		currents[k] = v
	}
	a.mu.Unlock()

	if len(totals) > 0 {
		if err := st.SyncTotals(ctx, totals); err != nil {
			return err
		}
	}
	if err := st.SyncCurrents(ctx, a.workerID, currents); err != nil {
		return err
	}

	// Totals are append-only locally between syncs: reset to zero only
	// the keys we just persisted, so a concurrent RecordLatency racing
	// this sync contributes to the next interval rather than being lost.
	a.mu.Lock()
	for k := range totals {
		a.totals[k] -= totals[k]
	}
	a.mu.Unlock()
	return nil
}
