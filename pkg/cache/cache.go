// Package cache implements the TTL cache fronting hot read queries:
// named instances of key -> value with lazy refresh and single-flight
// updates, plus a process-global default instance for ad-hoc keys.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrNotRegistered is returned by Get when the key has no entry and no
// addAll fallback is configured.
var ErrNotRegistered = errors.New("cache: key not registered")

// errRefreshFailed is the single generic error surfaced to callers when
// a refresh fails; the underlying cause is logged, never returned.
var errRefreshFailed = errors.New("failed to update cache")

// RefreshFunc produces a fresh value for key. It may suspend (perform
// I/O); the cache guarantees at most one in-flight RefreshFunc call per
// key at a time (single-flight).
type RefreshFunc func(ctx context.Context, key string) (any, error)

// BatchRefreshFunc produces fresh values for a set of keys in one call,
// keyed by the same keys it was given. A key absent from the returned
// map gets no value: a Get for it fails at once, while GetMultiple
// retries each absent key through an individual Get, which calls the
// batch function again for that key alone.
type BatchRefreshFunc func(ctx context.Context, keys []string) (map[string]any, error)

type entry struct {
	value      any
	refresh    RefreshFunc
	ttl        time.Duration
	lastUpdate time.Time
	hasValue   bool
	fromAddAll bool

	mu       sync.Mutex    // serializes refresh attempts for this key
	inflight chan struct{} // non-nil while a refresh is running; closed on completion
	err      error         // result of the in-flight refresh, valid only while inflight is non-nil then closed
}

// Cache is a named TTL cache instance. Globally disabling caching (via
// the enabled flag passed at construction, wired to the CACHING config
// key) forces every Get to treat every entry as stale.
type Cache struct {
	name    string
	enabled func() bool

	mu      sync.Mutex
	entries map[string]*entry

	addAll      BatchRefreshFunc // optional fallback for keys never individually registered
	addAllTTL   time.Duration
	sweepCancel context.CancelFunc
}

// New creates a named cache instance. enabled is polled on every Get to
// decide whether TTL freshness is honored; pass a func that always
// returns true if the caller has no global disable switch.
func New(name string, enabled func() bool) *Cache {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Cache{name: name, enabled: enabled, entries: make(map[string]*entry)}
}

// Register declares key with its refresh function and TTL. The entry
// starts with no value and is refreshed on the first Get.
func (c *Cache) Register(key string, ttl time.Duration, refresh RefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{refresh: refresh, ttl: ttl}
}

// RegisterAddAll installs a fallback update function serving any key not
// individually registered. Single Gets invoke it with a one-key set;
// GetMultiple invokes it once with the collective missing/stale set.
func (c *Cache) RegisterAddAll(ttl time.Duration, refresh BatchRefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addAll = refresh
	c.addAllTTL = ttl
}

// Get returns key's value, refreshing it first if stale (or if caching
// is globally disabled). Concurrent Get calls for the same key during a
// refresh all observe the one in-flight refresh's outcome.
func (c *Cache) Get(ctx context.Context, key string) (any, error) {
	e, err := c.entryFor(key)
	if err != nil {
		return nil, err
	}

	if c.enabled() {
		e.mu.Lock()
		fresh := e.hasValue && time.Since(e.lastUpdate) < e.ttl
		e.mu.Unlock()
		if fresh {
			e.mu.Lock()
			v := e.value
			e.mu.Unlock()
			return v, nil
		}
	}

	return c.refreshEntry(ctx, key, e)
}

// entryFor returns the entry for key, creating one from the addAll
// fallback if key was never individually registered.
func (c *Cache) entryFor(key string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e, nil
	}
	if c.addAll == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	e := c.newAddAllEntry(key)
	c.entries[key] = e
	return e, nil
}

// newAddAllEntry wraps the addAll fallback as a single-key refresh so
// the regular Get path (and its single-flight gate) applies unchanged.
// Callers must hold c.mu.
func (c *Cache) newAddAllEntry(key string) *entry {
	addAll := c.addAll
	refresh := func(ctx context.Context, k string) (any, error) {
		values, err := addAll(ctx, []string{k})
		if err != nil {
			return nil, err
		}
		v, ok := values[k]
		if !ok {
			return nil, fmt.Errorf("cache: no value returned for %s", k)
		}
		return v, nil
	}
	return &entry{refresh: refresh, ttl: c.addAllTTL, fromAddAll: true}
}

// refreshEntry runs (or joins) the single in-flight refresh for e.
func (c *Cache) refreshEntry(ctx context.Context, key string, e *entry) (any, error) {
	e.mu.Lock()
	if e.inflight != nil {
		wait := e.inflight
		e.mu.Unlock()
		<-wait
		e.mu.Lock()
		err := e.err
		v := e.value
		e.mu.Unlock()
		if err != nil {
			return nil, errRefreshFailed
		}
		return v, nil
	}

	done := make(chan struct{})
	e.inflight = done
	e.mu.Unlock()

	v, err := e.refresh(ctx, key)

	e.mu.Lock()
	if err == nil {
		e.value = v
		e.hasValue = true
		e.lastUpdate = time.Now()
	}
	e.err = err
	e.inflight = nil
	e.mu.Unlock()
	close(done)

	if err != nil {
		return nil, errRefreshFailed
	}
	return v, nil
}

// GetMultiple resolves every key in keys, invoking the addAll fallback
// at most once with the collective missing/stale key set, and returns
// results in request order. Individually registered keys are resolved
// through the normal Get path (and so may themselves trigger their own
// refresh).
func (c *Cache) GetMultiple(ctx context.Context, keys []string) ([]any, error) {
	enabled := c.enabled()

	var batch []string
	batched := make(map[string]bool)

	c.mu.Lock()
	addAll := c.addAll
	for _, k := range keys {
		if batched[k] {
			continue
		}
		e, ok := c.entries[k]
		if ok && !e.fromAddAll {
			continue
		}
		if addAll == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, k)
		}
		if ok && enabled {
			e.mu.Lock()
			fresh := e.hasValue && time.Since(e.lastUpdate) < e.ttl
			e.mu.Unlock()
			if fresh {
				continue
			}
		}
		if !ok {
			c.entries[k] = c.newAddAllEntry(k)
		}
		batch = append(batch, k)
		batched[k] = true
	}
	c.mu.Unlock()

	values := make(map[string]any)
	if len(batch) > 0 {
		got, err := addAll(ctx, batch)
		if err != nil {
			return nil, errRefreshFailed
		}
		now := time.Now()
		for _, k := range batch {
			v, ok := got[k]
			if !ok {
				continue
			}
			values[k] = v
			e, err := c.entryFor(k)
			if err != nil {
				continue
			}
			e.mu.Lock()
			e.value = v
			e.hasValue = true
			e.lastUpdate = now
			e.mu.Unlock()
		}
	}

	out := make([]any, len(keys))
	for i, k := range keys {
		if v, ok := values[k]; ok {
			out[i] = v
			continue
		}
		v, err := c.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Invalidate clears key's freshness, forcing a refresh on the next Get.
// If newValue is supplied, the entry is instead replaced with it and
// marked fresh immediately (no refresh occurs on the next Get).
func (c *Cache) Invalidate(key string, newValue ...any) {
	e, err := c.entryFor(key)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(newValue) > 0 {
		e.value = newValue[0]
		e.hasValue = true
		e.lastUpdate = time.Now()
		return
	}
	e.lastUpdate = time.Time{}
}

// InvalidateAll clears freshness on every entry currently registered.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.lastUpdate = time.Time{}
		e.mu.Unlock()
	}
}

// StartSweep runs a background goroutine that removes entries whose
// lastUpdate+ttl has passed, checking every period. The first check is
// jittered into [0, period) to desynchronise multiple worker processes
// sweeping in lockstep. Call the returned cancel func (or rely on
// ctx cancellation) to stop sweeping.
func (c *Cache) StartSweep(ctx context.Context, period time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	c.sweepCancel = cancel
	go func() {
		jitter := time.Duration(rand.Int64N(int64(period)))
		timer := time.NewTimer(jitter)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				c.sweep()
				timer.Reset(period)
			}
		}
	}()
	return cancel
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		e.mu.Lock()
		expired := e.hasValue && now.After(e.lastUpdate.Add(e.ttl))
		e.mu.Unlock()
		if expired {
			delete(c.entries, k)
		}
	}
}
