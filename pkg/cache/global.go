package cache

import (
	"context"
	"time"
)

// global is the process-wide default namespace for ad-hoc keys that
// don't warrant a named instance. It has no disable switch of its own;
// callers wanting the CACHING-driven switch use a named instance.
var global = New("global", nil)

// Register declares key in the process-global namespace.
func Register(key string, ttl time.Duration, refresh RefreshFunc) {
	global.Register(key, ttl, refresh)
}

// Get reads key from the process-global namespace.
func Get(ctx context.Context, key string) (any, error) {
	return global.Get(ctx, key)
}

// Invalidate clears (or replaces) key in the process-global namespace.
func Invalidate(key string, newValue ...any) {
	global.Invalidate(key, newValue...)
}

// InvalidateAll clears freshness on every process-global entry.
func InvalidateAll() {
	global.InvalidateAll()
}
