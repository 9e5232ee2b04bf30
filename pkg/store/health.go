package store

import (
	"context"
	"time"
)

// HealthStatus reports the store's current reachability: a bounded
// ping plus pool occupancy, surfaced on the admin health endpoint.
type HealthStatus struct {
	Healthy       bool   `json:"healthy"`
	Latency       int64  `json:"latencyMs"`
	Error         string `json:"error,omitempty"`
	AcquiredConns int32  `json:"acquiredConns"`
	IdleConns     int32  `json:"idleConns"`
	MaxConns      int32  `json:"maxConns"`
}

// Health pings the pool with a short-lived context and reports pool
// occupancy alongside reachability.
func (s *Store) Health(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := s.Pool.Ping(ctx)
	stat := s.Pool.Stat()

	hs := HealthStatus{
		Healthy:       err == nil,
		Latency:       time.Since(start).Milliseconds(),
		AcquiredConns: stat.AcquiredConns(),
		IdleConns:     stat.IdleConns(),
		MaxConns:      stat.MaxConns(),
	}
	if err != nil {
		hs.Error = err.Error()
	}
	return hs
}
