package wsproto

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// ConnMetrics receives the worker-local connection-count gauge and the
// per-connection lifetime histogram sample, implemented by
// *metrics.Aggregator.
type ConnMetrics interface {
	IncWSConnections(delta int64)
	RecordWSLifetime(d time.Duration)
}

// Manager tracks every live connection accepted by this worker and
// runs the amortized keep-alive sweep: every second it pings
// ceil(1/remaining * |to_check|) of the connections due for a check
// this period, refreshing the to-check set once per full keep-alive
// period.
type Manager struct {
	period  time.Duration
	Metrics ConnMetrics

	mu      sync.Mutex
	conns   map[string]*conn
	pending []*conn // connections still owed a check this period
}

// NewManager creates a Manager with the given keep-alive period (the
// TIMEOUT configuration key).
func NewManager(period time.Duration) *Manager {
	return &Manager{period: period, conns: make(map[string]*conn)}
}

func (m *Manager) register(c *conn) {
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
	if m.Metrics != nil {
		m.Metrics.IncWSConnections(1)
	}
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.Metrics != nil {
		m.Metrics.IncWSConnections(-1)
		m.Metrics.RecordWSLifetime(time.Since(c.created))
	}
}

// Run drives the amortized keep-alive loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	periodTicker := time.NewTicker(m.period)
	defer periodTicker.Stop()

	m.refreshPending()
	remaining := m.period
	for {
		select {
		case <-ctx.Done():
			return
		case <-periodTicker.C:
			m.refreshPending()
			remaining = m.period
		case <-ticker.C:
			remaining -= time.Second
			if remaining <= 0 {
				remaining = time.Second
			}
			m.checkBatch(ctx, remaining)
		}
	}
}

func (m *Manager) refreshPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = m.pending[:0]
	for _, c := range m.conns {
		m.pending = append(m.pending, c)
	}
}

// checkBatch pings ceil(1/remaining_seconds * |pending|) connections
// still owed a check.
func (m *Manager) checkBatch(ctx context.Context, remaining time.Duration) {
	m.mu.Lock()
	total := len(m.pending)
	if total == 0 {
		m.mu.Unlock()
		return
	}
	secondsLeft := remaining.Seconds()
	if secondsLeft < 1 {
		secondsLeft = 1
	}
	n := int(math.Ceil(float64(total) / secondsLeft))
	if n > total {
		n = total
	}
	batch := m.pending[:n]
	m.pending = m.pending[n:]
	m.mu.Unlock()

	for _, c := range batch {
		go m.checkOne(ctx, c)
	}
}

func (m *Manager) checkOne(ctx context.Context, c *conn) {
	pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ping(pingCtx); err != nil {
		_ = c.ws.Close(websocket.StatusGoingAway, "keep-alive timeout")
		c.markClosed()
		m.unregister(c.id)
	}
}

// CloseAll closes every tracked connection with the given close code,
// used on permanent server shutdown.
func (m *Manager) CloseAll(code websocket.StatusCode, reason string) {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(code, reason)
		c.markClosed()
	}
}
