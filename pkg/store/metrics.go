package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TotalsWorkerID is the fixed worker id cross-worker total rows are
// keyed under.
const TotalsWorkerID int32 = -1

// SyncTotals applies each metric's delta as INSERT ... ON CONFLICT DO
// UPDATE value = value + excluded.value, the append-only totals merge.
func (s *Store) SyncTotals(ctx context.Context, deltas map[string]int64) error {
	return s.WithTransaction(ctx, func(tx pgx.Tx) error {
		for metric, delta := range deltas {
			if _, err := tx.Exec(ctx, `
				INSERT INTO basics.metrics (metric, worker, value) VALUES ($1, $2, $3)
				ON CONFLICT (metric, worker) DO UPDATE SET value = basics.metrics.value + excluded.value`,
				metric, TotalsWorkerID, delta); err != nil {
				return fmt.Errorf("store: sync total %s: %w", metric, err)
			}
		}
		return nil
	})
}

// SyncCurrents applies each metric's snapshot as INSERT ... ON CONFLICT
// DO UPDATE value = excluded.value, keyed on (metric, workerID).
func (s *Store) SyncCurrents(ctx context.Context, workerID int32, currents map[string]int64) error {
	return s.WithTransaction(ctx, func(tx pgx.Tx) error {
		for metric, value := range currents {
			if _, err := tx.Exec(ctx, `
				INSERT INTO basics.metrics (metric, worker, value) VALUES ($1, $2, $3)
				ON CONFLICT (metric, worker) DO UPDATE SET value = excluded.value`,
				metric, workerID, value); err != nil {
				return fmt.Errorf("store: sync current %s: %w", metric, err)
			}
		}
		return nil
	})
}

// DeleteStaleWorkers removes current-metric rows for worker ids not in
// knownWorkers, run once after a worker's first successful sync to
// clean up after workers that died without a final sync.
func (s *Store) DeleteStaleWorkers(ctx context.Context, knownWorkers []int32) error {
	_, err := s.Pool.Exec(ctx, `
		DELETE FROM basics.metrics WHERE worker != $1 AND worker != ALL($2)`,
		TotalsWorkerID, knownWorkers)
	if err != nil {
		return fmt.Errorf("store: delete stale worker rows: %w", err)
	}
	return nil
}

// CurrentMetricEntry is one worker's value for a current (gauge) metric,
// as returned inside AggregatedCurrent's per-metric JSON array.
type CurrentMetricEntry struct {
	Worker int32 `json:"worker"`
	Value  int64 `json:"value"`
}

// AggregatedCurrent returns, for every current metric (every worker id
// other than TotalsWorkerID), the per-worker values as a JSON array
// via jsonb_agg — the shape the exporter aggregates rows into.
func (s *Store) AggregatedCurrent(ctx context.Context) (map[string][]CurrentMetricEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT metric, jsonb_agg(jsonb_build_object('worker', worker, 'value', value) ORDER BY worker)
		FROM basics.metrics WHERE worker != $1 GROUP BY metric`, TotalsWorkerID)
	if err != nil {
		return nil, fmt.Errorf("store: query current metrics: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]CurrentMetricEntry)
	for rows.Next() {
		var metric string
		var raw []byte
		if err := rows.Scan(&metric, &raw); err != nil {
			return nil, fmt.Errorf("store: scan current metric: %w", err)
		}
		var entries []CurrentMetricEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("store: decode current metric %s: %w", metric, err)
		}
		out[metric] = entries
	}
	return out, rows.Err()
}

// AggregatedTotal returns every "total" metric's single cross-worker
// value (the worker = -1 row).
func (s *Store) AggregatedTotal(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx, `SELECT metric, value FROM basics.metrics WHERE worker = $1`, TotalsWorkerID)
	if err != nil {
		return nil, fmt.Errorf("store: query total metrics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var metric string
		var value int64
		if err := rows.Scan(&metric, &value); err != nil {
			return nil, fmt.Errorf("store: scan total metric: %w", err)
		}
		out[metric] = value
	}
	return out, rows.Err()
}

// AllMetricRows fetches every row of basics.metrics.
func (s *Store) AllMetricRows(ctx context.Context) ([]MetricRow, error) {
	rows, err := s.Pool.Query(ctx, `SELECT metric, worker, value FROM basics.metrics`)
	if err != nil {
		return nil, fmt.Errorf("store: query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRow
	for rows.Next() {
		var m MetricRow
		if err := rows.Scan(&m.Metric, &m.Worker, &m.Value); err != nil {
			return nil, fmt.Errorf("store: scan metric row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
