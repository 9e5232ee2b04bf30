package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/validana-io/vserver/pkg/store"
)

// ErrDisabled is returned by Export when metrics gathering is disabled
// (METRICSINTERVAL = 0).
var ErrDisabled = errors.New("gathering metrics is disabled")

// promPrefix is prepended to every exported metric name in the
// "prometheus" built-in format.
const promPrefix = "validana_"

// Source is the subset of *store.Store the exporter aggregates from.
type Source interface {
	AggregatedTotal(ctx context.Context) (map[string]int64, error)
	AggregatedCurrent(ctx context.Context) (map[string][]store.CurrentMetricEntry, error)
}

// Snapshot is the aggregated view of every metric row across workers,
// the input to every export format.
type Snapshot struct {
	Total   map[string]int64
	Current map[string][]store.CurrentMetricEntry
}

// FormatFunc renders a Snapshot. Built-in formats ("json", "prometheus")
// and user-registered custom formats share this signature.
type FormatFunc func(Snapshot) (contentType string, body string, err error)

// Exporter aggregates rows from the store and renders them through a
// built-in or user-registered format.
type Exporter struct {
	custom map[string]FormatFunc
}

// NewExporter creates an Exporter with only the two built-in formats
// ("json", "prometheus") available.
func NewExporter() *Exporter {
	return &Exporter{custom: make(map[string]FormatFunc)}
}

// Register installs a custom export format, e.g. a handler module adding
// a CSV or statsd exporter.
func (e *Exporter) Register(name string, fn FormatFunc) {
	e.custom[name] = fn
}

// Export aggregates the store and renders it in format. enabled reflects
// whether METRICSINTERVAL is non-zero; includeDefaults adds Go runtime
// and process metrics (goroutines, heap, RSS, CPU) to the JSON/Prometheus
// built-ins, gathered live through prometheus/client_golang collectors
// rather than the synced store rows (those are process-local by nature).
func (e *Exporter) Export(ctx context.Context, src Source, format string, enabled, includeDefaults bool) (contentType, body string, err error) {
	if !enabled {
		return "", "", ErrDisabled
	}

	totals, err := src.AggregatedTotal(ctx)
	if err != nil {
		return "", "", fmt.Errorf("metrics: aggregate totals: %w", err)
	}
	currents, err := src.AggregatedCurrent(ctx)
	if err != nil {
		return "", "", fmt.Errorf("metrics: aggregate currents: %w", err)
	}
	snap := Snapshot{Total: totals, Current: currents}

	var defaults []*dto.MetricFamily
	if includeDefaults {
		defaults, err = gatherDefaults()
		if err != nil {
			return "", "", fmt.Errorf("metrics: gather default collectors: %w", err)
		}
	}

	switch format {
	case "json":
		return exportJSON(snap, defaults)
	case "prometheus":
		return exportPrometheus(snap, defaults)
	default:
		fn, ok := e.custom[format]
		if !ok {
			return "", "", fmt.Errorf("metrics: unknown export format %q", format)
		}
		return fn(snap)
	}
}

func exportJSON(snap Snapshot, defaults []*dto.MetricFamily) (string, string, error) {
	out := map[string]any{
		"total":   snap.Total,
		"current": snap.Current,
	}
	if len(defaults) > 0 {
		d := make(map[string]any, len(defaults))
		for _, mf := range defaults {
			d[mf.GetName()] = flattenFamily(mf)
		}
		out["default"] = d
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", "", err
	}
	return "application/json", string(b), nil
}

func exportPrometheus(snap Snapshot, defaults []*dto.MetricFamily) (string, string, error) {
	var sb strings.Builder

	for _, metric := range sortedKeys(snap.Total) {
		fmt.Fprintf(&sb, "%s%s %d\n", promPrefix, metric, snap.Total[metric])
	}
	writeHistograms(&sb, snap.Total)

	for _, metric := range sortedCurrentKeys(snap.Current) {
		for _, entry := range snap.Current[metric] {
			fmt.Fprintf(&sb, "%s%s{worker=\"%d\"} %d\n", promPrefix, metric, entry.Worker, entry.Value)
		}
	}

	if len(defaults) > 0 {
		enc := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range defaults {
			if err := enc.Encode(mf); err != nil {
				return "", "", fmt.Errorf("metrics: encode default family %s: %w", mf.GetName(), err)
			}
		}
	}

	return "text/plain; charset=UTF-8", sb.String(), nil
}

// writeHistograms renders the cumulative latency/websocket histograms
// as standard Prometheus `_bucket{le="..."}`/`_sum`/`_count` triples,
// with a +Inf tail and an explicit _sum and _count.
func writeHistograms(sb *strings.Builder, totals map[string]int64) {
	writeHistogram(sb, "latency", LatencyBuckets, LatencyBucketMetric, totals, MetricLatencyTotal)
	writeHistogram(sb, "websocket", WebsocketBuckets, WebsocketBucketMetric, totals, MetricWebsocketTotal)
}

func writeHistogram(sb *strings.Builder, name string, bounds []int64, bucketName func(int64) string, totals map[string]int64, sumMetric string) {
	var count int64
	for _, bound := range bounds {
		v := totals[bucketName(bound)]
		fmt.Fprintf(sb, "%s%s_bucket{le=\"%d\"} %d\n", promPrefix, name, bound, v)
	}
	count = totals[bucketName(-1)]
	fmt.Fprintf(sb, "%s%s_bucket{le=\"+Inf\"} %d\n", promPrefix, name, count)
	fmt.Fprintf(sb, "%s%s_sum %d\n", promPrefix, name, totals[sumMetric])
	fmt.Fprintf(sb, "%s%s_count %d\n", promPrefix, name, count)
}

func sortedKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		if isHistogramMetric(k) {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedCurrentKeys(m map[string][]store.CurrentMetricEntry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// isHistogramMetric excludes the raw bucket/sum counters from the flat
// total-metric listing; writeHistograms renders them separately in
// proper cumulative-histogram shape.
func isHistogramMetric(metric string) bool {
	return strings.HasPrefix(metric, "latency") || strings.HasPrefix(metric, "websocket")
}

// prometheusSample is one flattened sample of a gathered default
// (Go runtime/process) metric, used by the JSON export shape.
type prometheusSample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// flattenFamily reduces one gathered metric family to its samples for
// the JSON export; the Prometheus export encodes families with expfmt
// instead.
func flattenFamily(mf *dto.MetricFamily) []prometheusSample {
	out := make([]prometheusSample, 0, len(mf.GetMetric()))
	for _, m := range mf.GetMetric() {
		labels := make(map[string]string, len(m.GetLabel()))
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		switch {
		case m.GetGauge() != nil:
			out = append(out, prometheusSample{Labels: labels, Value: m.GetGauge().GetValue()})
		case m.GetCounter() != nil:
			out = append(out, prometheusSample{Labels: labels, Value: m.GetCounter().GetValue()})
		case m.GetUntyped() != nil:
			out = append(out, prometheusSample{Labels: labels, Value: m.GetUntyped().GetValue()})
		}
	}
	return out
}

// gatherDefaults registers the Go runtime and process collectors into a
// scratch registry, backing the "includeDefaults" half of Export.
func gatherDefaults() ([]*dto.MetricFamily, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg.Gather()
}
