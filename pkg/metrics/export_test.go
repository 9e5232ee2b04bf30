package metrics

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/validana-io/vserver/pkg/store"
)

type fakeSource struct {
	totals   map[string]int64
	currents map[string][]store.CurrentMetricEntry
}

func (f *fakeSource) AggregatedTotal(ctx context.Context) (map[string]int64, error) {
	return f.totals, nil
}

func (f *fakeSource) AggregatedCurrent(ctx context.Context) (map[string][]store.CurrentMetricEntry, error) {
	return f.currents, nil
}

func testSource() *fakeSource {
	totals := map[string]int64{
		MetricRequestsSuccessRest: 10,
		LatencyBucketMetric(8):    2,
		LatencyBucketMetric(16):   5,
		LatencyBucketMetric(-1):   7,
		MetricLatencyTotal:        321,
	}
	// Wider bounds carry everything the narrower ones saw.
	for _, bound := range LatencyBuckets[2:] {
		totals[LatencyBucketMetric(bound)] = 7
	}
	return &fakeSource{
		totals: totals,
		currents: map[string][]store.CurrentMetricEntry{
			MetricMemory: {{Worker: 0, Value: 120}, {Worker: 1, Value: 98}},
		},
	}
}

func TestExporter_DisabledFailsWithFixedMessage(t *testing.T) {
	e := NewExporter()
	_, _, err := e.Export(context.Background(), testSource(), "json", false, false)
	require.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, "gathering metrics is disabled", err.Error())
}

func TestExporter_UnknownFormat(t *testing.T) {
	e := NewExporter()
	_, _, err := e.Export(context.Background(), testSource(), "csv", true, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv")
}

func TestExporter_JSON(t *testing.T) {
	e := NewExporter()
	contentType, body, err := e.Export(context.Background(), testSource(), "json", true, false)
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	total := out["total"].(map[string]any)
	assert.Equal(t, float64(10), total[MetricRequestsSuccessRest])
	current := out["current"].(map[string]any)
	assert.Len(t, current[MetricMemory], 2)
}

func TestExporter_PrometheusHistogramShape(t *testing.T) {
	e := NewExporter()
	contentType, body, err := e.Export(context.Background(), testSource(), "prometheus", true, false)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=UTF-8", contentType)

	assert.Contains(t, body, `validana_latency_bucket{le="8"} 2`)
	assert.Contains(t, body, `validana_latency_bucket{le="16"} 5`)
	assert.Contains(t, body, `validana_latency_bucket{le="+Inf"} 7`)
	assert.Contains(t, body, "validana_latency_sum 321")
	assert.Contains(t, body, "validana_latency_count 7")
	assert.Contains(t, body, "validana_requestsSuccessRest 10")
	assert.Contains(t, body, `validana_memory{worker="0"} 120`)

	// Cumulative buckets never decrease as the bound widens.
	prev := int64(-1)
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "validana_latency_bucket") {
			continue
		}
		v, err := strconv.ParseInt(line[strings.LastIndexByte(line, ' ')+1:], 10, 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestExporter_PrometheusIncludesDefaults(t *testing.T) {
	e := NewExporter()
	_, body, err := e.Export(context.Background(), testSource(), "prometheus", true, true)
	require.NoError(t, err)
	assert.Contains(t, body, "go_goroutines")
}

func TestExporter_CustomFormat(t *testing.T) {
	e := NewExporter()
	e.Register("plain", func(snap Snapshot) (string, string, error) {
		return "text/plain", "ok", nil
	})
	contentType, body, err := e.Export(context.Background(), testSource(), "plain", true, false)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", contentType)
	assert.Equal(t, "ok", body)
}
