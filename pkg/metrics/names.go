// Package metrics implements the per-worker metrics aggregator: counters
// and histograms accumulated in-process, synced periodically into
// basics.metrics, and exported in several text formats.
package metrics

import "fmt"

// Built-in total (counter) metric names. The REST exporter reads from
// the same counter incremented at request time.
const (
	MetricRequestsSuccessRest     = "requestsSuccessRest"
	MetricRequestsSuccessWs       = "requestsSuccessWs"
	MetricRequestsClientErrorRest = "requestsClientErrorRest"
	MetricRequestsClientErrorWs   = "requestsClientErrorWs"
	MetricRequestsServerErrorRest = "requestsServerErrorRest"
	MetricRequestsServerErrorWs   = "requestsServerErrorWs"

	MetricLatencyTotal   = "latencyTotal"   // cumulative sum of latencies, in ms
	MetricWebsocketTotal = "websocketTotal" // cumulative sum of connection lifetimes, in seconds
)

// Built-in current (gauge) metric names.
const (
	MetricMemory        = "memory"
	MetricWSConnections = "wsConnections"
	MetricLastSync      = "lastSync"
)

// LatencyBuckets are the cumulative upper bounds (milliseconds) of the
// latency histogram. The final bucket has no finite bound (+Inf).
var LatencyBuckets = []int64{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// WebsocketBuckets are the cumulative upper bounds (seconds) of the
// websocket connection-lifetime histogram.
var WebsocketBuckets = []int64{10, 30, 60, 120, 300, 900}

// LatencyBucketMetric names the counter for the cumulative "<= bound ms"
// latency bucket. bound < 0 selects the +Inf bucket.
func LatencyBucketMetric(bound int64) string {
	if bound < 0 {
		return "latencyInf"
	}
	return fmt.Sprintf("latency%d", bound)
}

// WebsocketBucketMetric names the counter for the cumulative "<= bound s"
// websocket-lifetime bucket. bound < 0 selects the +Inf bucket.
func WebsocketBucketMetric(bound int64) string {
	if bound < 0 {
		return "websocketInf"
	}
	return fmt.Sprintf("websocket%d", bound)
}

// RequestOutcomeMetric names the requests{Success,ClientError,ServerError}{Rest,Ws}
// counter for class (one of "success", "clientError", "serverError") and
// transport ("rest" or "ws").
func RequestOutcomeMetric(class, transport string) string {
	suffix := "Rest"
	if transport == "ws" {
		suffix = "Ws"
	}
	switch class {
	case "success":
		return "requestsSuccess" + suffix
	case "clientError":
		return "requestsClientError" + suffix
	default:
		return "requestsServerError" + suffix
	}
}
