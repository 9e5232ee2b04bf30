package basics

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/validana-io/vserver/pkg/protocol"
)

// handleTime implements the `time` verb: the timestamp of the latest
// block, or a client error if no block has been produced yet.
func (d Deps) handleTime(ctx context.Context, msg *protocol.Message) (any, error) {
	ts, ok, err := d.Store.LatestBlockTimestamp(ctx)
	if err != nil {
		return nil, protocol.NewInternalError(err)
	}
	if !ok {
		return nil, protocol.NewClientError(http.StatusBadRequest, "No existing blocks found.")
	}
	return ts, nil
}

type metricsRequest struct {
	Format          string `json:"format"`
	Token           string `json:"token"`
	IncludeDefaults bool   `json:"includeDefaults"`
}

// handleMetrics implements the `metrics` verb: a constant-time token
// check, then export through pkg/metrics' built-in or user-registered
// formats. Latency is cleared since gathering the export is not
// representative end-to-end request latency.
func (d Deps) handleMetrics(ctx context.Context, msg *protocol.Message) (any, error) {
	msg.ClearLatency()

	req, err := decodeMetricsRequest(msg.Data)
	if err != nil {
		return nil, protocol.NewClientError(http.StatusBadRequest, err.Error())
	}

	if !tokenMatches(d.MetricsToken, req.Token) {
		return nil, protocol.NewClientError(http.StatusUnauthorized, "Invalid token.")
	}

	enabled := false
	if d.MetricsEnabled != nil {
		enabled = d.MetricsEnabled()
	}

	contentType, body, err := d.Exporter.Export(ctx, d.Store, req.Format, enabled, req.IncludeDefaults)
	if err != nil {
		return nil, protocol.NewClientError(http.StatusBadRequest, err.Error())
	}

	msg.Headers = map[string]string{"Content-Type": contentType}
	return body, nil
}

// tokenMatches compares tokens in constant time so response timing
// cannot be used to brute-force the configured token.
func tokenMatches(configured, supplied string) bool {
	if configured == "" {
		return false
	}
	if len(configured) != len(supplied) {
		// Still run a constant-time compare against a same-length dummy
		// so the early return above is the only length-dependent branch.
		subtle.ConstantTimeCompare([]byte(configured), []byte(configured))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}

func decodeMetricsRequest(data any) (metricsRequest, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return metricsRequest{}, errors.New("expected a JSON object body")
	}
	var req metricsRequest
	if s, ok := m["format"].(string); ok {
		req.Format = s
	}
	if s, ok := m["token"].(string); ok {
		req.Token = s
	}
	if b, ok := m["includeDefaults"].(bool); ok {
		req.IncludeDefaults = b
	}
	if req.Format == "" {
		return metricsRequest{}, errors.New("format is required")
	}
	return req, nil
}
