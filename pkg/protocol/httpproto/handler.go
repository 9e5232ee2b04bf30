package httpproto

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/validana-io/vserver/pkg/protocol"
)

const (
	corsOrigin  = "*"
	corsMethods = "POST, GET"
	corsHeaders = "origin, content-type, accept"
	corsMaxAge  = "86400"
)

// LatencyRecorder receives each request's end-to-end latency
// (RecordLatency) and, separately, its success/client-error/server-error
// class (RecordOutcome), so pkg/metrics can bucket them into the Rest
// histogram and totals.
type LatencyRecorder interface {
	RecordLatency(d time.Duration)
	RecordOutcome(class string)
}

// Handler implements http.Handler for the REST surface. It is
// stateless beyond its wiring and safe for concurrent use by net/http's
// per-connection goroutines.
type Handler struct {
	Versions       *protocol.VersionRegistry
	MaxPayloadSize int64 // 0 = unlimited
	Logger         *slog.Logger
	Metrics        LatencyRecorder
}

func (h *Handler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP runs the request lifecycle: CORS preflight, URL checks,
// version/verb resolution, body parsing, dispatch, response shaping.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	arrived := time.Now()
	setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Max-Age", corsMaxAge)
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.MaxPayloadSize > 0 && int64(len(r.RequestURI)) > h.MaxPayloadSize {
		http.Error(w, "URL too long", http.StatusRequestURITooLong)
		return
	}
	if _, err := url.QueryUnescape(r.URL.EscapedPath()); err != nil {
		http.Error(w, "malformed URL", http.StatusBadRequest)
		return
	}

	version, verb, ok := splitPath(r.URL.Path, h.Versions)
	if !ok {
		http.Error(w, "no registered API version in path", http.StatusBadRequest)
		return
	}

	var data any
	var parseErr error
	switch r.Method {
	case http.MethodGet:
		data, parseErr = parseGetQuery(r.URL.RawQuery)
	case http.MethodPost:
		data, parseErr = h.parsePostBody(r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if parseErr != nil {
		if errors.Is(parseErr, errPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	c := newConn(r)
	msg := &protocol.Message{
		Conn:    c,
		Version: version,
		Verb:    verb,
		Data:    data,
		Arrived: arrived,
	}
	start := arrived
	msg.LatencyStart = &start

	dispatcher := h.Versions.Version(version)
	result, err := dispatcher.Receive(r.Context(), verb, msg)
	c.close()

	h.writeResponse(w, msg, result, err)

	if msg.LatencyStart != nil && h.Metrics != nil {
		h.Metrics.RecordLatency(time.Since(*msg.LatencyStart))
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", corsOrigin)
	hdr.Set("Access-Control-Allow-Methods", corsMethods)
	hdr.Set("Access-Control-Allow-Headers", corsHeaders)
}

var errPayloadTooLarge = errors.New("httpproto: payload too large")

// parsePostBody accumulates the body up to MaxPayloadSize+1 bytes (to
// detect overflow without buffering unbounded input), then parses it as
// JSON, then form-encoded, then as a bare string.
func (h *Handler) parsePostBody(r *http.Request) (any, error) {
	limit := h.MaxPayloadSize
	var reader io.Reader = r.Body
	if limit > 0 {
		reader = io.LimitReader(r.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, errPayloadTooLarge
	}
	return parseBody(string(body))
}

// parseGetQuery implements the GET query-string parsing rule: JSON
// first, then form-encoded (if it contains '='), else a bare string.
func parseGetQuery(raw string) (any, error) {
	return parseBody(raw)
}

func parseBody(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v, nil
	}
	if strings.Contains(raw, "=") {
		vals, err := url.ParseQuery(raw)
		if err == nil {
			out := make(map[string]any, len(vals))
			for k, vs := range vals {
				if len(vs) == 1 {
					out[k] = vs[0]
				} else {
					anyVs := make([]any, len(vs))
					for i, s := range vs {
						anyVs[i] = s
					}
					out[k] = anyVs
				}
			}
			return out, nil
		}
	}
	return raw, nil
}

// splitPath splits by '/', requires at least two non-empty segments,
// finds one matching a registered API version case-insensitively, and
// joins everything after it (lower-cased) as the verb.
func splitPath(path string, versions *protocol.VersionRegistry) (version, verb string, ok bool) {
	parts := strings.Split(path, "/")
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) < 2 {
		return "", "", false
	}
	for i, p := range nonEmpty {
		if versions.Has(p) && i < len(nonEmpty)-1 {
			v := strings.ToLower(p)
			verb := strings.ToLower(strings.Join(nonEmpty[i+1:], "/"))
			return v, verb, true
		}
	}
	return "", "", false
}
