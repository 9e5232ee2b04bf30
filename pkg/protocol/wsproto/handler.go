package wsproto

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/validana-io/vserver/pkg/protocol"
)

// closeInvalidURL is used when the upgrade path carries no registered
// API version.
const closeInvalidURL websocket.StatusCode = 4100

// OutcomeRecorder tallies a completed frame's success/client-error/
// server-error class into the Ws-transport request counters,
// implemented by *metrics.Aggregator.
type OutcomeRecorder interface {
	RecordWSOutcome(class string)
}

// Handler implements http.Handler for the WebSocket upgrade surface.
// Wire it into the same mux as httpproto.Handler — or, when HTTP and
// WebSocket ports match, behind one handler that dispatches by the
// Upgrade header — so both protocols share one listening server.
type Handler struct {
	Versions *protocol.VersionRegistry
	Manager  *Manager
	Logger   *slog.Logger
	Metrics  OutcomeRecorder
}

func (h *Handler) recordOutcome(class string) {
	if h.Metrics != nil {
		h.Metrics.RecordWSOutcome(class)
	}
}

func (h *Handler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version, ok := versionFromPath(r.URL.Path, h.Versions)
	if !ok {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close(closeInvalidURL, "unknown API version")
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log().Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(uuid.NewString(), ws, remoteAddrFrom(r))
	h.Manager.register(c)
	defer h.Manager.unregister(c.id)
	defer c.markClosed()

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if isNormalClose(err) {
				return
			}
			if isConnReset(err) {
				return
			}
			h.log().Warn("websocket read error", "error", err)
			// 1006 cannot be sent in a close frame; dropping the
			// connection without one makes the peer observe 1006.
			_ = ws.CloseNow()
			return
		}
		go h.handleFrame(ctx, c, version, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, c *conn, version string, raw []byte) {
	var req requestFrame
	if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" || req.Type == "" {
		h.recordOutcome("clientError")
		h.writeResponse(ctx, c, "", http.StatusBadRequest, nil, "malformed request")
		return
	}

	var data any
	if len(req.Data) > 0 {
		_ = json.Unmarshal(req.Data, &data)
	}

	verb := strings.ToLower(req.Type)
	msg := &protocol.Message{
		Conn:    c,
		Version: version,
		Verb:    verb,
		Data:    data,
		Arrived: time.Now(),
		ID:      req.ID,
	}

	dispatcher := h.Versions.Version(version)
	result, err := dispatcher.Receive(ctx, verb, msg)
	if err != nil {
		h.writeErrorResult(ctx, c, msg, err)
		return
	}

	status := http.StatusOK
	if msg.Status != 0 {
		status = msg.Status
	}
	h.recordOutcome("success")
	h.writeResponse(ctx, c, msg.ID, status, result, "")
}

func (h *Handler) writeErrorResult(ctx context.Context, c *conn, msg *protocol.Message, err error) {
	switch e := err.(type) {
	case *protocol.ClientError:
		status := e.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		h.recordOutcome("clientError")
		h.writeResponse(ctx, c, msg.ID, status, nil, e.Message)
	case *protocol.BusinessRejectError:
		h.recordOutcome("clientError")
		h.writeResponse(ctx, c, msg.ID, http.StatusUnprocessableEntity, nil, e.Message)
	case *protocol.UnknownVerbError:
		h.recordOutcome("clientError")
		h.writeResponse(ctx, c, msg.ID, http.StatusBadRequest, nil, e.Error())
	case *protocol.InternalError:
		h.recordOutcome("serverError")
		h.log().Error("request handler failed", "verb", msg.Verb, "version", msg.Version, "error", e.Cause)
		h.writeResponse(ctx, c, msg.ID, http.StatusInternalServerError, nil, e.ClientMessage())
	default:
		h.recordOutcome("serverError")
		h.log().Error("request handler failed", "verb", msg.Verb, "version", msg.Version, "error", err)
		h.writeResponse(ctx, c, msg.ID, http.StatusInternalServerError, nil, "Error occurred during request.")
	}
}

func (h *Handler) writeResponse(ctx context.Context, c *conn, id string, status int, data any, errMsg string) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = wsjson(wctx, c.ws, responseFrame{ID: id, Status: status, Data: data, Error: errMsg})
}

func isNormalClose(err error) bool {
	code := websocket.CloseStatus(err)
	return code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway
}

// isConnReset reports whether err is (or wraps) a reset-by-peer network
// error, silenced rather than logged as a transport warning.
func isConnReset(err error) bool {
	return strings.Contains(err.Error(), "connection reset by peer")
}

func versionFromPath(path string, versions *protocol.VersionRegistry) (string, bool) {
	parts := strings.Split(strings.ToLower(path), "/")
	for _, p := range parts {
		if p != "" && versions.Has(p) {
			return p, true
		}
	}
	return "", false
}

func remoteAddrFrom(r *http.Request) *stringAddr {
	return &stringAddr{s: r.RemoteAddr}
}

type stringAddr struct{ s string }

func (a *stringAddr) Network() string { return "tcp" }
func (a *stringAddr) String() string  { return a.s }
