package wsproto

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
)

// requestFrame is the inbound shape: `{ id, type, data? }`.
type requestFrame struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// responseFrame is the outbound shape on success or client error:
// `{ id, status, data? }` or `{ id, status, error }`.
type responseFrame struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// pushFrame is the outbound shape for a server push: `{ pushType, data,
// status }`, never correlated to an open request (no id).
type pushFrame struct {
	PushType string `json:"pushType"`
	Data     any    `json:"data"`
	Status   int    `json:"status"`
}

func wsjson(ctx context.Context, ws *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}
