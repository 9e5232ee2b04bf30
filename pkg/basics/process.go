package basics

import (
	"context"
	"errors"
	"net/http"

	"github.com/validana-io/vserver/pkg/events"
	"github.com/validana-io/vserver/pkg/protocol"
	"github.com/validana-io/vserver/pkg/store"
)

type processRequest struct {
	Base64Tx string `json:"base64tx"`
	CreateTS int64  `json:"createTs"`
	Wait     bool   `json:"wait"`
}

// handleProcess implements the `process` verb: insert a new
// transaction, ack 202 immediately, or block (wait=true) until the
// notification listener reports it processed.
func (d Deps) handleProcess(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := decodeProcessRequest(msg.Data)
	if err != nil {
		return nil, protocol.NewClientError(http.StatusBadRequest, err.Error())
	}

	tx, err := parseTransaction(req.Base64Tx, req.CreateTS, d.now)
	if err != nil {
		return nil, protocol.NewClientError(http.StatusBadRequest, err.Error())
	}

	if !req.Wait {
		if err := d.insertTransaction(ctx, tx); err != nil {
			return nil, err
		}
		msg.Status = http.StatusAccepted
		return nil, nil
	}

	msg.ClearLatency()

	id := encodeTxID(tx.TransactionID)
	result := make(chan store.Transaction, 1)
	hub := d.Events.Hub(events.TypeTransactionID)
	hub.Subscribe(msg.Conn, func(data any) {
		t, ok := data.(store.Transaction)
		if !ok {
			return
		}
		select {
		case result <- t:
		default:
		}
	}, id)
	defer hub.Unsubscribe(msg.Conn, id)

	if err := d.insertTransaction(ctx, tx); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, protocol.NewInternalError(ctx.Err())
	case t := <-result:
		if t.Status == store.StatusRejected || t.Status == store.StatusInvalid {
			message := "Transaction rejected."
			if t.Message != nil {
				message = *t.Message
			}
			return nil, protocol.NewBusinessRejectError(message)
		}
		return nil, nil
	}
}

// insertTransaction inserts tx, translating a duplicate-id collision
// into a client error carrying the duplicate-id message.
func (d Deps) insertTransaction(ctx context.Context, tx *store.Transaction) error {
	if err := d.Store.InsertTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return protocol.NewClientError(http.StatusBadRequest, err.Error())
		}
		return protocol.NewInternalError(err)
	}
	return nil
}

func decodeProcessRequest(data any) (processRequest, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return processRequest{}, errors.New("expected a JSON object body")
	}
	var req processRequest
	if s, ok := m["base64tx"].(string); ok {
		req.Base64Tx = s
	}
	if req.Base64Tx == "" {
		return processRequest{}, errors.New("base64tx is required")
	}
	if n, ok := asInt64(m["createTs"]); ok {
		req.CreateTS = n
	}
	if b, ok := m["wait"].(bool); ok {
		req.Wait = b
	}
	return req, nil
}

// asInt64 narrows a decoded JSON number (always float64 via
// encoding/json's `any` unmarshalling) into an int64.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
