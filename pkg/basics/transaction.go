package basics

import (
	"context"
	"errors"
	"net/http"

	"github.com/validana-io/vserver/pkg/events"
	"github.com/validana-io/vserver/pkg/protocol"
	"github.com/validana-io/vserver/pkg/store"
)

type txRequest struct {
	IDs  []string
	Push bool
	Wait bool
}

// decodeTxRequest parses `{ txId: string|string[], push?: bool, wait?:
// bool }`, accepting txId as either a single hex string or an array of
// them.
func decodeTxRequest(data any) (txRequest, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return txRequest{}, errors.New("expected a JSON object body")
	}

	var req txRequest
	switch v := m["txId"].(type) {
	case string:
		req.IDs = []string{v}
	case []any:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return txRequest{}, errors.New("txId entries must be strings")
			}
			req.IDs = append(req.IDs, s)
		}
	default:
		return txRequest{}, errors.New("txId is required")
	}
	if len(req.IDs) == 0 {
		return txRequest{}, errors.New("txId is required")
	}

	if b, ok := m["push"].(bool); ok {
		req.Push = b
	}
	if b, ok := m["wait"].(bool); ok {
		req.Wait = b
	}
	return req, nil
}

// resolved is the outcome of looking up a requested id: either a known
// row, or still pending (no row with a terminal status yet).
type resolved struct {
	id  string
	raw []byte
	tx  *store.Transaction
}

// lookup fetches every requested id's current row and splits them into
// resolved (has a row whose status is no longer "new") and pending.
func (d Deps) lookup(ctx context.Context, ids []string) (found []resolved, pending []resolved, err error) {
	raws := make([][]byte, 0, len(ids))
	byHex := make(map[string][]byte, len(ids))
	for _, id := range ids {
		raw, err := decodeTxID(id)
		if err != nil {
			return nil, nil, protocol.NewClientError(http.StatusBadRequest, "txId is not valid hex: "+id)
		}
		raws = append(raws, raw)
		byHex[id] = raw
	}

	rows, err := d.Store.TransactionsByID(ctx, raws)
	if err != nil {
		return nil, nil, protocol.NewInternalError(err)
	}
	byID := make(map[string]store.Transaction, len(rows))
	for _, r := range rows {
		byID[encodeTxID(r.TransactionID)] = r
	}

	for _, id := range ids {
		if row, ok := byID[id]; ok && row.Status != store.StatusNew {
			row := row
			found = append(found, resolved{id: id, raw: byHex[id], tx: &row})
			continue
		}
		pending = append(pending, resolved{id: id, raw: byHex[id]})
	}
	return found, pending, nil
}

// handleTransaction implements the `transaction` verb: returns full rows,
// with the same wait/push semantics as txStatus.
func (d Deps) handleTransaction(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := decodeTxRequest(msg.Data)
	if err != nil {
		return nil, protocol.NewClientError(http.StatusBadRequest, err.Error())
	}

	found, pending, err := d.lookup(ctx, req.IDs)
	if err != nil {
		return nil, err
	}

	results := make([]store.Transaction, 0, len(req.IDs))
	for _, r := range found {
		results = append(results, *r.tx)
	}

	if len(pending) == 0 || (!req.Wait && !req.Push) {
		return results, nil
	}

	if req.Wait {
		msg.ClearLatency()
		resolvedPending, err := d.waitForAll(ctx, pending)
		if err != nil {
			return nil, err
		}
		results = append(results, resolvedPending...)
		return results, nil
	}

	// push=true: return what's available now, schedule pushes for the rest.
	msg.ClearLatency()
	d.pushRemaining(msg, pending)
	return results, nil
}

// handleTxStatus implements the `txStatus` verb: returns { id, status,
// message } per requested id.
func (d Deps) handleTxStatus(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := decodeTxRequest(msg.Data)
	if err != nil {
		return nil, protocol.NewClientError(http.StatusBadRequest, err.Error())
	}

	found, pending, err := d.lookup(ctx, req.IDs)
	if err != nil {
		return nil, err
	}

	results := make([]statusEntry, 0, len(req.IDs))
	for _, r := range found {
		results = append(results, toStatusEntry(r.id, *r.tx))
	}

	if len(pending) == 0 || (!req.Wait && !req.Push) {
		return results, nil
	}

	if req.Wait {
		msg.ClearLatency()
		resolvedPending, err := d.waitForAll(ctx, pending)
		if err != nil {
			return nil, err
		}
		for _, tx := range resolvedPending {
			results = append(results, toStatusEntry(encodeTxID(tx.TransactionID), tx))
		}
		return results, nil
	}

	msg.ClearLatency()
	d.pushRemaining(msg, pending)
	return results, nil
}

type statusEntry struct {
	ID      string  `json:"id"`
	Status  string  `json:"status"`
	Message *string `json:"message,omitempty"`
}

func toStatusEntry(id string, tx store.Transaction) statusEntry {
	return statusEntry{ID: id, Status: string(tx.Status), Message: tx.Message}
}

// waitForAll blocks until every pending id has a terminal row, or ctx is
// cancelled, by subscribing to the per-id transaction notification hub.
func (d Deps) waitForAll(ctx context.Context, pending []resolved) ([]store.Transaction, error) {
	hub := d.Events.Hub(events.TypeTransactionID)
	result := make(chan store.Transaction, len(pending))

	// A nil Connection produces a subscription this function must remove
	// itself, since there is no connection-close to trigger it: ctx's
	// lifetime (one request) bounds it instead.
	for _, p := range pending {
		id := p.id
		hub.Subscribe(nil, func(data any) {
			t, ok := data.(store.Transaction)
			if !ok {
				return
			}
			select {
			case result <- t:
			default:
			}
		}, id)
		defer hub.Unsubscribe(nil, id)
	}

	out := make([]store.Transaction, 0, len(pending))
	for range pending {
		select {
		case <-ctx.Done():
			return nil, protocol.NewInternalError(ctx.Err())
		case t := <-result:
			out = append(out, t)
		}
	}
	return out, nil
}

// pushRemaining arranges for each still-pending id to be delivered later
// via a `transaction` push frame, auto-unsubscribed when msg.Conn closes.
func (d Deps) pushRemaining(msg *protocol.Message, pending []resolved) {
	if !msg.Conn.CanPush() {
		return
	}
	hub := d.Events.Hub(events.TypeTransactionID)
	for _, p := range pending {
		hub.Subscribe(msg.Conn, func(data any) {
			t, ok := data.(store.Transaction)
			if !ok {
				return
			}
			_ = msg.Conn.Push("transaction", http.StatusOK, t)
		}, p.id)
	}
}
