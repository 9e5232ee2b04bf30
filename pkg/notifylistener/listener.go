// Package notifylistener subscribes to the relational store's `blocks`
// notification channel on a dedicated connection and fans newly
// processed transactions into the event hub. The channel set is fixed
// for the process lifetime; a dropped connection is re-established
// after a short delay and LISTEN is reissued.
package notifylistener

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/validana-io/vserver/pkg/events"
	"github.com/validana-io/vserver/pkg/store"
)

const (
	channel          = "blocks"
	reconnectDelay   = 5 * time.Second
	waitNotification = 100 * time.Millisecond
)

// Listener owns one dedicated (non-pooled) connection issuing `LISTEN
// blocks` and fanning payloads into the event registry.
type Listener struct {
	connString string
	store      *store.Store
	events     *events.Registry
	log        *slog.Logger

	running atomic.Bool
	conn    *pgx.Conn
}

// New constructs a Listener. connString is the dedicated connection's
// DSN (built the same way as the pool's, but never shared with it).
func New(connString string, st *store.Store, reg *events.Registry, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{connString: connString, store: st, events: reg, log: log}
}

// Run connects, issues LISTEN blocks, and processes notifications
// until ctx is cancelled. On connection loss it reconnects after a
// fixed 5s delay.
func (l *Listener) Run(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	for ctx.Err() == nil {
		if err := l.runOnce(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn("notification listener connection lost, reconnecting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return err
	}
	l.conn = conn
	defer func() {
		_ = conn.Close(context.Background())
		l.conn = nil
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}
	l.log.Info("notification listener subscribed", "channel", channel)

	for ctx.Err() == nil {
		wctx, cancel := context.WithTimeout(ctx, waitNotification)
		notif, err := conn.WaitForNotification(wctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			return err
		}
		l.handle(ctx, notif.Payload)
	}
	return nil
}

func (l *Listener) handle(ctx context.Context, payload string) {
	var notif store.BlockNotification
	if err := json.Unmarshal([]byte(payload), &notif); err != nil {
		l.log.Warn("malformed blocks notification payload", "error", err)
		return
	}

	if !l.anySubscribers() || !notif.HasWork() {
		return
	}

	rows, err := l.store.TransactionsProcessedAt(ctx, notif.TS)
	if err != nil {
		l.log.Error("failed to query processed transactions", "error", err)
		return
	}

	for _, row := range rows {
		l.fanOut(row)
	}
}

// anySubscribers reports whether any of the four fanout event types has
// at least one subscriber. transactionId/transactionAddress/
// transactionContract are keyed by dynamic subtypes (hex id, address,
// contract type), so presence is checked via SubtypeCount rather than
// HasSubscribers("").
func (l *Listener) anySubscribers() bool {
	return l.events.Hub(events.TypeTransactionID).SubtypeCount() > 0 ||
		l.events.Hub(events.TypeTransactionAddress).SubtypeCount() > 0 ||
		l.events.Hub(events.TypeTransactionContract).SubtypeCount() > 0 ||
		l.events.Hub(events.TypeTransaction).HasSubscribers("")
}

func (l *Listener) fanOut(tx store.Transaction) {
	id := hexID(tx.TransactionID)
	l.events.Hub(events.TypeTransactionID).Emit(tx, id)

	if tx.Sender != nil {
		l.events.Hub(events.TypeTransactionAddress).Emit(tx, *tx.Sender)
	}
	if tx.Receiver != nil {
		l.events.Hub(events.TypeTransactionAddress).Emit(tx, *tx.Receiver)
	}
	if tx.ContractType != nil {
		l.events.Hub(events.TypeTransactionContract).Emit(tx, *tx.ContractType)
	}
	l.events.Hub(events.TypeTransaction).Emit(tx, "")
}

func hexID(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
