package basics

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/validana-io/vserver/pkg/store"
)

// errEmptyTransaction is returned when base64tx decodes to zero bytes.
var errEmptyTransaction = errors.New("base64tx is empty")

// decodeTxID converts the hex txId query/body value into the binary id
// stored in basics.transactions.transaction_id.
func decodeTxID(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// encodeTxID is decodeTxID's inverse, used to render transaction_id back
// into the hex string clients sent.
func encodeTxID(b []byte) string {
	return hex.EncodeToString(b)
}

// parseTransaction decodes a client-supplied base64tx into a row ready
// for InsertTransaction. The wire format of a signed transaction
// (contract hash, validity window, payload, signature, public key) is
// owned by the processor that later validates and applies it — this
// gateway only needs a stable content-addressed id to correlate the
// insert with the notification-driven status update, so TransactionID is
// derived as sha256(raw bytes) rather than parsed out of a binary
// header.
func parseTransaction(base64tx string, createTS int64, now func() time.Time) (*store.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(base64tx)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errEmptyTransaction
	}

	id := sha256.Sum256(raw)
	if createTS == 0 {
		createTS = now().UnixMilli()
	}

	return &store.Transaction{
		TransactionID: id[:],
		Payload:       base64tx,
		CreateTS:      createTS,
	}, nil
}
