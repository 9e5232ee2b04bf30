package store

// TransactionStatus is the lifecycle state of a persisted transaction.
type TransactionStatus string

const (
	StatusNew      TransactionStatus = "new"
	StatusInvalid  TransactionStatus = "invalid"
	StatusAccepted TransactionStatus = "accepted"
	StatusRejected TransactionStatus = "rejected"
)

// Transaction mirrors a row of basics.transactions.
type Transaction struct {
	TransactionID   []byte
	Version         int32
	ContractHash    []byte
	ValidTill       int64
	Payload         string
	Signature       []byte
	PublicKey       []byte
	CreateTS        int64
	BlockID         *int64
	PositionInBlock *int32
	ProcessedTS     *int64
	Status          TransactionStatus
	Sender          *string
	Receiver        *string
	ContractType    *string
	Message         *string
}

// Block mirrors a row of basics.blocks.
type Block struct {
	BlockID   int64
	ProcessTS int64
}

// Contract mirrors a row of basics.contracts: the descriptor served via
// the cached `contracts` verb.
type Contract struct {
	Hash            []byte
	Type            string
	Version         int32
	Description     string
	Template        string
	ValidanaVersion string
}

// MetricRow mirrors a row of basics.metrics: (metric, worker, value)
// with worker = -1 for cross-worker totals.
type MetricRow struct {
	Metric string
	Worker int32
	Value  int64
}

// BlockNotification is the decoded payload of a `blocks` channel
// NOTIFY: `{ ts, txs?, other, block? }`.
type BlockNotification struct {
	TS    int64  `json:"ts"`
	Txs   int64  `json:"txs"`
	Other int64  `json:"other"`
	Block *int64 `json:"block,omitempty"`
}

// HasWork reports whether this notification carries any work worth
// fanning out (txs > 0 or other != 0).
func (n BlockNotification) HasWork() bool {
	return n.Txs > 0 || n.Other != 0
}
