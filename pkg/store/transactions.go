package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrDuplicateTransaction is returned by InsertTransaction when a row
// with the same transaction_id already exists. Its text is the exact
// message clients receive on a repeated submit.
var ErrDuplicateTransaction = errors.New("Transaction with id already exists.")

const transactionColumns = `transaction_id, version, contract_hash, valid_till, payload,
	signature, public_key, create_ts, block_id, position_in_block, processed_ts,
	status, sender, receiver, contract_type, message`

// InsertTransaction inserts a new row with status = new; the processor
// owns every later status transition.
func (s *Store) InsertTransaction(ctx context.Context, tx *Transaction) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO basics.transactions
			(transaction_id, version, contract_hash, valid_till, payload,
			 signature, public_key, create_ts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tx.TransactionID, tx.Version, tx.ContractHash, tx.ValidTill, tx.Payload,
		tx.Signature, tx.PublicKey, tx.CreateTS, StatusNew)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("store: insert transaction: %w", err)
	}
	return nil
}

// TransactionsByID fetches rows for a set of transaction ids.
func (s *Store) TransactionsByID(ctx context.Context, ids [][]byte) ([]Transaction, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+transactionColumns+`
		FROM basics.transactions WHERE transaction_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: query transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// TransactionsProcessedAt fetches every row processed at exactly ts,
// the fanout query the notification listener runs on each `blocks`
// notification.
func (s *Store) TransactionsProcessedAt(ctx context.Context, processedTS int64) ([]Transaction, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+transactionColumns+`
		FROM basics.transactions WHERE processed_ts = $1`, processedTS)
	if err != nil {
		return nil, fmt.Errorf("store: query transactions by processed_ts: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(
			&t.TransactionID, &t.Version, &t.ContractHash, &t.ValidTill, &t.Payload,
			&t.Signature, &t.PublicKey, &t.CreateTS, &t.BlockID, &t.PositionInBlock,
			&t.ProcessedTS, &t.Status, &t.Sender, &t.Receiver, &t.ContractType, &t.Message,
		); err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestBlockTimestamp returns the process timestamp of the most
// recent block, or ok=false if no blocks exist yet.
func (s *Store) LatestBlockTimestamp(ctx context.Context) (ts int64, ok bool, err error) {
	row := s.Pool.QueryRow(ctx, `SELECT process_ts FROM basics.blocks ORDER BY block_id DESC LIMIT 1`)
	if scanErr := row.Scan(&ts); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: query latest block: %w", scanErr)
	}
	return ts, true, nil
}

// Contracts fetches contract descriptors, optionally filtered by type.
func (s *Store) Contracts(ctx context.Context, contractType string) ([]Contract, error) {
	var rows pgx.Rows
	var err error
	if contractType == "" {
		rows, err = s.Pool.Query(ctx, `SELECT hash, type, version, description, template, validana_version FROM basics.contracts`)
	} else {
		rows, err = s.Pool.Query(ctx, `SELECT hash, type, version, description, template, validana_version
			FROM basics.contracts WHERE type = $1`, contractType)
	}
	if err != nil {
		return nil, fmt.Errorf("store: query contracts: %w", err)
	}
	defer rows.Close()

	var out []Contract
	for rows.Next() {
		var c Contract
		if err := rows.Scan(&c.Hash, &c.Type, &c.Version, &c.Description, &c.Template, &c.ValidanaVersion); err != nil {
			return nil, fmt.Errorf("store: scan contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// WithTransaction acquires a dedicated pool client and runs fn inside
// a begin/commit/rollback unit, for queries requiring an atomic
// multi-statement unit.
func (s *Store) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), without importing pgconn directly — pgx's
// *pgconn.PgError already satisfies this minimal interface.
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var se sqlStater
	if errors.As(err, &se) {
		return se.SQLState() == "23505"
	}
	return false
}
