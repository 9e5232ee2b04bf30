package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/validana-io/vserver/pkg/store"
	"github.com/validana-io/vserver/test/util"
)

func TestIntegration_InsertAndQueryTransaction(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	txID := []byte{1, 2, 3, 4}
	sender := "0xsender"
	err := st.InsertTransaction(ctx, &store.Transaction{
		TransactionID: txID,
		Version:       1,
		Payload:       `{"hello":"world"}`,
		CreateTS:      1000,
		Sender:        &sender,
	})
	require.NoError(t, err)

	// Duplicate insert yields ErrDuplicateTransaction.
	err = st.InsertTransaction(ctx, &store.Transaction{
		TransactionID: txID,
		Version:       1,
		Payload:       `{"hello":"world"}`,
		CreateTS:      1000,
	})
	assert.ErrorIs(t, err, store.ErrDuplicateTransaction)

	rows, err := st.TransactionsByID(ctx, [][]byte{txID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusNew, rows[0].Status)
	assert.Equal(t, sender, *rows[0].Sender)
}

func TestIntegration_TransactionsProcessedAt(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	txID := []byte{9, 9, 9}
	require.NoError(t, st.InsertTransaction(ctx, &store.Transaction{
		TransactionID: txID,
		Version:       1,
		Payload:       `{}`,
		CreateTS:      1000,
	}))

	_, err := st.Pool.Exec(ctx, `UPDATE basics.transactions SET processed_ts = $1, status = $2 WHERE transaction_id = $3`,
		int64(5000), store.StatusAccepted, txID)
	require.NoError(t, err)

	rows, err := st.TransactionsProcessedAt(ctx, 5000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusAccepted, rows[0].Status)
}

func TestIntegration_LatestBlockTimestamp_NoBlocks(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	_, ok, err := st.LatestBlockTimestamp(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIntegration_LatestBlockTimestamp(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.Pool.Exec(ctx, `INSERT INTO basics.blocks (block_id, process_ts) VALUES (1, 100), (2, 200)`)
	require.NoError(t, err)

	ts, ok, err := st.LatestBlockTimestamp(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(200), ts)
}

func TestIntegration_ContractsFilteredByType(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.Pool.Exec(ctx, `INSERT INTO basics.contracts (hash, type, version, description, template, validana_version)
		VALUES ($1, 'token', 1, 'a token contract', '{}', '1.0'), ($2, 'escrow', 1, 'an escrow contract', '{}', '1.0')`,
		[]byte{1}, []byte{2})
	require.NoError(t, err)

	all, err := st.Contracts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := st.Contracts(ctx, "token")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "token", filtered[0].Type)
}

func TestIntegration_Health(t *testing.T) {
	st, _ := util.SetupTestStore(t)
	hs := st.Health(context.Background())
	assert.True(t, hs.Healthy)
	assert.Empty(t, hs.Error)
}
