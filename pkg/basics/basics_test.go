package basics

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/validana-io/vserver/pkg/store"
)

func fixedNow() time.Time { return time.UnixMilli(1_700_000_000_000) }

func TestDecodeProcessRequest(t *testing.T) {
	req, err := decodeProcessRequest(map[string]any{
		"base64tx": "YWJj",
		"createTs": float64(42),
		"wait":     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "YWJj", req.Base64Tx)
	assert.Equal(t, int64(42), req.CreateTS)
	assert.True(t, req.Wait)
}

func TestDecodeProcessRequest_MissingBase64Tx(t *testing.T) {
	_, err := decodeProcessRequest(map[string]any{"wait": true})
	assert.ErrorContains(t, err, "base64tx")
}

func TestDecodeProcessRequest_NotAnObject(t *testing.T) {
	_, err := decodeProcessRequest("just a string")
	assert.ErrorContains(t, err, "JSON object")
}

func TestParseTransaction_DerivesContentAddressedID(t *testing.T) {
	raw := []byte("payload bytes")
	b64 := base64.StdEncoding.EncodeToString(raw)

	tx, err := parseTransaction(b64, 0, fixedNow)
	require.NoError(t, err)

	want := sha256.Sum256(raw)
	assert.Equal(t, want[:], tx.TransactionID)
	assert.Equal(t, b64, tx.Payload)
	assert.Equal(t, fixedNow().UnixMilli(), tx.CreateTS)
}

func TestParseTransaction_ExplicitCreateTS(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte("x"))
	tx, err := parseTransaction(b64, 123, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(123), tx.CreateTS)
}

func TestParseTransaction_BadBase64(t *testing.T) {
	_, err := parseTransaction("not!!base64", 0, fixedNow)
	assert.Error(t, err)
}

func TestParseTransaction_Empty(t *testing.T) {
	_, err := parseTransaction("", 0, fixedNow)
	assert.ErrorIs(t, err, errEmptyTransaction)
}

func TestDecodeTxRequest(t *testing.T) {
	req, err := decodeTxRequest(map[string]any{"txId": "ff00"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ff00"}, req.IDs)

	req, err = decodeTxRequest(map[string]any{
		"txId": []any{"aa", "bb"},
		"push": true,
		"wait": true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb"}, req.IDs)
	assert.True(t, req.Push)
	assert.True(t, req.Wait)
}

func TestDecodeTxRequest_Invalid(t *testing.T) {
	_, err := decodeTxRequest(map[string]any{})
	assert.ErrorContains(t, err, "txId")

	_, err = decodeTxRequest(map[string]any{"txId": []any{1, 2}})
	assert.ErrorContains(t, err, "strings")

	_, err = decodeTxRequest(map[string]any{"txId": []any{}})
	assert.ErrorContains(t, err, "txId")

	_, err = decodeTxRequest(nil)
	assert.ErrorContains(t, err, "JSON object")
}

func TestParseContractsRequest(t *testing.T) {
	assert.Equal(t, "token", parseContractsRequest("token"))
	assert.Equal(t, "token", parseContractsRequest(map[string]any{"type": "token"}))
	assert.Equal(t, "", parseContractsRequest(nil))
	assert.Equal(t, "", parseContractsRequest(map[string]any{}))
}

func TestContractsCacheKey_EmptyFilterNeverCollides(t *testing.T) {
	assert.NotEqual(t, contractsCacheKey(""), contractsCacheKey("all"))
	assert.Equal(t, "token", contractsCacheKey("token"))
}

func TestTokenMatches(t *testing.T) {
	assert.True(t, tokenMatches("right", "right"))
	assert.False(t, tokenMatches("right", "wrong"))
	assert.False(t, tokenMatches("right", "righter"))
	assert.False(t, tokenMatches("", ""), "an unset token matches nothing")
}

func TestDecodeMetricsRequest(t *testing.T) {
	req, err := decodeMetricsRequest(map[string]any{"format": "prometheus", "token": "x"})
	require.NoError(t, err)
	assert.Equal(t, "prometheus", req.Format)
	assert.Equal(t, "x", req.Token)

	_, err = decodeMetricsRequest(map[string]any{"token": "x"})
	assert.ErrorContains(t, err, "format")
}

func TestTxIDCodecRoundTrip(t *testing.T) {
	raw, err := decodeTxID("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", encodeTxID(raw))

	_, err = decodeTxID("zz")
	assert.Error(t, err)
}

func TestToDescriptors(t *testing.T) {
	rows := []store.Contract{{
		Hash:            []byte{0xab},
		Type:            "token",
		Version:         2,
		Description:     "a token",
		Template:        "{}",
		ValidanaVersion: "1.0",
	}}
	out := toDescriptors(rows)
	require.Len(t, out, 1)
	assert.Equal(t, "ab", out[0].Hash)
	assert.Equal(t, "token", out[0].Type)
}
