package receiver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, time.Second)
}

func TestCreateUnsignedTransaction(t *testing.T) {
	var gotBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"tx_id":"tx-1","outputs":[]}`))
	})

	unsigned, err := c.CreateUnsignedTransaction(context.Background(), Request{
		AccountName:      "alice",
		PRIdempotencyKey: "pr-key-1",
		Recipients: []Recipient{
			{Address: "addr1", Amount: 100},
			{Address: "addr2", Amount: 250},
		},
	})
	require.NoError(t, err)
	require.Equal(t, `{"tx_id":"tx-1","outputs":[]}`, unsigned)

	var req Request
	require.NoError(t, json.Unmarshal(gotBody, &req))
	require.Equal(t, "alice", req.AccountName)
	require.Equal(t, "pr-key-1", req.PRIdempotencyKey)
	require.Len(t, req.Recipients, 2)
	require.Equal(t, int64(250), req.Recipients[1].Amount)
}

func TestCreateUnsignedTransactionRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown account", http.StatusUnprocessableEntity)
	})

	_, err := c.CreateUnsignedTransaction(context.Background(), Request{AccountName: "ghost"})
	require.True(t, IsRejection(err))

	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, http.StatusUnprocessableEntity, rej.StatusCode)
	require.Contains(t, rej.Body, "unknown account")
}

func TestCreateUnsignedTransactionTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	})

	_, err := c.CreateUnsignedTransaction(context.Background(), Request{AccountName: "alice"})
	require.Error(t, err)
	require.False(t, IsRejection(err))
}
