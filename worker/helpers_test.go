package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tari-project/minotari-payment-processor/node"
	"github.com/tari-project/minotari-payment-processor/receiver"
	"github.com/tari-project/minotari-payment-processor/store"
)

// fakeBuilder is an UnsignedTxBuilder with scripted behaviour.
type fakeBuilder struct {
	mu       sync.Mutex
	resp     string
	err      error
	requests []receiver.Request
}

func (f *fakeBuilder) CreateUnsignedTransaction(_ context.Context, req receiver.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.resp, nil
}

// fakeBackend is a node.Backend tracking submissions and serving scripted
// transaction states.
type fakeBackend struct {
	mu        sync.Mutex
	submitErr error
	submitted []string
	states    map[string]*node.TxState
	stateErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{states: make(map[string]*node.TxState)}
}

func (b *fakeBackend) SubmitTransaction(_ context.Context, signedTxJSON string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return b.submitErr
	}
	b.submitted = append(b.submitted, signedTxJSON)
	return nil
}

func (b *fakeBackend) setState(txID string, state *node.TxState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[txID] = state
}

func (b *fakeBackend) TransactionState(_ context.Context, txID string) (*node.TxState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateErr != nil {
		return nil, b.stateErr
	}
	if state, ok := b.states[txID]; ok {
		return state, nil
	}
	return &node.TxState{}, nil
}

// writeWalletStub creates an executable shell script standing in for the
// console wallet. The script sees:
//
//	$1 sign-one-sided-transaction  $2 --input-file  $3 <in>  $4 --output-file  $5 <out>
func writeWalletStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "console-wallet")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

// seedPayments creates n RECEIVED payments for one account.
func seedPayments(t *testing.T, st store.Store, account string, n int) []store.Payment {
	t.Helper()
	out := make([]store.Payment, 0, n)
	for i := 0; i < n; i++ {
		p, err := st.CreatePayment(context.Background(), store.NewPayment{
			ClientID:         fmt.Sprintf("%s-client-%d", account, i),
			AccountName:      account,
			RecipientAddress: fmt.Sprintf("%s-addr-%d", account, i),
			Amount:           int64(100 * (i + 1)),
		})
		require.NoError(t, err)
		out = append(out, *p)
	}
	return out
}

// seedBatchInStatus creates a single-payment batch and moves it to the
// given status with the provided fields, as if earlier pipeline stages had
// run.
func seedBatchInStatus(t *testing.T, st store.Store, account string, status store.BatchStatus, upd store.BatchUpdate) *store.PaymentBatch {
	t.Helper()
	ctx := context.Background()

	payments := seedPayments(t, st, account, 1)
	batch, err := st.CreateBatchWithPayments(ctx, account, "pr-key-"+account, []string{payments[0].ID})
	require.NoError(t, err)

	if status != store.BatchStatusPendingBatching {
		upd.Status = &status
	}
	require.NoError(t, st.UpdateBatch(ctx, batch.ID, upd))

	got, err := st.GetBatchByID(ctx, batch.ID)
	require.NoError(t, err)
	return got
}

func requireBatchStatus(t *testing.T, st store.Store, batchID string, want store.BatchStatus) *store.PaymentBatch {
	t.Helper()
	batch, err := st.GetBatchByID(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, want, batch.Status)
	return batch
}
