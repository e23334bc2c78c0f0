package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/minotari-payment-processor/metrics"
	"github.com/tari-project/minotari-payment-processor/store"
	"github.com/tari-project/minotari-payment-processor/testlog"
)

func newSigner(t *testing.T, st store.Store, script string) *TransactionSigner {
	t.Helper()
	wallet := writeWalletStub(t, script)
	return NewTransactionSigner(st, wallet, "hunter2",
		testlog.Logger(t, log.LvlCrit), &metrics.NoopMetrics{}, time.Second)
}

func TestSignerSignsAwaitingBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	// The stub copies its input to its output, so the signed JSON must
	// come out byte-identical to the unsigned JSON.
	signer := newSigner(t, st, `cp "$3" "$5"`)

	batch := seedBatchInStatus(t, st, "alice", store.BatchStatusAwaitingSignature,
		store.BatchUpdate{UnsignedTxJSON: strptr(`{"tx_id":"tx-7","outputs":[1]}`)})
	require.NoError(t, signer.tick(ctx))

	got := requireBatchStatus(t, st, batch.ID, store.BatchStatusAwaitingBroadcast)
	require.NotNil(t, got.SignedTxJSON)
	require.Equal(t, `{"tx_id":"tx-7","outputs":[1]}`, *got.SignedTxJSON)
}

func TestSignerPassesWalletPassword(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	signer := newSigner(t, st, `printf '{"password":"%s"}' "$MINOTARI_WALLET_PASSWORD" > "$5"`)

	batch := seedBatchInStatus(t, st, "alice", store.BatchStatusAwaitingSignature,
		store.BatchUpdate{UnsignedTxJSON: strptr(`{}`)})
	require.NoError(t, signer.tick(ctx))

	got := requireBatchStatus(t, st, batch.ID, store.BatchStatusAwaitingBroadcast)
	require.Equal(t, `{"password":"hunter2"}`, *got.SignedTxJSON)
}

func TestSignerSpawnErrorFailsBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	signer := NewTransactionSigner(st, "/no/such/wallet/binary", "hunter2",
		testlog.Logger(t, log.LvlCrit), &metrics.NoopMetrics{}, time.Second)

	batch := seedBatchInStatus(t, st, "alice", store.BatchStatusAwaitingSignature,
		store.BatchUpdate{UnsignedTxJSON: strptr(`{}`)})
	require.NoError(t, signer.tick(ctx))

	got := requireBatchStatus(t, st, batch.ID, store.BatchStatusFailed)
	require.Contains(t, *got.ErrorMessage, "CLI execution error:")
}

func TestSignerMissingUnsignedTxFailsBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	signer := newSigner(t, st, `cp "$3" "$5"`)

	batch := seedBatchInStatus(t, st, "alice", store.BatchStatusAwaitingSignature, store.BatchUpdate{})
	require.NoError(t, signer.tick(ctx))

	got := requireBatchStatus(t, st, batch.ID, store.BatchStatusFailed)
	require.Contains(t, *got.ErrorMessage, "has no unsigned transaction")
}

func TestSignerSweepsStaleClaims(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	st := store.NewMemoryStoreWithNow(func() time.Time { return now })

	stale := seedBatchInStatus(t, st, "alice", store.BatchStatusSigningInProgress,
		store.BatchUpdate{UnsignedTxJSON: strptr(`{}`)})

	// The stub blocks nothing here; the swept batch is re-signed in the
	// same tick once it is back in AWAITING_SIGNATURE.
	signer := newSigner(t, st, `cp "$3" "$5"`)
	signer.now = func() time.Time { return now }

	// Within the lease window nothing is swept.
	require.NoError(t, signer.tick(ctx))
	requireBatchStatus(t, st, stale.ID, store.BatchStatusSigningInProgress)

	now = now.Add(time.Hour)
	require.NoError(t, signer.tick(ctx))
	requireBatchStatus(t, st, stale.ID, store.BatchStatusAwaitingBroadcast)
}
