package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/tari-project/minotari-payment-processor/api"
	"github.com/tari-project/minotari-payment-processor/metrics"
	"github.com/tari-project/minotari-payment-processor/node"
	"github.com/tari-project/minotari-payment-processor/receiver"
	"github.com/tari-project/minotari-payment-processor/store"
	"github.com/tari-project/minotari-payment-processor/testlog"
)

// pipeline bundles one instance of every worker over a shared store, so
// tests can drive the full payment lifecycle tick by tick.
type pipeline struct {
	store    *store.MemoryStore
	builder  *fakeBuilder
	backend  *fakeBackend
	creator  *BatchCreator
	unsigned *UnsignedTxCreator
	signer   *TransactionSigner
	caster   *Broadcaster
	checker  *ConfirmationChecker
}

func newPipeline(t *testing.T, walletScript string) *pipeline {
	t.Helper()
	l := testlog.Logger(t, log.LvlCrit)
	m := &metrics.NoopMetrics{}
	st := store.NewMemoryStore()
	builder := &fakeBuilder{resp: `{"unsigned":"U"}`}
	backend := newFakeBackend()
	wallet := writeWalletStub(t, walletScript)

	interval := time.Second
	return &pipeline{
		store:    st,
		builder:  builder,
		backend:  backend,
		creator:  NewBatchCreator(st, l, m, interval),
		unsigned: NewUnsignedTxCreator(st, builder, l, m, interval),
		signer:   NewTransactionSigner(st, wallet, "hunter2", l, m, interval),
		caster:   NewBroadcaster(st, backend, l, m, interval),
		checker:  NewConfirmationChecker(st, backend, l, m, interval),
	}
}

func (p *pipeline) tickAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.creator.tick(ctx))
	require.NoError(t, p.unsigned.tick(ctx))
	require.NoError(t, p.signer.tick(ctx))
	require.NoError(t, p.caster.tick(ctx))
	require.NoError(t, p.checker.tick(ctx))
}

func submitPayment(t *testing.T, handler http.Handler, body string) store.Payment {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var p store.Payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestPipelineHappyPath(t *testing.T) {
	p := newPipeline(t, `printf '{"tx_id":"tx-1"}' > "$5"`)
	handler := api.NewServer(p.store, testlog.Logger(t, log.LvlCrit), &metrics.NoopMetrics{}).Handler(nil)

	payment := submitPayment(t, handler,
		`{"client_id":"c1","account_name":"alice","recipient_address":"addr1","amount":100}`)
	require.Equal(t, store.PaymentStatusReceived, payment.Status)

	p.backend.setState("tx-1", &node.TxState{
		Mined:      true,
		Height:     42,
		HeaderHash: []byte{0xab, 0xcd},
		Timestamp:  1700000000,
	})
	p.tickAll(t)

	got, batch, err := p.store.GetPaymentWithBatch(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Equal(t, store.PaymentStatusConfirmed, got.Status)
	require.NotNil(t, batch)
	require.Equal(t, store.BatchStatusConfirmed, batch.Status)
	require.Equal(t, int64(42), *batch.MinedHeight)
	require.Equal(t, "abcd", *batch.MinedHeaderHash)
	require.Equal(t, int64(1700000000), *batch.MinedTimestamp)

	// The receiver saw exactly one request carrying the recipient.
	require.Len(t, p.builder.requests, 1)
	require.Equal(t, "alice", p.builder.requests[0].AccountName)
	require.Len(t, p.builder.requests[0].Recipients, 1)
	require.Equal(t, "addr1", p.builder.requests[0].Recipients[0].Address)
	require.Equal(t, int64(100), p.builder.requests[0].Recipients[0].Amount)

	// Exactly one broadcast of the stub's signed output.
	require.Equal(t, []string{`{"tx_id":"tx-1"}`}, p.backend.submitted)
}

func TestPipelineBatchesPerAccount(t *testing.T) {
	p := newPipeline(t, `printf '{"tx_id":"tx-1"}' > "$5"`)
	ctx := context.Background()

	bobs := seedPayments(t, p.store, "bob", 3)
	carols := seedPayments(t, p.store, "carol", 2)

	require.NoError(t, p.creator.tick(ctx))

	pending, err := p.store.FindBatchesByStatus(ctx, store.BatchStatusPendingBatching)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	sizes := make(map[string]int)
	for _, batch := range pending {
		members, err := p.store.FindPaymentsByBatch(ctx, batch.ID)
		require.NoError(t, err)
		sizes[batch.AccountName] = len(members)
		for _, member := range members {
			require.Equal(t, store.PaymentStatusBatched, member.Status)
			require.Equal(t, batch.AccountName, member.AccountName)
		}
	}
	require.Equal(t, map[string]int{"bob": 3, "carol": 2}, sizes)

	for _, seeded := range append(bobs, carols...) {
		member, err := p.store.GetPaymentByID(ctx, seeded.ID)
		require.NoError(t, err)
		require.Equal(t, store.PaymentStatusBatched, member.Status)
	}

	// An empty follow-up tick creates nothing new.
	require.NoError(t, p.creator.tick(ctx))
	pending, err = p.store.FindBatchesByStatus(ctx, store.BatchStatusPendingBatching)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestPipelineSignerFailureFailsBatch(t *testing.T) {
	p := newPipeline(t, `echo "bad key" >&2; exit 1`)
	ctx := context.Background()

	seedPayments(t, p.store, "alice", 1)
	require.NoError(t, p.creator.tick(ctx))
	require.NoError(t, p.unsigned.tick(ctx))
	require.NoError(t, p.signer.tick(ctx))

	failed, err := p.store.FindBatchesByStatus(ctx, store.BatchStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "bad key", *failed[0].ErrorMessage)

	members, err := p.store.FindPaymentsByBatch(ctx, failed[0].ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, store.PaymentStatusFailed, members[0].Status)
	require.Equal(t, "bad key", *members[0].FailureReason)
}

func TestPipelineTransientBroadcastExhaustsRetries(t *testing.T) {
	p := newPipeline(t, `printf '{"tx_id":"tx-1"}' > "$5"`)
	ctx := context.Background()

	batch := seedBatchInStatus(t, p.store, "alice", store.BatchStatusAwaitingBroadcast,
		store.BatchUpdate{SignedTxJSON: strptr(`{"tx_id":"tx-1"}`)})
	p.backend.submitErr = errors.New("connection refused: base node unavailable")

	for i := 0; i < store.MaxRetries-1; i++ {
		require.NoError(t, p.caster.tick(ctx))
		got := requireBatchStatus(t, p.store, batch.ID, store.BatchStatusAwaitingBroadcast)
		require.Equal(t, int64(i+1), got.RetryCount)
	}

	// The attempt that would reach the retry ceiling fails the batch.
	require.NoError(t, p.caster.tick(ctx))
	got := requireBatchStatus(t, p.store, batch.ID, store.BatchStatusFailed)
	require.Equal(t, "connection refused: base node unavailable", *got.ErrorMessage)

	members, err := p.store.FindPaymentsByBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, store.PaymentStatusFailed, members[0].Status)
	require.Equal(t, "connection refused: base node unavailable", *members[0].FailureReason)

	// Nothing ever made it onto the chain.
	require.Empty(t, p.backend.submitted)
}

func TestPipelineResumesAfterRestart(t *testing.T) {
	// A batch persisted as AWAITING_BROADCAST with its signed transaction
	// survives a process restart; a fresh broadcaster picks it up.
	p := newPipeline(t, `printf '{"tx_id":"tx-1"}' > "$5"`)
	ctx := context.Background()

	batch := seedBatchInStatus(t, p.store, "alice", store.BatchStatusAwaitingBroadcast,
		store.BatchUpdate{SignedTxJSON: strptr(`{"tx_id":"tx-9"}`)})

	restarted := NewBroadcaster(p.store, p.backend,
		testlog.Logger(t, log.LvlCrit), &metrics.NoopMetrics{}, time.Second)
	require.NoError(t, restarted.tick(ctx))

	requireBatchStatus(t, p.store, batch.ID, store.BatchStatusAwaitingConfirmation)
	require.Equal(t, []string{`{"tx_id":"tx-9"}`}, p.backend.submitted)
}

func TestPipelineRejectedBroadcastFailsBatch(t *testing.T) {
	p := newPipeline(t, `printf '{"tx_id":"tx-1"}' > "$5"`)
	ctx := context.Background()

	batch := seedBatchInStatus(t, p.store, "alice", store.BatchStatusAwaitingBroadcast,
		store.BatchUpdate{SignedTxJSON: strptr(`{"tx_id":"tx-1"}`)})
	p.backend.submitErr = &node.RejectedError{Reason: "double spend"}

	require.NoError(t, p.caster.tick(ctx))
	got := requireBatchStatus(t, p.store, batch.ID, store.BatchStatusFailed)
	require.Contains(t, *got.ErrorMessage, "double spend")
}

func TestPipelineConfirmationOutcomes(t *testing.T) {
	p := newPipeline(t, `printf '{"tx_id":"tx-1"}' > "$5"`)
	ctx := context.Background()

	t.Run("not yet mined is a no-op", func(t *testing.T) {
		batch := seedBatchInStatus(t, p.store, "alice", store.BatchStatusAwaitingConfirmation,
			store.BatchUpdate{SignedTxJSON: strptr(`{"tx_id":"tx-wait"}`)})
		require.NoError(t, p.checker.tick(ctx))
		got := requireBatchStatus(t, p.store, batch.ID, store.BatchStatusAwaitingConfirmation)
		require.Equal(t, int64(0), got.RetryCount)
	})

	t.Run("definitive rejection fails the batch", func(t *testing.T) {
		batch := seedBatchInStatus(t, p.store, "bob", store.BatchStatusAwaitingConfirmation,
			store.BatchUpdate{SignedTxJSON: strptr(`{"tx_id":"tx-reorg"}`)})
		p.backend.setState("tx-reorg", &node.TxState{Rejected: true, RejectReason: "reorged out"})
		require.NoError(t, p.checker.tick(ctx))
		got := requireBatchStatus(t, p.store, batch.ID, store.BatchStatusFailed)
		require.Equal(t, "reorged out", *got.ErrorMessage)
	})

	t.Run("query errors count against retries", func(t *testing.T) {
		st := store.NewMemoryStore()
		backend := newFakeBackend()
		backend.stateErr = errors.New("node timeout")
		checker := NewConfirmationChecker(st, backend,
			testlog.Logger(t, log.LvlCrit), &metrics.NoopMetrics{}, time.Second)

		batch := seedBatchInStatus(t, st, "carol", store.BatchStatusAwaitingConfirmation,
			store.BatchUpdate{SignedTxJSON: strptr(`{"tx_id":"tx-err"}`)})
		require.NoError(t, checker.tick(ctx))
		got := requireBatchStatus(t, st, batch.ID, store.BatchStatusAwaitingConfirmation)
		require.Equal(t, int64(1), got.RetryCount)
	})
}

func TestPipelineReceiverOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("transient receiver errors are retried", func(t *testing.T) {
		p := newPipeline(t, `printf '{"tx_id":"tx-1"}' > "$5"`)
		p.builder.err = errors.New("receiver unavailable")

		seedPayments(t, p.store, "alice", 1)
		require.NoError(t, p.creator.tick(ctx))
		require.NoError(t, p.unsigned.tick(ctx))

		pending, err := p.store.FindBatchesByStatus(ctx, store.BatchStatusPendingBatching)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, int64(1), pending[0].RetryCount)
	})

	t.Run("receiver rejection fails the batch", func(t *testing.T) {
		p := newPipeline(t, `printf '{"tx_id":"tx-1"}' > "$5"`)
		p.builder.err = &receiver.RejectionError{StatusCode: 422, Body: "invalid recipient"}

		seedPayments(t, p.store, "alice", 1)
		require.NoError(t, p.creator.tick(ctx))
		require.NoError(t, p.unsigned.tick(ctx))

		failed, err := p.store.FindBatchesByStatus(ctx, store.BatchStatusFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
	})
}

func strptr(s string) *string { return &s }
