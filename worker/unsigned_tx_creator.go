package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tari-project/minotari-payment-processor/metrics"
	"github.com/tari-project/minotari-payment-processor/receiver"
	"github.com/tari-project/minotari-payment-processor/store"
)

// UnsignedTxBuilder builds an unsigned transaction for a batch. Satisfied
// by *receiver.Client.
type UnsignedTxBuilder interface {
	CreateUnsignedTransaction(ctx context.Context, req receiver.Request) (string, error)
}

// UnsignedTxCreator turns PENDING_BATCHING batches into unsigned
// transactions via the payment receiver service.
type UnsignedTxCreator struct {
	store    store.Store
	builder  UnsignedTxBuilder
	l        log.Logger
	m        metrics.Metricer
	interval time.Duration
}

func NewUnsignedTxCreator(st store.Store, builder UnsignedTxBuilder, l log.Logger, m metrics.Metricer, interval time.Duration) *UnsignedTxCreator {
	return &UnsignedTxCreator{
		store:    st,
		builder:  builder,
		l:        l.New("service", "unsigned_tx_creator"),
		m:        m,
		interval: interval,
	}
}

func (w *UnsignedTxCreator) Start(ctx context.Context) error {
	return runLoop(ctx, w.l, w.m, "unsigned_tx_creator", w.interval, w.tick)
}

func (w *UnsignedTxCreator) tick(ctx context.Context) error {
	batches, err := w.store.FindBatchesByStatus(ctx, store.BatchStatusPendingBatching)
	if err != nil {
		return fmt.Errorf("find pending batches: %w", err)
	}

	for _, batch := range batches {
		if err := w.process(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (w *UnsignedTxCreator) process(ctx context.Context, batch store.PaymentBatch) error {
	payments, err := w.store.FindPaymentsByBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("find payments of batch %s: %w", batch.ID, err)
	}

	req := receiver.Request{
		AccountName:      batch.AccountName,
		PRIdempotencyKey: batch.PRIdempotencyKey,
		Recipients:       make([]receiver.Recipient, 0, len(payments)),
	}
	for _, p := range payments {
		req.Recipients = append(req.Recipients, receiver.Recipient{
			Address: p.RecipientAddress,
			Amount:  p.Amount,
		})
	}

	unsignedTxJSON, err := w.builder.CreateUnsignedTransaction(ctx, req)
	if err != nil {
		w.m.RecordRPCError()
		if receiver.IsRejection(err) {
			w.l.Error("payment receiver rejected batch", "batch", batch.ID, "err", err)
			w.m.RecordBatchFailed()
			return w.store.FailBatch(ctx, batch.ID, err.Error())
		}
		w.l.Warn("unsigned transaction request failed, will retry", "batch", batch.ID, "err", err)
		return w.store.IncrementBatchRetry(ctx, batch.ID, err.Error())
	}

	err = w.store.TransitionBatch(ctx, batch.ID,
		store.BatchStatusPendingBatching, store.BatchStatusAwaitingSignature,
		store.BatchUpdate{UnsignedTxJSON: &unsignedTxJSON})
	if errors.Is(err, store.ErrConflict) {
		// Another instance advanced the batch; the receiver call was
		// idempotent on the pr key, so nothing was duplicated.
		w.l.Debug("batch advanced concurrently", "batch", batch.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("advance batch %s: %w", batch.ID, err)
	}
	w.m.RecordBatchTransition(string(store.BatchStatusAwaitingSignature))
	w.l.Info("unsigned transaction created", "batch", batch.ID, "recipients", len(payments))
	return nil
}
