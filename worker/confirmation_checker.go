package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tari-project/minotari-payment-processor/metrics"
	"github.com/tari-project/minotari-payment-processor/node"
	"github.com/tari-project/minotari-payment-processor/store"
)

// ConfirmationChecker polls the base node for each broadcast transaction
// until it is buried at the node's confirmation depth, then confirms the
// batch and all its payments.
type ConfirmationChecker struct {
	store    store.Store
	backend  node.Backend
	l        log.Logger
	m        metrics.Metricer
	interval time.Duration
}

func NewConfirmationChecker(st store.Store, backend node.Backend, l log.Logger, m metrics.Metricer, interval time.Duration) *ConfirmationChecker {
	return &ConfirmationChecker{
		store:    st,
		backend:  backend,
		l:        l.New("service", "confirmation_checker"),
		m:        m,
		interval: interval,
	}
}

func (w *ConfirmationChecker) Start(ctx context.Context) error {
	return runLoop(ctx, w.l, w.m, "confirmation_checker", w.interval, w.tick)
}

func (w *ConfirmationChecker) tick(ctx context.Context) error {
	batches, err := w.store.FindBatchesByStatus(ctx, store.BatchStatusAwaitingConfirmation)
	if err != nil {
		return fmt.Errorf("find batches awaiting confirmation: %w", err)
	}

	for _, batch := range batches {
		if err := w.check(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (w *ConfirmationChecker) check(ctx context.Context, batch store.PaymentBatch) error {
	if batch.SignedTxJSON == nil {
		w.m.RecordBatchFailed()
		return w.store.FailBatch(ctx, batch.ID,
			fmt.Sprintf("batch %s has no signed transaction", batch.ID))
	}
	txID, err := txIDFromSignedJSON(*batch.SignedTxJSON)
	if err != nil {
		w.m.RecordBatchFailed()
		return w.store.FailBatch(ctx, batch.ID, err.Error())
	}

	state, err := w.backend.TransactionState(ctx, txID)
	if err != nil {
		w.m.RecordRPCError()
		w.l.Warn("confirmation query failed, will retry", "batch", batch.ID, "txid", txID, "err", err)
		return w.store.IncrementBatchRetry(ctx, batch.ID, err.Error())
	}

	switch {
	case state.Rejected:
		w.l.Error("transaction rejected by base node", "batch", batch.ID, "txid", txID, "reason", state.RejectReason)
		w.m.RecordBatchFailed()
		return w.store.FailBatch(ctx, batch.ID, state.RejectReason)
	case state.Mined:
		err := w.store.ConfirmBatch(ctx, batch.ID, state.Height, state.HeaderHash, state.Timestamp)
		if err != nil {
			return fmt.Errorf("confirm batch %s: %w", batch.ID, err)
		}
		w.m.RecordBatchConfirmed()
		w.m.RecordBatchTransition(string(store.BatchStatusConfirmed))
		w.l.Info("batch confirmed", "batch", batch.ID, "txid", txID, "height", state.Height)
		return nil
	default:
		// Not mined yet. Time, not attempts, measures progress here, so
		// the retry count is left alone.
		w.l.Debug("transaction not yet mined", "batch", batch.ID, "txid", txID)
		return nil
	}
}
