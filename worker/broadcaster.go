package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tari-project/minotari-payment-processor/metrics"
	"github.com/tari-project/minotari-payment-processor/node"
	"github.com/tari-project/minotari-payment-processor/store"
)

// Broadcaster submits signed transactions to the base node. A batch is
// claimed via AWAITING_BROADCAST → BROADCASTING before submission; on a
// transient error it is handed back to AWAITING_BROADCAST so the waiting
// status remains the only pickup predicate.
type Broadcaster struct {
	store    store.Store
	backend  node.Backend
	l        log.Logger
	m        metrics.Metricer
	interval time.Duration
}

func NewBroadcaster(st store.Store, backend node.Backend, l log.Logger, m metrics.Metricer, interval time.Duration) *Broadcaster {
	return &Broadcaster{
		store:    st,
		backend:  backend,
		l:        l.New("service", "broadcaster"),
		m:        m,
		interval: interval,
	}
}

func (w *Broadcaster) Start(ctx context.Context) error {
	return runLoop(ctx, w.l, w.m, "broadcaster", w.interval, w.tick)
}

func (w *Broadcaster) tick(ctx context.Context) error {
	batches, err := w.store.FindBatchesByStatus(ctx, store.BatchStatusAwaitingBroadcast)
	if err != nil {
		return fmt.Errorf("find batches awaiting broadcast: %w", err)
	}

	for _, batch := range batches {
		err := w.store.TransitionBatch(ctx, batch.ID,
			store.BatchStatusAwaitingBroadcast, store.BatchStatusBroadcasting,
			store.BatchUpdate{})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("claim batch %s for broadcast: %w", batch.ID, err)
		}
		w.m.RecordBatchTransition(string(store.BatchStatusBroadcasting))

		if err := w.broadcast(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (w *Broadcaster) broadcast(ctx context.Context, batch store.PaymentBatch) error {
	if batch.SignedTxJSON == nil {
		w.m.RecordBatchFailed()
		return w.store.FailBatch(ctx, batch.ID,
			fmt.Sprintf("batch %s has no signed transaction", batch.ID))
	}

	if err := w.backend.SubmitTransaction(ctx, *batch.SignedTxJSON); err != nil {
		w.m.RecordRPCError()
		if node.IsRejected(err) {
			w.l.Error("base node rejected transaction", "batch", batch.ID, "err", err)
			w.m.RecordBatchFailed()
			return w.store.FailBatch(ctx, batch.ID, err.Error())
		}

		w.l.Warn("broadcast failed, will retry", "batch", batch.ID, "err", err)
		if err := w.store.IncrementBatchRetry(ctx, batch.ID, err.Error()); err != nil {
			return fmt.Errorf("record broadcast retry for batch %s: %w", batch.ID, err)
		}
		// Hand the batch back for the next attempt. A conflict here means
		// the retry accounting just failed it terminally.
		err = w.store.TransitionBatch(ctx, batch.ID,
			store.BatchStatusBroadcasting, store.BatchStatusAwaitingBroadcast,
			store.BatchUpdate{})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("requeue batch %s for broadcast: %w", batch.ID, err)
		}
		return nil
	}

	err := w.store.TransitionBatch(ctx, batch.ID,
		store.BatchStatusBroadcasting, store.BatchStatusAwaitingConfirmation,
		store.BatchUpdate{})
	if err != nil {
		return fmt.Errorf("advance broadcast batch %s: %w", batch.ID, err)
	}
	w.m.RecordBatchTransition(string(store.BatchStatusAwaitingConfirmation))
	w.l.Info("transaction broadcast", "batch", batch.ID)
	return nil
}
