package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/tari-project/minotari-payment-processor/metrics"
	"github.com/tari-project/minotari-payment-processor/store"
)

// receivableLimit bounds how many RECEIVED payments one tick considers.
// Anything beyond it is picked up by the next tick.
const receivableLimit = 100

// BatchCreator groups RECEIVED payments into per-account batches.
type BatchCreator struct {
	store    store.Store
	l        log.Logger
	m        metrics.Metricer
	interval time.Duration
}

func NewBatchCreator(st store.Store, l log.Logger, m metrics.Metricer, interval time.Duration) *BatchCreator {
	return &BatchCreator{
		store:    st,
		l:        l.New("service", "batch_creator"),
		m:        m,
		interval: interval,
	}
}

func (w *BatchCreator) Start(ctx context.Context) error {
	return runLoop(ctx, w.l, w.m, "batch_creator", w.interval, w.tick)
}

func (w *BatchCreator) tick(ctx context.Context) error {
	payments, err := w.store.FindReceivablePayments(ctx, receivableLimit)
	if err != nil {
		return fmt.Errorf("find receivable payments: %w", err)
	}
	if len(payments) == 0 {
		return nil
	}

	// Payments of different accounts never share an on-chain transaction,
	// so group by account before batching.
	byAccount := make(map[string][]string)
	for _, p := range payments {
		byAccount[p.AccountName] = append(byAccount[p.AccountName], p.ID)
	}

	for account, ids := range byAccount {
		prKey := uuid.NewString()
		batch, err := w.store.CreateBatchWithPayments(ctx, account, prKey, ids)
		if err != nil {
			return fmt.Errorf("create batch for account %s: %w", account, err)
		}
		w.m.RecordBatchCreated(len(ids))
		w.m.RecordBatchTransition(string(store.BatchStatusPendingBatching))
		w.l.Info("created payment batch", "batch", batch.ID, "account", account, "payments", len(ids))
	}
	return nil
}
