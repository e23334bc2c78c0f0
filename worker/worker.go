// Package worker contains the pipeline's polling loops. Each worker
// advances batches matching one status; the store's conditional status
// transitions are the only coordination between them, so any worker can be
// restarted (or duplicated) without double-driving a batch.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tari-project/minotari-payment-processor/metrics"
)

// runLoop ticks immediately, then at every interval, until ctx is
// cancelled. Tick errors are logged and counted; the loop keeps going.
func runLoop(ctx context.Context, l log.Logger, m metrics.Metricer, name string, interval time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := tick(ctx); err != nil {
			m.RecordTickError(name)
			l.Error("worker tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			l.Info("worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// signedTransaction is the part of the signed transaction JSON the
// pipeline itself reads: the identifier used to track the transaction on
// the base node. The rest of the blob stays opaque.
type signedTransaction struct {
	TxID string `json:"tx_id"`
}

func txIDFromSignedJSON(signedTxJSON string) (string, error) {
	var tx signedTransaction
	if err := json.Unmarshal([]byte(signedTxJSON), &tx); err != nil {
		return "", fmt.Errorf("parse signed transaction: %w", err)
	}
	if tx.TxID == "" {
		return "", fmt.Errorf("signed transaction carries no tx_id")
	}
	return tx.TxID, nil
}
