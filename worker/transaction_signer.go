package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/tari-project/minotari-payment-processor/metrics"
	"github.com/tari-project/minotari-payment-processor/store"
)

// walletPasswordEnv is the environment variable the console wallet reads
// its password from.
const walletPasswordEnv = "MINOTARI_WALLET_PASSWORD"

// signingLeaseMultiple sets the signing claim lease to a multiple of the
// worker interval: a SIGNING_IN_PROGRESS batch untouched for that long is
// assumed orphaned by a crash and handed back to AWAITING_SIGNATURE.
const signingLeaseMultiple = 10

// TransactionSigner drives the external console wallet to sign unsigned
// transactions. A batch is claimed via AWAITING_SIGNATURE →
// SIGNING_IN_PROGRESS before the subprocess starts, so concurrent signer
// instances never sign the same batch twice.
type TransactionSigner struct {
	store          store.Store
	walletPath     string
	walletPassword string
	l              log.Logger
	m              metrics.Metricer
	interval       time.Duration
	now            func() time.Time
}

func NewTransactionSigner(st store.Store, walletPath, walletPassword string, l log.Logger, m metrics.Metricer, interval time.Duration) *TransactionSigner {
	return &TransactionSigner{
		store:          st,
		walletPath:     walletPath,
		walletPassword: walletPassword,
		l:              l.New("service", "transaction_signer"),
		m:              m,
		interval:       interval,
		now:            time.Now,
	}
}

func (w *TransactionSigner) Start(ctx context.Context) error {
	return runLoop(ctx, w.l, w.m, "transaction_signer", w.interval, w.tick)
}

func (w *TransactionSigner) tick(ctx context.Context) error {
	if err := w.sweepStaleSigning(ctx); err != nil {
		return err
	}

	batches, err := w.store.FindBatchesByStatus(ctx, store.BatchStatusAwaitingSignature)
	if err != nil {
		return fmt.Errorf("find batches awaiting signature: %w", err)
	}

	for _, batch := range batches {
		err := w.store.TransitionBatch(ctx, batch.ID,
			store.BatchStatusAwaitingSignature, store.BatchStatusSigningInProgress,
			store.BatchUpdate{})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("claim batch %s for signing: %w", batch.ID, err)
		}
		w.m.RecordBatchTransition(string(store.BatchStatusSigningInProgress))

		if err := w.sign(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// sweepStaleSigning recovers batches orphaned in SIGNING_IN_PROGRESS by a
// crash between claim and result persistence.
func (w *TransactionSigner) sweepStaleSigning(ctx context.Context) error {
	cutoff := w.now().Add(-signingLeaseMultiple * w.interval)
	stale, err := w.store.FindStaleSigning(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find stale signing batches: %w", err)
	}
	for _, batch := range stale {
		err := w.store.TransitionBatch(ctx, batch.ID,
			store.BatchStatusSigningInProgress, store.BatchStatusAwaitingSignature,
			store.BatchUpdate{})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reset stale signing batch %s: %w", batch.ID, err)
		}
		w.l.Warn("reset stale signing batch", "batch", batch.ID, "claimed_at", batch.UpdatedAt)
	}
	return nil
}

func (w *TransactionSigner) sign(ctx context.Context, batch store.PaymentBatch) error {
	if batch.UnsignedTxJSON == nil {
		w.m.RecordBatchFailed()
		return w.store.FailBatch(ctx, batch.ID,
			fmt.Sprintf("batch %s has no unsigned transaction", batch.ID))
	}

	signedTxJSON, signErr := w.runWalletCLI(ctx, *batch.UnsignedTxJSON)
	if signErr != nil {
		// Signer failures reflect bad inputs or wallet misconfiguration;
		// retrying cannot fix them.
		w.l.Error("signing failed", "batch", batch.ID, "err", signErr)
		w.m.RecordBatchFailed()
		return w.store.FailBatch(ctx, batch.ID, signErr.Error())
	}

	err := w.store.TransitionBatch(ctx, batch.ID,
		store.BatchStatusSigningInProgress, store.BatchStatusAwaitingBroadcast,
		store.BatchUpdate{SignedTxJSON: &signedTxJSON})
	if err != nil {
		return fmt.Errorf("advance signed batch %s: %w", batch.ID, err)
	}
	w.m.RecordBatchTransition(string(store.BatchStatusAwaitingBroadcast))
	w.l.Info("transaction signed", "batch", batch.ID)
	return nil
}

// runWalletCLI feeds the unsigned transaction to the console wallet through
// a temp file and reads the signed result from another. Both files are
// removed on every exit path.
func (w *TransactionSigner) runWalletCLI(ctx context.Context, unsignedTxJSON string) (string, error) {
	inputFile, err := os.CreateTemp("", "unsigned-tx-")
	if err != nil {
		return "", fmt.Errorf("CLI execution error: create input file: %v", err)
	}
	defer os.Remove(inputFile.Name())
	if _, err := inputFile.WriteString(unsignedTxJSON); err != nil {
		inputFile.Close()
		return "", fmt.Errorf("CLI execution error: write input file: %v", err)
	}
	if err := inputFile.Close(); err != nil {
		return "", fmt.Errorf("CLI execution error: close input file: %v", err)
	}

	outputFile, err := os.CreateTemp("", "signed-tx-")
	if err != nil {
		return "", fmt.Errorf("CLI execution error: create output file: %v", err)
	}
	outputFile.Close()
	defer os.Remove(outputFile.Name())

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, w.walletPath,
		"sign-one-sided-transaction",
		"--input-file", inputFile.Name(),
		"--output-file", outputFile.Name())
	cmd.Env = append(os.Environ(), walletPasswordEnv+"="+w.walletPassword)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", errors.New(strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("CLI execution error: %v", err)
	}

	signed, err := os.ReadFile(outputFile.Name())
	if err != nil {
		return "", fmt.Errorf("CLI execution error: read output file: %v", err)
	}
	return string(signed), nil
}
