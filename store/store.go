// Package store persists payments and payment batches and provides the
// transition primitives the workers coordinate through. The store is the
// single source of truth for pipeline progress: advancing a batch's status
// is the act of claiming it, so every status transition is conditional on
// the expected source status.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a payment or batch does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional update matched no row,
	// i.e. another worker claimed the batch first or a listed payment was
	// not in the expected status.
	ErrConflict = errors.New("store: conflicting update")
	// ErrUnknownStatus is returned when a persisted status string does not
	// map to a known status.
	ErrUnknownStatus = errors.New("store: unknown status")
)

// Payment is a single client-submitted payment. (ClientID, AccountName)
// is the client idempotency key.
type Payment struct {
	ID               string        `json:"id"`
	ClientID         string        `json:"client_id"`
	AccountName      string        `json:"account_name"`
	Status           PaymentStatus `json:"status"`
	PaymentBatchID   *string       `json:"payment_batch_id,omitempty"`
	RecipientAddress string        `json:"recipient_address"`
	Amount           int64         `json:"amount"`
	PaymentID        *string       `json:"payment_id,omitempty"`
	FailureReason    *string       `json:"failure_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// PaymentBatch groups payments of one account into a single on-chain
// transaction. Mined fields are only populated once the batch confirms.
type PaymentBatch struct {
	ID               string      `json:"id"`
	AccountName      string      `json:"account_name"`
	Status           BatchStatus `json:"status"`
	PRIdempotencyKey string      `json:"pr_idempotency_key"`
	UnsignedTxJSON   *string     `json:"unsigned_tx_json,omitempty"`
	SignedTxJSON     *string     `json:"signed_tx_json,omitempty"`
	ErrorMessage     *string     `json:"error_message,omitempty"`
	RetryCount       int64       `json:"retry_count"`
	MinedHeight      *int64      `json:"mined_height,omitempty"`
	MinedHeaderHash  *string     `json:"mined_header_hash,omitempty"`
	MinedTimestamp   *int64      `json:"mined_timestamp,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// NewPayment carries the caller-supplied fields of a payment submission.
type NewPayment struct {
	ClientID         string
	AccountName      string
	RecipientAddress string
	Amount           int64
	PaymentID        *string
}

// BatchUpdate is a partial update of a payment batch. Only non-nil fields
// are written; updated_at is always touched. IncrementRetry additionally
// bumps retry_count by one.
type BatchUpdate struct {
	Status          *BatchStatus
	UnsignedTxJSON  *string
	SignedTxJSON    *string
	ErrorMessage    *string
	MinedHeight     *int64
	MinedHeaderHash *string
	MinedTimestamp  *int64
	IncrementRetry  bool
}

// Store is the persistence surface used by the ingress API and the
// workers. Implementations must make multi-row updates (batch creation,
// failure cascades, confirmation cascades) atomic.
type Store interface {
	CreatePayment(ctx context.Context, p NewPayment) (*Payment, error)
	GetPaymentByID(ctx context.Context, id string) (*Payment, error)
	GetPaymentByClientKey(ctx context.Context, clientID, accountName string) (*Payment, error)
	// GetPaymentWithBatch returns a payment joined with its batch; the
	// batch is nil while the payment is still RECEIVED.
	GetPaymentWithBatch(ctx context.Context, id string) (*Payment, *PaymentBatch, error)
	FindReceivablePayments(ctx context.Context, limit int) ([]Payment, error)
	FindPaymentsByStatus(ctx context.Context, status PaymentStatus) ([]Payment, error)
	FindPaymentsByBatch(ctx context.Context, batchID string) ([]Payment, error)

	// CreateBatchWithPayments inserts a PENDING_BATCHING batch and moves
	// the listed RECEIVED payments into it in one transaction. Returns
	// ErrConflict if any listed payment is not currently RECEIVED.
	CreateBatchWithPayments(ctx context.Context, accountName, prIdempotencyKey string, paymentIDs []string) (*PaymentBatch, error)
	GetBatchByID(ctx context.Context, id string) (*PaymentBatch, error)
	FindBatchesByStatus(ctx context.Context, status BatchStatus) ([]PaymentBatch, error)
	// FindStaleSigning returns batches that have sat in
	// SIGNING_IN_PROGRESS since before the cutoff, i.e. whose signing
	// claim lease has expired.
	FindStaleSigning(ctx context.Context, cutoff time.Time) ([]PaymentBatch, error)

	// UpdateBatch applies a partial update unconditionally.
	UpdateBatch(ctx context.Context, id string, upd BatchUpdate) error
	// TransitionBatch applies a partial update plus a status move, keyed
	// on the expected source status. Returns ErrConflict when the batch
	// is no longer in the expected status.
	TransitionBatch(ctx context.Context, id string, from, to BatchStatus, upd BatchUpdate) error
	// FailBatch marks the batch FAILED and fails all its non-CONFIRMED
	// payments with the same reason, atomically.
	FailBatch(ctx context.Context, id, reason string) error
	// IncrementBatchRetry bumps the batch's retry count, or behaves as
	// FailBatch once the count would reach MaxRetries.
	IncrementBatchRetry(ctx context.Context, id, reason string) error
	// ConfirmBatch marks an AWAITING_CONFIRMATION batch CONFIRMED with
	// its mined coordinates and confirms all member payments, atomically.
	ConfirmBatch(ctx context.Context, id string, minedHeight uint64, headerHash []byte, minedTimestamp uint64) error
}
