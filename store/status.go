package store

import "fmt"

// MaxRetries is the ceiling on transient-error retries per batch. When a
// batch would exceed it, the batch is failed instead and the failure
// cascades to its payments.
const MaxRetries = 10

// PaymentStatus is the lifecycle state of a single payment. The string
// values are the exact forms persisted in the payments table.
type PaymentStatus string

const (
	PaymentStatusReceived  PaymentStatus = "RECEIVED"
	PaymentStatusBatched   PaymentStatus = "BATCHED"
	PaymentStatusConfirmed PaymentStatus = "CONFIRMED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// ParsePaymentStatus maps a stored status string back to its typed form.
// Unknown strings are reported to the caller rather than aborting.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch PaymentStatus(s) {
	case PaymentStatusReceived, PaymentStatusBatched, PaymentStatusConfirmed, PaymentStatusFailed:
		return PaymentStatus(s), nil
	default:
		return "", fmt.Errorf("%w: payment status %q", ErrUnknownStatus, s)
	}
}

// Terminal reports whether no further transitions are possible.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusConfirmed || s == PaymentStatusFailed
}

// BatchStatus is the lifecycle state of a payment batch. The string values
// are the exact forms persisted in the payment_batches table.
type BatchStatus string

const (
	BatchStatusPendingBatching      BatchStatus = "PENDING_BATCHING"
	BatchStatusAwaitingSignature    BatchStatus = "AWAITING_SIGNATURE"
	BatchStatusSigningInProgress    BatchStatus = "SIGNING_IN_PROGRESS"
	BatchStatusAwaitingBroadcast    BatchStatus = "AWAITING_BROADCAST"
	BatchStatusBroadcasting         BatchStatus = "BROADCASTING"
	BatchStatusAwaitingConfirmation BatchStatus = "AWAITING_CONFIRMATION"
	BatchStatusConfirmed            BatchStatus = "CONFIRMED"
	BatchStatusFailed               BatchStatus = "FAILED"
)

// ParseBatchStatus maps a stored status string back to its typed form.
func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchStatusPendingBatching, BatchStatusAwaitingSignature, BatchStatusSigningInProgress,
		BatchStatusAwaitingBroadcast, BatchStatusBroadcasting, BatchStatusAwaitingConfirmation,
		BatchStatusConfirmed, BatchStatusFailed:
		return BatchStatus(s), nil
	default:
		return "", fmt.Errorf("%w: batch status %q", ErrUnknownStatus, s)
	}
}

// Terminal reports whether no further transitions are possible.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusConfirmed || s == BatchStatusFailed
}
