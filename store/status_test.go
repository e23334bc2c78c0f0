package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePaymentStatus(t *testing.T) {
	for _, s := range []string{"RECEIVED", "BATCHED", "CONFIRMED", "FAILED"} {
		parsed, err := ParsePaymentStatus(s)
		require.NoError(t, err)
		require.Equal(t, s, string(parsed))
	}

	_, err := ParsePaymentStatus("SHIPPED")
	require.ErrorIs(t, err, ErrUnknownStatus)
	_, err = ParsePaymentStatus("received")
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestParseBatchStatus(t *testing.T) {
	for _, s := range []string{
		"PENDING_BATCHING", "AWAITING_SIGNATURE", "SIGNING_IN_PROGRESS",
		"AWAITING_BROADCAST", "BROADCASTING", "AWAITING_CONFIRMATION",
		"CONFIRMED", "FAILED",
	} {
		parsed, err := ParseBatchStatus(s)
		require.NoError(t, err)
		require.Equal(t, s, string(parsed))
	}

	_, err := ParseBatchStatus("SIGNING")
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, PaymentStatusConfirmed.Terminal())
	require.True(t, PaymentStatusFailed.Terminal())
	require.False(t, PaymentStatusReceived.Terminal())
	require.False(t, PaymentStatusBatched.Terminal())

	require.True(t, BatchStatusConfirmed.Terminal())
	require.True(t, BatchStatusFailed.Terminal())
	require.False(t, BatchStatusPendingBatching.Terminal())
	require.False(t, BatchStatusBroadcasting.Terminal())
}
