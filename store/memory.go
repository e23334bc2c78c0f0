package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store with the same transition semantics as
// PostgresStore. It backs the unit and pipeline tests, which need no live
// database.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	payments map[string]*Payment
	batches  map[string]*PaymentBatch
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithNow(time.Now)
}

// NewMemoryStoreWithNow creates a MemoryStore with the provided clock, so
// tests can age rows deterministically.
func NewMemoryStoreWithNow(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:      now,
		payments: make(map[string]*Payment),
		batches:  make(map[string]*PaymentBatch),
	}
}

func (s *MemoryStore) CreatePayment(_ context.Context, p NewPayment) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	created := &Payment{
		ID:               uuid.NewString(),
		ClientID:         p.ClientID,
		AccountName:      p.AccountName,
		Status:           PaymentStatusReceived,
		RecipientAddress: p.RecipientAddress,
		Amount:           p.Amount,
		PaymentID:        p.PaymentID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.payments[created.ID] = created
	out := *created
	return &out, nil
}

func (s *MemoryStore) GetPaymentByID(_ context.Context, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) GetPaymentByClientKey(_ context.Context, clientID, accountName string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.ClientID == clientID && p.AccountName == accountName {
			out := *p
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetPaymentWithBatch(ctx context.Context, id string) (*Payment, *PaymentBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	payment := *p
	if p.PaymentBatchID == nil {
		return &payment, nil, nil
	}
	b, ok := s.batches[*p.PaymentBatchID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	batch := *b
	return &payment, &batch, nil
}

func (s *MemoryStore) FindReceivablePayments(_ context.Context, limit int) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.paymentsWhere(func(p *Payment) bool { return p.Status == PaymentStatusReceived })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindPaymentsByStatus(_ context.Context, status PaymentStatus) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.paymentsWhere(func(p *Payment) bool { return p.Status == status }), nil
}

func (s *MemoryStore) FindPaymentsByBatch(_ context.Context, batchID string) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.paymentsWhere(func(p *Payment) bool {
		return p.PaymentBatchID != nil && *p.PaymentBatchID == batchID
	}), nil
}

// paymentsWhere returns copies in arrival order. Callers must hold mu.
func (s *MemoryStore) paymentsWhere(match func(*Payment) bool) []Payment {
	var out []Payment
	for _, p := range s.payments {
		if match(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) CreateBatchWithPayments(_ context.Context, accountName, prIdempotencyKey string, paymentIDs []string) (*PaymentBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range paymentIDs {
		p, ok := s.payments[id]
		if !ok {
			return nil, ErrNotFound
		}
		if p.Status != PaymentStatusReceived {
			return nil, fmt.Errorf("%w: payment %s is not %s", ErrConflict, id, PaymentStatusReceived)
		}
	}

	now := s.now().UTC()
	batch := &PaymentBatch{
		ID:               uuid.NewString(),
		AccountName:      accountName,
		Status:           BatchStatusPendingBatching,
		PRIdempotencyKey: prIdempotencyKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.batches[batch.ID] = batch
	for _, id := range paymentIDs {
		p := s.payments[id]
		p.Status = PaymentStatusBatched
		batchID := batch.ID
		p.PaymentBatchID = &batchID
		p.UpdatedAt = now
	}
	out := *batch
	return &out, nil
}

func (s *MemoryStore) GetBatchByID(_ context.Context, id string) (*PaymentBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *b
	return &out, nil
}

func (s *MemoryStore) FindBatchesByStatus(_ context.Context, status BatchStatus) ([]PaymentBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.batchesWhere(func(b *PaymentBatch) bool { return b.Status == status }), nil
}

func (s *MemoryStore) FindStaleSigning(_ context.Context, cutoff time.Time) ([]PaymentBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.batchesWhere(func(b *PaymentBatch) bool {
		return b.Status == BatchStatusSigningInProgress && b.UpdatedAt.Before(cutoff)
	}), nil
}

func (s *MemoryStore) batchesWhere(match func(*PaymentBatch) bool) []PaymentBatch {
	var out []PaymentBatch
	for _, b := range s.batches {
		if match(b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// applyUpdate mutates b per upd. Callers must hold mu.
func (s *MemoryStore) applyUpdate(b *PaymentBatch, upd BatchUpdate) {
	if upd.Status != nil {
		b.Status = *upd.Status
	}
	if upd.UnsignedTxJSON != nil {
		v := *upd.UnsignedTxJSON
		b.UnsignedTxJSON = &v
	}
	if upd.SignedTxJSON != nil {
		v := *upd.SignedTxJSON
		b.SignedTxJSON = &v
	}
	if upd.ErrorMessage != nil {
		v := *upd.ErrorMessage
		b.ErrorMessage = &v
	}
	if upd.MinedHeight != nil {
		v := *upd.MinedHeight
		b.MinedHeight = &v
	}
	if upd.MinedHeaderHash != nil {
		v := *upd.MinedHeaderHash
		b.MinedHeaderHash = &v
	}
	if upd.MinedTimestamp != nil {
		v := *upd.MinedTimestamp
		b.MinedTimestamp = &v
	}
	if upd.IncrementRetry {
		b.RetryCount++
	}
	b.UpdatedAt = s.now().UTC()
}

func (s *MemoryStore) UpdateBatch(_ context.Context, id string, upd BatchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	s.applyUpdate(b, upd)
	return nil
}

func (s *MemoryStore) TransitionBatch(_ context.Context, id string, from, to BatchStatus, upd BatchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok || b.Status != from {
		return fmt.Errorf("%w: batch %s is not %s", ErrConflict, id, from)
	}
	upd.Status = &to
	s.applyUpdate(b, upd)
	return nil
}

func (s *MemoryStore) FailBatch(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failBatchLocked(id, reason)
}

func (s *MemoryStore) failBatchLocked(id, reason string) error {
	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	failed := BatchStatusFailed
	s.applyUpdate(b, BatchUpdate{Status: &failed, ErrorMessage: &reason})

	now := s.now().UTC()
	for _, p := range s.payments {
		if p.PaymentBatchID != nil && *p.PaymentBatchID == id && p.Status != PaymentStatusConfirmed {
			p.Status = PaymentStatusFailed
			r := reason
			p.FailureReason = &r
			p.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) IncrementBatchRetry(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	if b.RetryCount+1 >= MaxRetries {
		return s.failBatchLocked(id, reason)
	}
	s.applyUpdate(b, BatchUpdate{IncrementRetry: true})
	return nil
}

func (s *MemoryStore) ConfirmBatch(_ context.Context, id string, minedHeight uint64, headerHash []byte, minedTimestamp uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != BatchStatusAwaitingConfirmation {
		return fmt.Errorf("%w: batch %s is not %s", ErrConflict, id, BatchStatusAwaitingConfirmation)
	}
	confirmed := BatchStatusConfirmed
	height := int64(minedHeight)
	hash := hex.EncodeToString(headerHash)
	ts := int64(minedTimestamp)
	s.applyUpdate(b, BatchUpdate{
		Status:          &confirmed,
		MinedHeight:     &height,
		MinedHeaderHash: &hash,
		MinedTimestamp:  &ts,
	})

	now := s.now().UTC()
	for _, p := range s.payments {
		if p.PaymentBatchID != nil && *p.PaymentBatchID == id {
			p.Status = PaymentStatusConfirmed
			p.UpdatedAt = now
		}
	}
	return nil
}
