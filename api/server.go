// Package api is the HTTP ingress: payment submission with client
// idempotency plus read endpoints for polling payment and batch progress.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"

	"github.com/tari-project/minotari-payment-processor/metrics"
	"github.com/tari-project/minotari-payment-processor/store"
)

type Server struct {
	store store.Store
	l     log.Logger
	m     metrics.Metricer
}

func NewServer(st store.Store, l log.Logger, m metrics.Metricer) *Server {
	return &Server{
		store: st,
		l:     l.New("service", "api"),
		m:     m,
	}
}

// Handler builds the route table. extra maps additional paths (such as
// /metrics) onto handlers owned by other components.
func (s *Server) Handler(extra map[string]http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /payments", s.handleSubmitPayment)
	mux.HandleFunc("GET /payments", s.handleListPayments)
	mux.HandleFunc("GET /payments/{id}", s.handleGetPayment)
	mux.HandleFunc("GET /batches/{id}/payments", s.handleListBatchPayments)
	for path, h := range extra {
		mux.Handle(path, h)
	}
	return cors.Default().Handler(mux)
}

type submitPaymentRequest struct {
	ClientID         string  `json:"client_id"`
	AccountName      string  `json:"account_name"`
	RecipientAddress string  `json:"recipient_address"`
	Amount           int64   `json:"amount"`
	PaymentID        *string `json:"payment_id,omitempty"`
}

func (r submitPaymentRequest) validate() error {
	if r.ClientID == "" {
		return errors.New("client_id must not be empty")
	}
	if r.AccountName == "" {
		return errors.New("account_name must not be empty")
	}
	if r.RecipientAddress == "" {
		return errors.New("recipient_address must not be empty")
	}
	if r.Amount < 0 {
		return fmt.Errorf("amount must not be negative, got %d", r.Amount)
	}
	return nil
}

// paymentWithBatch is the read model for GET /payments/{id}: the payment
// plus its batch, absent while the payment is still RECEIVED.
type paymentWithBatch struct {
	Payment *store.Payment      `json:"payment"`
	Batch   *store.PaymentBatch `json:"batch,omitempty"`
}

func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req submitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	// (client_id, account_name) is the client idempotency key: a repeat
	// submission returns the stored payment whatever its status.
	existing, err := s.store.GetPaymentByClientKey(r.Context(), req.ClientID, req.AccountName)
	if err == nil {
		s.writeJSON(w, http.StatusOK, existing)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	created, err := s.store.CreatePayment(r.Context(), store.NewPayment{
		ClientID:         req.ClientID,
		AccountName:      req.AccountName,
		RecipientAddress: req.RecipientAddress,
		Amount:           req.Amount,
		PaymentID:        req.PaymentID,
	})
	if err != nil {
		// A concurrent submission with the same key may have won the
		// insert; return its payment rather than a spurious failure.
		if existing, lookupErr := s.store.GetPaymentByClientKey(r.Context(), req.ClientID, req.AccountName); lookupErr == nil {
			s.writeJSON(w, http.StatusOK, existing)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.m.RecordPaymentReceived()
	s.l.Info("payment received", "payment", created.ID, "account", created.AccountName, "amount", created.Amount)
	s.writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, batch, err := s.store.GetPaymentWithBatch(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, errors.New("payment not found"))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, paymentWithBatch{Payment: payment, Batch: batch})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("status query parameter is required"))
		return
	}
	status, err := store.ParsePaymentStatus(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	payments, err := s.store.FindPaymentsByStatus(r.Context(), status)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payments)
}

func (s *Server) handleListBatchPayments(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if _, err := s.store.GetBatchByID(r.Context(), batchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, errors.New("batch not found"))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	payments, err := s.store.FindPaymentsByBatch(r.Context(), batchID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payments)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.l.Error("failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.l.Error("request failed", "status", status, "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
