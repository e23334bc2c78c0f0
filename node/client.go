// Package node talks to the base node: submitting signed transactions and
// querying their confirmation state.
package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TxState is the node's view of a submitted transaction. Mined is only set
// once the node considers the transaction buried at its confirmation
// depth; until then the caller keeps polling.
type TxState struct {
	Mined        bool
	Rejected     bool
	RejectReason string
	Height       uint64
	HeaderHash   []byte
	Timestamp    uint64
}

// RejectedError is a definitive rejection of a submitted transaction
// (double spend, policy violation). It is not retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("base node rejected transaction: %s", e.Reason)
}

// IsRejected reports whether err is a definitive base-node rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Backend is the set of base node operations the workers use. The
// broadcaster submits; the confirmation checker polls.
type Backend interface {
	// SubmitTransaction broadcasts a signed transaction. A *RejectedError
	// return means the node definitively refused it; any other error is
	// transient.
	SubmitTransaction(ctx context.Context, signedTxJSON string) error

	// TransactionState queries the transaction by its identifier.
	TransactionState(ctx context.Context, txID string) (*TxState, error)
}

// Client implements Backend over the base node's HTTP API.
type Client struct {
	base string
	hc   *http.Client
}

var _ Backend = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base node url: %w", err)
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: timeout},
	}, nil
}

type submitRequest struct {
	Transaction json.RawMessage `json:"transaction"`
}

type submitResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (c *Client) SubmitTransaction(ctx context.Context, signedTxJSON string) error {
	body, err := json.Marshal(submitRequest{Transaction: json.RawMessage(signedTxJSON)})
	if err != nil {
		return &RejectedError{Reason: fmt.Sprintf("malformed signed transaction: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/transactions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("submit transaction: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &RejectedError{Reason: strings.TrimSpace(string(respBody))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("base node returned status %d: %s", resp.StatusCode, respBody)
	}

	var sr submitResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return fmt.Errorf("decode submit response: %w", err)
	}
	if !sr.Accepted {
		return &RejectedError{Reason: sr.Reason}
	}
	return nil
}

type txStateResponse struct {
	Mined        bool   `json:"mined"`
	Rejected     bool   `json:"rejected"`
	RejectReason string `json:"reject_reason,omitempty"`
	Height       uint64 `json:"height"`
	HeaderHash   string `json:"header_hash"`
	Timestamp    uint64 `json:"timestamp"`
}

func (c *Client) TransactionState(ctx context.Context, txID string) (*TxState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/transactions/"+url.PathEscape(txID), nil)
	if err != nil {
		return nil, fmt.Errorf("build transaction state request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query transaction state: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read transaction state response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		// Unknown to the node yet: not mined, not rejected.
		return &TxState{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("base node returned status %d: %s", resp.StatusCode, respBody)
	}

	var tr txStateResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("decode transaction state: %w", err)
	}
	state := &TxState{
		Mined:        tr.Mined,
		Rejected:     tr.Rejected,
		RejectReason: tr.RejectReason,
		Height:       tr.Height,
		Timestamp:    tr.Timestamp,
	}
	if tr.HeaderHash != "" {
		if state.HeaderHash, err = hex.DecodeString(tr.HeaderHash); err != nil {
			return nil, fmt.Errorf("decode header hash %q: %w", tr.HeaderHash, err)
		}
	}
	return state, nil
}
