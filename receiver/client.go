// Package receiver is the HTTP client for the external payment receiver
// service, which builds unsigned transactions for a batch of recipients.
// The service is idempotent on the pr_idempotency_key.
package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Recipient is one payout inside an unsigned transaction request.
type Recipient struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// Request asks the receiver service to build one unsigned transaction.
type Request struct {
	AccountName      string      `json:"account_name"`
	PRIdempotencyKey string      `json:"pr_idempotency_key"`
	Recipients       []Recipient `json:"recipients"`
}

// RejectionError is a definitive rejection by the receiver service (a 4xx
// response). It is not retried; the batch is failed with the body as the
// reason.
type RejectionError struct {
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("payment receiver rejected request (status %d): %s", e.StatusCode, e.Body)
}

// IsRejection reports whether err is a definitive receiver rejection, as
// opposed to a transient transport or server failure.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

type Client struct {
	url string
	hc  *http.Client
}

// NewClient creates a client POSTing to url, typically the value of the
// PAYMENT_RECEIVER environment variable.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url: url,
		hc:  &http.Client{Timeout: timeout},
	}
}

// CreateUnsignedTransaction submits the batch and returns the opaque
// unsigned transaction JSON produced by the service.
func (c *Client) CreateUnsignedTransaction(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode unsigned tx request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build unsigned tx request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call payment receiver: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read payment receiver response: %w", err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return string(respBody), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &RejectionError{StatusCode: resp.StatusCode, Body: string(respBody)}
	default:
		return "", fmt.Errorf("payment receiver returned status %d: %s", resp.StatusCode, respBody)
	}
}
