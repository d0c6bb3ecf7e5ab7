// Package client is a typed Go client for the txgate HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Status mirrors the server-side record lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the transaction has finished.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// SubmitRequest is the body of POST /v1/transactions.
type SubmitRequest struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Accepted is returned for a queued submission.
type Accepted struct {
	IdempotencyKey string `json:"idempotencyKey"`
	MessageID      string `json:"messageId"`
	Status         Status `json:"status"`
	Location       string `json:"-"`
}

// Transaction is the caller-visible view of a transaction record.
type Transaction struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Kind           string          `json:"kind"`
	Status         Status          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailureReason  string          `json:"failureReason,omitempty"`
	AttemptCount   int             `json:"attemptCount"`
	SubmittedAt    time.Time       `json:"submittedAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// APIError is returned when the API responds with a non-2xx status. It carries
// the decoded problem document when the server sent one.
type APIError struct {
	Status    int    `json:"status"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Detail    string `json:"detail"`
	Field     string `json:"field"`
	RequestID string `json:"request_id"`
	// RetryAfter is parsed from the Retry-After header on 429 and 503.
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if e.Field != "" {
		return fmt.Sprintf("txgate api %d: %s (field %s)", e.Status, msg, e.Field)
	}
	return fmt.Sprintf("txgate api %d: %s", e.Status, msg)
}

// Temporary reports whether repeating the call may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a typed client for the txgate API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient Doer
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token sent on every call.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.HTTPClient = d }
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit calls POST /v1/transactions.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Accepted, error) {
	var out Accepted
	resp, err := c.do(ctx, http.MethodPost, "/v1/transactions", req, &out)
	if err != nil {
		return nil, err
	}
	out.Location = resp.Header.Get("Location")
	return &out, nil
}

// Get calls GET /v1/transactions/{key}.
func (c *Client) Get(ctx context.Context, key string) (*Transaction, error) {
	var out Transaction
	if _, err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List calls GET /v1/transactions. A non-positive limit uses the server default.
func (c *Client) List(ctx context.Context, limit int) ([]Transaction, error) {
	path := "/v1/transactions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Wait polls Get every interval until the transaction is terminal or ctx ends.
// A missing record is treated as not yet processed.
func (c *Client) Wait(ctx context.Context, key string, interval time.Duration) (*Transaction, error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		tx, err := c.Get(ctx, key)
		switch {
		case err == nil && tx.Status.Terminal():
			return tx, nil
		case err != nil && !IsNotFound(err) && !isTemporary(err):
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func isTemporary(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("txgate api: decode response: %w", err)
		}
	}
	return resp, nil
}

func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Title == "" {
		apiErr.Title = http.StatusText(resp.StatusCode)
	}
	apiErr.Status = resp.StatusCode
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
