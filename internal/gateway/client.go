// Package gateway предоставляет клиент платёжного шлюза.
package gateway

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

// Status описывает состояние платежа в шлюзе.
type Status string

const (
	StatusPaid     Status = "paid"
	StatusCanceled Status = "canceled"
	StatusPending  Status = "pending"
)

// ErrNotConfigured возвращается, если адрес шлюза не задан.
var ErrNotConfigured = errors.New("payment gateway client not configured")

// RateLimitError возвращается, когда шлюз ответил 429 Too Many Requests.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("payment gateway rate limited, retry after %s", e.RetryAfter)
}

// PaymentRequest описывает запрос на создание платежа.
type PaymentRequest struct {
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
	ReturnURL   string `json:"return_url,omitempty"`
	Frequency   string `json:"frequency,omitempty"`
}

// Payment описывает созданный в шлюзе платёж.
type Payment struct {
	Ref         string `json:"id"`
	Status      Status `json:"status"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

type recurrenceRequest struct {
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к платёжному шлюзу по указанному адресу.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: normalizeBase(baseURL),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func normalizeBase(base string) string {
	base = strings.TrimRight(base, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

// CreatePayment создаёт разовый платёж.
func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	var res Payment
	if err := c.do(ctx, http.MethodPost, "/api/payments", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateRecurringPayment создаёт родительский платёж для последующих рекуррентных списаний.
func (c *Client) CreateRecurringPayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	var res Payment
	if err := c.do(ctx, http.MethodPost, "/api/payments/recurring", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateRecurrence списывает очередной платёж по родительскому платежу.
func (c *Client) CreateRecurrence(ctx context.Context, parentRef string, amount int64, reference, description string) (*Payment, error) {
	path := fmt.Sprintf("/api/payments/%s/recurrences", url.PathEscape(parentRef))
	req := recurrenceRequest{Amount: amount, Reference: reference, Description: description}

	var res Payment
	if err := c.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	if res.Status == StatusCanceled {
		return &res, fmt.Errorf("recurrence %s for %s was declined", res.Ref, parentRef)
	}
	return &res, nil
}

// VoidRecurrence отменяет будущие рекуррентные списания.
func (c *Client) VoidRecurrence(ctx context.Context, parentRef string) error {
	path := fmt.Sprintf("/api/payments/%s/recurrences", url.PathEscape(parentRef))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// GetStatus запрашивает текущее состояние платежа.
func (c *Client) GetStatus(ctx context.Context, ref string) (Status, error) {
	var res Payment
	if err := c.do(ctx, http.MethodGet, "/api/payments/"+url.PathEscape(ref), nil, &res); err != nil {
		return "", err
	}
	switch res.Status {
	case StatusPaid, StatusCanceled, StatusPending:
		return res.Status, nil
	}
	return "", fmt.Errorf("unknown payment status %q", res.Status)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
