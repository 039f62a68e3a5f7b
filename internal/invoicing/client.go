// Package invoicing предоставляет клиент бухгалтерского сервиса, в котором
// регистрируются акты самовыставления.
package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmeshcher/storage-rental/internal/model"
)

// ErrNotConfigured возвращается, если адрес бухгалтерского сервиса не задан.
var ErrNotConfigured = errors.New("invoicing client not configured")

// maxPdfSize ограничивает размер загружаемого PDF.
const maxPdfSize = 20 << 20

type selfBillingRequest struct {
	Number         string `json:"number"`
	LandlordID     string `json:"landlord_id"`
	Year           int    `json:"year"`
	Month          int    `json:"month"`
	GrossAmount    int64  `json:"gross_amount"`
	NetAmount      int64  `json:"net_amount"`
	CommissionRate string `json:"commission_rate"`
	IssuedAt       string `json:"issued_at"`
}

type selfBillingResponse struct {
	ID string `json:"id"`
}

// Client инкапсулирует HTTP-взаимодействие с бухгалтерским сервисом.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт клиент бухгалтерского сервиса.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    base,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateSelfBillingInvoice регистрирует акт и возвращает его внешний идентификатор.
func (c *Client) CreateSelfBillingInvoice(ctx context.Context, inv *model.SelfBillingInvoice) (string, error) {
	in := selfBillingRequest{
		Number:         inv.Number,
		LandlordID:     inv.LandlordID,
		Year:           inv.Year,
		Month:          inv.Month,
		GrossAmount:    inv.GrossAmount,
		NetAmount:      inv.NetAmount,
		CommissionRate: inv.CommissionRate.StringFixed(4),
		IssuedAt:       inv.IssuedAt.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/self-billing-invoices", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out selfBillingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("invoicing response has no id")
	}
	return out.ID, nil
}

// DownloadInvoicePdf загружает PDF зарегистрированного акта.
func (c *Client) DownloadInvoicePdf(ctx context.Context, externalID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/invoices/"+url.PathEscape(externalID)+"/pdf", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPdfSize))
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return resp, nil
}
