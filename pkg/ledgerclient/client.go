/**
 * @description
 * This package provides a client for the external token ledger service. It
 * encapsulates authenticated HTTP calls for transfers, burns and balance lookups
 * and maps ledger rejections onto the sentinel errors of internal/ledger so the
 * protocol can propagate them unchanged.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/transfa/proof-service/internal/domain"
	"github.com/transfa/proof-service/internal/ledger"
)

// Client is a client for the token ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new token ledger client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for moving tokens between two holders.
type TransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// BurnRequest is the payload for destroying tokens held by an address.
type BurnRequest struct {
	Holder string `json:"holder"`
	Amount int64  `json:"amount"`
}

// BalanceResponse is returned by the balance endpoint.
type BalanceResponse struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

// ErrorResponse represents an error from the ledger API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("ledger api error (status %d)", e.StatusCode)
}

// Unwrap exposes the ledger sentinel matching the rejection, if any.
func (e *ErrorResponse) Unwrap() error {
	code := ""
	if len(e.Errors) > 0 {
		code = strings.ToLower(strings.TrimSpace(e.Errors[0].Code))
	}
	switch {
	case e.StatusCode == http.StatusPaymentRequired, code == "insufficient_balance":
		return ledger.ErrInsufficientBalance
	case code == "invalid_amount":
		return ledger.ErrInvalidAmount
	case code == "invalid_address":
		return ledger.ErrInvalidAddress
	default:
		return nil
	}
}

// Transfer moves amount from one holder to another.
func (c *Client) Transfer(ctx context.Context, from, to domain.Address, amount int64) error {
	payload := TransferRequest{From: from.String(), To: to.String(), Amount: amount}
	return c.do(ctx, http.MethodPost, "/api/v1/transfers", "transfer", payload, nil)
}

// Burn destroys amount held by holder.
func (c *Client) Burn(ctx context.Context, holder domain.Address, amount int64) error {
	payload := BurnRequest{Holder: holder.String(), Amount: amount}
	return c.do(ctx, http.MethodPost, "/api/v1/burns", "burn", payload, nil)
}

// BalanceOf fetches the current balance of address.
func (c *Client) BalanceOf(ctx context.Context, address domain.Address) (int64, error) {
	var resp BalanceResponse
	path := "/api/v1/balances/" + url.PathEscape(address.String())
	if err := c.do(ctx, http.MethodGet, path, "balance_of", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// do executes one ledger call and decodes either the success body into out or an ErrorResponse.
func (c *Client) do(ctx context.Context, method, path, op string, payload interface{}, out interface{}) error {
	if c.BaseURL == "" {
		return fmt.Errorf("ledger base url is empty")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if len(bodyBytes) > 0 {
			if err := json.Unmarshal(bodyBytes, errResp); err != nil {
				log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			}
		}
		log.Printf("level=warn component=ledger_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return errResp
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func firstErrorTitle(resp *ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp *ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
