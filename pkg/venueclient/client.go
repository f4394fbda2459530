/**
 * @description
 * This package provides a client for the settlement venue's REST API. The venue
 * tracks operator and user balances off-chain; this client covers the two calls
 * the onramp needs: reading the operator's withdrawable balance and crediting a
 * user account via a transfer. Every request is signed with an HMAC-SHA256 of
 * the timestamp, method, path and body.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, encoding/json, net/http, time: Standard Go libraries.
 */
package venueclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for the failure modes the orchestrator branches on. The venue
// call is treated as non-idempotent: none of these are retried automatically.
var (
	ErrInvalidDestination  = errors.New("venue rejected destination account")
	ErrInsufficientBalance = errors.New("venue reported insufficient operator balance")
	ErrUpstreamRejected    = errors.New("venue rejected transfer")
	ErrTimeout             = errors.New("venue request timed out")
)

// Client is a client for the settlement venue API.
type Client struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	AccountID  string // operator account funding onramp transfers
	HTTPClient *http.Client
	nowFunc    func() time.Time
}

// NewClient creates a new settlement venue client. requestTimeout bounds every
// outbound call; a timeout surfaces as ErrTimeout, never as an open question.
func NewClient(baseURL, apiKey, apiSecret, accountID string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:     apiKey,
		APISecret:  apiSecret,
		AccountID:  accountID,
		HTTPClient: &http.Client{Timeout: requestTimeout},
		nowFunc:    time.Now,
	}
}

// TransferRequest is the payload for a venue balance transfer.
type TransferRequest struct {
	SourceAccount      string `json:"source_account"`
	DestinationAccount string `json:"destination_account"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
}

// TransferResponse is the venue's reply to a transfer request.
type TransferResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// BalanceResponse is the venue's reply to a balance query.
type BalanceResponse struct {
	Data struct {
		Total        int64 `json:"total"`
		Withdrawable int64 `json:"withdrawable"`
		Held         int64 `json:"held"`
	} `json:"data"`
}

// ErrorResponse represents an error returned by the venue API.
type ErrorResponse struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("venue api error: %s - %s", e.Errors[0].Code, e.Errors[0].Detail)
	}
	return "unknown venue api error"
}

// WithdrawableBalance fetches the operator's withdrawable balance in stablecoin
// minor units.
func (c *Client) WithdrawableBalance(ctx context.Context) (int64, error) {
	path := "/v1/accounts/" + c.AccountID + "/balance"
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	var balanceResp BalanceResponse
	if err := json.Unmarshal(body, &balanceResp); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}
	return balanceResp.Data.Withdrawable, nil
}

// Transfer credits amount to the destination venue account from the operator
// account and returns the venue's transfer reference.
func (c *Client) Transfer(ctx context.Context, destinationAccount string, amount int64) (string, error) {
	payload := TransferRequest{
		SourceAccount:      c.AccountID,
		DestinationAccount: destinationAccount,
		Amount:             amount,
		Currency:           "USDC",
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/transfers", reqBody)
	if err != nil {
		return "", err
	}

	var transferResp TransferResponse
	if err := json.Unmarshal(body, &transferResp); err != nil {
		return "", fmt.Errorf("failed to decode transfer response: %w", err)
	}
	if transferResp.Data.ID == "" {
		return "", fmt.Errorf("%w: transfer response missing reference", ErrUpstreamRejected)
	}
	return transferResp.Data.ID, nil
}

// do executes a signed request and returns the raw success body, mapping
// non-2xx replies and transport timeouts onto the sentinel errors above.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create venue request: %w", err)
	}

	timestamp := strconv.FormatInt(c.nowFunc().UnixMilli(), 10)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Venue-Api-Key", c.APIKey)
	req.Header.Set("X-Venue-Timestamp", timestamp)
	req.Header.Set("X-Venue-Signature", c.sign(timestamp, method, path, body))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("failed to execute venue request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read venue response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapError(method, path, resp.StatusCode, respBody)
	}
	return respBody, nil
}

func (c *Client) mapError(method, path string, status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || len(errResp.Errors) == 0 {
		log.Printf("level=warn component=venue_client op=\"%s %s\" status=%d msg=\"non-2xx response (unparsable error body)\"", method, path, status)
		return fmt.Errorf("%w: venue returned status %d", ErrUpstreamRejected, status)
	}

	code := errResp.Errors[0].Code
	detail := errResp.Errors[0].Detail
	log.Printf("level=warn component=venue_client op=\"%s %s\" status=%d code=%q detail=%q", method, path, status, code, detail)

	switch code {
	case "INVALID_DESTINATION", "ACCOUNT_NOT_FOUND":
		return fmt.Errorf("%w: %s", ErrInvalidDestination, detail)
	case "INSUFFICIENT_BALANCE":
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, detail)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrUpstreamRejected, detail, code)
	}
}

func (c *Client) sign(timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.APISecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	if body != nil {
		mac.Write(body)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
