/**
 * @description
 * This package provides a client for the card payment provider's server-side
 * API. It covers the two calls the onramp makes: creating a hosted checkout
 * session before payment, and refunding a captured payment when settlement
 * fails after the card was charged.
 */
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNoCaptureFound is returned when the provider has no capture for the reference.
	ErrNoCaptureFound = errors.New("payment provider found no capture for reference")
	// ErrUpstreamRejected is returned for any other non-2xx provider reply.
	ErrUpstreamRejected = errors.New("payment provider rejected request")
	// ErrTimeout is returned when the provider call exceeds its deadline.
	ErrTimeout = errors.New("payment provider request timed out")
)

// Client is a client for the payment provider API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new payment provider client.
func NewClient(baseURL, apiKey string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// CheckoutSessionParams describes the checkout session to create.
type CheckoutSessionParams struct {
	GrossAmount        int64  `json:"gross_amount"` // card charge, minor units
	Currency           string `json:"currency"`
	DestinationAddress string `json:"destination_address"` // echoed back in the webhook
	SuccessURL         string `json:"success_url"`
	CancelURL          string `json:"cancel_url"`
}

// CheckoutSession is the provider's handle for a hosted checkout page.
type CheckoutSession struct {
	SessionID   string    `json:"session_id"`
	CheckoutURL string    `json:"checkout_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type refundRequest struct {
	CaptureRef string `json:"capture_ref"`
}

type refundResponse struct {
	RefundRef string `json:"refund_ref"`
	Status    string `json:"status"`
}

type providerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateCheckoutSession asks the provider for a hosted checkout page.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	body, err := c.post(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, err
	}

	var session CheckoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session response: %w", err)
	}
	return &session, nil
}

// Refund issues a refund against a captured payment and returns the provider's
// refund reference. Treated as non-idempotent: the caller must not retry.
func (c *Client) Refund(ctx context.Context, captureRef string) (string, error) {
	body, err := c.post(ctx, "/v1/refunds", refundRequest{CaptureRef: captureRef})
	if err != nil {
		return "", err
	}

	var refund refundResponse
	if err := json.Unmarshal(body, &refund); err != nil {
		return "", fmt.Errorf("failed to decode refund response: %w", err)
	}
	return refund.RefundRef, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("failed to execute provider request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var perr providerError
		if err := json.Unmarshal(respBody, &perr); err != nil || perr.Code == "" {
			log.Printf("level=warn component=payment_client path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return nil, fmt.Errorf("%w: provider returned status %d", ErrUpstreamRejected, resp.StatusCode)
		}
		log.Printf("level=warn component=payment_client path=%s status=%d code=%q msg=%q", path, resp.StatusCode, perr.Code, perr.Message)
		if perr.Code == "CAPTURE_NOT_FOUND" {
			return nil, fmt.Errorf("%w: %s", ErrNoCaptureFound, perr.Message)
		}
		return nil, fmt.Errorf("%w: %s (%s)", ErrUpstreamRejected, perr.Message, perr.Code)
	}
	return respBody, nil
}
