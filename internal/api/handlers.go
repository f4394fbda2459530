/**
 * @description
 * This file contains the HTTP handlers for the onramp-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * The webhook handler's status codes are part of the settlement contract: 200
 * tells the payment provider to stop redelivering, 503 asks it to try again.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Service logic, models, errors.
 * - pkg/paymentclient: Checkout session creation.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumenpay/onramp-service/internal/app"
	"github.com/lumenpay/onramp-service/internal/domain"
	"github.com/lumenpay/onramp-service/internal/store"
	"github.com/lumenpay/onramp-service/pkg/paymentclient"
)

const maxWebhookBodyBytes = 1 << 20

// CheckoutProvider is the slice of the payment provider API the checkout
// handler needs.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, params paymentclient.CheckoutSessionParams) (*paymentclient.CheckoutSession, error)
}

// RateLimiter abstracts the distributed checkout rate limiter so tests can
// substitute their own.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error)
}

// HandlerConfig carries the request-shaping knobs handlers need.
type HandlerConfig struct {
	WebhookSecret      string
	FeeBps             int64
	FeeFixed           int64
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
}

// OnrampHandlers holds the application service and collaborators handlers use.
type OnrampHandlers struct {
	service  *app.Service
	reaper   *app.Reaper
	checkout CheckoutProvider
	limiter  RateLimiter
	cfg      HandlerConfig
}

// NewOnrampHandlers creates a new instance of OnrampHandlers. limiter may be
// nil when no Redis is configured; rate limiting is then skipped.
func NewOnrampHandlers(service *app.Service, reaper *app.Reaper, checkout CheckoutProvider, limiter RateLimiter, cfg HandlerConfig) *OnrampHandlers {
	if cfg.CheckoutRateWindow <= 0 {
		cfg.CheckoutRateWindow = time.Minute
	}
	return &OnrampHandlers{
		service:  service,
		reaper:   reaper,
		checkout: checkout,
		limiter:  limiter,
		cfg:      cfg,
	}
}

type checkoutRequest struct {
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	DestinationAddress string `json:"destination_address"`
	SuccessURL         string `json:"success_url"`
	CancelURL          string `json:"cancel_url"`
}

type feeBreakdownResponse struct {
	GrossAmount   int64 `json:"gross_amount"`
	ProcessingFee int64 `json:"processing_fee"`
	NetAmount     int64 `json:"net_amount"`
}

type checkoutResponse struct {
	SessionID   string               `json:"session_id"`
	CheckoutURL string               `json:"checkout_url"`
	ExpiresAt   time.Time            `json:"expires_at"`
	Fee         feeBreakdownResponse `json:"fee"`
}

// CreateCheckoutHandler opens a hosted card checkout for a new onramp deposit.
// Capacity is checked up front and fails closed: if the venue balance cannot
// be verified, no checkout is created.
func (h *OnrampHandlers) CreateCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Amount <= 0 {
		h.writeError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}
	if strings.TrimSpace(req.DestinationAddress) == "" {
		h.writeError(w, http.StatusBadRequest, "Destination address is required")
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	if h.limiter != nil && h.cfg.CheckoutRateLimit > 0 {
		subject := clientIP(r)
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "checkout", subject, h.cfg.CheckoutRateLimit, h.cfg.CheckoutRateWindow)
		if err != nil {
			log.Printf("level=warn component=api endpoint=checkout msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > h.cfg.CheckoutRateLimit {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many checkout attempts. Please try again shortly.")
			return
		}
	}

	fee := computeFee(req.Amount, h.cfg.FeeBps, h.cfg.FeeFixed)
	if fee.NetAmount <= 0 {
		h.writeError(w, http.StatusBadRequest, "Amount does not cover the processing fee")
		return
	}

	capacity, err := h.service.GetCapacity(r.Context())
	if err != nil {
		log.Printf("level=warn component=api endpoint=checkout outcome=reject reason=capacity_unverifiable err=%v", err)
		h.writeError(w, http.StatusServiceUnavailable, "Settlement capacity cannot be verified right now")
		return
	}
	if capacity.AvailableForOnramp < fee.NetAmount {
		log.Printf("level=warn component=api endpoint=checkout outcome=reject reason=insufficient_capacity available=%d required=%d",
			capacity.AvailableForOnramp, fee.NetAmount)
		h.writeError(w, http.StatusConflict, "Insufficient settlement capacity for this amount")
		return
	}

	session, err := h.checkout.CreateCheckoutSession(r.Context(), paymentclient.CheckoutSessionParams{
		GrossAmount:        req.Amount,
		Currency:           req.Currency,
		DestinationAddress: req.DestinationAddress,
		SuccessURL:         req.SuccessURL,
		CancelURL:          req.CancelURL,
	})
	if err != nil {
		log.Printf("level=error component=api endpoint=checkout msg=\"checkout session creation failed\" err=%v", err)
		h.writeError(w, http.StatusBadGateway, "Payment provider is unavailable")
		return
	}

	log.Printf("level=info component=api endpoint=checkout session_id=%s gross=%d net=%d", session.SessionID, fee.GrossAmount, fee.NetAmount)
	h.writeJSON(w, http.StatusCreated, checkoutResponse{
		SessionID:   session.SessionID,
		CheckoutURL: session.CheckoutURL,
		ExpiresAt:   session.ExpiresAt,
		Fee: feeBreakdownResponse{
			GrossAmount:   fee.GrossAmount,
			ProcessingFee: fee.ProcessingFee,
			NetAmount:     fee.NetAmount,
		},
	})
}

func computeFee(gross, bps, fixed int64) domain.FeeBreakdown {
	fee := gross*bps/10_000 + fixed
	return domain.FeeBreakdown{
		GrossAmount:   gross,
		ProcessingFee: fee,
		NetAmount:     gross - fee,
	}
}

type settlementOutcomeResponse struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	SettlementRef string `json:"settlement_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// PaymentWebhookHandler receives payment provider events over HTTPS. The
// provider redelivers on any non-2xx, so this handler only returns 503 when a
// later attempt could actually produce an outcome.
func (h *OnrampHandlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	if !VerifyWebhookSignature(h.cfg.WebhookSecret, body, r.Header.Get(WebhookSignatureHeader)) {
		log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject reason=bad_signature")
		h.writeError(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	var event domain.PaymentCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "Malformed event payload")
		return
	}

	// Unrelated event types are acknowledged so the provider stops resending.
	if event.EventType != "" && event.EventType != domain.EventTypeCheckoutCompleted {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	outcome, err := h.service.Settle(r.Context(), event)
	if err != nil {
		if errors.Is(err, app.ErrInvalidSettlementRequest) {
			h.writeError(w, http.StatusBadRequest, "Event is missing required settlement fields")
			return
		}
		// No definite outcome yet. 503 asks the provider to redeliver.
		log.Printf("level=warn component=api endpoint=payment_webhook session_id=%s msg=\"no outcome yet\" err=%v", event.SessionID, err)
		h.writeError(w, http.StatusServiceUnavailable, "Settlement could not be completed; retry later")
		return
	}

	h.writeJSON(w, http.StatusOK, settlementOutcomeResponse{
		SessionID:     outcome.SessionID,
		Status:        string(outcome.Status),
		SettlementRef: outcome.SettlementRef,
		FailureReason: outcome.FailureReason,
	})
}

type intentResponse struct {
	SessionID          string    `json:"session_id"`
	DestinationAddress string    `json:"destination_address"`
	Amount             int64     `json:"amount"`
	Status             string    `json:"status"`
	SettlementRef      *string   `json:"settlement_ref,omitempty"`
	FailureReason      *string   `json:"failure_reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func buildIntentResponse(intent *domain.DepositIntent) intentResponse {
	return intentResponse{
		SessionID:          intent.SessionID,
		DestinationAddress: intent.DestinationAddress,
		Amount:             intent.Amount,
		Status:             string(intent.Status),
		SettlementRef:      intent.SettlementRef,
		FailureReason:      intent.FailureReason,
		CreatedAt:          intent.CreatedAt,
		UpdatedAt:          intent.UpdatedAt,
	}
}

// GetTransactionHandler returns the settlement record for one checkout session.
func (h *OnrampHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "Session ID is required")
		return
	}

	intent, err := h.service.GetTransactionStatus(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_transaction session_id=%s err=%v", sessionID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, buildIntentResponse(intent))
}

// ListTransactionsHandler returns every retained settlement record, newest first.
func (h *OnrampHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	intents, err := h.service.GetAllTransactionStatuses(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_transactions err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	responses := make([]intentResponse, 0, len(intents))
	for i := range intents {
		responses = append(responses, buildIntentResponse(&intents[i]))
	}
	h.writeJSON(w, http.StatusOK, responses)
}

type capacityResponse struct {
	Balance            int64     `json:"balance"`
	PendingExposure    int64     `json:"pending_exposure"`
	AvailableForOnramp int64     `json:"available_for_onramp"`
	FetchedAt          time.Time `json:"fetched_at"`
}

// GetCapacityHandler reports how much onramp volume the venue balance can absorb.
func (h *OnrampHandlers) GetCapacityHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.GetCapacity(r.Context())
	if err != nil {
		log.Printf("level=warn component=api endpoint=capacity err=%v", err)
		h.writeError(w, http.StatusServiceUnavailable, "Settlement capacity cannot be verified right now")
		return
	}

	h.writeJSON(w, http.StatusOK, capacityResponse{
		Balance:            report.Balance,
		PendingExposure:    report.PendingExposure,
		AvailableForOnramp: report.AvailableForOnramp,
		FetchedAt:          report.FetchedAt,
	})
}

// ListStuckHandler lists intents stuck in processing for operator reconciliation.
func (h *OnrampHandlers) ListStuckHandler(w http.ResponseWriter, r *http.Request) {
	stuck, err := h.reaper.StuckProcessing(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=admin_stuck err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	responses := make([]intentResponse, 0, len(stuck))
	for i := range stuck {
		responses = append(responses, buildIntentResponse(&stuck[i]))
	}
	h.writeJSON(w, http.StatusOK, responses)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON is a helper for writing JSON responses.
func (h *OnrampHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *OnrampHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
