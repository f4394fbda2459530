package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lumenpay/onramp-service/internal/app"
	"github.com/lumenpay/onramp-service/internal/domain"
	"github.com/lumenpay/onramp-service/internal/store"
	"github.com/lumenpay/onramp-service/pkg/paymentclient"
	"github.com/lumenpay/onramp-service/pkg/rabbitmq"
)

const testWebhookSecret = "whsec_test"

type fakeVenue struct {
	balance     int64
	balanceErr  error
	transferRef string
	transferErr error
}

func (v *fakeVenue) WithdrawableBalance(ctx context.Context) (int64, error) {
	return v.balance, v.balanceErr
}

func (v *fakeVenue) Transfer(ctx context.Context, destinationAccount string, amount int64) (string, error) {
	if v.transferErr != nil {
		return "", v.transferErr
	}
	return v.transferRef, nil
}

type fakePayments struct{}

func (p *fakePayments) Refund(ctx context.Context, captureRef string) (string, error) {
	return "rf_test", nil
}

type fakeCheckout struct {
	session *paymentclient.CheckoutSession
	err     error
	last    paymentclient.CheckoutSessionParams
}

func (c *fakeCheckout) CreateCheckoutSession(ctx context.Context, params paymentclient.CheckoutSessionParams) (*paymentclient.CheckoutSession, error) {
	c.last = params
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

type fakeLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *fakeLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func newTestHandlers(venue *fakeVenue, checkout *fakeCheckout, limiter RateLimiter) (*OnrampHandlers, store.Ledger) {
	ledger := store.NewMemoryLedger()
	oracle := app.NewBalanceOracle(venue, ledger, time.Nanosecond)
	service := app.NewService(ledger, oracle, venue, &fakePayments{}, &rabbitmq.FallbackProducer{})
	reaper := app.NewReaper(ledger, 24*time.Hour, 15*time.Minute)

	h := NewOnrampHandlers(service, reaper, checkout, limiter, HandlerConfig{
		WebhookSecret:     testWebhookSecret,
		FeeBps:            150, // 1.5%
		FeeFixed:          30,
		CheckoutRateLimit: 10,
	})
	return h, ledger
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateCheckoutHandler(t *testing.T) {
	venue := &fakeVenue{balance: 1_000_000}
	checkout := &fakeCheckout{session: &paymentclient.CheckoutSession{
		SessionID:   "cs_123",
		CheckoutURL: "https://pay.example.com/cs_123",
		ExpiresAt:   time.Now().Add(30 * time.Minute),
	}}
	h, _ := newTestHandlers(venue, checkout, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"amount":              10_000,
		"destination_address": "GABCDEF",
	})
	req := httptest.NewRequest(http.MethodPost, "/onramp/checkout", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateCheckoutHandler(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp checkoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "cs_123" {
		t.Errorf("session_id = %q", resp.SessionID)
	}
	// 1.5% of 10000 plus 30 fixed.
	if resp.Fee.ProcessingFee != 180 || resp.Fee.NetAmount != 9_820 {
		t.Errorf("fee breakdown = %+v", resp.Fee)
	}
	if checkout.last.GrossAmount != 10_000 || checkout.last.Currency != "USD" {
		t.Errorf("checkout params = %+v", checkout.last)
	}
}

func TestCreateCheckoutFailsClosedWhenCapacityUnknown(t *testing.T) {
	venue := &fakeVenue{balanceErr: errors.New("venue down")}
	h, _ := newTestHandlers(venue, &fakeCheckout{}, nil)

	body, _ := json.Marshal(map[string]interface{}{"amount": 10_000, "destination_address": "GABCDEF"})
	req := httptest.NewRequest(http.MethodPost, "/onramp/checkout", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateCheckoutHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCreateCheckoutRejectsInsufficientCapacity(t *testing.T) {
	venue := &fakeVenue{balance: 100}
	h, _ := newTestHandlers(venue, &fakeCheckout{}, nil)

	body, _ := json.Marshal(map[string]interface{}{"amount": 10_000, "destination_address": "GABCDEF"})
	req := httptest.NewRequest(http.MethodPost, "/onramp/checkout", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateCheckoutHandler(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCreateCheckoutValidation(t *testing.T) {
	h, _ := newTestHandlers(&fakeVenue{balance: 1_000_000}, &fakeCheckout{}, nil)

	cases := []map[string]interface{}{
		{"amount": 0, "destination_address": "GABCDEF"},
		{"amount": -5, "destination_address": "GABCDEF"},
		{"amount": 10_000, "destination_address": "  "},
		{"amount": 10, "destination_address": "GABCDEF"}, // fee exceeds amount
	}
	for _, payload := range cases {
		body, _ := json.Marshal(payload)
		req := httptest.NewRequest(http.MethodPost, "/onramp/checkout", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		h.CreateCheckoutHandler(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %v: status = %d, want 400", payload, rec.Code)
		}
	}
}

func TestCreateCheckoutRateLimited(t *testing.T) {
	limiter := &fakeLimiter{count: 11, retryAfter: 42}
	h, _ := newTestHandlers(&fakeVenue{balance: 1_000_000}, &fakeCheckout{}, limiter)

	body, _ := json.Marshal(map[string]interface{}{"amount": 10_000, "destination_address": "GABCDEF"})
	req := httptest.NewRequest(http.MethodPost, "/onramp/checkout", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateCheckoutHandler(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "42" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func webhookBody(t *testing.T, sessionID string, amount int64) []byte {
	t.Helper()
	body, err := json.Marshal(domain.PaymentCompletedEvent{
		EventID:            "evt_1",
		EventType:          domain.EventTypeCheckoutCompleted,
		SessionID:          sessionID,
		DestinationAddress: "GABCDEF",
		Amount:             amount,
		PaymentCaptureRef:  "cap_1",
		OccurredAt:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	h, _ := newTestHandlers(&fakeVenue{balance: 1_000_000, transferRef: "tx_1"}, &fakeCheckout{}, nil)

	body := webhookBody(t, "sess_w1", 5_000)
	req := httptest.NewRequest(http.MethodPost, "/onramp/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(WebhookSignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	h.PaymentWebhookHandler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPaymentWebhookSettles(t *testing.T) {
	h, ledger := newTestHandlers(&fakeVenue{balance: 1_000_000, transferRef: "tx_hook"}, &fakeCheckout{}, nil)

	body := webhookBody(t, "sess_w2", 5_000)
	req := httptest.NewRequest(http.MethodPost, "/onramp/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(WebhookSignatureHeader, signBody(body))
	rec := httptest.NewRecorder()
	h.PaymentWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp settlementOutcomeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "completed" || resp.SettlementRef != "tx_hook" {
		t.Errorf("outcome = %+v", resp)
	}

	if _, err := ledger.FindBySession(context.Background(), "sess_w2"); err != nil {
		t.Errorf("intent not recorded: %v", err)
	}
}

func TestPaymentWebhookAsksForRetryWhenNoOutcome(t *testing.T) {
	h, _ := newTestHandlers(&fakeVenue{balanceErr: errors.New("venue down")}, &fakeCheckout{}, nil)

	body := webhookBody(t, "sess_w3", 5_000)
	req := httptest.NewRequest(http.MethodPost, "/onramp/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(WebhookSignatureHeader, signBody(body))
	rec := httptest.NewRecorder()
	h.PaymentWebhookHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestPaymentWebhookIgnoresUnrelatedEvents(t *testing.T) {
	h, _ := newTestHandlers(&fakeVenue{balance: 1_000_000}, &fakeCheckout{}, nil)

	body, _ := json.Marshal(map[string]string{"event_type": "payment.checkout.expired", "session_id": "sess_w4"})
	req := httptest.NewRequest(http.MethodPost, "/onramp/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(WebhookSignatureHeader, signBody(body))
	rec := httptest.NewRecorder()
	h.PaymentWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestGetTransactionHandler(t *testing.T) {
	h, ledger := newTestHandlers(&fakeVenue{balance: 1_000_000}, &fakeCheckout{}, nil)
	router := OnrampRoutes(h, "internal_key", "http://127.0.0.1:0/jwks")

	req := httptest.NewRequest(http.MethodGet, "/onramp/transactions/sess_missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	if _, err := ledger.Create(context.Background(), "sess_known", "GABCDEF", 7_000); err != nil {
		t.Fatalf("create: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/onramp/transactions/sess_known", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp intentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "sess_known" || resp.Status != "pending" {
		t.Errorf("response = %+v", resp)
	}
}

func TestListTransactionsRequiresInternalKey(t *testing.T) {
	h, _ := newTestHandlers(&fakeVenue{balance: 1_000_000}, &fakeCheckout{}, nil)
	router := OnrampRoutes(h, "internal_key", "http://127.0.0.1:0/jwks")

	req := httptest.NewRequest(http.MethodGet, "/onramp/transactions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status without key = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/onramp/transactions", nil)
	req.Header.Set("X-Internal-Api-Key", "internal_key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", rec.Code)
	}
}

func TestGetCapacityHandler(t *testing.T) {
	h, ledger := newTestHandlers(&fakeVenue{balance: 200}, &fakeCheckout{}, nil)

	intent, _ := ledger.Create(context.Background(), "sess_cap", "GABCDEF", 50)
	ledger.Transition(context.Background(), intent.ID, domain.StatusProcessing, store.TransitionParams{})

	req := httptest.NewRequest(http.MethodGet, "/onramp/capacity", nil)
	rec := httptest.NewRecorder()
	h.GetCapacityHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp capacityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Balance != 200 || resp.PendingExposure != 50 || resp.AvailableForOnramp != 150 {
		t.Errorf("capacity = %+v", resp)
	}
}
