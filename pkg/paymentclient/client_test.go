package paymentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateCheckoutSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer pk_test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}

		var params CheckoutSessionParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if params.GrossAmount != 10_000 || params.DestinationAddress != "GDEST" {
			t.Errorf("params = %+v", params)
		}

		json.NewEncoder(w).Encode(CheckoutSession{
			SessionID:   "cs_42",
			CheckoutURL: "https://pay.example.com/cs_42",
			ExpiresAt:   time.Now().Add(30 * time.Minute).UTC(),
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk_test", time.Second)
	session, err := client.CreateCheckoutSession(context.Background(), CheckoutSessionParams{
		GrossAmount:        10_000,
		Currency:           "USD",
		DestinationAddress: "GDEST",
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.SessionID != "cs_42" || session.CheckoutURL == "" {
		t.Errorf("session = %+v", session)
	}
}

func TestRefund(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/refunds" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			CaptureRef string `json:"capture_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.CaptureRef != "cap_99" {
			t.Errorf("capture_ref = %q", req.CaptureRef)
		}
		json.NewEncoder(w).Encode(map[string]string{"refund_ref": "rf_99", "status": "pending"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk_test", time.Second)
	ref, err := client.Refund(context.Background(), "cap_99")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if ref != "rf_99" {
		t.Errorf("refund ref = %q", ref)
	}
}

func TestRefundMapsCaptureNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"code": "CAPTURE_NOT_FOUND", "message": "no such capture"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk_test", time.Second)
	if _, err := client.Refund(context.Background(), "cap_missing"); !errors.Is(err, ErrNoCaptureFound) {
		t.Fatalf("expected ErrNoCaptureFound, got %v", err)
	}
}

func TestClientReturnsTypedTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "pk_test", 20*time.Millisecond)
	if _, err := client.Refund(context.Background(), "cap_slow"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
