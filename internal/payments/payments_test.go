package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
)

func TestNop_Lifecycle(t *testing.T) {
	g := NewNop()
	ctx := context.Background()

	ref, err := g.Hold(ctx, HoldRequest{Reference: "esc_1", Amount: decimal.RequireFromString("10")})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if !strings.HasPrefix(ref, "hold_") || g.Status(ref) != "held" {
		t.Fatalf("Expected held ref, got %s (%s)", ref, g.Status(ref))
	}
	if err := g.Settle(ctx, ref, decimal.RequireFromString("10")); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if err := g.Void(ctx, ref); !errors.Is(err, ErrUnknownHold) {
		t.Errorf("Expected ErrUnknownHold voiding a settled hold, got %v", err)
	}
	if g.Status(ref) != "settled" {
		t.Errorf("Expected settled, got %s", g.Status(ref))
	}
}

// stripeStub records form-encoded API calls and answers with a minimal PaymentIntent.
type stripeStub struct {
	mu    sync.Mutex
	calls []string
	forms []url.Values
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))

	s.mu.Lock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	s.forms = append(s.forms, form)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     "pi_test_123",
		"object": "payment_intent",
		"status": "requires_capture",
	})
}

func newStubGateway(t *testing.T) (*StripeGateway, *stripeStub) {
	t.Helper()
	stub := &stripeStub{}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeGateway("sk_test_dummy", "USD", &stripe.Backends{API: backend}), stub
}

func TestStripeGateway_HoldUsesManualCapture(t *testing.T) {
	g, stub := newStubGateway(t)

	ref, err := g.Hold(context.Background(), HoldRequest{
		Reference: "esc_42",
		PayerID:   "buyer",
		PayeeID:   "seller",
		Amount:    decimal.RequireFromString("74.50"),
	})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if ref != "pi_test_123" {
		t.Errorf("Expected pi_test_123, got %s", ref)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.calls) != 1 || stub.calls[0] != "POST /v1/payment_intents" {
		t.Fatalf("Unexpected calls %v", stub.calls)
	}
	form := stub.forms[0]
	if form.Get("amount") != "7450" {
		t.Errorf("Expected amount 7450, got %s", form.Get("amount"))
	}
	if form.Get("capture_method") != "manual" {
		t.Errorf("Expected manual capture, got %s", form.Get("capture_method"))
	}
	if form.Get("currency") != "usd" {
		t.Errorf("Expected usd, got %s", form.Get("currency"))
	}
	if form.Get("metadata[escrow_id]") != "esc_42" {
		t.Errorf("Expected escrow metadata, got %s", form.Get("metadata[escrow_id]"))
	}
}

func TestStripeGateway_SettleAndVoid(t *testing.T) {
	g, stub := newStubGateway(t)
	ctx := context.Background()

	if err := g.Settle(ctx, "pi_test_123", decimal.RequireFromString("90")); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if err := g.Void(ctx, "pi_test_123"); err != nil {
		t.Fatalf("Void failed: %v", err)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	want := []string{
		"POST /v1/payment_intents/pi_test_123/capture",
		"POST /v1/payment_intents/pi_test_123/cancel",
	}
	if strings.Join(stub.calls, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, stub.calls)
	}
	if stub.forms[0].Get("amount_to_capture") != "9000" {
		t.Errorf("Expected amount_to_capture 9000, got %s", stub.forms[0].Get("amount_to_capture"))
	}
}
