package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/dealbroker/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupHandlerRouter() (*gin.Engine, *Service) {
	svc, _ := newTestService()
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(nil, true), auth.RequireAuth())
	NewHandler(svc).RegisterProtectedRoutes(v1)
	return r, svc
}

func doJSON(r *gin.Engine, method, path, actor string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(auth.DevActorHeader, actor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEscrow(t *testing.T, w *httptest.ResponseRecorder) *Entry {
	t.Helper()
	var resp struct {
		Escrow *Entry `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Escrow == nil {
		t.Fatalf("Failed to decode escrow from %s: %v", w.Body.String(), err)
	}
	return resp.Escrow
}

func TestHandler_CaptureAndDisputeFlow(t *testing.T) {
	r, _ := setupHandlerRouter()

	w := doJSON(r, "POST", "/v1/escrow", "buyer", map[string]interface{}{
		"payeeId":  "seller",
		"amount":   "74.00",
		"itemType": "product",
		"itemName": "Headphones",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	e := decodeEscrow(t, w)
	if e.Status != StatusHeld || e.PayerID != "buyer" {
		t.Errorf("Expected held entry paid by buyer, got %s by %s", e.Status, e.PayerID)
	}

	w = doJSON(r, "POST", "/v1/escrow/"+e.ID+"/deliver", "seller", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on deliver, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(r, "POST", "/v1/escrow/"+e.ID+"/dispute", "buyer", map[string]string{"reason": "item broken"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on dispute, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeEscrow(t, w); got.Status != StatusDisputed {
		t.Errorf("Expected disputed, got %s", got.Status)
	}

	w = doJSON(r, "GET", "/v1/escrow/"+e.ID+"/logs", "seller", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on logs, got %d: %s", w.Code, w.Body.String())
	}
	var logs struct {
		Logs  []AuditEntry `json:"logs"`
		Count int          `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &logs); err != nil {
		t.Fatalf("Failed to decode logs: %v", err)
	}
	if logs.Count != 3 || logs.Logs[2].Action != ActionDisputed {
		t.Errorf("Expected 3 logs ending in dispute, got %+v", logs.Logs)
	}
}

func TestHandler_CaptureErrors(t *testing.T) {
	r, _ := setupHandlerRouter()

	tests := []struct {
		name   string
		actor  string
		body   interface{}
		status int
	}{
		{"malformed", "buyer", "{not json", http.StatusBadRequest},
		{"missing amount", "buyer", map[string]string{"payeeId": "seller"}, http.StatusBadRequest},
		{"zero amount", "buyer", map[string]interface{}{"payeeId": "seller", "amount": "0"}, http.StatusBadRequest},
		{"self payment", "buyer", map[string]interface{}{"payeeId": "buyer", "amount": "5"}, http.StatusBadRequest},
		{"payer mismatch", "buyer", map[string]interface{}{"payerId": "someone", "payeeId": "seller", "amount": "5"}, http.StatusForbidden},
		{"unauthenticated", "", map[string]interface{}{"payeeId": "seller", "amount": "5"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, "POST", "/v1/escrow", tt.actor, tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_TransitionErrors(t *testing.T) {
	r, svc := setupHandlerRouter()
	e := captureTest(t, svc)

	w := doJSON(r, "POST", "/v1/escrow/"+e.ID+"/release", "buyer", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Release from held: expected 409, got %d", w.Code)
	}
	w = doJSON(r, "POST", "/v1/escrow/"+e.ID+"/deliver", "buyer", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Payer delivering: expected 403, got %d", w.Code)
	}
	w = doJSON(r, "POST", "/v1/escrow/esc_nope/deliver", "seller", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Unknown id: expected 404, got %d", w.Code)
	}
	w = doJSON(r, "POST", "/v1/escrow/"+e.ID+"/dispute", "buyer", map[string]string{"reason": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Empty reason: expected 400, got %d", w.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "ReasonRequired" {
		t.Errorf("Expected ReasonRequired, got %s", body["error"])
	}
	w = doJSON(r, "GET", "/v1/escrow/"+e.ID, "stranger", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Stranger reading: expected 403, got %d", w.Code)
	}
}

func TestHandler_ListByParty(t *testing.T) {
	r, svc := setupHandlerRouter()
	captureTest(t, svc)
	captureTest(t, svc)

	w := doJSON(r, "GET", "/v1/parties/seller/escrow?limit=1", "seller", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Escrows    []*Entry `json:"escrows"`
		HasMore    bool     `json:"has_more"`
		NextCursor string   `json:"next_cursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp.Escrows) != 1 || !resp.HasMore || resp.NextCursor == "" {
		t.Errorf("Expected one item with more, got %d has_more=%v", len(resp.Escrows), resp.HasMore)
	}

	w = doJSON(r, "GET", "/v1/parties/seller/escrow", "buyer", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Listing another party: expected 403, got %d", w.Code)
	}
	w = doJSON(r, "GET", "/v1/parties/seller/escrow?cursor=@@", "seller", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Bad cursor: expected 400, got %d", w.Code)
	}
}

type stubDeals map[string]*Deal

func (d stubDeals) Deal(_ context.Context, id string) (*Deal, error) {
	if deal, ok := d[id]; ok {
		return deal, nil
	}
	return nil, ErrNotFound
}

func TestHandler_CaptureLinkedNegotiation(t *testing.T) {
	svc, _ := newTestService()
	deals := stubDeals{
		"neg_open":     {NegotiationID: "neg_open", PayerID: "buyer", PayeeID: "seller", Amount: decimal.RequireFromString("90"), ItemType: "product", ItemID: "lamp"},
		"neg_accepted": {NegotiationID: "neg_accepted", PayerID: "buyer", PayeeID: "seller", Amount: decimal.RequireFromString("90"), ItemType: "product", ItemID: "lamp", Accepted: true},
	}
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(nil, true), auth.RequireAuth())
	NewHandler(svc).WithDeals(deals).RegisterProtectedRoutes(v1)

	tests := []struct {
		name   string
		actor  string
		body   map[string]interface{}
		status int
	}{
		{"not accepted", "buyer", map[string]interface{}{"negotiationId": "neg_open"}, http.StatusConflict},
		{"not the initiator", "mallory", map[string]interface{}{"negotiationId": "neg_accepted"}, http.StatusForbidden},
		{"unknown", "buyer", map[string]interface{}{"negotiationId": "neg_nope"}, http.StatusForbidden},
		{"payee swapped", "buyer", map[string]interface{}{"payeeId": "accomplice", "negotiationId": "neg_accepted"}, http.StatusForbidden},
		{"amount changed", "buyer", map[string]interface{}{"amount": "1", "negotiationId": "neg_accepted"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := doJSON(r, "POST", "/v1/escrow", tt.actor, tt.body); w.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	w := doJSON(r, "POST", "/v1/escrow", "buyer", map[string]interface{}{"negotiationId": "neg_accepted"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	e := decodeEscrow(t, w)
	if e.PayeeID != "seller" || !e.Amount.Equal(decimal.RequireFromString("90")) || e.ItemID != "lamp" {
		t.Errorf("Expected the accepted terms, got %+v", e)
	}
}

func TestHandler_CaptureNegotiationWithoutDealSource(t *testing.T) {
	r, _ := setupHandlerRouter()

	w := doJSON(r, "POST", "/v1/escrow", "buyer", map[string]interface{}{
		"payeeId": "seller", "amount": "90", "negotiationId": "neg_1",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
}
