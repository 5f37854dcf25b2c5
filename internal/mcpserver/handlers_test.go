package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, ActorID: "buyer"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func readBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	body, _ := io.ReadAll(r.Body)
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	return m
}

// ============================================================
// Client tests
// ============================================================

func TestClient_BearerTokenWins(t *testing.T) {
	var gotAuth, gotActor string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotActor = r.Header.Get("X-Actor-Id")
		_, _ = w.Write([]byte(`{"escrows":[]}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "jwt.token.here", ActorID: "buyer"})
	_, err := client.ListEscrows(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt.token.here", gotAuth)
	assert.Empty(t, gotActor, "actor header should not be sent with a token")
}

func TestClient_DevHeadersWithoutToken(t *testing.T) {
	var gotActor, gotRole string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = r.Header.Get("X-Actor-Id")
		gotRole = r.Header.Get("X-Actor-Role")
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"escrow":{"id":"esc_1"}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ActorID: "arb_1", Role: "arbiter"})
	_, err := client.ResolveDispute(context.Background(), "esc_1", "refund", "broken")
	require.NoError(t, err)
	assert.Equal(t, "arb_1", gotActor)
	assert.Equal(t, "arbiter", gotRole)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "InvalidTransition",
			"message": "invalid escrow state transition",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ActorID: "buyer"})
	_, err := client.ReleaseEscrow(context.Background(), "esc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "invalid escrow state transition")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ActorID: "buyer"})
	_, err := client.EscrowLogs(context.Background(), "esc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", ActorID: "buyer"})
	_, err := client.ListNegotiations(context.Background(), "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ActorID: "buyer"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.NegotiationContext(ctx, "neg_1")
	require.Error(t, err)
}

func TestClient_OpenNegotiation_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/negotiations", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		m := readBody(t, r)
		assert.Equal(t, "product", m["itemType"])
		assert.Equal(t, "lamp", m["itemId"])
		assert.Equal(t, 85.5, m["proposedAmount"], "offer should be sent as a JSON number")
		assert.Equal(t, "is it still available?", m["message"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"negotiation":{"id":"neg_1"}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ActorID: "buyer"})
	_, err := client.OpenNegotiation(context.Background(), "product", "lamp", "85.50", "is it still available?")
	require.NoError(t, err)
}

func TestClient_OpenNegotiation_OmitsEmptyOffer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := readBody(t, r)
		_, hasOffer := m["proposedAmount"]
		assert.False(t, hasOffer)
		_, hasMessage := m["message"]
		assert.False(t, hasMessage)
		_, _ = w.Write([]byte(`{"negotiation":{"id":"neg_1"}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ActorID: "buyer"})
	_, err := client.OpenNegotiation(context.Background(), "service", "logo", "", "")
	require.NoError(t, err)
}

func TestClient_OpenNegotiation_InvalidOffer(t *testing.T) {
	var called bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ActorID: "buyer"})
	_, err := client.OpenNegotiation(context.Background(), "product", "lamp", "eighty", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal request body")
	assert.False(t, called, "malformed offer should not reach the API")
}

func TestClient_ListPaths(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ActorID: "buyer"})
	_, err := client.ListNegotiations(context.Background(), "initiator", 5)
	require.NoError(t, err)
	_, err = client.ListEscrows(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/v1/parties/buyer/negotiations?limit=5&role=initiator",
		"/v1/parties/buyer/escrow?",
	}, paths)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleOpenNegotiation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"negotiation": map[string]any{
				"id": "neg_1", "itemType": "product", "itemId": "lamp",
				"originalPrice": "100", "currentOffer": "85", "state": "open",
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleOpenNegotiation(context.Background(), makeRequest(map[string]any{
		"item_type": "product", "item_id": "lamp", "offer": "85",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Negotiation ID: neg_1")
	assert.Contains(t, text, "Listed at: 100 | Current offer: 85")
	assert.Contains(t, text, "State: open")
}

func TestHandleOpenNegotiation_MissingArgs(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleOpenNegotiation(context.Background(), makeRequest(map[string]any{"item_type": "product"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "item_id")
}

func TestHandleRespondToOffer_Accepted(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := readBody(t, r)
		assert.Equal(t, "neg_1", m["negotiationId"])
		assert.Equal(t, "accept", m["action"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "OK",
			"message": "Offer accepted",
			"negotiation": map[string]any{
				"id": "neg_1", "itemType": "product", "itemId": "lamp",
				"originalPrice": "100", "currentOffer": "90", "state": "accepted", "counterOfferCount": 1,
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleRespondToOffer(context.Background(), makeRequest(map[string]any{
		"negotiation_id": "neg_1", "action": "accept",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Offer accepted.")
	assert.Contains(t, text, "Counter-offers: 1")
	assert.Contains(t, text, "held in escrow")
}

func TestHandleRespondToOffer_EnvelopeError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ERROR",
			"error":   "NotYourTurn",
			"message": "it is not your turn",
		})
	}))
	defer cleanup()

	result, err := h.HandleRespondToOffer(context.Background(), makeRequest(map[string]any{
		"negotiation_id": "neg_1", "action": "reject",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "NotYourTurn")
}

func TestHandleRespondToOffer_CounterNeedsAmount(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleRespondToOffer(context.Background(), makeRequest(map[string]any{
		"negotiation_id": "neg_1", "action": "counteroffer",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount is required")
}

func TestHandleGetNegotiation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/negotiations/neg_1/context", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"negotiation": map[string]any{"id": "neg_1", "itemType": "product", "itemId": "lamp", "state": "open"},
			"listing":     map[string]any{"title": "Desk lamp", "price": "100"},
			"entries": []map[string]any{
				{"sender": "initiator", "actorId": "buyer", "actionType": "offer", "amount": "85"},
				{"sender": "counterparty", "actorId": "seller", "actionType": "counter_offer", "amount": "95", "message": "firm"},
			},
			"yourTurn": true,
			"role":     "initiator",
		})
	}))
	defer cleanup()

	result, err := h.HandleGetNegotiation(context.Background(), makeRequest(map[string]any{"negotiation_id": "neg_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Desk lamp")
	assert.Contains(t, text, "You are the initiator. It is your turn.")
	assert.Contains(t, text, "counterparty seller: counter_offer 95 (\"firm\")")
}

func TestHandleListNegotiations(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"negotiations": []map[string]any{
				{"id": "neg_1", "itemType": "product", "itemId": "lamp", "state": "open", "currentOffer": "85", "originalPrice": "100"},
				{"id": "neg_2", "itemType": "service", "itemId": "logo", "state": "accepted", "currentOffer": "200", "originalPrice": "250"},
			},
			"count": 2,
		})
	}))
	defer cleanup()

	result, err := h.HandleListNegotiations(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 negotiation(s)")
	assert.Contains(t, text, "2. neg_2  service logo")
}

func TestHandleListNegotiations_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"negotiations":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListNegotiations(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No negotiations found.", resultText(t, result))
}

func TestHandleListEscrows(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrows": []map[string]any{
				{"id": "esc_1", "itemName": "Desk lamp", "amount": "90", "status": "held", "payerId": "buyer", "payeeId": "seller"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "1. esc_1  Desk lamp")
	assert.Contains(t, text, "Amount: 90 | Status: held")
}

func TestHandleGetEscrowLog(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrowId": "esc_1",
			"status":   "refunded",
			"logs": []map[string]any{
				{"seq": 1, "action": "Payment Captured", "actor": "buyer", "timestamp": "2026-01-02T10:00:00Z"},
				{"seq": 4, "action": "Arbitration Ruling", "actor": "arb_1", "message": "refund", "timestamp": "2026-01-03T10:00:00Z"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetEscrowLog(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Escrow esc_1: refunded")
	assert.Contains(t, text, "Arbitration Ruling by arb_1: refund")
}

func TestHandleEscrowSteps(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody = readBody(t, r)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrow": map[string]any{"id": "esc_1", "amount": "90", "status": "refunded", "resolution": "Lamp arrived broken"},
		})
	}))
	defer cleanup()

	tests := []struct {
		name    string
		handle  func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
		path    string
		expects string
	}{
		{"deliver", h.HandleMarkDelivered, map[string]any{"escrow_id": "esc_1"}, "/v1/escrow/esc_1/deliver", "Delivery recorded"},
		{"release", h.HandleReleaseEscrow, map[string]any{"escrow_id": "esc_1"}, "/v1/escrow/esc_1/release", "Funds released"},
		{"dispute", h.HandleDisputeEscrow, map[string]any{"escrow_id": "esc_1", "reason": "broken"}, "/v1/escrow/esc_1/dispute", "Dispute opened"},
		{"resolve", h.HandleResolveDispute, map[string]any{"escrow_id": "esc_1", "decision": "refund", "message": "Lamp arrived broken"}, "/v1/escrow/esc_1/resolve", "Ruling: Lamp arrived broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.handle(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.False(t, result.IsError)
			assert.Equal(t, tt.path, gotPath)
			assert.Contains(t, resultText(t, result), tt.expects)
		})
	}
	assert.Equal(t, "refund", gotBody["decision"])
}

func TestHandleEscrowSteps_MissingArgs(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleDisputeEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "reason is required")

	result, err = h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1", "decision": "release"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "message is required")
}

func TestHandleEscrowSteps_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","message":"only the payer can release"}`))
	}))
	defer cleanup()

	result, err := h.HandleReleaseEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "only the payer can release")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", ActorID: "buyer"}, "test")
	require.NotNil(t, s)
}
