package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the dealbroker API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Token   string // Bearer JWT; empty in development
	ActorID string // Acting party id, e.g. "buyer-17"
	Role    string // Optional role claim for development headers, e.g. "arbiter"
}

// Client is a pure HTTP client for the dealbroker API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new dealbroker API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	} else {
		req.Header.Set("X-Actor-Id", c.cfg.ActorID)
		if c.cfg.Role != "" {
			req.Header.Set("X-Actor-Role", c.cfg.Role)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// OpenNegotiation starts a negotiation on a catalog item.
// An empty offer opens at the listing price.
func (c *Client) OpenNegotiation(ctx context.Context, itemType, itemID, offer, message string) (json.RawMessage, error) {
	body := map[string]any{
		"itemType": itemType,
		"itemId":   itemID,
	}
	if offer != "" {
		body["proposedAmount"] = json.Number(offer)
	}
	if message != "" {
		body["message"] = message
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/negotiations", nil, body)
}

// Respond accepts, rejects or counters the latest offer.
func (c *Client) Respond(ctx context.Context, negotiationID, action, amount, message string) (json.RawMessage, error) {
	body := map[string]any{
		"negotiationId": negotiationID,
		"action":        action,
	}
	if amount != "" {
		body["counterOfferAmount"] = json.Number(amount)
	}
	if message != "" {
		body["message"] = message
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/negotiations/respond", nil, body)
}

// NegotiationContext returns a negotiation with its history from the caller's side.
func (c *Client) NegotiationContext(ctx context.Context, negotiationID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/negotiations/"+url.PathEscape(negotiationID)+"/context", nil, nil)
}

// ListNegotiations lists the configured actor's negotiations.
func (c *Client) ListNegotiations(ctx context.Context, role string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+url.PathEscape(c.cfg.ActorID)+"/negotiations", q, nil)
}

// ListEscrows lists escrow entries where the configured actor is payer or payee.
func (c *Client) ListEscrows(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+url.PathEscape(c.cfg.ActorID)+"/escrow", q, nil)
}

// EscrowLogs returns an escrow entry's status and audit log.
func (c *Client) EscrowLogs(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow/"+url.PathEscape(escrowID)+"/logs", nil, nil)
}

// MarkDelivered records delivery as the payee.
func (c *Client) MarkDelivered(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/"+url.PathEscape(escrowID)+"/deliver", nil, nil)
}

// ReleaseEscrow releases funds to the payee as the payer.
func (c *Client) ReleaseEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/"+url.PathEscape(escrowID)+"/release", nil, nil)
}

// DisputeEscrow opens a dispute as the payer.
func (c *Client) DisputeEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"reason": reason,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/"+url.PathEscape(escrowID)+"/dispute", nil, body)
}

// ResolveDispute rules on a disputed escrow as an arbiter.
func (c *Client) ResolveDispute(ctx context.Context, escrowID, decision, message string) (json.RawMessage, error) {
	body := map[string]string{
		"decision": decision,
		"message":  message,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/"+url.PathEscape(escrowID)+"/resolve", nil, body)
}
