package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleOpenNegotiation starts a negotiation on a catalog item.
func (h *Handlers) HandleOpenNegotiation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	itemType := req.GetString("item_type", "")
	itemID := req.GetString("item_id", "")
	if itemType == "" || itemID == "" {
		return mcp.NewToolResultError("item_type and item_id are required"), nil
	}

	raw, err := h.client.OpenNegotiation(ctx, itemType, itemID, req.GetString("offer", ""), req.GetString("message", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open negotiation: %v", err)), nil
	}

	n, err := extractObject(raw, "negotiation")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse negotiation: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Negotiation opened.\n")
	writeNegotiation(&sb, n)
	sb.WriteString("\nWaiting for the owner to respond.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRespondToOffer accepts, rejects or counters the latest offer.
func (h *Handlers) HandleRespondToOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	negotiationID := req.GetString("negotiation_id", "")
	if negotiationID == "" {
		return mcp.NewToolResultError("negotiation_id is required"), nil
	}
	action := req.GetString("action", "")
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}
	amount := req.GetString("amount", "")
	if action == "counteroffer" && amount == "" {
		return mcp.NewToolResultError("amount is required for a counter-offer"), nil
	}

	raw, err := h.client.Respond(ctx, negotiationID, action, amount, req.GetString("message", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to respond: %v", err)), nil
	}

	// The respond endpoint reports domain failures inside a 200 envelope.
	var env struct {
		Status      string         `json:"status"`
		Negotiation map[string]any `json:"negotiation"`
		Message     string         `json:"message"`
		Error       string         `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if env.Status != "OK" {
		return mcp.NewToolResultError(fmt.Sprintf("Response rejected (%s): %s", env.Error, env.Message)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s.\n", env.Message)
	writeNegotiation(&sb, env.Negotiation)
	if getString(env.Negotiation, "state") == "accepted" && getString(env.Negotiation, "itemType") == "product" {
		sb.WriteString("\nThe agreed amount is now held in escrow. Use list_escrows to follow it.")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetNegotiation shows a negotiation and its history.
func (h *Handlers) HandleGetNegotiation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	negotiationID := req.GetString("negotiation_id", "")
	if negotiationID == "" {
		return mcp.NewToolResultError("negotiation_id is required"), nil
	}

	raw, err := h.client.NegotiationContext(ctx, negotiationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get negotiation: %v", err)), nil
	}

	text, err := formatNegotiationContext(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse negotiation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListNegotiations lists the actor's negotiations.
func (h *Handlers) HandleListNegotiations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListNegotiations(ctx, req.GetString("role", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list negotiations: %v", err)), nil
	}

	items, err := extractList(raw, "negotiations")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse negotiations: %v", err)), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("No negotiations found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d negotiation(s):\n\n", len(items))
	for i, n := range items {
		fmt.Fprintf(&sb, "%d. %s  %s %s\n", i+1, getString(n, "id"), getString(n, "itemType"), getString(n, "itemId"))
		fmt.Fprintf(&sb, "   State: %s | Current offer: %s | Listed at: %s\n",
			getString(n, "state"), getString(n, "currentOffer"), getString(n, "originalPrice"))
		if i < len(items)-1 {
			sb.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListEscrows lists the actor's escrow entries.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListEscrows(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	items, err := extractList(raw, "escrows")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("No escrow entries found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow entries:\n\n", len(items))
	for i, e := range items {
		fmt.Fprintf(&sb, "%d. %s  %s\n", i+1, getString(e, "id"), itemLabel(e))
		fmt.Fprintf(&sb, "   Amount: %s | Status: %s\n", getString(e, "amount"), getString(e, "status"))
		fmt.Fprintf(&sb, "   Payer: %s | Payee: %s\n", getString(e, "payerId"), getString(e, "payeeId"))
		if i < len(items)-1 {
			sb.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetEscrowLog shows an escrow entry's audit log.
func (h *Handlers) HandleGetEscrowLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.EscrowLogs(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow log: %v", err)), nil
	}

	text, err := formatEscrowLog(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow log: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleMarkDelivered records delivery as the payee.
func (h *Handlers) HandleMarkDelivered(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	return h.escrowStep(escrowID, "Delivery recorded", func() (json.RawMessage, error) {
		return h.client.MarkDelivered(ctx, escrowID)
	})
}

// HandleReleaseEscrow releases funds to the payee.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	return h.escrowStep(escrowID, "Funds released to the seller", func() (json.RawMessage, error) {
		return h.client.ReleaseEscrow(ctx, escrowID)
	})
}

// HandleDisputeEscrow opens a dispute as the payer.
func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	return h.escrowStep(escrowID, "Dispute opened, funds stay held until an arbiter rules", func() (json.RawMessage, error) {
		return h.client.DisputeEscrow(ctx, escrowID, reason)
	})
}

// HandleResolveDispute rules on a disputed escrow.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	decision := req.GetString("decision", "")
	if decision == "" {
		return mcp.NewToolResultError("decision is required"), nil
	}
	message := req.GetString("message", "")
	if message == "" {
		return mcp.NewToolResultError("message is required"), nil
	}
	return h.escrowStep(escrowID, "Ruling recorded", func() (json.RawMessage, error) {
		return h.client.ResolveDispute(ctx, escrowID, decision, message)
	})
}

// escrowStep runs one escrow transition and summarizes the resulting entry.
func (h *Handlers) escrowStep(escrowID, done string, call func() (json.RawMessage, error)) (*mcp.CallToolResult, error) {
	raw, err := call()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow %s: %v", escrowID, err)), nil
	}
	e, err := extractObject(raw, "escrow")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s.\n", done)
	fmt.Fprintf(&sb, "Escrow ID: %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "Amount: %s\n", getString(e, "amount"))
	fmt.Fprintf(&sb, "Status: %s", getString(e, "status"))
	if v := getString(e, "resolution"); v != "" {
		fmt.Fprintf(&sb, "\nRuling: %s", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func writeNegotiation(sb *strings.Builder, n map[string]any) {
	fmt.Fprintf(sb, "Negotiation ID: %s\n", getString(n, "id"))
	fmt.Fprintf(sb, "Item: %s %s\n", getString(n, "itemType"), getString(n, "itemId"))
	fmt.Fprintf(sb, "Listed at: %s | Current offer: %s\n", getString(n, "originalPrice"), getString(n, "currentOffer"))
	fmt.Fprintf(sb, "State: %s", getString(n, "state"))
	if v, ok := getFloat(n, "counterOfferCount"); ok && v > 0 {
		fmt.Fprintf(sb, " | Counter-offers: %.0f", v)
	}
	sb.WriteString("\n")
}

func formatNegotiationContext(raw json.RawMessage) (string, error) {
	var nc struct {
		Negotiation map[string]any   `json:"negotiation"`
		Entries     []map[string]any `json:"entries"`
		Listing     map[string]any   `json:"listing"`
		YourTurn    bool             `json:"yourTurn"`
		Role        string           `json:"role"`
	}
	if err := json.Unmarshal(raw, &nc); err != nil {
		return "", err
	}
	if nc.Negotiation == nil {
		return "", fmt.Errorf("no negotiation in response: %s", string(raw))
	}

	var sb strings.Builder
	if v := getString(nc.Listing, "title"); v != "" {
		fmt.Fprintf(&sb, "%s\n", v)
	}
	writeNegotiation(&sb, nc.Negotiation)
	fmt.Fprintf(&sb, "You are the %s.", nc.Role)
	if nc.YourTurn {
		sb.WriteString(" It is your turn.")
	}
	sb.WriteString("\n")

	if len(nc.Entries) > 0 {
		sb.WriteString("\nHistory:\n")
		for _, e := range nc.Entries {
			fmt.Fprintf(&sb, "  %s %s: %s", getString(e, "sender"), getString(e, "actorId"), getString(e, "actionType"))
			if v := getString(e, "amount"); v != "" {
				fmt.Fprintf(&sb, " %s", v)
			}
			if v := getString(e, "message"); v != "" {
				fmt.Fprintf(&sb, " (%q)", v)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatEscrowLog(raw json.RawMessage) (string, error) {
	var resp struct {
		EscrowID string           `json:"escrowId"`
		Status   string           `json:"status"`
		Logs     []map[string]any `json:"logs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s: %s\n", resp.EscrowID, resp.Status)
	if len(resp.Logs) == 0 {
		sb.WriteString("No audit entries.")
		return sb.String(), nil
	}
	for _, a := range resp.Logs {
		fmt.Fprintf(&sb, "  %s  %s by %s", getString(a, "timestamp"), getString(a, "action"), getString(a, "actor"))
		if v := getString(a, "message"); v != "" {
			fmt.Fprintf(&sb, ": %s", v)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func itemLabel(e map[string]any) string {
	if v := getString(e, "itemName"); v != "" {
		return v
	}
	return strings.TrimSpace(getString(e, "itemType") + " " + getString(e, "itemId"))
}

// extractObject returns resp[key] as a map, or the whole response if it has an "id".
func extractObject(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if obj, ok := resp[key].(map[string]any); ok {
		return obj, nil
	}
	if _, ok := resp["id"].(string); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("no %s in response: %s", key, string(raw))
}

// extractList accepts {"<key>": [...]} or a bare array.
func extractList(raw json.RawMessage, key string) ([]map[string]any, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		if inner, ok := wrapper[key]; ok {
			var items []map[string]any
			if err := json.Unmarshal(inner, &items); err != nil {
				return nil, err
			}
			return items, nil
		}
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unexpected %s response format", key)
	}
	return items, nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
