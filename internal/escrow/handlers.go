package escrow

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/dealbroker/internal/auth"
	"github.com/mbd888/dealbroker/internal/pagination"
	"github.com/mbd888/dealbroker/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	deals   DealSource
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithDeals lets captures link an accepted negotiation. Without it a
// capture body carrying negotiationId is rejected.
func (h *Handler) WithDeals(d DealSource) *Handler {
	h.deals = d
	return h
}

// RegisterProtectedRoutes sets up escrow routes. All require an authenticated actor.
// Dispute rulings are registered by the arbiter package.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.Capture)
	r.GET("/escrow/:id", h.Get)
	r.GET("/escrow/:id/logs", h.Logs)
	r.POST("/escrow/:id/deliver", h.MarkDelivered)
	r.POST("/escrow/:id/release", h.Release)
	r.POST("/escrow/:id/dispute", h.OpenDispute)
	r.GET("/parties/:partyId/escrow", auth.RequireSelf("partyId"), h.ListByParty)
}

type captureRequest struct {
	PayerID       string           `json:"payerId"`
	PayeeID       string           `json:"payeeId"`
	Amount        *decimal.Decimal `json:"amount"`
	ItemType      string           `json:"itemType"`
	ItemID        string           `json:"itemId"`
	ItemName      string           `json:"itemName"`
	NegotiationID string           `json:"negotiationId"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// Capture handles POST /v1/escrow
func (h *Handler) Capture(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	actor := auth.ActorID(c)
	if req.PayerID == "" {
		req.PayerID = actor
	}
	if req.PayerID != actor {
		h.writeError(c, ErrUnauthorized)
		return
	}
	if req.NegotiationID != "" {
		if err := h.bindDeal(c, &req); err != nil {
			h.writeError(c, err)
			return
		}
	}
	if req.Amount == nil {
		validation.Abort(c, validation.ValidationErrors{{Field: "amount", Message: "is required"}})
		return
	}
	if errs := validation.Validate(
		validation.Required("payeeId", req.PayeeID),
		validation.ValidID("payeeId", req.PayeeID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("itemName", req.ItemName, validation.MaxMessageLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	e, err := h.service.Capture(c.Request.Context(), CaptureRequest{
		PayerID:       req.PayerID,
		PayeeID:       req.PayeeID,
		Amount:        *req.Amount,
		ItemType:      req.ItemType,
		ItemID:        req.ItemID,
		ItemName:      validation.SanitizeString(req.ItemName, validation.MaxMessageLength),
		NegotiationID: req.NegotiationID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// bindDeal checks a linked negotiation against the caller and fills the
// capture from the accepted terms. Only the initiator of an accepted
// negotiation may capture it, to its counterparty, at the accepted amount.
func (h *Handler) bindDeal(c *gin.Context, req *captureRequest) error {
	if h.deals == nil {
		return fmt.Errorf("%w: negotiationId cannot be linked here", ErrUnauthorized)
	}
	deal, err := h.deals.Deal(c.Request.Context(), req.NegotiationID)
	if errors.Is(err, ErrNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if deal.PayerID != req.PayerID {
		return ErrUnauthorized
	}
	if !deal.Accepted {
		return fmt.Errorf("%w: negotiation is not accepted", ErrInvalidTransition)
	}
	if req.PayeeID != "" && req.PayeeID != deal.PayeeID {
		return fmt.Errorf("%w: payee must be the negotiation counterparty", ErrUnauthorized)
	}
	if req.Amount != nil && !req.Amount.Equal(deal.Amount) {
		return fmt.Errorf("%w: amount must equal the accepted offer", ErrInvalidAmount)
	}
	if req.ItemType != "" && req.ItemType != deal.ItemType {
		return fmt.Errorf("%w: item does not match the negotiation", ErrUnauthorized)
	}

	amount := deal.Amount
	req.PayeeID = deal.PayeeID
	req.Amount = &amount
	req.ItemType = deal.ItemType
	req.ItemID = deal.ItemID
	return nil
}

// Get handles GET /v1/escrow/:id
func (h *Handler) Get(c *gin.Context) {
	e, ok := h.loadVisible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Logs handles GET /v1/escrow/:id/logs
func (h *Handler) Logs(c *gin.Context) {
	e, ok := h.loadVisible(c)
	if !ok {
		return
	}
	logs := e.AuditLog
	if logs == nil {
		logs = []AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"escrowId": e.ID,
		"status":   e.Status,
		"logs":     logs,
		"count":    len(logs),
	})
}

// MarkDelivered handles POST /v1/escrow/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	e, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Release handles POST /v1/escrow/:id/release
func (h *Handler) Release(c *gin.Context) {
	e, err := h.service.Release(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// OpenDispute handles POST /v1/escrow/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxMessageLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	e, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), auth.ActorID(c),
		validation.SanitizeString(req.Reason, validation.MaxMessageLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListByParty handles GET /v1/parties/:partyId/escrow
func (h *Handler) ListByParty(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	items, next, err := h.service.ListByParty(c.Request.Context(), c.Param("partyId"), c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if items == nil {
		items = []*Entry{}
	}

	resp := gin.H{
		"escrows":  items,
		"count":    len(items),
		"has_more": next != "",
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// loadVisible fetches the entry and checks the caller is a party or an arbiter.
func (h *Handler) loadVisible(c *gin.Context) (*Entry, bool) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	if !e.IsParty(auth.ActorID(c)) && !auth.CurrentIdentity(c).IsArbiter() {
		h.writeError(c, ErrUnauthorized)
		return nil, false
	}
	return e, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	WriteError(c, err)
}

// WriteError writes err in the {error, message} envelope with its HTTP status.
func WriteError(c *gin.Context, err error) {
	code := ErrorCode(err)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": code, "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": code, "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAlreadyCaptured):
		c.JSON(http.StatusConflict, gin.H{"error": code, "message": err.Error()})
	case errors.Is(err, ErrPaymentFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": code, "message": "Payment provider error"})
	case code != "InternalError":
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
