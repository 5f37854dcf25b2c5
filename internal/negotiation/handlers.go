package negotiation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/dealbroker/internal/auth"
	"github.com/mbd888/dealbroker/internal/pagination"
	"github.com/mbd888/dealbroker/internal/validation"
)

// Respond envelope statuses.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Handler provides HTTP endpoints for negotiations.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up negotiation routes. All require an authenticated actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/negotiations", h.Open)
	r.POST("/negotiations/respond", h.Respond)
	r.GET("/negotiations/:id", h.Get)
	r.GET("/negotiations/:id/context", h.Context)
	r.POST("/negotiations/:id/messages", h.PostMessage)
	r.POST("/negotiations/:id/archive", h.Archive)
	r.GET("/parties/:partyId/negotiations", auth.RequireSelf("partyId"), h.ListForParty)
}

// RespondRequest is the body of POST /v1/negotiations/respond.
type RespondRequest struct {
	NegotiationID      string           `json:"negotiationId"`
	ActorID            string           `json:"actorId"`
	ItemType           string           `json:"itemType"`
	Action             string           `json:"action"`
	CounterOfferAmount *decimal.Decimal `json:"counterOfferAmount"`
	Message            string           `json:"message"`
}

// RespondResponse is the respond envelope. Domain failures are reported
// with Status "ERROR" and a machine code in Error.
type RespondResponse struct {
	Status      string       `json:"status"`
	Negotiation *Negotiation `json:"negotiation,omitempty"`
	Message     string       `json:"message,omitempty"`
	Error       string       `json:"error,omitempty"`
}

type messageRequest struct {
	Message string `json:"message"`
}

// Open handles POST /v1/negotiations
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	actor := auth.ActorID(c)
	if req.InitiatorID == "" {
		req.InitiatorID = actor
	}
	if req.InitiatorID != actor {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated actor must be the initiator",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("itemId", req.ItemID),
		validation.MaxLength("message", req.Message, validation.MaxMessageLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	if req.CounterpartyID != "" && !validation.IsValidID(req.CounterpartyID) {
		validation.Abort(c, validation.ValidationErrors{{Field: "counterpartyId", Message: "invalid id"}})
		return
	}

	n, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"negotiation": n})
}

// Respond handles POST /v1/negotiations/respond
//
// Every well-formed request gets 200; the outcome is in the envelope.
func (h *Handler) Respond(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, RespondResponse{
			Status:  StatusError,
			Error:   "InvalidRequest",
			Message: "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	actor := auth.ActorID(c)
	fail := func(err error) {
		c.JSON(http.StatusOK, RespondResponse{Status: StatusError, Error: ErrorCode(err), Message: err.Error()})
	}

	if req.NegotiationID == "" {
		fail(ErrNotFound)
		return
	}
	if req.ActorID != "" && req.ActorID != actor {
		fail(ErrUnauthorized)
		return
	}
	if len(req.Message) > validation.MaxMessageLength {
		c.JSON(http.StatusBadRequest, RespondResponse{
			Status:  StatusError,
			Error:   "InvalidRequest",
			Message: "message is too long",
		})
		return
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		fail(err)
		return
	}

	if req.ItemType != "" {
		itemType, err := ParseItemType(req.ItemType)
		if err != nil {
			fail(err)
			return
		}
		current, err := h.service.Get(ctx, req.NegotiationID)
		if err != nil {
			fail(err)
			return
		}
		if _, ok := current.SideOf(actor); !ok {
			fail(ErrUnauthorized)
			return
		}
		if current.ItemType != itemType {
			fail(ErrItemMismatch)
			return
		}
	}

	n, err := h.service.Respond(ctx, req.NegotiationID, actor, action, req.CounterOfferAmount, req.Message)
	if err != nil {
		if !isDomainError(err) {
			c.JSON(http.StatusInternalServerError, RespondResponse{
				Status:  StatusError,
				Error:   "InternalError",
				Message: "Failed to process response",
			})
			return
		}
		fail(err)
		return
	}

	c.JSON(http.StatusOK, RespondResponse{
		Status:      StatusOK,
		Negotiation: n,
		Message:     respondMessage(n),
	})
}

// Get handles GET /v1/negotiations/:id
func (h *Handler) Get(c *gin.Context) {
	n, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if _, ok := n.SideOf(auth.ActorID(c)); !ok {
		h.writeError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// Context handles GET /v1/negotiations/:id/context
func (h *Handler) Context(c *gin.Context) {
	nc, err := h.service.Context(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nc)
}

// PostMessage handles POST /v1/negotiations/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("message", req.Message),
		validation.MaxLength("message", req.Message, validation.MaxMessageLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	entry, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), auth.ActorID(c),
		validation.SanitizeString(req.Message, validation.MaxMessageLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// Archive handles POST /v1/negotiations/:id/archive
func (h *Handler) Archive(c *gin.Context) {
	n, err := h.service.Archive(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// ListForParty handles GET /v1/parties/:partyId/negotiations
func (h *Handler) ListForParty(c *gin.Context) {
	role, err := ParseRole(c.Query("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be initiator, counterparty or any",
		})
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	items, next, err := h.service.ListForParty(c.Request.Context(), c.Param("partyId"), role, c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if items == nil {
		items = []*Negotiation{}
	}

	resp := gin.H{
		"negotiations": items,
		"count":        len(items),
		"has_more":     next != "",
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	code := ErrorCode(err)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": code, "message": err.Error()})
	case errors.Is(err, ErrCatalogUnavailable):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": code, "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": code, "message": err.Error()})
	case errors.Is(err, ErrNegotiationClosed),
		errors.Is(err, ErrNotYourTurn),
		errors.Is(err, ErrCounterLimitReached),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrStillOpen):
		c.JSON(http.StatusConflict, gin.H{"error": code, "message": err.Error()})
	case isDomainError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}

func isDomainError(err error) bool {
	return ErrorCode(err) != "InternalError"
}

func respondMessage(n *Negotiation) string {
	switch n.State {
	case StateAccepted:
		return "Offer accepted"
	case StateRejected:
		return "Offer rejected"
	default:
		return "Counter-offer sent"
	}
}
