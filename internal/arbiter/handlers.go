package arbiter

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealbroker/internal/auth"
	"github.com/mbd888/dealbroker/internal/escrow"
	"github.com/mbd888/dealbroker/internal/validation"
)

// Handler provides the dispute ruling endpoint.
type Handler struct {
	arbiter *Arbiter
}

// NewHandler creates a new arbiter handler.
func NewHandler(a *Arbiter) *Handler {
	return &Handler{arbiter: a}
}

// RegisterProtectedRoutes sets up arbiter routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:id/resolve", h.Resolve)
}

// ResolveRequest is the body of POST /v1/escrow/:id/resolve.
type ResolveRequest struct {
	Decision string `json:"decision"`
	Message  string `json:"message"`
}

// Resolve handles POST /v1/escrow/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("message", req.Message, validation.MaxMessageLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	decision, err := escrow.ParseDecision(req.Decision)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}

	id := auth.CurrentIdentity(c)
	e, err := h.arbiter.Resolve(c.Request.Context(), Actor{ID: id.ActorID, Role: id.Role}, c.Param("id"), decision,
		validation.SanitizeString(req.Message, validation.MaxMessageLength))
	if err != nil {
		if errors.Is(err, ErrMessageRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "MessageRequired", "message": err.Error()})
			return
		}
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
