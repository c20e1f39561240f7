package mediation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrownow/internal/escrow"
	"github.com/mbd888/escrownow/internal/validation"
)

// Handler provides HTTP endpoints for mediation and quick advice.
type Handler struct {
	coordinator *Coordinator
	assistant   *Assistant
}

// NewHandler creates a new mediation handler.
func NewHandler(c *Coordinator, a *Assistant) *Handler {
	return &Handler{coordinator: c, assistant: a}
}

// RegisterProtectedRoutes sets up party (auth-required) routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	g := r.Group("/transactions/:id/mediation", validation.IDParamMiddleware())
	g.POST("", h.RequestMediation)
	g.GET("", h.GetMediation)
	r.POST("/assistant", h.Advise)
}

// RequestMediation handles POST /v1/transactions/:id/mediation
func (h *Handler) RequestMediation(c *gin.Context) {
	report, err := h.coordinator.Request(c.Request.Context(), c.Param("id"), escrow.CallerIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"mediation": report})
}

// GetMediation handles GET /v1/transactions/:id/mediation
func (h *Handler) GetMediation(c *gin.Context) {
	report, err := h.coordinator.Status(c.Request.Context(), c.Param("id"), escrow.CallerIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mediation": report})
}

type adviceRequest struct {
	Query string `json:"query"`
}

// Advise handles POST /v1/assistant
func (h *Handler) Advise(c *gin.Context) {
	var req adviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	answer, err := h.assistant.Advise(c.Request.Context(), req.Query)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMediationInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "mediation_in_progress", "message": err.Error()})
	case errors.Is(err, ErrMediationUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mediation_unavailable", "message": err.Error()})
	default:
		escrow.RespondError(c, err)
	}
}
