package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrownow/internal/auth"
	"github.com/mbd888/escrownow/internal/logging"
	"github.com/mbd888/escrownow/internal/validation"
)

// Handler provides HTTP endpoints for escrow transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// actionRoutes maps shortcut endpoints to their target status.
var actionRoutes = map[string]Status{
	"accept":   StatusAccepted,
	"fund":     StatusFunded,
	"ship":     StatusShipped,
	"deliver":  StatusDelivered,
	"complete": StatusCompleted,
	"dispute":  StatusDisputed,
	"cancel":   StatusCancelled,
}

// RegisterProtectedRoutes sets up party (auth-required) routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListTransactions)

	tx := r.Group("/transactions/:id", validation.IDParamMiddleware())
	tx.GET("", h.GetTransaction)
	tx.POST("/transition", h.Transition)
	for action, status := range actionRoutes {
		tx.POST("/"+action, h.transitionTo(status))
	}
	tx.GET("/messages", h.ListMessages)
	tx.POST("/messages", h.AppendMessage)
}

// RegisterAdminRoutes sets up operator routes. The group must already
// enforce the admin guard.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/resolve", validation.IDParamMiddleware(), h.ResolveDispute)
}

// CallerIdentity reads the caller placed in the context by the auth middleware.
func CallerIdentity(c *gin.Context) Identity {
	return Identity{
		ID:    c.GetString(auth.ContextKeyUserID),
		Email: c.GetString(auth.ContextKeyUserEmail),
	}
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx, err := h.service.Create(c.Request.Context(), CallerIdentity(c), req)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx.View()})
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "limit must be a number",
			})
			return
		}
		limit = parsed
	}

	page, err := h.service.List(c.Request.Context(), CallerIdentity(c), ListOptions{
		Cursor: c.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	views := make([]TransactionView, 0, len(page.Transactions))
	for _, tx := range page.Transactions {
		views = append(views, tx.View())
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": views,
		"count":        len(views),
		"nextCursor":   page.NextCursor,
		"hasMore":      page.HasMore,
	})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, party, err := h.service.Get(c.Request.Context(), c.Param("id"), CallerIdentity(c))
	if err != nil {
		RespondError(c, err)
		return
	}

	available := AvailableTransitions(tx, party)
	if available == nil {
		available = []Status{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction":          tx.View(),
		"party":                party,
		"availableTransitions": available,
	})
}

// Transition handles POST /v1/transactions/:id/transition
func (h *Handler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	h.doTransition(c, req)
}

type actionRequest struct {
	ExpectedStatus Status `json:"expectedStatus"`
	Reason         string `json:"reason"`
}

// transitionTo handles the shortcut routes (POST /v1/transactions/:id/fund, ...).
// The body is optional.
func (h *Handler) transitionTo(status Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body actionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Invalid request body",
				})
				return
			}
		}
		h.doTransition(c, TransitionRequest{
			Status:         status,
			ExpectedStatus: body.ExpectedStatus,
			Reason:         body.Reason,
		})
	}
}

func (h *Handler) doTransition(c *gin.Context, req TransitionRequest) {
	tx, err := h.service.Transition(c.Request.Context(), c.Param("id"), CallerIdentity(c), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx.View()})
}

type resolveRequest struct {
	Outcome Outcome `json:"outcome" binding:"required"`
	Note    string  `json:"note"`
}

// ResolveDispute handles POST /v1/admin/transactions/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (release or refund)",
		})
		return
	}

	tx, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Outcome, req.Note)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx.View()})
}

type messageRequest struct {
	Text string `json:"text"`
}

// AppendMessage handles POST /v1/transactions/:id/messages
func (h *Handler) AppendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	msg, err := h.service.AppendMessage(c.Request.Context(), c.Param("id"), CallerIdentity(c), req.Text)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages handles GET /v1/transactions/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), CallerIdentity(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// ErrorStatus maps a service error to an HTTP status and error code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrTransactionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrStorage):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// RespondError writes the standard error body for err.
func RespondError(c *gin.Context, err error) {
	status, code := ErrorStatus(err)
	body := gin.H{"error": code, "message": err.Error()}

	var details validation.ValidationErrors
	if errors.As(err, &details) {
		body["details"] = details
	}
	if status >= http.StatusInternalServerError {
		if status == http.StatusInternalServerError {
			body["message"] = "Internal error"
		} else {
			body["message"] = "Storage is temporarily unavailable"
		}
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}
