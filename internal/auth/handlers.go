package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrownow/internal/logging"
	"github.com/mbd888/escrownow/internal/validation"
)

// Handler provides HTTP endpoints for identity management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up public identity routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.Register)
	r.GET("/auth/info", h.Info)
}

// RegisterProtectedRoutes sets up routes that need an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.Me)
	r.POST("/tokens", h.IssueToken)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":         "api_key",
		"header":       "Authorization: Bearer sk_...",
		"altHeader":    "X-API-Key: sk_...",
		"bearerTokens": h.manager.Tokens() != nil,
		"note":         "API key is returned once on registration. Store it securely.",
	})
}

// Register handles POST /v1/users
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rawKey, user, err := h.manager.Register(c.Request.Context(), req)
	if err != nil {
		var details validation.ValidationErrors
		switch {
		case errors.As(err, &details):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": details.Error(),
				"details": details,
			})
		case errors.Is(err, ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "email_taken",
				"message": "A user with this email already exists",
			})
		default:
			logging.L(c.Request.Context()).Error("user registration failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to register user",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":    user,
		"apiKey":  rawKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// Me handles GET /v1/me
func (h *Handler) Me(c *gin.Context) {
	user, ok := GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	// Token-authenticated requests only carry id and email; fill the rest.
	if user.Name == "" {
		if full, err := h.manager.GetUser(c.Request.Context(), user.ID); err == nil {
			user = full
		}
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// IssueToken handles POST /v1/tokens, exchanging the current credential
// for a short-lived bearer token.
func (h *Handler) IssueToken(c *gin.Context) {
	tokens := h.manager.Tokens()
	if tokens == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "tokens_disabled",
			"message": "Bearer tokens are disabled (JWT_SECRET not set)",
		})
		return
	}
	user, ok := GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	token, exp, err := tokens.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue token",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"tokenType": "Bearer",
		"expiresAt": exp,
	})
}
