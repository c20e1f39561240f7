package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func whoami(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id":    c.GetString(ContextKeyUserID),
		"email": c.GetString(ContextKeyUserEmail),
	})
}

func setupRouter(m *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/open", whoami)
	r.GET("/closed", RequireAuth(), whoami)
	r.GET("/ws", RequireAuth(), whoami)
	return r
}

func TestMiddlewareAPIKey(t *testing.T) {
	m := newTestManager()
	rawKey, user, err := m.Register(context.Background(), RegisterRequest{Email: "ada@example.com", Name: "Ada"})
	require.NoError(t, err)
	r := setupRouter(m)

	for _, header := range []string{"Authorization", "X-API-Key"} {
		t.Run(header, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/closed", nil)
			req.Header.Set(header, "Bearer "+rawKey)
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, user.ID, body["id"])
			assert.Equal(t, "ada@example.com", body["email"])
		})
	}
}

func TestMiddlewareAnonymous(t *testing.T) {
	r := setupRouter(newTestManager())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/closed", nil)
	req.Header.Set("Authorization", "Bearer sk_nope")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthenticated")
}

func TestMiddlewareWebSocketQueryToken(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	m := newTestManager().WithTokens(issuer)
	token, _, err := issuer.Issue(&User{ID: "usr_1", Email: "ada@example.com"})
	require.NoError(t, err)
	r := setupRouter(m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// The query parameter is ignored on ordinary requests.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"disabled", "", "anything", http.StatusForbidden},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong secret", "s3cret", "guess", http.StatusForbidden},
		{"ok", "s3cret", "s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/admin", RequireAdmin(tt.secret), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/admin", nil)
			if tt.header != "" {
				req.Header.Set(AdminSecretHeader, tt.header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRegisterHandler(t *testing.T) {
	m := newTestManager()
	h := NewHandler(m)
	r := gin.New()
	r.Use(Middleware(m))
	h.RegisterRoutes(r.Group("/v1"))
	protected := r.Group("/v1")
	protected.Use(RequireAuth())
	h.RegisterProtectedRoutes(protected)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/users",
		strings.NewReader(`{"email":"ada@example.com","name":"Ada"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		User   User   `json:"user"`
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.APIKey)

	// Duplicate
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/users",
		strings.NewReader(`{"email":"ada@example.com","name":"Ada"}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Invalid
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/users", strings.NewReader(`{"email":"nope"}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	// Me
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+created.APIKey)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.User.ID)

	// Tokens disabled
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+created.APIKey)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestIssueTokenHandler(t *testing.T) {
	m := newTestManager().WithTokens(NewTokenIssuer("secret", time.Hour))
	rawKey, user, err := m.Register(context.Background(), RegisterRequest{Email: "ada@example.com", Name: "Ada"})
	require.NoError(t, err)

	r := gin.New()
	r.Use(Middleware(m))
	g := r.Group("/v1")
	g.Use(RequireAuth())
	NewHandler(m).RegisterProtectedRoutes(g)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens", nil)
	req.Header.Set("X-API-Key", rawKey)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// The issued token authenticates and /me fills in the profile.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), user.ID)
	assert.Contains(t, w.Body.String(), `"name":"Ada"`)
}
