package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrownow/internal/config"
	"github.com/mbd888/escrownow/internal/mediation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAdminSecret = "operator-secret"

// testConfig returns a minimal config for testing
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		CommissionRate:       "0.05",
		Currency:             "NGN",
		InspectionPeriodDays: 3,
		MediationTimeout:     time.Second,
		JWTSecret:            "test-jwt-secret",
		AdminSecret:          testAdminSecret,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

// newTestServer creates an in-memory server with a canned analyst
func newTestServer(t *testing.T) *Server {
	t.Helper()
	analyst := mediation.AnalystFunc(func(ctx context.Context, prompt string) (string, error) {
		return "Release the funds to the seller.", nil
	})
	s, err := New(context.Background(), testConfig(t),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAnalyst(analyst),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func do(t *testing.T, s *Server, method, path, key string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && bytes.HasPrefix(bytes.TrimSpace(w.Body.Bytes()), []byte("{")) {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad JSON %q", method, path, w.Body.String())
		}
	}
	return w.Code, out
}

func register(t *testing.T, s *Server, email, name string) string {
	t.Helper()
	code, body := do(t, s, "POST", "/v1/users", "", map[string]string{"email": email, "name": name})
	if code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %v", email, code, body)
	}
	key, _ := body["apiKey"].(string)
	if key == "" {
		t.Fatalf("register %s: no apiKey in %v", email, body)
	}
	return key
}

func status(body map[string]any) string {
	tx, _ := body["transaction"].(map[string]any)
	s, _ := tx["status"].(string)
	return s
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	if code, body := do(t, s, "GET", "/health", "", nil); code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("/health: got %d %v", code, body)
	}
	if code, _ := do(t, s, "GET", "/health/live", "", nil); code != http.StatusOK {
		t.Errorf("/health/live: expected 200, got %d", code)
	}
	// Not ready until Run marks it
	if code, _ := do(t, s, "GET", "/health/ready", "", nil); code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready before Run: expected 503, got %d", code)
	}
	s.ready.Store(true)
	if code, _ := do(t, s, "GET", "/health/ready", "", nil); code != http.StatusOK {
		t.Errorf("/health/ready: expected 200, got %d", code)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("escrownow_")) {
		t.Errorf("/metrics: expected escrownow collectors, got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("expected propagated request id, got %q", got)
	}

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	if len(w.Header().Get("X-Request-ID")) != 32 {
		t.Errorf("expected generated 32-char request id, got %q", w.Header().Get("X-Request-ID"))
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/v1/transactions", "/v1/me"} {
		if code, _ := do(t, s, "GET", path, "", nil); code != http.StatusUnauthorized {
			t.Errorf("GET %s: expected 401, got %d", path, code)
		}
	}
	if code, _ := do(t, s, "GET", "/v1/transactions", "sk_bogus", nil); code != http.StatusUnauthorized {
		t.Errorf("bogus key: expected 401, got %d", code)
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	if code, _ := do(t, s, "GET", "/v1/admin/status", "", nil); code != http.StatusUnauthorized {
		t.Errorf("no secret: expected 401, got %d", code)
	}
	if code, _ := do(t, s, "GET", "/v1/admin/status", "", nil, "X-Admin-Secret", "wrong"); code != http.StatusForbidden {
		t.Errorf("wrong secret: expected 403, got %d", code)
	}
	code, body := do(t, s, "GET", "/v1/admin/status", "", nil, "X-Admin-Secret", testAdminSecret)
	if code != http.StatusOK {
		t.Fatalf("admin status: expected 200, got %d: %v", code, body)
	}
	info, _ := body["info"].(map[string]any)
	if info["store"] != "memory" {
		t.Errorf("expected memory store, got %v", info["store"])
	}
}

func TestEscrowLifecycleWithDispute(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)

	alice := register(t, s, "alice@example.com", "Alice")
	bob := register(t, s, "bob@example.com", "Bob")
	carol := register(t, s, "carol@example.com", "Carol")

	code, body := do(t, s, "POST", "/v1/transactions", alice, map[string]any{
		"title":        "Used laptop",
		"description":  "ThinkPad X1, 16GB",
		"amount":       "100000",
		"creatorRole":  "BUYER",
		"partnerEmail": "bob@example.com",
	})
	if code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %v", code, body)
	}
	tx := body["transaction"].(map[string]any)
	id := tx["id"].(string)
	if tx["commission"] != "5000.00" {
		t.Errorf("expected commission 5000.00, got %v", tx["commission"])
	}

	// Outsiders see nothing
	if code, _ := do(t, s, "GET", "/v1/transactions/"+id, carol, nil); code != http.StatusNotFound {
		t.Errorf("outsider get: expected 404, got %d", code)
	}

	// Partner sees it in their list before accepting
	code, body = do(t, s, "GET", "/v1/transactions", bob, nil)
	if code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("partner list: got %d %v", code, body)
	}

	steps := []struct {
		key, action, want string
		wantCode          int
	}{
		{alice, "fund", "", http.StatusConflict},    // not accepted yet
		{alice, "accept", "", http.StatusForbidden}, // creator cannot accept
		{bob, "accept", "ACCEPTED", http.StatusOK},
		{bob, "fund", "", http.StatusForbidden}, // seller cannot fund
		{alice, "fund", "FUNDED", http.StatusOK},
		{bob, "ship", "SHIPPED", http.StatusOK},
		{alice, "dispute", "DISPUTED", http.StatusOK},
		{alice, "complete", "", http.StatusForbidden}, // operator only now
	}
	for _, st := range steps {
		code, body := do(t, s, "POST", "/v1/transactions/"+id+"/"+st.action, st.key, nil)
		if code != st.wantCode {
			t.Fatalf("%s: expected %d, got %d: %v", st.action, st.wantCode, code, body)
		}
		if st.want != "" && status(body) != st.want {
			t.Fatalf("%s: expected status %s, got %s", st.action, st.want, status(body))
		}
	}

	if code, body := do(t, s, "POST", "/v1/transactions/"+id+"/messages", bob, map[string]string{"text": "I shipped it on Monday"}); code != http.StatusCreated {
		t.Fatalf("message: expected 201, got %d: %v", code, body)
	}

	// Mediation
	code, body = do(t, s, "POST", "/v1/transactions/"+id+"/mediation", alice, nil)
	if code != http.StatusAccepted {
		t.Fatalf("mediation request: expected 202, got %d: %v", code, body)
	}
	var report map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, body = do(t, s, "GET", "/v1/transactions/"+id+"/mediation", bob, nil)
		report, _ = body["mediation"].(map[string]any)
		if report["state"] == "ready" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if report["state"] != "ready" || report["text"] != "Release the funds to the seller." {
		t.Fatalf("expected ready report, got %v", report)
	}

	// Operator resolves
	code, body = do(t, s, "POST", "/v1/admin/transactions/"+id+"/resolve", "", map[string]string{
		"outcome": "release",
		"note":    "Tracking shows delivery",
	}, "X-Admin-Secret", testAdminSecret)
	if code != http.StatusOK || status(body) != "COMPLETED" {
		t.Fatalf("resolve: got %d %v", code, body)
	}

	if err := s.coordinator.Shutdown(context.Background()); err != nil {
		t.Errorf("coordinator shutdown: %v", err)
	}
}

func TestAssistant(t *testing.T) {
	s := newTestServer(t)
	key := register(t, s, "dana@example.com", "Dana")

	code, body := do(t, s, "POST", "/v1/assistant", key, map[string]string{"query": "When should I release funds?"})
	if code != http.StatusOK || body["answer"] == "" {
		t.Fatalf("assistant: got %d %v", code, body)
	}
	if code, _ := do(t, s, "POST", "/v1/assistant", key, map[string]string{"query": ""}); code != http.StatusBadRequest {
		t.Errorf("empty query: expected 400, got %d", code)
	}
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	s.drainDelay = 0
	if err := s.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://escrow:hunter2@db:5432/escrownow?sslmode=disable")
	if bytes.Contains([]byte(got), []byte("hunter2")) {
		t.Errorf("password leaked: %s", got)
	}
}
