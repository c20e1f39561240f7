package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/escrownow/internal/auth"
	"github.com/mbd888/escrownow/internal/escrow"
)

var (
	creator = escrow.Identity{ID: "usr_creator", Email: "creator@example.com"}
	partner = escrow.Identity{ID: "usr_partner", Email: "partner@example.com"}
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testEvent(typ escrow.EventType, txID string) escrow.Event {
	return escrow.Event{
		Type:          typ,
		TransactionID: txID,
		CreatorID:     creator.ID,
		PartnerEmail:  partner.Email,
		Status:        escrow.StatusPending,
		Timestamp:     time.Now(),
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_PartiesOnly(t *testing.T) {
	h := testHub()
	ev := testEvent(escrow.EventStatusChanged, "tx1")

	if !h.shouldSend(&Client{who: creator}, ev) {
		t.Error("Creator should receive the event")
	}
	if !h.shouldSend(&Client{who: escrow.Identity{ID: "usr_new", Email: partner.Email}}, ev) {
		t.Error("Invited partner should receive the event")
	}
	if h.shouldSend(&Client{who: escrow.Identity{ID: "usr_x", Email: "x@example.com"}}, ev) {
		t.Error("Outsider should NOT receive the event")
	}
	ev.PartnerID = partner.ID
	if !h.shouldSend(&Client{who: partner}, ev) {
		t.Error("Accepted partner should receive the event")
	}
	if h.shouldSend(&Client{who: escrow.Identity{ID: "usr_new", Email: partner.Email}}, ev) {
		t.Error("Second account on the invited email should NOT receive events after acceptance")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{who: creator, sub: Subscription{
		EventTypes: []escrow.EventType{escrow.EventStatusChanged, escrow.EventMediationUpdated},
	}}

	if !h.shouldSend(client, testEvent(escrow.EventStatusChanged, "tx1")) {
		t.Error("Should receive status_changed events")
	}
	if !h.shouldSend(client, testEvent(escrow.EventMediationUpdated, "tx1")) {
		t.Error("Should receive mediation_updated events")
	}
	if h.shouldSend(client, testEvent(escrow.EventMessageAppended, "tx1")) {
		t.Error("Should NOT receive message_appended events")
	}
}

func TestShouldSend_TransactionFilter(t *testing.T) {
	h := testHub()
	client := &Client{who: creator, sub: Subscription{TransactionIDs: []string{"tx1"}}}

	if !h.shouldSend(client, testEvent(escrow.EventStatusChanged, "tx1")) {
		t.Error("Should receive events for tx1")
	}
	if h.shouldSend(client, testEvent(escrow.EventStatusChanged, "tx2")) {
		t.Error("Should NOT receive events for tx2")
	}
}

func TestShouldSend_FilterCannotWidenVisibility(t *testing.T) {
	h := testHub()
	outsider := &Client{
		who: escrow.Identity{ID: "usr_x"},
		sub: Subscription{TransactionIDs: []string{"tx1"}},
	}
	if h.shouldSend(outsider, testEvent(escrow.EventStatusChanged, "tx1")) {
		t.Error("Subscribing to a transaction id must not expose it to outsiders")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, who: creator, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	mine := &Client{hub: h, who: partner, send: make(chan []byte, 256)}
	other := &Client{hub: h, who: escrow.Identity{ID: "usr_x"}, send: make(chan []byte, 256)}
	h.register <- mine
	h.register <- other

	if err := h.Publish(ctx, testEvent(escrow.EventTransactionCreated, "tx1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-mine.send:
		var ev escrow.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("Bad payload: %v", err)
		}
		if ev.Type != escrow.EventTransactionCreated || ev.TransactionID != "tx1" {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-other.send:
		t.Error("Outsider should not receive the event")
	default:
	}
}

func TestHub_PublishBacklog(t *testing.T) {
	h := testHub() // Run not started: nothing drains the queue

	var err error
	for i := 0; i < cap(h.broadcast)+1; i++ {
		err = h.Publish(context.Background(), testEvent(escrow.EventStatusChanged, "tx1"))
	}
	if err != ErrBacklog {
		t.Errorf("Expected ErrBacklog once the queue is full, got %v", err)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

// ---------------------------------------------------------------------------
// WebSocket end-to-end
// ---------------------------------------------------------------------------

func wsServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set(auth.ContextKeyUserID, id)
			c.Set(auth.ContextKeyUserEmail, c.GetHeader("X-User-Email"))
		}
		c.Next()
	}, h.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, who escrow.Identity) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-User-ID", who.ID)
	header.Set("X-User-Email", who.Email)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Stats()["connectedClients"].(int) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d connected clients", n)
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	srv := wsServer(t, h)

	conn := dial(t, srv, partner)
	if err := conn.WriteJSON(Subscription{TransactionIDs: []string{"tx2"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitForClients(t, h, 1)
	time.Sleep(50 * time.Millisecond) // let the subscription land

	_ = h.Publish(ctx, testEvent(escrow.EventStatusChanged, "tx1"))
	_ = h.Publish(ctx, testEvent(escrow.EventMessageAppended, "tx2"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev escrow.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.TransactionID != "tx2" || ev.Type != escrow.EventMessageAppended {
		t.Errorf("Expected only the tx2 event, got %+v", ev)
	}
}

func TestHub_WebSocketRequiresIdentity(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	srv := wsServer(t, h)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail without identity")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", resp)
	}
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"https://app.escrownow.ng"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.escrownow.ng", true},
		{"http://api.local", true}, // same host
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://api.local/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q: expected %v, got %v", tt.origin, tt.want, got)
		}
	}
}
