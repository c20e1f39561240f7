package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/escrownow/internal/escrow"
	"github.com/mbd888/escrownow/internal/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(typ escrow.EventType) escrow.Event {
	return escrow.Event{
		Type:          typ,
		TransactionID: "tx_1",
		CreatorID:     "usr_1",
		Status:        escrow.StatusFunded,
		PrevStatus:    escrow.StatusAccepted,
	}
}

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{Attempts: attempts, BaseDelay: time.Millisecond}
}

type received struct {
	header http.Header
	body   []byte
}

// receiver records deliveries and answers with the given status codes in order,
// repeating the last one.
func receiver(t *testing.T, codes ...int) (*httptest.Server, func() []received) {
	t.Helper()
	var (
		mu   sync.Mutex
		got  []received
		hits atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{header: r.Header.Clone(), body: body})
		mu.Unlock()
		n := int(hits.Add(1)) - 1
		w.WriteHeader(codes[min(n, len(codes)-1)])
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func TestDeliver_SignsEnvelope(t *testing.T) {
	srv, deliveries := receiver(t, http.StatusOK)
	sink := New(Config{URL: srv.URL, Secret: "whsec", Retry: fastRetry(1)}, quietLogger())
	sink.now = func() time.Time { return time.Unix(1700000000, 0) }

	if err := sink.deliver(context.Background(), testEvent(escrow.EventStatusChanged)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	got := deliveries()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	h := got[0].header
	if h.Get(HeaderEvent) != "status_changed" {
		t.Errorf("event header = %q", h.Get(HeaderEvent))
	}
	if h.Get(HeaderTimestamp) != "1700000000" {
		t.Errorf("timestamp header = %q", h.Get(HeaderTimestamp))
	}
	if !Verify("whsec", "1700000000", got[0].body, h.Get(HeaderSignature)) {
		t.Error("signature does not verify")
	}
	if Verify("other", "1700000000", got[0].body, h.Get(HeaderSignature)) {
		t.Error("signature verified with the wrong secret")
	}

	var env Envelope
	if err := json.Unmarshal(got[0].body, &env); err != nil {
		t.Fatalf("body: %v", err)
	}
	if env.ID != h.Get(HeaderDelivery) || env.Event.TransactionID != "tx_1" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestDeliver_NoSecretNoSignature(t *testing.T) {
	srv, deliveries := receiver(t, http.StatusNoContent)
	sink := New(Config{URL: srv.URL, Retry: fastRetry(1)}, quietLogger())

	if err := sink.deliver(context.Background(), testEvent(escrow.EventMessageAppended)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if sig := deliveries()[0].header.Get(HeaderSignature); sig != "" {
		t.Errorf("expected no signature, got %q", sig)
	}
}

func TestDeliver_RetryPolicy(t *testing.T) {
	tests := []struct {
		name     string
		codes    []int
		wantErr  bool
		wantHits int
	}{
		{"server error then success", []int{500, 502, 200}, false, 3},
		{"rate limited then success", []int{429, 200}, false, 2},
		{"client error is permanent", []int{400}, true, 1},
		{"gives up after attempts", []int{503}, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, deliveries := receiver(t, tt.codes...)
			sink := New(Config{URL: srv.URL, Retry: fastRetry(3)}, quietLogger())

			err := sink.deliver(context.Background(), testEvent(escrow.EventStatusChanged))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if n := len(deliveries()); n != tt.wantHits {
				t.Errorf("hits = %d, want %d", n, tt.wantHits)
			}
		})
	}
}

func TestPublish_FiltersEventTypes(t *testing.T) {
	sink := New(Config{URL: "http://unused", Events: []escrow.EventType{escrow.EventStatusChanged}}, quietLogger())

	_ = sink.Publish(context.Background(), testEvent(escrow.EventMessageAppended))
	_ = sink.Publish(context.Background(), testEvent(escrow.EventStatusChanged))

	if len(sink.queue) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(sink.queue))
	}
	if ev := <-sink.queue; ev.Type != escrow.EventStatusChanged {
		t.Errorf("queued %s", ev.Type)
	}
}

func TestPublish_QueueFull(t *testing.T) {
	sink := New(Config{URL: "http://unused", QueueSize: 1}, quietLogger())

	if err := sink.Publish(context.Background(), testEvent(escrow.EventStatusChanged)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := sink.Publish(context.Background(), testEvent(escrow.EventStatusChanged)); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestStart_DeliversQueuedEvents(t *testing.T) {
	srv, deliveries := receiver(t, http.StatusOK)
	sink := New(Config{URL: srv.URL, Retry: fastRetry(1)}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	sink.Start(ctx)

	for _, typ := range []escrow.EventType{escrow.EventTransactionCreated, escrow.EventStatusChanged} {
		if err := sink.Publish(ctx, testEvent(typ)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(deliveries()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	sink.Wait()

	got := deliveries()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].header.Get(HeaderEvent) != "transaction_created" {
		t.Errorf("deliveries out of order: first was %q", got[0].header.Get(HeaderEvent))
	}
}

func TestWait_BlocksUntilWorkerExits(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := New(Config{URL: "http://unused"}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Start(ctx)
	sink.Wait()

	if !strings.Contains(buf.String(), "webhook sink stopped") {
		t.Errorf("Wait returned before the worker stopped; log: %q", buf.String())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
