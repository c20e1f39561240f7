// Package webhooks delivers escrow change events to an operator-configured
// HTTP endpoint.
//
// Each delivery is a POST of the JSON envelope
//
//	{"id": "whd_...", "type": "status_changed", "timestamp": "...", "event": {...}}
//
// signed with HMAC-SHA256 over "<unix timestamp>.<body>" and sent in the
// X-Escrow-Signature header as "sha256=<hex>". Receivers should recompute
// the signature and reject stale timestamps.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/escrownow/internal/escrow"
	"github.com/mbd888/escrownow/internal/idgen"
	"github.com/mbd888/escrownow/internal/metrics"
	"github.com/mbd888/escrownow/internal/retry"
)

// Header names set on every delivery.
const (
	HeaderEvent     = "X-Escrow-Event"
	HeaderDelivery  = "X-Escrow-Delivery"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"
)

// ErrQueueFull is returned by Publish when deliveries are backing up.
var ErrQueueFull = errors.New("webhooks: delivery queue full")

// Config configures the sink.
type Config struct {
	URL    string
	Secret string
	// Events limits which event types are delivered. Empty means all.
	Events    []escrow.EventType
	Timeout   time.Duration
	QueueSize int
	Retry     retry.Policy
}

// Envelope is the body of a delivery.
type Envelope struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Event     escrow.Event `json:"event"`
}

// Sink queues events and posts them from a single worker so publishing
// never waits on the receiver.
type Sink struct {
	cfg    Config
	client *http.Client
	queue  chan escrow.Event
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// New creates a sink. Call Start to begin delivering.
func New(cfg Config, logger *slog.Logger) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.Policy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	}
	return &Sink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan escrow.Event, cfg.QueueSize),
		logger: logger,
		now:    time.Now,
	}
}

// WithHTTPClient replaces the HTTP client used for deliveries.
func (s *Sink) WithHTTPClient(c *http.Client) *Sink {
	s.client = c
	return s
}

// Publish queues the event if its type is subscribed.
func (s *Sink) Publish(_ context.Context, ev escrow.Event) error {
	if len(s.cfg.Events) > 0 && !slices.Contains(s.cfg.Events, ev.Type) {
		return nil
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Start launches the delivery worker. It runs until ctx is done; events
// still queued at shutdown are dropped.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.logger.Debug("webhook sink stopped")

	for {
		select {
		case <-ctx.Done():
			if n := len(s.queue); n > 0 {
				s.logger.Warn("webhook sink stopping with undelivered events", "count", n)
			}
			return
		case ev := <-s.queue:
			if err := s.deliver(ctx, ev); err != nil {
				metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
				s.logger.Warn("webhook delivery failed",
					"event", ev.Type, "transaction_id", ev.TransactionID, "error", err)
				continue
			}
			metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		}
	}
}

// Wait blocks until the worker started by Start has returned.
func (s *Sink) Wait() {
	s.wg.Wait()
}

func (s *Sink) deliver(ctx context.Context, ev escrow.Event) error {
	env := Envelope{
		ID:        idgen.WithPrefix("whd_"),
		Type:      string(ev.Type),
		Timestamp: s.now().UTC(),
		Event:     ev,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode: %w", err))
	}
	ts := strconv.FormatInt(env.Timestamp.Unix(), 10)

	return s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, env.Type)
		req.Header.Set(HeaderDelivery, env.ID)
		req.Header.Set(HeaderTimestamp, ts)
		if s.cfg.Secret != "" {
			req.Header.Set(HeaderSignature, Sign(s.cfg.Secret, ts, body))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("receiver returned %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("receiver returned %d", resp.StatusCode))
		}
	})
}

// Sign returns the signature header value for a delivery body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

var _ escrow.EventPublisher = (*Sink)(nil)
