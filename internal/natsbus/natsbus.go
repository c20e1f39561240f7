// Package natsbus forwards escrow change events to NATS so other services
// can react to them without polling the API.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mbd888/escrownow/internal/escrow"
	"github.com/mbd888/escrownow/internal/retry"
)

// SubjectPrefix is prepended to the event type to form the subject.
const SubjectPrefix = "escrow."

// ErrNotConnected is returned by Ping while the connection is down.
var ErrNotConnected = errors.New("natsbus: not connected")

// Config contains all arguments required to connect to the NATS server.
type Config struct {
	Address string
	Name    string
	Token   string
	Timeout time.Duration
}

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
	Close()
}

// Publisher is an escrow.EventPublisher backed by a NATS connection.
type Publisher struct {
	conn   conn
	logger *slog.Logger
}

// Connect dials the server, retrying with the startup policy while it is
// unreachable. A malformed address fails immediately.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if _, err := url.Parse(cfg.Address); err != nil {
		return nil, fmt.Errorf("natsbus: parse address: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	var nc *nats.Conn
	policy := retry.Startup
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("nats not reachable, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	err := policy.Do(ctx, func(context.Context) error {
		var err error
		nc, err = nats.Connect(cfg.Address, opts...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	logger.Info("nats connected", "url", nc.ConnectedUrlRedacted())
	return newPublisher(nc, logger), nil
}

func newPublisher(c conn, logger *slog.Logger) *Publisher {
	return &Publisher{conn: c, logger: logger}
}

// Subject returns the subject an event type is published on.
func Subject(t escrow.EventType) string {
	return SubjectPrefix + string(t)
}

// Publish sends the event as JSON. Delivery is fire-and-forget; the NATS
// client buffers while reconnecting.
func (p *Publisher) Publish(_ context.Context, ev escrow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natsbus: encode %s: %w", ev.Type, err)
	}
	if err := p.conn.Publish(Subject(ev.Type), data); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Ping reports whether the connection is currently up.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close drains pending messages and disconnects. Once draining starts the
// publisher can not send anything further.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

var _ escrow.EventPublisher = (*Publisher)(nil)
