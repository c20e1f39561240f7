// Package mediation produces advisory reports for disputed escrow
// transactions by handing the agreement terms and negotiation log to an
// external analyst.
//
// Mediation is advisory only. A report never changes a transaction's
// status; closing a dispute stays with the operator.
package mediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrownow/internal/circuitbreaker"
	"github.com/mbd888/escrownow/internal/escrow"
	"github.com/mbd888/escrownow/internal/logging"
	"github.com/mbd888/escrownow/internal/metrics"
	"github.com/mbd888/escrownow/internal/traces"
)

var (
	// ErrNotDisputed is returned when mediation is requested outside DISPUTED.
	ErrNotDisputed = fmt.Errorf("%w: mediation requires a disputed transaction", escrow.ErrInvalidState)
	// ErrMediationInProgress is returned while an analysis is already running.
	ErrMediationInProgress = errors.New("mediation already in progress")
	// ErrMediationUnavailable is returned by analysts that cannot produce a
	// report, and by the coordinator once it is shutting down.
	ErrMediationUnavailable = errors.New("mediator unavailable")
)

// FallbackText is shown in place of a report when the analyst fails.
const FallbackText = "The AI mediator is currently unavailable. Please contact support."

// DefaultTimeout bounds one analyst call.
const DefaultTimeout = 30 * time.Second

// BreakerKey is the circuit breaker key shared by every analyst call.
const BreakerKey = "analyst"

var errEmptyReport = errors.New("analyst returned an empty report")

// State is the mediation state of one transaction.
type State string

const (
	StateIdle      State = "idle"
	StateAnalyzing State = "analyzing"
	StateReady     State = "ready"
	StateFailed    State = "failed"
)

// Report is the mediation state of a transaction. Text holds the advisory
// report when ready and the fallback message when failed.
type Report struct {
	TransactionID string     `json:"transactionId"`
	State         State      `json:"state"`
	Text          string     `json:"text,omitempty"`
	RequestedBy   string     `json:"requestedBy,omitempty"`
	RequestedAt   *time.Time `json:"requestedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Transactions is the slice of the escrow service the coordinator needs.
type Transactions interface {
	Get(ctx context.Context, id string, who escrow.Identity) (*escrow.Transaction, escrow.Party, error)
	Publish(ctx context.Context, ev escrow.Event)
}

// Coordinator runs at most one analysis per transaction at a time.
type Coordinator struct {
	txs     Transactions
	analyst Analyst
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	reports map[string]*Report
	closed  bool
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator backed by analyst.
func NewCoordinator(txs Transactions, analyst Analyst) *Coordinator {
	return &Coordinator{
		txs:     txs,
		analyst: analyst,
		breaker: circuitbreaker.New(5, 30*time.Second),
		timeout: DefaultTimeout,
		now:     time.Now,
		reports: make(map[string]*Report),
	}
}

// WithTimeout sets the per-analysis deadline.
func (c *Coordinator) WithTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithBreaker shares a circuit breaker with other analyst callers.
func (c *Coordinator) WithBreaker(b *circuitbreaker.Breaker) *Coordinator {
	if b != nil {
		c.breaker = b
	}
	return c
}

// WithClock replaces the time source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Request starts an analysis of a disputed transaction on behalf of one of
// its parties and returns immediately with the analyzing report. The
// analysis itself runs in the background; poll Status for the outcome.
func (c *Coordinator) Request(ctx context.Context, id string, who escrow.Identity) (*Report, error) {
	tx, _, err := c.txs.Get(ctx, id, who)
	if err != nil {
		return nil, err
	}
	if tx.Status != escrow.StatusDisputed {
		metrics.MediationRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w (status %s)", ErrNotDisputed, tx.Status)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrMediationUnavailable
	}
	if r, ok := c.reports[id]; ok && r.State == StateAnalyzing {
		c.mu.Unlock()
		metrics.MediationRequestsTotal.WithLabelValues("in_progress").Inc()
		return nil, ErrMediationInProgress
	}
	at := c.now().UTC()
	report := &Report{
		TransactionID: id,
		State:         StateAnalyzing,
		RequestedBy:   who.ID,
		RequestedAt:   &at,
	}
	c.reports[id] = report
	snapshot := *report
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.MediationRequestsTotal.WithLabelValues("accepted").Inc()
	logging.ForTransaction(ctx, id).Info("mediation requested", "requested_by", who.ID)
	c.publish(ctx, tx, snapshot)

	// The analysis outlives the request but keeps its logger and request id.
	go c.run(context.WithoutCancel(ctx), tx, RenderDisputePrompt(tx))

	return &snapshot, nil
}

// Status returns the mediation state of a transaction visible to who.
// Transactions never mediated report idle.
func (c *Coordinator) Status(ctx context.Context, id string, who escrow.Identity) (*Report, error) {
	if _, _, err := c.txs.Get(ctx, id, who); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.reports[id]; ok {
		cp := *r
		return &cp, nil
	}
	return &Report{TransactionID: id, State: StateIdle}, nil
}

// Shutdown stops accepting requests and waits for in-flight analyses.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, tx *escrow.Transaction, prompt string) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "mediation.analyze", traces.TransactionID(tx.ID))

	start := time.Now()
	text, err := analyze(ctx, c.breaker, c.analyst, prompt)
	metrics.MediationDuration.Observe(time.Since(start).Seconds())
	traces.End(span, err)

	log := logging.ForTransaction(ctx, tx.ID)
	at := c.now().UTC()

	c.mu.Lock()
	report := c.reports[tx.ID]
	report.CompletedAt = &at
	if err != nil {
		report.State = StateFailed
		report.Text = FallbackText
	} else {
		report.State = StateReady
		report.Text = text
	}
	snapshot := *report
	c.mu.Unlock()

	if err != nil {
		metrics.MediationRequestsTotal.WithLabelValues("failed").Inc()
		log.Warn("mediation failed, serving fallback", "error", err)
	} else {
		metrics.MediationRequestsTotal.WithLabelValues("ready").Inc()
		log.Info("mediation report ready", "duration_ms", time.Since(start).Milliseconds())
	}
	// ctx may already be past its deadline here.
	c.publish(context.WithoutCancel(ctx), tx, snapshot)
}

type analysis struct {
	text string
	err  error
}

// analyze makes exactly one breaker-guarded analyst call and gives up when
// ctx ends, even if the analyst itself ignores cancellation. An abandoned
// call still reports its outcome to the breaker.
func analyze(ctx context.Context, b *circuitbreaker.Breaker, a Analyst, prompt string) (string, error) {
	done := make(chan analysis, 1)
	go func() {
		var text string
		err := b.Do(BreakerKey, func() error {
			out, err := a.Analyze(ctx, prompt)
			if err != nil {
				return err
			}
			text = strings.TrimSpace(out)
			if text == "" {
				return errEmptyReport
			}
			return nil
		})
		done <- analysis{text: text, err: err}
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) publish(ctx context.Context, tx *escrow.Transaction, r Report) {
	ev := escrow.NewEvent(escrow.EventMediationUpdated, tx)
	ev.Data = r
	c.txs.Publish(ctx, ev)
}
