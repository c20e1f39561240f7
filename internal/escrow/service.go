package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/escrownow/internal/idgen"
	"github.com/mbd888/escrownow/internal/logging"
	"github.com/mbd888/escrownow/internal/metrics"
	"github.com/mbd888/escrownow/internal/money"
	"github.com/mbd888/escrownow/internal/pagination"
	"github.com/mbd888/escrownow/internal/syncutil"
	"github.com/mbd888/escrownow/internal/traces"
	"github.com/mbd888/escrownow/internal/validation"
)

// Defaults applied when the service is not configured otherwise.
const (
	DefaultCommissionBps  = 500 // 5%
	DefaultCurrency       = "NGN"
	DefaultInspectionDays = 3
)

// CreateRequest contains the parameters for opening an agreement.
type CreateRequest struct {
	Title                string `json:"title"`
	Description          string `json:"description"`
	Amount               string `json:"amount"`
	CreatorRole          Role   `json:"creatorRole"`
	PartnerEmail         string `json:"partnerEmail"`
	InspectionPeriodDays int    `json:"inspectionPeriodDays"` // 0 means the configured default
}

// TransitionRequest asks for a status change. ExpectedStatus, if set, makes
// the request fail unless the transaction is still in that status.
type TransitionRequest struct {
	Status         Status `json:"status"`
	ExpectedStatus Status `json:"expectedStatus,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Outcome is an operator's decision on a disputed transaction.
type Outcome string

const (
	OutcomeRelease Outcome = "release" // pay the seller
	OutcomeRefund  Outcome = "refund"  // return funds to the buyer
)

// Target returns the status an outcome closes the dispute with.
func (o Outcome) Target() (Status, bool) {
	switch o {
	case OutcomeRelease:
		return StatusCompleted, true
	case OutcomeRefund:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// Service implements escrow business logic.
type Service struct {
	store          Store
	events         EventPublisher
	locks          *syncutil.KeyedMutex // serializes transitions per transaction within the process
	commissionBps  int64
	currency       string
	inspectionDays int
	now            func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store) *Service {
	return &Service{
		store:          store,
		events:         nopPublisher{},
		locks:          syncutil.NewKeyedMutex(0),
		commissionBps:  DefaultCommissionBps,
		currency:       DefaultCurrency,
		inspectionDays: DefaultInspectionDays,
		now:            time.Now,
	}
}

// WithEvents sets the change-notification sink.
func (s *Service) WithEvents(p EventPublisher) *Service {
	if p != nil {
		s.events = p
	}
	return s
}

// WithCommission sets the rate, in basis points, snapshotted into new agreements.
func (s *Service) WithCommission(bps int64) *Service {
	s.commissionBps = bps
	return s
}

// WithCurrency sets the display currency stamped on new agreements.
func (s *Service) WithCurrency(currency string) *Service {
	s.currency = currency
	return s
}

// WithDefaultInspection sets the inspection period used when a request omits it.
func (s *Service) WithDefaultInspection(days int) *Service {
	s.inspectionDays = days
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the underlying store (used by readiness checks).
func (s *Service) Store() Store {
	return s.store
}

// Create opens a PENDING agreement with who as creator. The commission is
// computed here, once, from the configured rate.
func (s *Service) Create(ctx context.Context, who Identity, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.UserID(who.ID), traces.Amount(req.Amount))
	tx, err := s.create(ctx, who, req)
	traces.End(span, err)
	return tx, err
}

func (s *Service) create(ctx context.Context, who Identity, req CreateRequest) (*Transaction, error) {
	if who.ID == "" {
		return nil, ErrUnauthorized
	}

	title := strings.TrimSpace(req.Title)
	description := strings.TrimSpace(req.Description)
	partner := validation.NormalizeEmail(req.PartnerEmail)
	inspection := req.InspectionPeriodDays
	if inspection == 0 {
		inspection = s.inspectionDays
	}

	if errs := validation.Validate(
		validation.Required("title", title),
		validation.MaxLength("title", title, MaxTitleLength),
		validation.Required("description", description),
		validation.MaxLength("description", description, MaxDescriptionLength),
		validation.Required("amount", req.Amount),
		validation.Amount("amount", strings.TrimSpace(req.Amount)),
		validation.OneOf("creatorRole", string(req.CreatorRole), string(RoleBuyer), string(RoleSeller)),
		validation.Required("partnerEmail", partner),
		validation.Email("partnerEmail", partner),
		validation.IntRange("inspectionPeriodDays", inspection, 1, MaxInspectionDays),
	); len(errs) > 0 {
		return nil, s.reject(ctx, "create", fmt.Errorf("%w: %w", ErrValidation, errs))
	}
	if partner == validation.NormalizeEmail(who.Email) {
		return nil, s.reject(ctx, "create", fmt.Errorf("%w: partnerEmail: cannot invite yourself", ErrValidation))
	}

	amount, _ := money.ParsePositive(req.Amount)
	commission := money.Commission(amount, s.commissionBps)

	now := s.timestamp()
	tx := &Transaction{
		ID:                   idgen.New(),
		Title:                title,
		Description:          description,
		Amount:               money.Format(amount),
		Commission:           money.Format(commission),
		Currency:             s.currency,
		CreatorID:            who.ID,
		CreatorEmail:         validation.NormalizeEmail(who.Email),
		CreatorRole:          req.CreatorRole,
		PartnerEmail:         partner,
		Status:               StatusPending,
		InspectionPeriodDays: inspection,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, s.storageErr(ctx, "create", err)
	}

	metrics.TransactionsCreatedTotal.WithLabelValues(string(tx.CreatorRole)).Inc()
	logging.ForTransaction(ctx, tx.ID).Info("transaction created",
		"creator_id", tx.CreatorID, "creator_role", tx.CreatorRole, "amount", tx.Amount, "commission", tx.Commission)
	s.publish(ctx, NewEvent(EventTransactionCreated, tx))
	return tx, nil
}

// Get returns a transaction visible to who.
func (s *Service) Get(ctx context.Context, id string, who Identity) (*Transaction, Party, error) {
	tx, err := s.load(ctx, id)
	if err != nil {
		return nil, Party{}, err
	}
	party, err := ResolveParty(tx, who)
	if err != nil {
		return nil, Party{}, s.reject(ctx, "get", err)
	}
	return tx, party, nil
}

// List returns a page of who's transactions, newest first. Message logs
// are not included.
func (s *Service) List(ctx context.Context, who Identity, opts ListOptions) (*Page, error) {
	if who.ID == "" {
		return nil, ErrUnauthorized
	}
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor: %w", ErrValidation, err)
	}
	limit := pagination.ClampLimit(opts.Limit)

	rows, err := s.store.ListByParty(ctx, who, cursor, limit+1)
	if err != nil {
		return nil, s.storageErr(ctx, "list", err)
	}
	items, next, more := pagination.ComputePage(rows, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if items == nil {
		items = []*Transaction{}
	}
	return &Page{Transactions: items, NextCursor: next, HasMore: more}, nil
}

// Transition moves a transaction to req.Status on behalf of who.
//
// Rejections (ErrUnauthorized, ErrInvalidState, ErrValidation) never
// write. The write itself is a compare-and-swap on the status read here,
// so a concurrent change makes this call fail with ErrInvalidState.
func (s *Service) Transition(ctx context.Context, id string, who Identity, req TransitionRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.transition",
		traces.TransactionID(id), traces.UserID(who.ID), traces.TargetStatus(string(req.Status)))
	tx, err := s.transition(ctx, id, who, req)
	traces.End(span, err)
	return tx, err
}

func (s *Service) transition(ctx context.Context, id string, who Identity, req TransitionRequest) (*Transaction, error) {
	if !req.Status.Valid() {
		return nil, s.reject(ctx, "transition", fmt.Errorf("%w: status: unknown status %q", ErrValidation, req.Status))
	}
	if req.ExpectedStatus != "" && !req.ExpectedStatus.Valid() {
		return nil, s.reject(ctx, "transition", fmt.Errorf("%w: expectedStatus: unknown status %q", ErrValidation, req.ExpectedStatus))
	}
	reason := strings.TrimSpace(req.Reason)
	if errs := validation.Validate(validation.MaxLength("reason", reason, MaxDisputeReasonLength)); len(errs) > 0 {
		return nil, s.reject(ctx, "transition", fmt.Errorf("%w: %w", ErrValidation, errs))
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	party, err := ResolveParty(tx, who)
	if err != nil {
		return nil, s.reject(ctx, "transition", err)
	}
	if req.ExpectedStatus != "" && req.ExpectedStatus != tx.Status {
		return nil, s.reject(ctx, "transition",
			fmt.Errorf("%w: expected %s, found %s", ErrInvalidState, req.ExpectedStatus, tx.Status))
	}
	if err := Authorize(tx, party, req.Status); err != nil {
		return nil, s.reject(ctx, "transition", err)
	}

	change := StatusChange{At: s.timestamp()}
	switch req.Status {
	case StatusAccepted:
		change.PartnerID = who.ID
	case StatusDisputed:
		change.DisputeReason = reason
	}

	return s.apply(ctx, tx, req.Status, change, "transition")
}

// ResolveDispute closes a DISPUTED transaction on an operator's decision.
// Callers must have authenticated the operator.
func (s *Service) ResolveDispute(ctx context.Context, id string, outcome Outcome, note string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resolve_dispute", traces.TransactionID(id))
	tx, err := s.resolveDispute(ctx, id, outcome, note)
	traces.End(span, err)
	return tx, err
}

func (s *Service) resolveDispute(ctx context.Context, id string, outcome Outcome, note string) (*Transaction, error) {
	to, ok := outcome.Target()
	if !ok {
		return nil, s.reject(ctx, "resolve", fmt.Errorf("%w: outcome must be release or refund", ErrValidation))
	}
	note = strings.TrimSpace(note)
	if errs := validation.Validate(validation.MaxLength("note", note, MaxResolutionLength)); len(errs) > 0 {
		return nil, s.reject(ctx, "resolve", fmt.Errorf("%w: %w", ErrValidation, errs))
	}
	if note == "" {
		note = string(outcome)
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := AuthorizeOperator(tx, to); err != nil {
		return nil, s.reject(ctx, "resolve", err)
	}
	return s.apply(ctx, tx, to, StatusChange{Resolution: note, At: s.timestamp()}, "resolve")
}

// apply performs the status swap and its follow-up notifications.
func (s *Service) apply(ctx context.Context, tx *Transaction, to Status, change StatusChange, op string) (*Transaction, error) {
	from := tx.Status
	updated, err := s.store.CompareAndSwapStatus(ctx, tx.ID, from, to, change)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil, s.reject(ctx, op, err)
		}
		return nil, s.storageErr(ctx, op, err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	logging.ForTransaction(ctx, tx.ID).Info("transaction status changed", "from", from, "to", to)

	ev := NewEvent(EventStatusChanged, updated)
	ev.PrevStatus = from
	s.publish(ctx, ev)
	return updated, nil
}

// AppendMessage adds a message from who to the transaction's log. Messages
// are accepted in every status.
func (s *Service) AppendMessage(ctx context.Context, id string, who Identity, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if errs := validation.Validate(
		validation.Required("text", text),
		validation.MaxLength("text", text, MaxMessageLength),
	); len(errs) > 0 {
		return nil, s.reject(ctx, "message", fmt.Errorf("%w: %w", ErrValidation, errs))
	}

	tx, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ResolveParty(tx, who); err != nil {
		return nil, s.reject(ctx, "message", err)
	}

	msg := Message{
		ID:        idgen.New(),
		SenderID:  who.ID,
		Text:      text,
		Timestamp: s.timestamp(),
	}
	if err := s.store.AppendMessage(ctx, id, msg); err != nil {
		return nil, s.storageErr(ctx, "message", err)
	}

	metrics.MessagesAppendedTotal.Inc()
	ev := NewEvent(EventMessageAppended, tx)
	ev.Message = &msg
	s.publish(ctx, ev)
	return &msg, nil
}

// Messages returns the transaction's log in insertion order.
func (s *Service) Messages(ctx context.Context, id string, who Identity) ([]Message, error) {
	tx, _, err := s.Get(ctx, id, who)
	if err != nil {
		return nil, err
	}
	if tx.Messages == nil {
		return []Message{}, nil
	}
	return tx.Messages, nil
}

// Publish forwards an event produced outside the service (mediation updates).
func (s *Service) Publish(ctx context.Context, ev Event) {
	s.publish(ctx, ev)
}

// timestamp is truncated to the precision Postgres keeps so cursors built
// from a fresh row match the stored one.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) load(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.storageErr(ctx, "get", err)
	}
	return tx, nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		logging.L(ctx).Warn("event publish failed", "event", ev.Type, "transaction_id", ev.TransactionID, "error", err)
	}
}

// storageErr passes domain sentinels through and marks anything else as a
// storage failure.
func (s *Service) storageErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrTransactionNotFound) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrStorage) {
		return err
	}
	logging.L(ctx).Error("escrow store failure", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// reject counts a refused operation and returns err unchanged.
func (s *Service) reject(ctx context.Context, op string, err error) error {
	reason := "other"
	switch {
	case errors.Is(err, ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, ErrInvalidState):
		reason = "invalid_state"
	case errors.Is(err, ErrValidation):
		reason = "validation"
	}
	metrics.RejectionsTotal.WithLabelValues(op, reason).Inc()
	logging.L(ctx).Debug("escrow operation rejected", "op", op, "reason", reason, "error", err)
	return err
}
