package escrow

import (
	"context"
	"time"

	"github.com/mbd888/escrownow/internal/logging"
	"github.com/mbd888/escrownow/internal/metrics"
)

// EventType names a change notification.
type EventType string

const (
	EventTransactionCreated EventType = "transaction_created"
	EventStatusChanged      EventType = "status_changed"
	EventMessageAppended    EventType = "message_appended"
	EventMediationUpdated   EventType = "mediation_updated"
)

// Event describes a change to a transaction. The party keys let sinks
// route the event to the two parties without loading the transaction.
type Event struct {
	Type          EventType `json:"type"`
	TransactionID string    `json:"transactionId"`
	CreatorID     string    `json:"creatorId"`
	PartnerEmail  string    `json:"partnerEmail"`
	PartnerID     string    `json:"partnerId,omitempty"`
	Status        Status    `json:"status"`
	PrevStatus    Status    `json:"prevStatus,omitempty"`
	Message       *Message  `json:"message,omitempty"`
	Data          any       `json:"data,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEvent builds an event keyed to tx.
func NewEvent(typ EventType, tx *Transaction) Event {
	return Event{
		Type:          typ,
		TransactionID: tx.ID,
		CreatorID:     tx.CreatorID,
		PartnerEmail:  tx.PartnerEmail,
		PartnerID:     tx.PartnerID,
		Status:        tx.Status,
		Timestamp:     time.Now().UTC(),
	}
}

// VisibleTo reports whether who is one of the event's two parties.
func (e Event) VisibleTo(who Identity) bool {
	if who.ID != "" && (who.ID == e.CreatorID || who.ID == e.PartnerID) {
		return true
	}
	if e.PartnerID != "" {
		return false
	}
	email := normalizeEmail(who.Email)
	return email != "" && email == normalizeEmail(e.PartnerEmail)
}

// EventPublisher receives change notifications. Publishing is best-effort:
// an error is logged by the caller and never fails the operation.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NamedPublisher pairs a publisher with a label for logs and metrics.
type NamedPublisher struct {
	Name      string
	Publisher EventPublisher
}

// Fanout publishes each event to every sink, continuing past failures.
type Fanout struct {
	sinks []NamedPublisher
}

// NewFanout creates a publisher that forwards to all sinks.
func NewFanout(sinks ...NamedPublisher) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add appends a sink.
func (f *Fanout) Add(name string, p EventPublisher) {
	f.sinks = append(f.sinks, NamedPublisher{Name: name, Publisher: p})
}

// Names lists the sinks in publish order.
func (f *Fanout) Names() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name
	}
	return names
}

// Publish forwards ev to every sink. Sink failures are logged and counted.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(s.Name, "error").Inc()
			logging.L(ctx).Warn("event publish failed",
				"sink", s.Name, "event", ev.Type, "transaction_id", ev.TransactionID, "error", err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(s.Name, "ok").Inc()
	}
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
