// Package escrow implements two-party escrow agreements.
//
// Flow:
//  1. A creator (buyer or seller) opens a PENDING agreement naming a partner by email
//  2. The partner accepts, the buyer funds, the seller ships
//  3. The buyer confirms delivery and releases funds (COMPLETED)
//  4. Either party may dispute a funded agreement; an operator then
//     releases to the seller or refunds the buyer
//
// Commission is fixed when the agreement is created. Parties negotiate
// through an append-only message log attached to the agreement.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrownow/internal/money"
	"github.com/mbd888/escrownow/internal/pagination"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrUnauthorized        = errors.New("not authorized for this transaction operation")
	ErrInvalidState        = errors.New("invalid transaction status for this operation")
	ErrValidation          = errors.New("validation failed")
	ErrStorage             = errors.New("storage unavailable")
)

// Status is a lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "PENDING"   // Created, waiting for the partner
	StatusAccepted  Status = "ACCEPTED"  // Both parties agreed on terms
	StatusFunded    Status = "FUNDED"    // Buyer paid into escrow
	StatusShipped   Status = "SHIPPED"   // Seller sent the item or service
	StatusDelivered Status = "DELIVERED" // Buyer confirmed receipt
	StatusCompleted Status = "COMPLETED" // Funds released to seller
	StatusDisputed  Status = "DISPUTED"  // Conflict raised, awaiting operator
	StatusCancelled Status = "CANCELLED" // Called off, or refunded after dispute
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusAccepted, StatusFunded, StatusShipped,
	StatusDelivered, StatusCompleted, StatusDisputed, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Role is the commercial side a party plays.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// Valid reports whether r is BUYER or SELLER.
func (r Role) Valid() bool { return r == RoleBuyer || r == RoleSeller }

// Opposite returns the other role.
func (r Role) Opposite() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// Limits on free-text fields, in characters.
const (
	MaxTitleLength         = 200
	MaxDescriptionLength   = 5000
	MaxMessageLength       = 2000
	MaxDisputeReasonLength = 1000
	MaxResolutionLength    = 1000
	MaxInspectionDays      = 30
)

// Message is one entry in a transaction's negotiation log.
type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transaction is an escrow agreement between a creator and a partner.
type Transaction struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Description          string    `json:"description"`
	Amount               string    `json:"amount"`
	Commission           string    `json:"commission"`
	Currency             string    `json:"currency"`
	CreatorID            string    `json:"creatorId"`
	CreatorEmail         string    `json:"creatorEmail"`
	CreatorRole          Role      `json:"creatorRole"`
	PartnerEmail         string    `json:"partnerEmail"`
	PartnerID            string    `json:"partnerId,omitempty"`
	Status               Status    `json:"status"`
	InspectionPeriodDays int       `json:"inspectionPeriodDays"`
	DisputeReason        string    `json:"disputeReason,omitempty"`
	Resolution           string    `json:"resolution,omitempty"`
	Messages             []Message `json:"messages,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// BuyerTotal is what the buyer pays in: amount plus commission.
func (t *Transaction) BuyerTotal() string {
	return money.Add(t.Amount, t.Commission)
}

// Clone returns a deep copy safe to hand across goroutines.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Messages != nil {
		cp.Messages = make([]Message, len(t.Messages))
		copy(cp.Messages, t.Messages)
	}
	return &cp
}

// TransactionView is the API representation, carrying derived fields.
type TransactionView struct {
	*Transaction
	BuyerTotal string `json:"buyerTotal"`
}

// View wraps t with its derived fields.
func (t *Transaction) View() TransactionView {
	return TransactionView{Transaction: t, BuyerTotal: t.BuyerTotal()}
}

// StatusChange carries the side fields written atomically with a status swap.
// Empty fields leave the stored value untouched.
type StatusChange struct {
	PartnerID     string
	DisputeReason string
	Resolution    string
	At            time.Time
}

// ListOptions selects a page of a party's transactions.
type ListOptions struct {
	Cursor string
	Limit  int
}

// Page is one page of a listing, newest first.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// Store persists transactions.
//
// CompareAndSwapStatus must be atomic: it applies only if the stored status
// still equals from, returning ErrInvalidState otherwise and
// ErrTransactionNotFound for unknown ids. AppendMessage must never lose a
// concurrent append.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to Status, change StatusChange) (*Transaction, error)
	AppendMessage(ctx context.Context, id string, msg Message) error
	// ListByParty returns up to limit transactions where the identity is the
	// creator, the invited email, or the accepted partner, ordered by
	// createdAt desc then id desc and strictly after the cursor.
	ListByParty(ctx context.Context, who Identity, after *pagination.Cursor, limit int) ([]*Transaction, error)
	Ping(ctx context.Context) error
}
