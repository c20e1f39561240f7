package escrow

import "fmt"

// Actor names who may trigger a transition.
type Actor string

const (
	ActorPartner  Actor = "partner"
	ActorBuyer    Actor = "buyer"
	ActorSeller   Actor = "seller"
	ActorEither   Actor = "either"
	ActorOperator Actor = "operator"
)

type edge struct {
	from, to Status
}

// transitions is the complete lifecycle graph. Any (from, to) pair absent
// here is an invalid state change.
var transitions = map[edge]Actor{
	{StatusPending, StatusAccepted}:    ActorPartner,
	{StatusPending, StatusCancelled}:   ActorEither,
	{StatusAccepted, StatusFunded}:     ActorBuyer,
	{StatusFunded, StatusShipped}:      ActorSeller,
	{StatusShipped, StatusDelivered}:   ActorBuyer,
	{StatusShipped, StatusCompleted}:   ActorBuyer,
	{StatusDelivered, StatusCompleted}: ActorBuyer,
	{StatusFunded, StatusDisputed}:     ActorEither,
	{StatusShipped, StatusDisputed}:    ActorEither,
	{StatusDelivered, StatusDisputed}:  ActorEither,
	{StatusDisputed, StatusCompleted}:  ActorOperator,
	{StatusDisputed, StatusCancelled}:  ActorOperator,
}

// TransitionActor returns who may move a transaction from one status to
// another, or false if the pair is not a legal transition.
func TransitionActor(from, to Status) (Actor, bool) {
	a, ok := transitions[edge{from, to}]
	return a, ok
}

// permits reports whether party satisfies actor. Operators are never parties.
func (a Actor) permits(p Party) bool {
	switch a {
	case ActorEither:
		return true
	case ActorPartner:
		return p.Relation == RelationPartner
	case ActorBuyer:
		return p.IsBuyer()
	case ActorSeller:
		return p.IsSeller()
	default:
		return false
	}
}

// Authorize checks that party may move tx to the target status.
// It returns ErrInvalidState for transitions absent from the graph and
// ErrUnauthorized when the graph names a different actor.
func Authorize(tx *Transaction, p Party, to Status) error {
	actor, ok := TransitionActor(tx.Status, to)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, tx.Status, to)
	}
	if !actor.permits(p) {
		return fmt.Errorf("%w: %s -> %s requires %s", ErrUnauthorized, tx.Status, to, actor)
	}
	return nil
}

// AuthorizeOperator checks that an operator may move tx to the target status.
func AuthorizeOperator(tx *Transaction, to Status) error {
	actor, ok := TransitionActor(tx.Status, to)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, tx.Status, to)
	}
	if actor != ActorOperator {
		return fmt.Errorf("%w: %s -> %s is a party action", ErrUnauthorized, tx.Status, to)
	}
	return nil
}

// AvailableTransitions lists the statuses party may move tx to right now,
// in lifecycle order.
func AvailableTransitions(tx *Transaction, p Party) []Status {
	var out []Status
	for _, to := range AllStatuses {
		if actor, ok := TransitionActor(tx.Status, to); ok && actor.permits(p) {
			out = append(out, to)
		}
	}
	return out
}
