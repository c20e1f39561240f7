package escrow

import (
	"strings"
)

// Relation is how an identity is attached to a transaction.
type Relation string

const (
	RelationCreator Relation = "CREATOR"
	RelationPartner Relation = "PARTNER"
)

// Identity is an authenticated caller.
type Identity struct {
	ID    string
	Email string
}

// Party is an identity's standing on one transaction.
type Party struct {
	Relation Relation `json:"relation"`
	Role     Role     `json:"role"`
}

// IsBuyer reports whether the party holds the buyer role.
func (p Party) IsBuyer() bool { return p.Role == RoleBuyer }

// IsSeller reports whether the party holds the seller role.
func (p Party) IsSeller() bool { return p.Role == RoleSeller }

// ResolveParty determines whether who is the creator or the partner of tx
// and which role that gives them. The creator is matched by id; the
// partner by accepted id or, before acceptance, by invited email
// (case-insensitive). Anyone else gets ErrUnauthorized.
func ResolveParty(tx *Transaction, who Identity) (Party, error) {
	if tx == nil || (who.ID == "" && who.Email == "") {
		return Party{}, ErrUnauthorized
	}
	if who.ID != "" && who.ID == tx.CreatorID {
		return Party{Relation: RelationCreator, Role: tx.CreatorRole}, nil
	}
	if tx.PartnerID != "" {
		// Accepted: the partner is locked to the accepting identity.
		if who.ID != "" && who.ID == tx.PartnerID {
			return Party{Relation: RelationPartner, Role: tx.CreatorRole.Opposite()}, nil
		}
		return Party{}, ErrUnauthorized
	}
	if email := normalizeEmail(who.Email); email != "" && email == normalizeEmail(tx.PartnerEmail) {
		return Party{Relation: RelationPartner, Role: tx.CreatorRole.Opposite()}, nil
	}
	return Party{}, ErrUnauthorized
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
