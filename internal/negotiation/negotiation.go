// Package negotiation brokers two-party price negotiations over a listing.
//
// Flow:
//  1. The initiator (buyer/requester) opens a negotiation; the ledger is seeded
//     with an offer at the listing price or a proposed amount
//  2. Parties alternate: whoever did not make the latest offer may accept,
//     reject or counter
//  3. The counterparty (provider/seller) may counter at most MaxCounterOffers times
//  4. Accept or reject closes the negotiation; acceptance is signalled to the
//     registered AcceptanceListener (escrow capture for products)
//
// Every action is an append-only ledger Entry. The Negotiation's derived
// fields are recomputed from the ledger with DeriveState on every write.
package negotiation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealbroker/internal/idgen"
	"github.com/mbd888/dealbroker/internal/pagination"
)

var (
	ErrNotFound            = errors.New("negotiation not found")
	ErrNegotiationClosed   = errors.New("negotiation is closed")
	ErrNotYourTurn         = errors.New("it is the other party's turn to respond")
	ErrCounterLimitReached = errors.New("counter-offer limit reached")
	ErrInvalidAmount       = errors.New("amount must be a positive number")
	ErrUnauthorized        = errors.New("not a party to this negotiation")
	ErrVersionConflict     = errors.New("negotiation was modified concurrently")
	ErrUnknownAction       = errors.New("unknown action")
	ErrUnknownItemType     = errors.New("unknown item type")
	ErrUnknownRole         = errors.New("unknown role")
	ErrSelfNegotiation     = errors.New("initiator and counterparty must differ")
	ErrMissingParty        = errors.New("initiator and counterparty are required")
	ErrMessageRequired     = errors.New("message is required")
	ErrStillOpen           = errors.New("only closed negotiations can be archived")
	ErrItemMismatch        = errors.New("item type does not match negotiation")
	ErrListingNotFound     = errors.New("listing not found")
	ErrCatalogUnavailable  = errors.New("catalog temporarily unavailable")
)

// ItemType is the kind of listing being negotiated.
type ItemType string

const (
	ItemService ItemType = "service"
	ItemProduct ItemType = "product"
)

// ParseItemType maps transport item types to an ItemType. Both English
// names and the Spanish "servicio"/"producto" are accepted, in any case.
func ParseItemType(s string) (ItemType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "service", "servicio":
		return ItemService, nil
	case "product", "producto":
		return ItemProduct, nil
	}
	return "", ErrUnknownItemType
}

// State is the derived status of a negotiation.
type State string

const (
	StatePending        State = "pending"
	StateCounterOffered State = "counter_offered"
	StateAccepted       State = "accepted"
	StateRejected       State = "rejected"
)

// IsTerminal reports whether no further ledger entries may be appended.
func (s State) IsTerminal() bool {
	return s == StateAccepted || s == StateRejected
}

// Sender identifies which side produced a ledger entry.
type Sender string

const (
	SenderInitiator    Sender = "initiator"
	SenderCounterparty Sender = "counterparty"
	SenderSystem       Sender = "system"
)

// SystemActorID is the actor recorded on entries appended by the service itself.
const SystemActorID = "system"

// ActionType is the kind of a ledger entry.
type ActionType string

const (
	ActionTypeOffer        ActionType = "offer"
	ActionTypeCounterOffer ActionType = "counter_offer"
	ActionTypeMessage      ActionType = "message"
	ActionTypeAcceptance   ActionType = "acceptance"
	ActionTypeRejection    ActionType = "rejection"
)

// takesTurn reports whether the entry hands the turn to the other side.
// Messages are commentary and never move the turn.
func (a ActionType) takesTurn() bool {
	return a != ActionTypeMessage
}

// Action is what a party asks Respond to do.
type Action string

const (
	ActionAccept       Action = "accept"
	ActionReject       Action = "reject"
	ActionCounterOffer Action = "counter_offer"
)

// ParseAction maps transport action names to an Action. Both the
// Spanish labels the storefront sends and English names are accepted.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "aceptar":
		return ActionAccept, nil
	case "reject", "rechazar":
		return ActionReject, nil
	case "counteroffer", "counter_offer", "counter", "contraoferta":
		return ActionCounterOffer, nil
	}
	return "", ErrUnknownAction
}

// Role filters negotiations by the side a party plays.
type Role string

const (
	RoleAny          Role = "any"
	RoleInitiator    Role = "initiator"
	RoleCounterparty Role = "counterparty"
)

// ParseRole accepts initiator/buyer/requester, counterparty/seller/provider, or empty for any.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return RoleAny, nil
	case "initiator", "buyer", "requester", "client":
		return RoleInitiator, nil
	case "counterparty", "seller", "provider":
		return RoleCounterparty, nil
	}
	return "", ErrUnknownRole
}

// Negotiation is the current snapshot of a two-party negotiation.
// CurrentOffer, LastActorID, CounterOfferCount, State and UpdatedAt are
// derived from the ledger and never set directly.
type Negotiation struct {
	ID                   string          `json:"id"`
	ItemType             ItemType        `json:"itemType"`
	ItemID               string          `json:"itemId"`
	InitiatorID          string          `json:"initiatorId"`
	CounterpartyID       string          `json:"counterpartyId"`
	OriginalPrice        decimal.Decimal `json:"originalPrice"`
	CurrentOffer         decimal.Decimal `json:"currentOffer"`
	LastActorID          string          `json:"lastActorId"`
	CounterOfferCount    int             `json:"counterOfferCount"`
	State                State           `json:"state"`
	InitiatorArchived    bool            `json:"initiatorArchived,omitempty"`
	CounterpartyArchived bool            `json:"counterpartyArchived,omitempty"`
	Version              int             `json:"version"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the negotiation is accepted or rejected.
func (n *Negotiation) IsTerminal() bool {
	return n.State.IsTerminal()
}

// SideOf returns which side actorID plays, or false if actorID is not a party.
func (n *Negotiation) SideOf(actorID string) (Sender, bool) {
	switch actorID {
	case "":
		return "", false
	case n.InitiatorID:
		return SenderInitiator, true
	case n.CounterpartyID:
		return SenderCounterparty, true
	}
	return "", false
}

// actorFor returns the party id of side.
func (n *Negotiation) actorFor(side Sender) string {
	switch side {
	case SenderInitiator:
		return n.InitiatorID
	case SenderCounterparty:
		return n.CounterpartyID
	}
	return SystemActorID
}

// Entry is one immutable record in a negotiation's offer ledger.
type Entry struct {
	ID            string           `json:"id"`
	NegotiationID string           `json:"negotiationId"`
	Seq           int              `json:"seq"`
	Sender        Sender           `json:"sender"`
	ActorID       string           `json:"actorId"`
	ActionType    ActionType       `json:"actionType"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Message       string           `json:"message,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// Listing is the display metadata shown next to a negotiation.
type Listing struct {
	Title string          `json:"title"`
	Price decimal.Decimal `json:"price"`
}

// Context is a negotiation snapshot with its ledger and listing metadata.
type Context struct {
	Negotiation *Negotiation `json:"negotiation"`
	Entries     []*Entry     `json:"entries"`
	Listing     Listing      `json:"listing"`
	YourTurn    bool         `json:"yourTurn"`
	Role        Sender       `json:"role"`
}

// OpenRequest contains the parameters for opening a negotiation.
type OpenRequest struct {
	ItemType       string           `json:"itemType" binding:"required"`
	ItemID         string           `json:"itemId" binding:"required"`
	InitiatorID    string           `json:"initiatorId"`
	CounterpartyID string           `json:"counterpartyId"`
	OriginalPrice  *decimal.Decimal `json:"originalPrice"`
	ProposedAmount *decimal.Decimal `json:"proposedAmount"`
	Message        string           `json:"message"`
}

// Store persists negotiations and their ledgers.
type Store interface {
	// Create inserts a negotiation together with its seed entry.
	Create(ctx context.Context, n *Negotiation, first *Entry) error
	Get(ctx context.Context, id string) (*Negotiation, error)
	// Entries returns the ledger in Seq order.
	Entries(ctx context.Context, id string) ([]*Entry, error)
	// Append stores e and the re-derived snapshot n in one write, provided the
	// stored version still equals expectedVersion (ErrVersionConflict otherwise)
	// and the stored negotiation is not terminal (ErrNegotiationClosed).
	Append(ctx context.Context, n *Negotiation, e *Entry, expectedVersion int) error
	SetArchived(ctx context.Context, id string, side Sender) error
	// ListForParty returns non-archived negotiations for partyID newest first,
	// starting after cursor (nil for the first page).
	ListForParty(ctx context.Context, partyID string, role Role, after *pagination.Cursor, limit int) ([]*Negotiation, error)
	// ListIdle returns open negotiations whose last activity is before idleSince.
	ListIdle(ctx context.Context, idleSince time.Time, limit int) ([]*Negotiation, error)
}

// ListingLookup resolves a listing's price and title from the catalog.
type ListingLookup interface {
	Listing(ctx context.Context, itemType ItemType, itemID string) (*CatalogListing, error)
}

// CatalogListing is what the catalog knows about a listing.
type CatalogListing struct {
	Title   string
	Price   decimal.Decimal
	OwnerID string
}

// AcceptanceListener is signalled once a negotiation reaches accepted.
// Errors are logged; acceptance is never rolled back.
type AcceptanceListener interface {
	NegotiationAccepted(ctx context.Context, n *Negotiation) error
}

func generateNegotiationID() string {
	return idgen.WithPrefix("neg_")
}

func generateEntryID() string {
	return idgen.WithPrefix("ent_")
}
