// Package escrow holds the payer's funds for an accepted deal until the
// goods are delivered or a dispute is ruled on.
//
// Flow:
//  1. Capture: the payment gateway authorizes the amount, the entry is held
//  2. The payee marks the goods delivered
//  3. The payer releases funds: the gateway settles to the payee
//  4. Either before or after delivery the payer may open a dispute
//  5. An arbiter rules: release settles to the payee, refund voids the hold
//
// Every transition appends an AuditEntry; the audit log is never rewritten.
package escrow

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
	ErrNotFound          = errors.New("escrow not found")
	ErrInvalidTransition = errors.New("invalid escrow status for this operation")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount     = errors.New("amount must be a positive number")
	ErrSelfPayment       = errors.New("payer and payee must differ")
	ErrMissingParty      = errors.New("payer and payee are required")
	ErrReasonRequired    = errors.New("dispute reason is required")
	ErrUnknownDecision   = errors.New("decision must be release or refund")
	ErrVersionConflict   = errors.New("escrow was modified concurrently")
	ErrPaymentFailed     = errors.New("payment gateway failed")
	ErrAlreadyCaptured   = errors.New("negotiation already has an escrow entry")
)

// Status represents the state of an escrow entry.
type Status string

const (
	StatusHeld      Status = "held"      // Funds authorized, awaiting delivery
	StatusDelivered Status = "delivered" // Payee marked goods delivered
	StatusReleased  Status = "released"  // Funds settled to the payee
	StatusDisputed  Status = "disputed"  // Payer contested, awaiting a ruling
	StatusRefunded  Status = "refunded"  // Hold voided back to the payer
)

// transitions lists the statuses reachable from each status.
var transitions = map[Status][]Status{
	StatusHeld:      {StatusDelivered, StatusDisputed},
	StatusDelivered: {StatusReleased, StatusDisputed},
	StatusDisputed:  {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Audit actions.
const (
	ActionCaptured  = "Payment Captured"
	ActionDelivered = "Marked Delivered"
	ActionDisputed  = "Dispute Opened"
	ActionReleased  = "Funds Released"
	ActionRuling    = "Arbitration Ruling"
)

// AuditEntry is one immutable line of an escrow's history.
type AuditEntry struct {
	Seq       int       `json:"seq"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is an escrow record.
type Entry struct {
	ID            string          `json:"id"`
	PayerID       string          `json:"payerId"`
	PayeeID       string          `json:"payeeId"`
	Amount        decimal.Decimal `json:"amount"`
	ItemType      string          `json:"itemType,omitempty"`
	ItemID        string          `json:"itemId,omitempty"`
	ItemName      string          `json:"itemName,omitempty"`
	NegotiationID string          `json:"negotiationId,omitempty"`
	PaymentRef    string          `json:"paymentRef,omitempty"`
	Status        Status          `json:"status"`
	DisputeReason string          `json:"disputeReason,omitempty"`
	Resolution    string          `json:"resolution,omitempty"`
	AuditLog      []AuditEntry    `json:"auditLog"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
}

// IsParty reports whether actorID is the payer or the payee.
func (e *Entry) IsParty(actorID string) bool {
	return actorID != "" && (actorID == e.PayerID || actorID == e.PayeeID)
}

// Decision is an arbiter's ruling on a disputed entry.
type Decision string

const (
	DecisionRelease Decision = "release"
	DecisionRefund  Decision = "refund"
)

// ParseDecision accepts "release"/"refund" in any case.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "release", "liberar":
		return DecisionRelease, nil
	case "refund", "reembolsar":
		return DecisionRefund, nil
	}
	return "", ErrUnknownDecision
}

// target is the status a ruling moves the entry to.
func (d Decision) target() Status {
	if d == DecisionRelease {
		return StatusReleased
	}
	return StatusRefunded
}

// CaptureRequest contains the parameters for capturing a payment into escrow.
type CaptureRequest struct {
	PayerID       string          `json:"payerId"`
	PayeeID       string          `json:"payeeId"`
	Amount        decimal.Decimal `json:"amount"`
	ItemType      string          `json:"itemType"`
	ItemID        string          `json:"itemId"`
	ItemName      string          `json:"itemName"`
	NegotiationID string          `json:"negotiationId"`
}

// Deal is the server-side view of a negotiation an escrow entry may be
// linked to.
type Deal struct {
	NegotiationID string
	PayerID       string
	PayeeID       string
	Amount        decimal.Decimal
	ItemType      string
	ItemID        string
	Accepted      bool
}

// DealSource resolves negotiation ids for captures that link one.
// Unknown ids return ErrNotFound.
type DealSource interface {
	Deal(ctx context.Context, negotiationID string) (*Deal, error)
}

// Store persists escrow entries and their audit logs.
type Store interface {
	// Create inserts a held entry with its first audit line. Returns
	// ErrAlreadyCaptured when NegotiationID already has an entry.
	Create(ctx context.Context, e *Entry) error
	// Get returns the entry with its full audit log.
	Get(ctx context.Context, id string) (*Entry, error)
	GetByNegotiation(ctx context.Context, negotiationID string) (*Entry, error)
	// Transition writes e's new status and appends audit when the stored
	// version equals expectedVersion, else ErrVersionConflict.
	Transition(ctx context.Context, e *Entry, audit AuditEntry, expectedVersion int) error
	Logs(ctx context.Context, id string) ([]AuditEntry, error)
	// ListByParty returns entries where partyID is payer or payee, newest first.
	ListByParty(ctx context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Entry, error)
}

func generateEscrowID() string {
	return idgen.WithPrefix("esc_")
}
