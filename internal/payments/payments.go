// Package payments places, settles and voids holds on the payer's funds
// backing an escrow entry.
package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealbroker/internal/idgen"
)

var ErrUnknownHold = errors.New("unknown payment hold")

// HoldRequest describes funds to authorize without capturing.
type HoldRequest struct {
	Reference   string // escrow entry id
	PayerID     string
	PayeeID     string
	Amount      decimal.Decimal
	Description string
}

// Gateway authorizes funds at capture time and settles or voids them once
// the escrow entry reaches a terminal status.
type Gateway interface {
	// Hold authorizes the amount and returns the provider's payment reference.
	Hold(ctx context.Context, req HoldRequest) (string, error)
	// Settle captures a held payment for the payee.
	Settle(ctx context.Context, ref string, amount decimal.Decimal) error
	// Void releases a held payment back to the payer.
	Void(ctx context.Context, ref string) error
}

// Nop records holds in memory without moving money. Used in demo mode and tests.
type Nop struct {
	mu    sync.Mutex
	holds map[string]string
}

// NewNop creates an in-memory gateway.
func NewNop() *Nop {
	return &Nop{holds: make(map[string]string)}
}

func (n *Nop) Hold(_ context.Context, req HoldRequest) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ref := idgen.WithPrefix("hold_")
	n.holds[ref] = "held"
	return ref, nil
}

func (n *Nop) Settle(_ context.Context, ref string, _ decimal.Decimal) error {
	return n.finish(ref, "settled")
}

func (n *Nop) Void(_ context.Context, ref string) error {
	return n.finish(ref, "voided")
}

// Status returns "held", "settled", "voided" or "" for an unknown ref.
func (n *Nop) Status(ref string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.holds[ref]
}

func (n *Nop) finish(ref, status string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.holds[ref] != "held" {
		return ErrUnknownHold
	}
	n.holds[ref] = status
	return nil
}
