package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/dealbroker/internal/catalog"
	"github.com/mbd888/dealbroker/internal/escrow"
	"github.com/mbd888/dealbroker/internal/negotiation"
)

// acceptanceBridge turns an accepted product negotiation into a stock
// reservation and an escrow hold at the agreed amount. Service deals are
// settled outside dealbroker.
type acceptanceBridge struct {
	escrow  *escrow.Service
	catalog catalog.Catalog // nil when no catalog is configured
	logger  *slog.Logger
}

func (b *acceptanceBridge) NegotiationAccepted(ctx context.Context, n *negotiation.Negotiation) error {
	if n.ItemType != negotiation.ItemProduct {
		return nil
	}

	var title string
	if b.catalog != nil {
		if err := b.catalog.ReserveStock(ctx, n.ItemID, 1, n.ID); err != nil {
			return fmt.Errorf("reserve stock for %s: %w", n.ItemID, err)
		}
		if listing, err := b.catalog.Get(ctx, string(n.ItemType), n.ItemID); err == nil {
			title = listing.Title
		}
	}

	e, err := b.escrow.Capture(ctx, escrow.CaptureRequest{
		PayerID:       n.InitiatorID,
		PayeeID:       n.CounterpartyID,
		Amount:        n.CurrentOffer,
		ItemType:      string(n.ItemType),
		ItemID:        n.ItemID,
		ItemName:      title,
		NegotiationID: n.ID,
	})
	if err != nil {
		return fmt.Errorf("capture escrow: %w", err)
	}
	b.logger.InfoContext(ctx, "accepted negotiation captured into escrow",
		"negotiation_id", n.ID, "escrow_id", e.ID)
	return nil
}

// dealSource exposes negotiation terms to escrow captures that link a
// negotiation id.
type dealSource struct {
	negotiations *negotiation.Service
}

func (d *dealSource) Deal(ctx context.Context, negotiationID string) (*escrow.Deal, error) {
	n, err := d.negotiations.Get(ctx, negotiationID)
	if errors.Is(err, negotiation.ErrNotFound) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &escrow.Deal{
		NegotiationID: n.ID,
		PayerID:       n.InitiatorID,
		PayeeID:       n.CounterpartyID,
		Amount:        n.CurrentOffer,
		ItemType:      string(n.ItemType),
		ItemID:        n.ItemID,
		Accepted:      n.State == negotiation.StateAccepted,
	}, nil
}

var (
	_ negotiation.AcceptanceListener = (*acceptanceBridge)(nil)
	_ escrow.DealSource              = (*dealSource)(nil)
)
