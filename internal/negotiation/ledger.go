package negotiation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DeriveState folds a ledger over base and returns the resulting snapshot.
//
// base supplies identity, OriginalPrice, archive flags and Version; every
// derived field is recomputed from entries (ordered by Seq):
//   - CurrentOffer is the amount of the last entry carrying one, else OriginalPrice
//   - LastActorID is the actor of the last turn-taking entry (messages do not count)
//   - CounterOfferCount counts counter-offers sent by the counterparty
//   - State is the last terminal marker if any, else counter_offered when the last
//     amount-bearing entry is a counter-offer, else pending
//
// DeriveState does not modify base or entries.
func DeriveState(base Negotiation, entries []*Entry) Negotiation {
	ordered := make([]*Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	n := base
	n.CurrentOffer = base.OriginalPrice
	n.LastActorID = ""
	n.CounterOfferCount = 0
	n.State = StatePending
	n.UpdatedAt = base.CreatedAt

	var (
		lastAmountType ActionType
		terminal       State
	)
	for _, e := range ordered {
		if e.Amount != nil {
			n.CurrentOffer = *e.Amount
			lastAmountType = e.ActionType
		}
		if e.ActionType.takesTurn() {
			n.LastActorID = e.ActorID
		}
		switch e.ActionType {
		case ActionTypeCounterOffer:
			if e.Sender == SenderCounterparty {
				n.CounterOfferCount++
			}
		case ActionTypeAcceptance:
			terminal = StateAccepted
		case ActionTypeRejection:
			terminal = StateRejected
		}
		if e.CreatedAt.After(n.UpdatedAt) {
			n.UpdatedAt = e.CreatedAt
		}
	}

	switch {
	case terminal != "":
		n.State = terminal
	case lastAmountType == ActionTypeCounterOffer:
		n.State = StateCounterOffered
	}
	return n
}

func newEntry(n *Negotiation, side Sender, actorID string, t ActionType, amount *decimal.Decimal, message string, at time.Time) *Entry {
	e := &Entry{
		ID:            generateEntryID(),
		NegotiationID: n.ID,
		Sender:        side,
		ActorID:       actorID,
		ActionType:    t,
		Message:       message,
		CreatedAt:     at,
	}
	if amount != nil {
		a := *amount
		e.Amount = &a
	}
	return e
}
