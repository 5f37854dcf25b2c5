// Package notify carries negotiation and escrow transition events to
// external sinks (chat threads, webhooks, redis subscribers).
//
// Notifications are a side effect: a failed or dropped event never affects
// the transition that produced it.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/dealbroker/internal/idgen"
)

// Event types.
const (
	NegotiationOpened         = "negotiation.opened"
	NegotiationCounterOffered = "negotiation.counter_offered"
	NegotiationMessage        = "negotiation.message"
	NegotiationAccepted       = "negotiation.accepted"
	NegotiationRejected       = "negotiation.rejected"
	EscrowCaptured            = "escrow.captured"
	EscrowDelivered           = "escrow.delivered"
	EscrowReleased            = "escrow.released"
	EscrowDisputed            = "escrow.disputed"
	EscrowRefunded            = "escrow.refunded"
)

// Event describes one state transition.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SubjectID  string    `json:"subjectId"`
	Parties    []string  `json:"parties"`
	Data       any       `json:"data"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(eventType, subjectID string, parties []string, data any) Event {
	return Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       eventType,
		SubjectID:  subjectID,
		Parties:    parties,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers an event to one sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
