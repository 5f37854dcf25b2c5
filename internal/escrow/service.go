package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/dealbroker/internal/metrics"
	"github.com/mbd888/dealbroker/internal/money"
	"github.com/mbd888/dealbroker/internal/notify"
	"github.com/mbd888/dealbroker/internal/pagination"
	"github.com/mbd888/dealbroker/internal/payments"
	"github.com/mbd888/dealbroker/internal/syncutil"
	"github.com/mbd888/dealbroker/internal/traces"
)

// Service implements escrow business logic.
type Service struct {
	store    Store
	gateway  payments.Gateway
	locks    *syncutil.KeyLock
	notifier notify.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, gateway payments.Gateway) *Service {
	return &Service{
		store:    store,
		gateway:  gateway,
		locks:    syncutil.NewKeyLock(),
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier publishes transition events.
func (s *Service) WithNotifier(p notify.Publisher) *Service {
	if p != nil {
		s.notifier = p
	}
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// Capture authorizes the payer's funds and creates a held entry.
// Capturing an already captured negotiation returns the existing entry.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Capture",
		traces.Actor(req.PayerID), traces.Amount(money.Format(req.Amount)))
	e, err := s.capture(ctx, req)
	traces.End(span, err)
	return e, err
}

func (s *Service) capture(ctx context.Context, req CaptureRequest) (*Entry, error) {
	payer := strings.TrimSpace(req.PayerID)
	payee := strings.TrimSpace(req.PayeeID)
	if payer == "" || payee == "" {
		return nil, ErrMissingParty
	}
	if payer == payee {
		return nil, ErrSelfPayment
	}
	if err := money.Check(req.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if req.NegotiationID != "" {
		unlock, err := s.locks.Lock(ctx, "negotiation:"+req.NegotiationID)
		if err != nil {
			return nil, err
		}
		defer unlock()

		existing, err := s.store.GetByNegotiation(ctx, req.NegotiationID)
		if err == nil {
			return sameCapture(existing, payer, payee, req)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	now := s.now()
	e := &Entry{
		ID:            generateEscrowID(),
		PayerID:       payer,
		PayeeID:       payee,
		Amount:        req.Amount,
		ItemType:      req.ItemType,
		ItemID:        req.ItemID,
		ItemName:      req.ItemName,
		NegotiationID: req.NegotiationID,
		Status:        StatusHeld,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.AuditLog = []AuditEntry{{
		Seq:       1,
		Action:    ActionCaptured,
		Actor:     payer,
		Message:   fmt.Sprintf("Captured %s for %s", money.Format(req.Amount), describeItem(e)),
		Timestamp: now,
	}}

	ref, err := s.gateway.Hold(ctx, payments.HoldRequest{
		Reference:   e.ID,
		PayerID:     payer,
		PayeeID:     payee,
		Amount:      req.Amount,
		Description: describeItem(e),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
	e.PaymentRef = ref

	if err := s.store.Create(ctx, e); err != nil {
		// The hold must not outlive a failed create.
		if voidErr := s.gateway.Void(context.WithoutCancel(ctx), ref); voidErr != nil {
			s.logger.ErrorContext(ctx, "CRITICAL: failed to void hold after create failure",
				"escrow_id", e.ID, "payment_ref", ref, "error", voidErr)
		}
		if errors.Is(err, ErrAlreadyCaptured) && req.NegotiationID != "" {
			existing, getErr := s.store.GetByNegotiation(ctx, req.NegotiationID)
			if getErr != nil {
				return nil, getErr
			}
			return sameCapture(existing, payer, payee, req)
		}
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusHeld)).Inc()
	s.publish(ctx, notify.EscrowCaptured, e)
	s.logger.InfoContext(ctx, "escrow captured",
		"escrow_id", e.ID, "payer", payer, "payee", payee,
		"amount", money.Format(e.Amount), "negotiation_id", e.NegotiationID)
	return e, nil
}

// MarkDelivered records delivery. Only the payee may call it, from held.
func (s *Service) MarkDelivered(ctx context.Context, id, actorID string) (*Entry, error) {
	return s.transition(ctx, "escrow.MarkDelivered", id, actorID, func(e *Entry) (*step, error) {
		if actorID != e.PayeeID {
			return nil, ErrUnauthorized
		}
		return &step{to: StatusDelivered, action: ActionDelivered, event: notify.EscrowDelivered}, nil
	})
}

// Release settles funds to the payee. Only the payer may call it, from delivered.
func (s *Service) Release(ctx context.Context, id, actorID string) (*Entry, error) {
	return s.transition(ctx, "escrow.Release", id, actorID, func(e *Entry) (*step, error) {
		if actorID != e.PayerID {
			return nil, ErrUnauthorized
		}
		return &step{
			to:      StatusReleased,
			action:  ActionReleased,
			message: fmt.Sprintf("Released %s to %s", money.Format(e.Amount), e.PayeeID),
			event:   notify.EscrowReleased,
			effect:  s.settle,
		}, nil
	})
}

// OpenDispute freezes the entry pending a ruling. Only the payer may call it,
// from held or delivered.
func (s *Service) OpenDispute(ctx context.Context, id, actorID, reason string) (*Entry, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, "escrow.OpenDispute", id, actorID, func(e *Entry) (*step, error) {
		if actorID != e.PayerID {
			return nil, ErrUnauthorized
		}
		if reason == "" {
			return nil, ErrReasonRequired
		}
		return &step{
			to:      StatusDisputed,
			action:  ActionDisputed,
			message: reason,
			event:   notify.EscrowDisputed,
			apply:   func(next *Entry) { next.DisputeReason = reason },
		}, nil
	})
}

// ResolveDispute applies an arbiter's ruling to a disputed entry. Callers
// are expected to have authorized arbiterID; the parties themselves may not rule.
func (s *Service) ResolveDispute(ctx context.Context, id, arbiterID string, decision Decision, message string) (*Entry, error) {
	message = strings.TrimSpace(message)
	if decision != DecisionRelease && decision != DecisionRefund {
		return nil, ErrUnknownDecision
	}
	e, err := s.transition(ctx, "escrow.ResolveDispute", id, arbiterID, func(e *Entry) (*step, error) {
		if arbiterID == "" || e.IsParty(arbiterID) {
			return nil, ErrUnauthorized
		}
		st := &step{
			to:      decision.target(),
			action:  ActionRuling,
			message: message,
			apply:   func(next *Entry) { next.Resolution = string(decision) },
		}
		if st.message == "" {
			st.message = "Ruling: " + string(decision)
		}
		if decision == DecisionRelease {
			st.effect = s.settle
			st.event = notify.EscrowReleased
		} else {
			st.effect = s.void
			st.event = notify.EscrowRefunded
		}
		return st, nil
	})
	if err == nil {
		metrics.DisputeRulingsTotal.WithLabelValues(string(decision)).Inc()
	}
	return e, err
}

// Get returns an escrow entry with its audit log.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// Logs returns the ordered audit log of an entry.
func (s *Service) Logs(ctx context.Context, id string) ([]AuditEntry, error) {
	return s.store.Logs(ctx, id)
}

// ListByParty returns a page of entries where partyID is payer or payee,
// newest first, and the cursor of the next page ("" on the last page).
func (s *Service) ListByParty(ctx context.Context, partyID, cursor string, limit int) ([]*Entry, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	items, err := s.store.ListByParty(ctx, partyID, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// step is a validated transition: target status, audit line and the
// payment effect to run before it is persisted.
type step struct {
	to      Status
	action  string
	message string
	event   string
	effect  func(ctx context.Context, e *Entry) error
	apply   func(next *Entry)
}

type guardFunc func(e *Entry) (*step, error)

// transition serializes writers on id, checks the role guard and the status
// table, runs the payment effect once and persists with a version check.
// A lost version race re-reads once; the write is retried only if the entry
// is still in the status the effect was run against.
func (s *Service) transition(ctx context.Context, spanName, id, actorID string, guard guardFunc) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, spanName, traces.EscrowID(id), traces.Actor(actorID))
	e, err := s.doTransition(ctx, id, actorID, guard)
	traces.End(span, err)
	return e, err
}

func (s *Service) doTransition(ctx context.Context, id, actorID string, guard guardFunc) (*Entry, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := guard(current)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, st.to) {
		return nil, fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, current.Status, st.to)
	}
	from := current.Status

	if st.effect != nil {
		if err := st.effect(ctx, current); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
		}
	}

	for attempt := 0; ; attempt++ {
		next, audit := s.advance(current, st, actorID)
		err := s.store.Transition(ctx, next, audit, current.Version)
		if err == nil {
			s.finish(ctx, next, st)
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt > 0 {
			if st.effect != nil {
				s.logger.ErrorContext(ctx, "CRITICAL: payment effect applied but escrow not updated",
					"escrow_id", id, "to", st.to, "payment_ref", current.PaymentRef, "error", err)
			}
			return nil, err
		}
		current, err = s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status != from {
			return nil, fmt.Errorf("%w: moved to %s concurrently", ErrInvalidTransition, current.Status)
		}
	}
}

// advance builds the next snapshot and its audit line.
func (s *Service) advance(current *Entry, st *step, actorID string) (*Entry, AuditEntry) {
	now := s.now()
	next := *current
	next.AuditLog = append([]AuditEntry(nil), current.AuditLog...)
	next.Status = st.to
	next.Version = current.Version + 1
	next.UpdatedAt = now
	if st.to.IsTerminal() {
		next.ResolvedAt = &now
	}
	if st.apply != nil {
		st.apply(&next)
	}

	audit := AuditEntry{
		Seq:       nextSeq(current.AuditLog),
		Action:    st.action,
		Actor:     actorID,
		Message:   st.message,
		Timestamp: now,
	}
	next.AuditLog = append(next.AuditLog, audit)
	return &next, audit
}

func (s *Service) finish(ctx context.Context, e *Entry, st *step) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.Status)).Inc()
	if e.ResolvedAt != nil {
		metrics.EscrowDuration.Observe(e.ResolvedAt.Sub(e.CreatedAt).Seconds())
	}
	if st.event != "" {
		s.publish(ctx, st.event, e)
	}
	s.logger.InfoContext(ctx, "escrow transitioned",
		"escrow_id", e.ID, "status", e.Status, "action", st.action)
}

func (s *Service) settle(ctx context.Context, e *Entry) error {
	return s.gateway.Settle(ctx, e.PaymentRef, e.Amount)
}

func (s *Service) void(ctx context.Context, e *Entry) error {
	return s.gateway.Void(ctx, e.PaymentRef)
}

func nextSeq(log []AuditEntry) int {
	seq := 0
	for _, a := range log {
		if a.Seq > seq {
			seq = a.Seq
		}
	}
	return seq + 1
}

func describeItem(e *Entry) string {
	switch {
	case e.ItemName != "":
		return e.ItemName
	case e.ItemID != "":
		return e.ItemType + " " + e.ItemID
	default:
		return "escrow " + e.ID
	}
}

func (s *Service) publish(ctx context.Context, eventType string, e *Entry) {
	ev := notify.NewEvent(eventType, e.ID, []string{e.PayerID, e.PayeeID}, e)
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "notification failed", "type", eventType, "escrow_id", e.ID, "error", err)
	}
}

// ErrorCode maps a service error to the machine code returned to clients.
// sameCapture returns existing when req repeats it. A different payer,
// payee or amount for the same negotiation is ErrAlreadyCaptured.
func sameCapture(existing *Entry, payer, payee string, req CaptureRequest) (*Entry, error) {
	if existing.PayerID != payer || existing.PayeeID != payee || !existing.Amount.Equal(req.Amount) {
		return nil, ErrAlreadyCaptured
	}
	return existing, nil
}

func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrSelfPayment):
		return "SelfPayment"
	case errors.Is(err, ErrMissingParty):
		return "MissingParty"
	case errors.Is(err, ErrReasonRequired):
		return "ReasonRequired"
	case errors.Is(err, ErrUnknownDecision):
		return "UnknownDecision"
	case errors.Is(err, ErrVersionConflict):
		return "VersionConflict"
	case errors.Is(err, ErrPaymentFailed):
		return "PaymentFailed"
	case errors.Is(err, ErrAlreadyCaptured):
		return "AlreadyCaptured"
	case errors.Is(err, pagination.ErrInvalidCursor):
		return "InvalidCursor"
	}
	return "InternalError"
}
