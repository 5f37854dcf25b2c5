package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealbroker/internal/metrics"
	"github.com/mbd888/dealbroker/internal/money"
	"github.com/mbd888/dealbroker/internal/notify"
	"github.com/mbd888/dealbroker/internal/pagination"
	"github.com/mbd888/dealbroker/internal/syncutil"
	"github.com/mbd888/dealbroker/internal/traces"
)

// DefaultMaxCounterOffers is how many counter-offers the counterparty may make.
const DefaultMaxCounterOffers = 2

// expireBatch bounds how many idle negotiations one ExpireStale pass closes.
const expireBatch = 100

// ExpiredMessage is the message on the rejection appended by ExpireStale.
const ExpiredMessage = "Expired"

// errStillActive aborts an expiry when the negotiation saw activity after it was listed.
var errStillActive = errors.New("negotiation is active")

// Service implements negotiation business logic.
type Service struct {
	store       Store
	locks       *syncutil.KeyLock
	maxCounters int
	staleAfter  time.Duration
	listings    ListingLookup
	notifier    notify.Publisher
	listener    AcceptanceListener
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new negotiation service.
func NewService(store Store) *Service {
	return &Service{
		store:       store,
		locks:       syncutil.NewKeyLock(),
		maxCounters: DefaultMaxCounterOffers,
		notifier:    notify.Nop{},
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithCounterLimit overrides how many counter-offers the counterparty may make.
func (s *Service) WithCounterLimit(n int) *Service {
	if n > 0 {
		s.maxCounters = n
	}
	return s
}

// WithStaleAfter enables ExpireStale for negotiations idle longer than d.
func (s *Service) WithStaleAfter(d time.Duration) *Service {
	s.staleAfter = d
	return s
}

// WithListings resolves listing price and title from the catalog.
func (s *Service) WithListings(l ListingLookup) *Service {
	s.listings = l
	return s
}

// WithNotifier publishes transition events.
func (s *Service) WithNotifier(p notify.Publisher) *Service {
	if p != nil {
		s.notifier = p
	}
	return s
}

// WithAcceptanceListener registers the listener signalled on acceptance.
func (s *Service) WithAcceptanceListener(l AcceptanceListener) *Service {
	s.listener = l
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// MaxCounterOffers returns the configured counter-offer limit.
func (s *Service) MaxCounterOffers() int {
	return s.maxCounters
}

// Open creates a pending negotiation seeded with the initiator's opening offer.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.Open", traces.Actor(req.InitiatorID))
	n, err := s.open(ctx, req)
	traces.End(span, err)
	return n, err
}

func (s *Service) open(ctx context.Context, req OpenRequest) (*Negotiation, error) {
	itemType, err := ParseItemType(req.ItemType)
	if err != nil {
		return nil, err
	}
	itemID := strings.TrimSpace(req.ItemID)
	initiator := strings.TrimSpace(req.InitiatorID)
	counterparty := strings.TrimSpace(req.CounterpartyID)

	var price decimal.Decimal
	if s.listings != nil {
		listing, err := s.listings.Listing(ctx, itemType, itemID)
		if err != nil {
			return nil, fmt.Errorf("lookup listing: %w", err)
		}
		price = listing.Price
		if counterparty == "" {
			counterparty = listing.OwnerID
		} else if listing.OwnerID != "" && listing.OwnerID != counterparty {
			return nil, ErrUnauthorized
		}
	} else if req.OriginalPrice != nil {
		price = *req.OriginalPrice
	}

	if itemID == "" || initiator == "" || counterparty == "" {
		return nil, ErrMissingParty
	}
	if initiator == counterparty {
		return nil, ErrSelfNegotiation
	}
	if err := money.Check(price); err != nil {
		return nil, fmt.Errorf("%w: original price: %v", ErrInvalidAmount, err)
	}
	opening := price
	if req.ProposedAmount != nil {
		if err := money.Check(*req.ProposedAmount); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		opening = *req.ProposedAmount
	}

	now := s.now()
	base := Negotiation{
		ID:             generateNegotiationID(),
		ItemType:       itemType,
		ItemID:         itemID,
		InitiatorID:    initiator,
		CounterpartyID: counterparty,
		OriginalPrice:  price,
		Version:        1,
		CreatedAt:      now,
	}
	first := newEntry(&base, SenderInitiator, initiator, ActionTypeOffer, &opening, strings.TrimSpace(req.Message), now)
	first.Seq = 1
	n := DeriveState(base, []*Entry{first})

	if err := s.store.Create(ctx, &n, first); err != nil {
		return nil, fmt.Errorf("failed to create negotiation: %w", err)
	}

	metrics.NegotiationsOpenedTotal.WithLabelValues(string(itemType)).Inc()
	s.publish(ctx, notify.NegotiationOpened, &n, first)
	s.logger.InfoContext(ctx, "negotiation opened",
		"negotiation_id", n.ID, "item_type", itemType, "item_id", itemID,
		"initiator", initiator, "counterparty", counterparty, "offer", money.Format(opening))
	return &n, nil
}

// Respond applies a party's accept, reject or counter-offer.
//
// Checks run in order: existence, party membership, terminal state, turn,
// then action-specific validation. counterAmount is only read for counter-offers.
func (s *Service) Respond(ctx context.Context, id, actorID string, action Action, counterAmount *decimal.Decimal, message string) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.Respond",
		traces.NegotiationID(id), traces.Actor(actorID), traces.Action(string(action)))

	message = strings.TrimSpace(message)
	n, entry, err := s.appendWith(ctx, id, func(n *Negotiation, _ []*Entry) (*Entry, error) {
		side, ok := n.SideOf(actorID)
		if !ok {
			return nil, ErrUnauthorized
		}
		if n.IsTerminal() {
			return nil, ErrNegotiationClosed
		}
		if actorID == n.LastActorID {
			return nil, ErrNotYourTurn
		}

		now := s.now()
		switch action {
		case ActionAccept:
			amount := n.CurrentOffer
			return newEntry(n, side, actorID, ActionTypeAcceptance, &amount, message, now), nil
		case ActionReject:
			return newEntry(n, side, actorID, ActionTypeRejection, nil, message, now), nil
		case ActionCounterOffer:
			if counterAmount == nil {
				return nil, ErrInvalidAmount
			}
			if err := money.Check(*counterAmount); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
			}
			if side == SenderCounterparty && n.CounterOfferCount >= s.maxCounters {
				return nil, ErrCounterLimitReached
			}
			return newEntry(n, side, actorID, ActionTypeCounterOffer, counterAmount, message, now), nil
		}
		return nil, ErrUnknownAction
	})

	metrics.NegotiationActionsTotal.WithLabelValues(string(action), outcome(err)).Inc()
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	switch entry.ActionType {
	case ActionTypeAcceptance:
		s.publish(ctx, notify.NegotiationAccepted, n, entry)
		s.signalAccepted(ctx, n)
	case ActionTypeRejection:
		s.publish(ctx, notify.NegotiationRejected, n, entry)
	case ActionTypeCounterOffer:
		s.publish(ctx, notify.NegotiationCounterOffered, n, entry)
	}
	s.logger.InfoContext(ctx, "negotiation responded",
		"negotiation_id", n.ID, "actor", actorID, "action", action,
		"state", n.State, "current_offer", money.Format(n.CurrentOffer))
	return n, nil
}

// PostMessage appends a free-text message. The turn does not change.
func (s *Service) PostMessage(ctx context.Context, id, actorID, message string) (*Entry, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrMessageRequired
	}
	n, entry, err := s.appendWith(ctx, id, func(n *Negotiation, _ []*Entry) (*Entry, error) {
		side, ok := n.SideOf(actorID)
		if !ok {
			return nil, ErrUnauthorized
		}
		if n.IsTerminal() {
			return nil, ErrNegotiationClosed
		}
		return newEntry(n, side, actorID, ActionTypeMessage, nil, message, s.now()), nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, notify.NegotiationMessage, n, entry)
	return entry, nil
}

// Get returns a negotiation snapshot.
func (s *Service) Get(ctx context.Context, id string) (*Negotiation, error) {
	n, _, err := s.load(ctx, id)
	return n, err
}

// Entries returns the ledger of a negotiation in order.
func (s *Service) Entries(ctx context.Context, id string) ([]*Entry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Entries(ctx, id)
}

// Context returns the negotiation, its ledger and listing metadata as seen by actorID.
func (s *Service) Context(ctx context.Context, id, actorID string) (*Context, error) {
	n, entries, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	side, ok := n.SideOf(actorID)
	if !ok {
		return nil, ErrUnauthorized
	}

	listing := Listing{Price: n.OriginalPrice}
	if s.listings != nil {
		cl, err := s.listings.Listing(ctx, n.ItemType, n.ItemID)
		if err != nil {
			s.logger.WarnContext(ctx, "listing lookup failed", "negotiation_id", id, "item_id", n.ItemID, "error", err)
		} else {
			listing.Title = cl.Title
			listing.Price = cl.Price
		}
	}

	return &Context{
		Negotiation: n,
		Entries:     entries,
		Listing:     listing,
		YourTurn:    !n.IsTerminal() && actorID != n.LastActorID,
		Role:        side,
	}, nil
}

// ListForParty returns a page of non-archived negotiations involving partyID,
// newest first, and the cursor of the next page ("" on the last page).
func (s *Service) ListForParty(ctx context.Context, partyID string, role Role, cursor string, limit int) ([]*Negotiation, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	items, err := s.store.ListForParty(ctx, partyID, role, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(n *Negotiation) (time.Time, string) {
		return n.CreatedAt, n.ID
	})
	return page, next, nil
}

// Archive hides a closed negotiation from actorID's listings.
func (s *Service) Archive(ctx context.Context, id, actorID string) (*Negotiation, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	n, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	side, ok := n.SideOf(actorID)
	if !ok {
		return nil, ErrUnauthorized
	}
	if !n.IsTerminal() {
		return nil, ErrStillOpen
	}
	if err := s.store.SetArchived(ctx, id, side); err != nil {
		return nil, err
	}
	if side == SenderInitiator {
		n.InitiatorArchived = true
	} else {
		n.CounterpartyArchived = true
	}
	return n, nil
}

// ExpireStale rejects open negotiations with no activity for the configured
// stale period. It returns how many were closed. Disabled when the period is 0.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.staleAfter)
	idle, err := s.store.ListIdle(ctx, cutoff, expireBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range idle {
		n, entry, err := s.appendWith(ctx, candidate.ID, func(n *Negotiation, _ []*Entry) (*Entry, error) {
			if n.IsTerminal() {
				return nil, ErrNegotiationClosed
			}
			if n.UpdatedAt.After(cutoff) {
				return nil, errStillActive
			}
			return newEntry(n, SenderSystem, SystemActorID, ActionTypeRejection, nil, ExpiredMessage, s.now()), nil
		})
		switch {
		case err == nil:
			expired++
			metrics.NegotiationsExpiredTotal.Inc()
			s.publish(ctx, notify.NegotiationRejected, n, entry)
			s.logger.InfoContext(ctx, "negotiation expired", "negotiation_id", n.ID, "idle_since", n.UpdatedAt)
		case errors.Is(err, ErrNegotiationClosed), errors.Is(err, errStillActive):
		default:
			s.logger.WarnContext(ctx, "failed to expire negotiation", "negotiation_id", candidate.ID, "error", err)
		}
	}
	return expired, nil
}

// decideFunc inspects the current snapshot and returns the entry to append,
// or an error to abort without writing.
type decideFunc func(n *Negotiation, entries []*Entry) (*Entry, error)

// appendWith serializes writers on id, derives the current snapshot, asks
// decide for the next entry and persists it with a version check. A lost
// version race re-reads and re-decides once so validation always runs
// against the latest ledger.
func (s *Service) appendWith(ctx context.Context, id string, decide decideFunc) (*Negotiation, *Entry, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		n, entries, err := s.load(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		entry, err := decide(n, entries)
		if err != nil {
			return nil, nil, err
		}
		entry.Seq = nextSeq(entries)

		next := DeriveState(*n, append(entries, entry))
		next.Version = n.Version + 1
		err = s.store.Append(ctx, &next, entry, n.Version)
		if err == nil {
			return &next, entry, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, nil, err
		}
		metrics.NegotiationConflictsTotal.Inc()
		if attempt > 0 {
			return nil, nil, err
		}
		s.logger.DebugContext(ctx, "negotiation version conflict, re-reading", "negotiation_id", id)
	}
}

// load reads a negotiation and its ledger and re-derives the snapshot.
func (s *Service) load(ctx context.Context, id string) (*Negotiation, []*Entry, error) {
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.store.Entries(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	n := DeriveState(*stored, entries)
	return &n, entries, nil
}

func nextSeq(entries []*Entry) int {
	seq := 0
	for _, e := range entries {
		if e.Seq > seq {
			seq = e.Seq
		}
	}
	return seq + 1
}

func (s *Service) signalAccepted(ctx context.Context, n *Negotiation) {
	if s.listener == nil {
		return
	}
	if err := s.listener.NegotiationAccepted(context.WithoutCancel(ctx), n); err != nil {
		s.logger.ErrorContext(ctx, "acceptance listener failed",
			"negotiation_id", n.ID, "item_type", n.ItemType, "error", err)
	}
}

// EntryEvent is the payload of negotiation notifications.
type EntryEvent struct {
	Negotiation *Negotiation `json:"negotiation"`
	Entry       *Entry       `json:"entry"`
}

func (s *Service) publish(ctx context.Context, eventType string, n *Negotiation, e *Entry) {
	ev := notify.NewEvent(eventType, n.ID, []string{n.InitiatorID, n.CounterpartyID}, EntryEvent{Negotiation: n, Entry: e})
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "notification failed", "type", eventType, "negotiation_id", n.ID, "error", err)
	}
}

// ErrorCode maps a service error to the machine code returned to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrNegotiationClosed):
		return "NegotiationClosed"
	case errors.Is(err, ErrNotYourTurn):
		return "NotYourTurn"
	case errors.Is(err, ErrCounterLimitReached):
		return "CounterLimitReached"
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrVersionConflict):
		return "VersionConflict"
	case errors.Is(err, ErrUnknownAction):
		return "UnknownAction"
	case errors.Is(err, ErrUnknownItemType):
		return "UnknownItemType"
	case errors.Is(err, ErrItemMismatch):
		return "ItemMismatch"
	case errors.Is(err, ErrListingNotFound):
		return "ListingNotFound"
	case errors.Is(err, ErrCatalogUnavailable):
		return "CatalogUnavailable"
	case errors.Is(err, pagination.ErrInvalidCursor):
		return "InvalidCursor"
	case errors.Is(err, ErrMessageRequired):
		return "MessageRequired"
	case errors.Is(err, ErrStillOpen):
		return "StillOpen"
	case errors.Is(err, ErrSelfNegotiation), errors.Is(err, ErrMissingParty):
		return "InvalidRequest"
	}
	return "InternalError"
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return ErrorCode(err)
}
