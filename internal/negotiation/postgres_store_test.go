//go:build integration

package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealbroker/internal/testutil"
)

func setupPostgresService(t *testing.T) (*Service, *PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	return NewService(store), store, cleanup
}

func TestPostgresNegotiation_FullFlow(t *testing.T) {
	svc, store, cleanup := setupPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	price := decimal.RequireFromString("100")
	offer := decimal.RequireFromString("80")
	n, err := svc.Open(ctx, OpenRequest{
		ItemType: "product", ItemID: "lamp",
		InitiatorID: "buyer", CounterpartyID: "seller",
		OriginalPrice: &price, ProposedAmount: &offer,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	counter := decimal.RequireFromString("90")
	if _, err := svc.Respond(ctx, n.ID, "seller", ActionCounterOffer, &counter, "meet me at 90"); err != nil {
		t.Fatalf("Counter failed: %v", err)
	}
	accepted, err := svc.Respond(ctx, n.ID, "buyer", ActionAccept, nil, "")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if accepted.State != StateAccepted {
		t.Errorf("Expected accepted, got %s", accepted.State)
	}

	got, err := store.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.CurrentOffer.Equal(counter) {
		t.Errorf("Expected current offer 90, got %s", got.CurrentOffer)
	}
	if got.CounterOfferCount != 1 || got.LastActorID != "buyer" || got.Version != 3 {
		t.Errorf("Unexpected stored snapshot %+v", got)
	}

	entries, err := store.Entries(ctx, n.ID)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Errorf("Entry %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
	}
	if entries[1].Message != "meet me at 90" || entries[2].Amount != nil {
		t.Errorf("Unexpected ledger %+v %+v", entries[1], entries[2])
	}

	// Stored snapshot must equal a fresh derivation from the ledger.
	derived := DeriveState(*got, entries)
	if derived.State != got.State || !derived.CurrentOffer.Equal(got.CurrentOffer) {
		t.Errorf("Derived %s/%s, stored %s/%s", derived.State, derived.CurrentOffer, got.State, got.CurrentOffer)
	}

	if _, err := svc.Respond(ctx, n.ID, "seller", ActionReject, nil, ""); !errors.Is(err, ErrNegotiationClosed) {
		t.Errorf("Expected ErrNegotiationClosed after acceptance, got %v", err)
	}
}

func TestPostgresNegotiation_AppendVersionConflict(t *testing.T) {
	svc, store, cleanup := setupPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	price := decimal.RequireFromString("50")
	n, err := svc.Open(ctx, OpenRequest{
		ItemType: "service", ItemID: "logo",
		InitiatorID: "client", CounterpartyID: "designer", OriginalPrice: &price,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	stale := *n
	e := newEntry(&stale, SenderCounterparty, "designer", ActionTypeMessage, nil, "hello", time.Now().UTC())
	e.Seq = 2
	stale.Version = 2
	if err := store.Append(ctx, &stale, e, 1); err != nil {
		t.Fatalf("First append failed: %v", err)
	}

	e2 := newEntry(&stale, SenderCounterparty, "designer", ActionTypeMessage, nil, "again", time.Now().UTC())
	e2.Seq = 2
	if err := store.Append(ctx, &stale, e2, 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}

	missing := stale
	missing.ID = "neg_missing"
	if err := store.Append(ctx, &missing, e2, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresNegotiation_ArchiveAndList(t *testing.T) {
	svc, _, cleanup := setupPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	price := decimal.RequireFromString("20")
	var ids []string
	for i := 0; i < 3; i++ {
		n, err := svc.Open(ctx, OpenRequest{
			ItemType: "product", ItemID: "mug",
			InitiatorID: "buyer", CounterpartyID: "seller", OriginalPrice: &price,
		})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		ids = append(ids, n.ID)
	}

	if _, err := svc.Respond(ctx, ids[0], "seller", ActionReject, nil, ""); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if _, err := svc.Archive(ctx, ids[0], "buyer"); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	page, next, err := svc.ListForParty(ctx, "buyer", RoleAny, "", 1)
	if err != nil {
		t.Fatalf("ListForParty failed: %v", err)
	}
	if len(page) != 1 || next == "" {
		t.Fatalf("Expected one item and a cursor, got %d %q", len(page), next)
	}
	rest, next, err := svc.ListForParty(ctx, "buyer", RoleAny, next, 10)
	if err != nil {
		t.Fatalf("ListForParty page 2 failed: %v", err)
	}
	if len(rest) != 1 || next != "" {
		t.Errorf("Expected the archived negotiation hidden from buyer, got %d more", len(rest))
	}

	forSeller, _, err := svc.ListForParty(ctx, "seller", RoleCounterparty, "", 10)
	if err != nil {
		t.Fatalf("ListForParty seller failed: %v", err)
	}
	if len(forSeller) != 3 {
		t.Errorf("Archive is per party: expected seller to see 3, got %d", len(forSeller))
	}
}

func TestPostgresNegotiation_ListIdle(t *testing.T) {
	svc, store, cleanup := setupPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	price := decimal.RequireFromString("10")
	n, err := svc.Open(ctx, OpenRequest{
		ItemType: "product", ItemID: "pen",
		InitiatorID: "buyer", CounterpartyID: "seller", OriginalPrice: &price,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	idle, err := store.ListIdle(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListIdle failed: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != n.ID {
		t.Errorf("Expected the open negotiation to be idle, got %d", len(idle))
	}

	idle, err = store.ListIdle(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListIdle failed: %v", err)
	}
	if len(idle) != 0 {
		t.Errorf("Expected nothing idle an hour ago, got %d", len(idle))
	}
}
