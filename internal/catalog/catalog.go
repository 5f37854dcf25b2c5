// Package catalog reads listing prices and reserves product stock in the
// external catalog service.
package catalog

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound   = errors.New("listing not found")
	ErrOutOfStock = errors.New("insufficient stock")

	// ErrUnavailable means the catalog breaker is open.
	ErrUnavailable = errors.New("catalog unavailable")
)

// Listing is a priced service or product offered by its owner.
type Listing struct {
	ItemType string          `json:"itemType"`
	ItemID   string          `json:"id"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	OwnerID  string          `json:"ownerId"`
	Stock    *int            `json:"stock,omitempty"` // nil for services
}

// Catalog is the subset of the catalog service dealbroker consumes.
type Catalog interface {
	Get(ctx context.Context, itemType, itemID string) (*Listing, error)
	// ReserveStock decrements a product's stock for an accepted deal.
	// reference makes the call idempotent on the catalog side.
	ReserveStock(ctx context.Context, itemID string, quantity int, reference string) error
}

// Static is an in-memory catalog for demo mode and tests.
type Static struct {
	mu       sync.Mutex
	listings map[string]*Listing
	reserved map[string]bool
}

// NewStatic creates a catalog holding listings.
func NewStatic(listings ...Listing) *Static {
	s := &Static{listings: make(map[string]*Listing), reserved: make(map[string]bool)}
	for _, l := range listings {
		s.Put(l)
	}
	return s
}

// Put adds or replaces a listing.
func (s *Static) Put(l Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := l
	if l.Stock != nil {
		n := *l.Stock
		cp.Stock = &n
	}
	s.listings[key(l.ItemType, l.ItemID)] = &cp
}

func (s *Static) Get(_ context.Context, itemType, itemID string) (*Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[key(itemType, itemID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	if l.Stock != nil {
		n := *l.Stock
		cp.Stock = &n
	}
	return &cp, nil
}

func (s *Static) ReserveStock(_ context.Context, itemID string, quantity int, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved[reference] {
		return nil
	}
	l, ok := s.listings[key("product", itemID)]
	if !ok {
		return ErrNotFound
	}
	if l.Stock != nil {
		if *l.Stock < quantity {
			return ErrOutOfStock
		}
		*l.Stock -= quantity
	}
	s.reserved[reference] = true
	return nil
}

func key(itemType, itemID string) string {
	return itemType + "/" + itemID
}

var _ Catalog = (*Static)(nil)
