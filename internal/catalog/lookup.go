package catalog

import (
	"context"
	"errors"

	"github.com/mbd888/dealbroker/internal/negotiation"
)

// Lookup adapts a Catalog to negotiation.ListingLookup.
type Lookup struct {
	catalog Catalog
}

// NewLookup wraps c.
func NewLookup(c Catalog) *Lookup {
	return &Lookup{catalog: c}
}

func (l *Lookup) Listing(ctx context.Context, itemType negotiation.ItemType, itemID string) (*negotiation.CatalogListing, error) {
	listing, err := l.catalog.Get(ctx, string(itemType), itemID)
	if errors.Is(err, ErrNotFound) {
		return nil, negotiation.ErrListingNotFound
	}
	if errors.Is(err, ErrUnavailable) {
		return nil, negotiation.ErrCatalogUnavailable
	}
	if err != nil {
		return nil, err
	}
	return &negotiation.CatalogListing{
		Title:   listing.Title,
		Price:   listing.Price,
		OwnerID: listing.OwnerID,
	}, nil
}

var _ negotiation.ListingLookup = (*Lookup)(nil)
