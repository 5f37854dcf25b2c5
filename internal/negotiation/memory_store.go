package negotiation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/dealbroker/internal/pagination"
)

// MemoryStore is an in-memory negotiation store for demo/development mode.
type MemoryStore struct {
	negotiations map[string]*Negotiation
	entries      map[string][]*Entry
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory negotiation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		negotiations: make(map[string]*Negotiation),
		entries:      make(map[string][]*Entry),
	}
}

func (m *MemoryStore) Create(_ context.Context, n *Negotiation, first *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.negotiations[n.ID] = &cp
	m.entries[n.ID] = []*Entry{copyEntry(first)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.negotiations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) Entries(_ context.Context, id string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.negotiations[id]; !ok {
		return nil, ErrNotFound
	}
	stored := m.entries[id]
	result := make([]*Entry, len(stored))
	for i, e := range stored {
		result[i] = copyEntry(e)
	}
	return result, nil
}

func (m *MemoryStore) Append(_ context.Context, n *Negotiation, e *Entry, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.negotiations[n.ID]
	if !ok {
		return ErrNotFound
	}
	if current.IsTerminal() {
		return ErrNegotiationClosed
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	cp := *n
	cp.InitiatorArchived = current.InitiatorArchived
	cp.CounterpartyArchived = current.CounterpartyArchived
	m.negotiations[n.ID] = &cp
	m.entries[n.ID] = append(m.entries[n.ID], copyEntry(e))
	return nil
}

func (m *MemoryStore) SetArchived(_ context.Context, id string, side Sender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.negotiations[id]
	if !ok {
		return ErrNotFound
	}
	switch side {
	case SenderInitiator:
		n.InitiatorArchived = true
	case SenderCounterparty:
		n.CounterpartyArchived = true
	default:
		return ErrUnauthorized
	}
	return nil
}

func (m *MemoryStore) ListForParty(_ context.Context, partyID string, role Role, after *pagination.Cursor, limit int) ([]*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Negotiation
	for _, n := range m.negotiations {
		asInitiator := n.InitiatorID == partyID && !n.InitiatorArchived
		asCounterparty := n.CounterpartyID == partyID && !n.CounterpartyArchived
		switch role {
		case RoleInitiator:
			if !asInitiator {
				continue
			}
		case RoleCounterparty:
			if !asCounterparty {
				continue
			}
		default:
			if !asInitiator && !asCounterparty {
				continue
			}
		}
		if !after.After(n.CreatedAt, n.ID) {
			continue
		}
		cp := *n
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListIdle(_ context.Context, idleSince time.Time, limit int) ([]*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Negotiation
	for _, n := range m.negotiations {
		if n.IsTerminal() || !n.UpdatedAt.Before(idleSince) {
			continue
		}
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	if e.Amount != nil {
		a := *e.Amount
		cp.Amount = &a
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
