package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/dealbroker/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	entries       map[string]*Entry
	byNegotiation map[string]string
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:       make(map[string]*Entry),
		byNegotiation: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.NegotiationID != "" {
		if _, ok := m.byNegotiation[e.NegotiationID]; ok {
			return ErrAlreadyCaptured
		}
		m.byNegotiation[e.NegotiationID] = e.ID
	}
	m.entries[e.ID] = copyEntry(e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (m *MemoryStore) GetByNegotiation(_ context.Context, negotiationID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byNegotiation[negotiationID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(m.entries[id]), nil
}

func (m *MemoryStore) Transition(_ context.Context, e *Entry, audit AuditEntry, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[e.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	next := copyEntry(e)
	next.AuditLog = append(append([]AuditEntry(nil), current.AuditLog...), audit)
	m.entries[e.ID] = next
	return nil
}

func (m *MemoryStore) Logs(_ context.Context, id string) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]AuditEntry(nil), e.AuditLog...), nil
}

func (m *MemoryStore) ListByParty(_ context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if !e.IsParty(partyID) || !after.After(e.CreatedAt, e.ID) {
			continue
		}
		result = append(result, copyEntry(e))
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

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.AuditLog = append([]AuditEntry(nil), e.AuditLog...)
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
