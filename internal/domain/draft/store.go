package draft

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Store keeps at most one draft per visit and owns its version counter.
type Store interface {
	// Get returns ErrDraftNotFound when the visit has no draft.
	Get(ctx context.Context, visitID uuid.UUID) (*Draft, error)
	// Put writes d unconditionally and sets d.Version to the stored
	// version plus one (1 for a new draft).
	Put(ctx context.Context, d *Draft) error
	// CompareAndSwap writes d only if the stored version equals expected,
	// setting d.Version to expected+1. Otherwise it reports the stored draft,
	// which is nil when there is none.
	CompareAndSwap(ctx context.Context, d *Draft, expected int64) (bool, *Draft, error)
	Delete(ctx context.Context, visitID uuid.UUID) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	drafts map[uuid.UUID]*Draft
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drafts: make(map[uuid.UUID]*Draft)}
}

func (m *MemoryStore) Get(_ context.Context, visitID uuid.UUID) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[visitID]
	if !ok {
		return nil, ErrDraftNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, d *Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next int64 = 1
	if cur, ok := m.drafts[d.VisitID]; ok {
		next = cur.Version + 1
	}
	d.Version = next
	m.drafts[d.VisitID] = d.clone()
	return nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, d *Draft, expected int64) (bool, *Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drafts[d.VisitID]
	if !ok {
		return false, nil, nil
	}
	if cur.Version != expected {
		return false, cur.clone(), nil
	}
	d.Version = expected + 1
	m.drafts[d.VisitID] = d.clone()
	return true, nil, nil
}

func (m *MemoryStore) Delete(_ context.Context, visitID uuid.UUID) error {
	m.mu.Lock()
	delete(m.drafts, visitID)
	m.mu.Unlock()
	return nil
}
