package examination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps one examination type's records in process. Data is
// cloned on the way in and out so callers never share maps with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	exam    ExamID
	records map[uuid.UUID]map[EyeSide]Record
	now     func() time.Time
}

func NewMemoryStore(exam ExamID) *MemoryStore {
	return &MemoryStore{
		exam:    exam,
		records: make(map[uuid.UUID]map[EyeSide]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) SaveBothEyes(_ context.Context, visitID uuid.UUID, right, left EyeData) (BothEyes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sides, ok := m.records[visitID]
	if !ok {
		sides = make(map[EyeSide]Record, 2)
		m.records[visitID] = sides
	}
	out := BothEyes{VisitID: visitID, ExamID: m.exam}
	now := m.now()
	for _, s := range []struct {
		eye  EyeSide
		data EyeData
		dst  **Record
	}{{Right, right, &out.Right}, {Left, left, &out.Left}} {
		if s.data.Empty() {
			continue
		}
		rec, exists := sides[s.eye]
		if !exists {
			rec = Record{ID: uuid.New(), VisitID: visitID, ExamID: m.exam, EyeSide: s.eye, CreatedAt: now}
		}
		rec.Data = s.data.Clone()
		rec.UpdatedAt = now
		sides[s.eye] = rec
		cp := rec
		cp.Data = rec.Data.Clone()
		*s.dst = &cp
	}
	return out, nil
}

func (m *MemoryStore) GetBothEyes(_ context.Context, visitID uuid.UUID) (BothEyes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(visitID), nil
}

func (m *MemoryStore) get(visitID uuid.UUID) BothEyes {
	out := BothEyes{VisitID: visitID, ExamID: m.exam}
	for side, rec := range m.records[visitID] {
		cp := rec
		cp.Data = rec.Data.Clone()
		if side == Right {
			out.Right = &cp
		} else {
			out.Left = &cp
		}
	}
	return out
}

func (m *MemoryStore) CompareAcrossVisits(_ context.Context, visitIDs []uuid.UUID) ([]BothEyes, error) {
	if len(visitIDs) == 0 {
		return nil, errors.New("at least one visit is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BothEyes, 0, len(visitIDs))
	for _, id := range visitIDs {
		out = append(out, m.get(id))
	}
	return out, nil
}
