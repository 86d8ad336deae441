package visit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository used by tests and the memory
// deployment mode.
type MemoryRepository struct {
	mu     sync.RWMutex
	visits map[uuid.UUID]*Visit
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{visits: make(map[uuid.UUID]*Visit)}
}

func (r *MemoryRepository) CreateBatch(_ context.Context, visits []Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	numbers := make(map[uuid.UUID]map[int]bool)
	for _, v := range r.visits {
		if numbers[v.SurveyID] == nil {
			numbers[v.SurveyID] = make(map[int]bool)
		}
		numbers[v.SurveyID][v.VisitNumber] = true
	}
	for _, v := range visits {
		if _, ok := r.visits[v.ID]; ok || numbers[v.SurveyID][v.VisitNumber] {
			return fmt.Errorf("visit %d of survey %s already exists", v.VisitNumber, v.SurveyID)
		}
	}
	now := time.Now().UTC()
	for i := range visits {
		visits[i].Version = 1
		visits[i].CreatedAt, visits[i].UpdatedAt = now, now
		r.visits[visits[i].ID] = visits[i].clone()
	}
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.visits[id]
	if !ok {
		return nil, ErrVisitNotFound
	}
	return v.clone(), nil
}

func (r *MemoryRepository) ListBySurvey(_ context.Context, surveyID uuid.UUID) ([]Visit, error) {
	return r.filter(func(v *Visit) bool { return v.SurveyID == surveyID }, 0, func(a, b *Visit) bool {
		return a.VisitNumber < b.VisitNumber
	}), nil
}

func (r *MemoryRepository) ListOpenEndedBefore(_ context.Context, day time.Time, limit int) ([]Visit, error) {
	return r.filter(func(v *Visit) bool {
		return v.Status.Open() && v.WindowEndDate.Before(day)
	}, limit, func(a, b *Visit) bool {
		if !a.WindowEndDate.Equal(b.WindowEndDate) {
			return a.WindowEndDate.Before(b.WindowEndDate)
		}
		return a.ID.String() < b.ID.String()
	}), nil
}

func (r *MemoryRepository) filter(keep func(*Visit) bool, limit int, less func(a, b *Visit) bool) []Visit {
	r.mu.RLock()
	var matched []*Visit
	for _, v := range r.visits {
		if keep(v) {
			matched = append(matched, v.clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Visit, len(matched))
	for i, v := range matched {
		out[i] = *v
	}
	return out
}

func (r *MemoryRepository) Update(_ context.Context, v *Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.visits[v.ID]
	if !ok {
		return ErrVisitNotFound
	}
	if cur.Version != v.Version {
		return ErrVersionConflict
	}
	v.Version++
	v.UpdatedAt = time.Now().UTC()
	r.visits[v.ID] = v.clone()
	return nil
}

// MemoryDeviations is an in-process DeviationRepository.
type MemoryDeviations struct {
	mu    sync.RWMutex
	items []ProtocolDeviation
}

func NewMemoryDeviations() *MemoryDeviations {
	return &MemoryDeviations{}
}

func (r *MemoryDeviations) Append(_ context.Context, d ProtocolDeviation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.items {
		if x.VisitID == d.VisitID && x.Kind == d.Kind {
			return false, nil
		}
	}
	r.items = append(r.items, d)
	return true, nil
}

func (r *MemoryDeviations) ListByVisit(_ context.Context, visitID uuid.UUID) ([]ProtocolDeviation, error) {
	return r.list(func(d ProtocolDeviation) bool { return d.VisitID == visitID }), nil
}

func (r *MemoryDeviations) ListBySurvey(_ context.Context, surveyID uuid.UUID) ([]ProtocolDeviation, error) {
	return r.list(func(d ProtocolDeviation) bool { return d.SurveyID == surveyID }), nil
}

func (r *MemoryDeviations) list(keep func(ProtocolDeviation) bool) []ProtocolDeviation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ProtocolDeviation
	for _, d := range r.items {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
