package study

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/trialvisits/internal/domain/visit"
)

// MemoryStudies is an in-process StudyRepository.
type MemoryStudies struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Study
}

func NewMemoryStudies() *MemoryStudies {
	return &MemoryStudies{items: make(map[uuid.UUID]*Study)}
}

func cloneStudy(s *Study) *Study {
	cp := *s
	cp.VisitTemplate = append([]visit.TemplateEntry(nil), s.VisitTemplate...)
	return &cp
}

func (m *MemoryStudies) Create(_ context.Context, s *Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	m.items[s.ID] = cloneStudy(s)
	return nil
}

func (m *MemoryStudies) GetByID(_ context.Context, id uuid.UUID) (*Study, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[id]
	if !ok {
		return nil, ErrStudyNotFound
	}
	return cloneStudy(s), nil
}

func (m *MemoryStudies) Update(_ context.Context, s *Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[s.ID]; !ok {
		return ErrStudyNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	m.items[s.ID] = cloneStudy(s)
	return nil
}

func (m *MemoryStudies) List(_ context.Context, status Status, limit, offset int) ([]*Study, int, error) {
	m.mu.RLock()
	var all []*Study
	for _, s := range m.items {
		if status == "" || s.Status == status {
			all = append(all, cloneStudy(s))
		}
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

// MemorySurveys is an in-process SurveyRepository.
type MemorySurveys struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Survey
}

func NewMemorySurveys() *MemorySurveys {
	return &MemorySurveys{items: make(map[uuid.UUID]*Survey)}
}

func (m *MemorySurveys) Create(_ context.Context, s *Survey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.items {
		if x.StudyID == s.StudyID && x.PatientID == s.PatientID {
			return ErrAlreadyEnrolled
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.items[s.ID] = &cp
	return nil
}

func (m *MemorySurveys) GetByID(_ context.Context, id uuid.UUID) (*Survey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[id]
	if !ok {
		return nil, ErrSurveyNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySurveys) Update(_ context.Context, s *Survey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[s.ID]; !ok {
		return ErrSurveyNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	m.items[s.ID] = &cp
	return nil
}

func (m *MemorySurveys) filter(keep func(*Survey) bool) []*Survey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Survey
	for _, s := range m.items {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemorySurveys) ListByStudy(_ context.Context, studyID uuid.UUID, limit, offset int) ([]*Survey, int, error) {
	all := m.filter(func(s *Survey) bool { return s.StudyID == studyID })
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (m *MemorySurveys) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Survey, error) {
	all := m.filter(func(s *Survey) bool { return s.PatientID == patientID })
	sort.Slice(all, func(i, j int) bool { return all[i].BaselineDate.Before(all[j].BaselineDate) })
	return all, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
