package examination

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Registry maps examination ids to their definitions. It is built once at
// startup and read-only afterwards.
type Registry struct {
	defs  map[ExamID]Definition
	order []ExamID
}

func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[ExamID]Definition, len(defs))}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("examination definition without id")
		}
		if d.Store == nil {
			return nil, fmt.Errorf("examination %s has no store", d.ID)
		}
		if _, dup := r.defs[d.ID]; dup {
			return nil, fmt.Errorf("examination %s registered twice", d.ID)
		}
		r.defs[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// Lookup returns the definition for id or ErrUnknownExamination.
func (r *Registry) Lookup(id ExamID) (Definition, error) {
	d, ok := r.defs[id]
	if !ok {
		return Definition{}, unknown(id)
	}
	return d, nil
}

func (r *Registry) Known(id ExamID) bool {
	_, ok := r.defs[id]
	return ok
}

// IsSingleEye is the bilaterality predicate handed to the progress tracker.
// Unknown examinations are treated as bilateral.
func (r *Registry) IsSingleEye(id ExamID) bool {
	return r.defs[id].SingleEye
}

// Definitions lists every registered examination in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Coverage reads back which eyes have stored data for each of exams.
func (r *Registry) Coverage(ctx context.Context, visitID uuid.UUID, exams []ExamID) (map[ExamID]Sides, error) {
	out := make(map[ExamID]Sides, len(exams))
	for _, id := range exams {
		d, err := r.Lookup(id)
		if err != nil {
			return nil, err
		}
		both, err := d.Store.GetBothEyes(ctx, visitID)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", id, err)
		}
		if s := both.Sides(); s.Any() {
			out[id] = s
		}
	}
	return out, nil
}
