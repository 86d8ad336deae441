package examination

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Spec describes an examination type before it is bound to a store.
type Spec struct {
	ID        ExamID
	Name      string
	SingleEye bool
}

// The examination types collected at contact lens trial visits.
const (
	BasicInfo            ExamID = "basic_info"
	SymptomQuestionnaire ExamID = "symptom_questionnaire"
	VAS                  ExamID = "vas"
	LensInspection       ExamID = "lens_inspection"
	VisualAcuity         ExamID = "visual_acuity"
	SlitLamp             ExamID = "slit_lamp"
	CornealStaining      ExamID = "corneal_staining"
	LensFitting          ExamID = "lens_fitting"
)

// DefaultCatalogue lists the built-in examination types.
func DefaultCatalogue() []Spec {
	return []Spec{
		{ID: BasicInfo, Name: "Basic information", SingleEye: true},
		{ID: SymptomQuestionnaire, Name: "Symptom questionnaire", SingleEye: true},
		{ID: VAS, Name: "Visual analogue scale"},
		{ID: LensInspection, Name: "Lens inspection"},
		{ID: VisualAcuity, Name: "Visual acuity"},
		{ID: SlitLamp, Name: "Slit lamp examination"},
		{ID: CornealStaining, Name: "Corneal staining"},
		{ID: LensFitting, Name: "Lens fitting"},
	}
}

// NewPGRegistry binds every catalogue entry to its own Postgres table.
func NewPGRegistry(pool *pgxpool.Pool, specs []Spec) (*Registry, error) {
	defs := make([]Definition, 0, len(specs))
	for _, s := range specs {
		store, err := NewPGStore(pool, s.ID)
		if err != nil {
			return nil, err
		}
		defs = append(defs, Definition{ID: s.ID, Name: s.Name, SingleEye: s.SingleEye, Store: store})
	}
	return NewRegistry(defs...)
}

// NewMemoryRegistry binds every catalogue entry to an in-memory store.
func NewMemoryRegistry(specs []Spec) (*Registry, error) {
	defs := make([]Definition, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, Definition{ID: s.ID, Name: s.Name, SingleEye: s.SingleEye, Store: NewMemoryStore(s.ID)})
	}
	return NewRegistry(defs...)
}
