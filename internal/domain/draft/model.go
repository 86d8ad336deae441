// Package draft keeps the in-progress, multi-step examination form of a visit
// and turns it into persisted examination records on submission.
package draft

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/trialvisits/internal/domain/examination"
)

var ErrDraftNotFound = errors.New("draft not found")

// EyeForm is the working data of one examination, per eye.
type EyeForm struct {
	Right examination.EyeData `json:"right,omitempty"`
	Left  examination.EyeData `json:"left,omitempty"`
}

func (f EyeForm) Empty() bool { return f.Right.Empty() && f.Left.Empty() }

func (f EyeForm) clone() EyeForm {
	return EyeForm{Right: f.Right.Clone(), Left: f.Left.Clone()}
}

// FormData is keyed by examination.
type FormData map[examination.ExamID]EyeForm

func (f FormData) clone() FormData {
	if f == nil {
		return FormData{}
	}
	out := make(FormData, len(f))
	for id, form := range f {
		out[id] = form.clone()
	}
	return out
}

// Draft is the single live working copy of a visit's examination data.
type Draft struct {
	VisitID          uuid.UUID            `json:"visit_id"`
	FormData         FormData             `json:"form_data"`
	CurrentStep      int                  `json:"current_step"`
	TotalSteps       int                  `json:"total_steps"`
	CompletedSteps   []string             `json:"completed_steps"`
	ExaminationOrder []examination.ExamID `json:"examination_order"`
	Version          int64                `json:"version"`
	LastSavedAt      time.Time            `json:"last_saved_at"`
	AutoSaved        bool                 `json:"auto_saved"`
}

// Validate checks the step bounds and that form data only covers
// examinations in the order.
func (d *Draft) Validate() error {
	if len(d.ExaminationOrder) == 0 {
		return fmt.Errorf("examination_order is required")
	}
	if d.TotalSteps != len(d.ExaminationOrder) {
		return fmt.Errorf("total_steps must equal the number of examinations (%d)", len(d.ExaminationOrder))
	}
	if d.CurrentStep < 0 || d.CurrentStep >= d.TotalSteps {
		return fmt.Errorf("current_step must be in [0, %d)", d.TotalSteps)
	}
	inOrder := make(map[examination.ExamID]bool, len(d.ExaminationOrder))
	for _, id := range d.ExaminationOrder {
		inOrder[id] = true
	}
	for id := range d.FormData {
		if !inOrder[id] {
			return fmt.Errorf("form_data contains %s which is not in examination_order", id)
		}
	}
	for _, s := range d.CompletedSteps {
		if s == "" {
			return fmt.Errorf("completed_steps must not contain empty entries")
		}
	}
	return nil
}

func (d *Draft) clone() *Draft {
	cp := *d
	cp.FormData = d.FormData.clone()
	cp.CompletedSteps = append([]string{}, d.CompletedSteps...)
	cp.ExaminationOrder = append([]examination.ExamID(nil), d.ExaminationOrder...)
	return &cp
}

// Patch is a partial autosave update. Form data merges per eye side: a
// present side replaces the stored side, an absent one leaves it alone.
type Patch struct {
	FormData       FormData `json:"form_data"`
	CurrentStep    *int     `json:"current_step,omitempty"`
	CompletedSteps []string `json:"completed_steps,omitempty"`
}

func (p Patch) applyTo(d *Draft) {
	if d.FormData == nil {
		d.FormData = FormData{}
	}
	for id, form := range p.FormData {
		cur := d.FormData[id]
		if !form.Right.Empty() {
			cur.Right = form.Right.Clone()
		}
		if !form.Left.Empty() {
			cur.Left = form.Left.Clone()
		}
		d.FormData[id] = cur
	}
	if p.CurrentStep != nil {
		d.CurrentStep = *p.CurrentStep
	}
	for _, s := range p.CompletedSteps {
		if !containsStr(d.CompletedSteps, s) {
			d.CompletedSteps = append(d.CompletedSteps, s)
		}
	}
}

// Outcome tags an autosave result.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeConflict Outcome = "conflict"
	OutcomeNotFound Outcome = "not_found"
)

// AutoSaveResult never carries an error for a stale version: a conflict is
// an outcome the caller reconciles.
type AutoSaveResult struct {
	Outcome  Outcome `json:"outcome"`
	Success  bool    `json:"success"`
	Conflict bool    `json:"conflict"`
	Version  int64   `json:"version,omitempty"`
	// Draft is the stored draft: the new one when applied, the current one
	// on conflict.
	Draft *Draft `json:"latest_draft,omitempty"`
}

// SubmitRequest is the final form of a visit.
type SubmitRequest struct {
	FormData              FormData             `json:"form_data"`
	CompletedExaminations []examination.ExamID `json:"completed_examinations"`
	SkippedExaminations   []examination.ExamID `json:"skipped_examinations"`
	ConductedBy           string               `json:"conducted_by"`
	ActualDate            *time.Time           `json:"actual_date,omitempty"`
}

func containsStr(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
