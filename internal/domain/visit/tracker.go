package visit

import (
	"fmt"
	"math"

	"github.com/ehr/trialvisits/internal/domain/examination"
)

// Progress is the recomputed completion state of a visit.
type Progress struct {
	CompletionPercentage  int                  `json:"completion_percentage"`
	CompletedExaminations []examination.ExamID `json:"completed_examinations"`
	RemainingRequired     []examination.ExamID `json:"remaining_required"`
}

// Tracker computes examination progress. Whether an examination needs both
// eyes is supplied per examination type through singleEye.
type Tracker struct {
	singleEye func(examination.ExamID) bool
}

func NewTracker(singleEye func(examination.ExamID) bool) *Tracker {
	if singleEye == nil {
		singleEye = func(examination.ExamID) bool { return false }
	}
	return &Tracker{singleEye: singleEye}
}

// Recorded reduces per-eye coverage to the set of recorded examinations: both
// eyes present, or any eye for a single-eye examination.
func (t *Tracker) Recorded(coverage map[examination.ExamID]examination.Sides) map[examination.ExamID]bool {
	out := make(map[examination.ExamID]bool, len(coverage))
	for id, s := range coverage {
		if s.Both() || (t.singleEye(id) && s.Any()) {
			out[id] = true
		}
	}
	return out
}

// Recompute derives progress from the recorded examinations. Skipped optional
// examinations count toward the percentage but are never completed.
func (t *Tracker) Recompute(v *Visit, recorded map[examination.ExamID]bool) Progress {
	p := Progress{
		CompletedExaminations: []examination.ExamID{},
		RemainingRequired:     []examination.ExamID{},
	}
	counted := 0
	for _, id := range v.ExaminationOrder {
		if !v.Includes(id) {
			continue
		}
		switch {
		case recorded[id]:
			p.CompletedExaminations = append(p.CompletedExaminations, id)
			counted++
		case contains(v.SkippedExaminations, id):
			counted++
		}
	}
	for _, id := range v.RequiredExaminations {
		if !recorded[id] {
			p.RemainingRequired = append(p.RemainingRequired, id)
		}
	}
	if n := len(v.ExaminationOrder); n > 0 {
		p.CompletionPercentage = int(math.Round(100 * float64(counted) / float64(n)))
	}
	if p.CompletionPercentage > 100 {
		p.CompletionPercentage = 100
	}
	return p
}

// Skip marks an optional examination as deliberately not performed.
func (t *Tracker) Skip(v *Visit, exam examination.ExamID) error {
	if contains(v.RequiredExaminations, exam) {
		return &CannotSkipRequiredExaminationError{ExamID: exam}
	}
	if !contains(v.OptionalExaminations, exam) {
		return fmt.Errorf("%w: %s", ErrExaminationNotInVisit, exam)
	}
	if !contains(v.SkippedExaminations, exam) {
		v.SkippedExaminations = append(v.SkippedExaminations, exam)
	}
	return nil
}

// apply writes p onto v.
func (p Progress) apply(v *Visit) {
	v.CompletedExaminations = p.CompletedExaminations
	v.CompletionPercentage = p.CompletionPercentage
}

// recordedFrom treats v's completed examinations as the recorded set.
func recordedFrom(v *Visit) map[examination.ExamID]bool {
	out := make(map[examination.ExamID]bool, len(v.CompletedExaminations))
	for _, id := range v.CompletedExaminations {
		out[id] = true
	}
	return out
}
