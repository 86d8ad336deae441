package visit

import (
	"sort"
	"time"

	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/platform/clock"
)

// Window is a visit's protocol window in whole calendar days.
type Window struct {
	Scheduled time.Time `json:"scheduled_date"`
	Start     time.Time `json:"window_start_date"`
	End       time.Time `json:"window_end_date"`
}

// Contains reports whether day falls within [Start, End], inclusive.
func (w Window) Contains(day time.Time) bool {
	d := clock.Day(day)
	return !d.Before(w.Start) && !d.After(w.End)
}

// Closed reports whether the window has ended before day.
func (w Window) Closed(day time.Time) bool {
	return clock.Day(day).After(w.End)
}

// ComputeWindow places a template entry relative to a baseline date.
func ComputeWindow(baseline time.Time, e TemplateEntry) (Window, error) {
	switch {
	case e.ScheduledDaysFromBaseline < 0:
		return Window{}, &InvalidTemplateError{VisitNumber: e.VisitNumber, Reason: "scheduled_days_from_baseline must not be negative"}
	case e.WindowDaysBefore < 0:
		return Window{}, &InvalidTemplateError{VisitNumber: e.VisitNumber, Reason: "window_days_before must not be negative"}
	case e.WindowDaysAfter < 0:
		return Window{}, &InvalidTemplateError{VisitNumber: e.VisitNumber, Reason: "window_days_after must not be negative"}
	}
	scheduled := clock.AddDays(baseline, e.ScheduledDaysFromBaseline)
	return Window{
		Scheduled: scheduled,
		Start:     clock.AddDays(scheduled, -e.WindowDaysBefore),
		End:       clock.AddDays(scheduled, e.WindowDaysAfter),
	}, nil
}

// ExpectedCompletionDate is the last day any visit of the template may still
// be conducted.
func ExpectedCompletionDate(baseline time.Time, template []TemplateEntry) time.Time {
	latest := 0
	for _, e := range template {
		if d := e.ScheduledDaysFromBaseline + e.WindowDaysAfter; d > latest {
			latest = d
		}
	}
	return clock.AddDays(baseline, latest)
}

// ValidateTemplate checks the template invariants. known, when non-nil,
// rejects examinations the registry does not serve.
func ValidateTemplate(template []TemplateEntry, known func(examination.ExamID) bool) error {
	if len(template) == 0 {
		return &InvalidTemplateError{Reason: "template has no visits"}
	}
	seen := make(map[int]bool, len(template))
	for _, e := range sortedEntries(template) {
		if seen[e.VisitNumber] {
			return &DuplicateVisitNumberError{VisitNumber: e.VisitNumber}
		}
		seen[e.VisitNumber] = true
		if err := validateEntry(e, known); err != nil {
			return err
		}
	}
	return nil
}

func validateEntry(e TemplateEntry, known func(examination.ExamID) bool) error {
	invalid := func(reason string) error {
		return &InvalidTemplateError{VisitNumber: e.VisitNumber, Reason: reason}
	}
	if e.VisitNumber <= 0 {
		return invalid("visit_number must be positive")
	}
	if len(e.ExaminationOrder) == 0 {
		return invalid("examination_order is empty")
	}
	if len(e.RequiredExaminations)+len(e.OptionalExaminations) == 0 {
		return invalid("no required or optional examinations")
	}
	if _, err := ComputeWindow(time.Time{}, e); err != nil {
		return err
	}

	inOrder := make(map[examination.ExamID]bool, len(e.ExaminationOrder))
	for _, id := range e.ExaminationOrder {
		if inOrder[id] {
			return invalid("examination " + string(id) + " appears twice in examination_order")
		}
		inOrder[id] = true
		if known != nil && !known(id) {
			return invalid("unknown examination " + string(id))
		}
	}
	for _, id := range e.RequiredExaminations {
		if !inOrder[id] {
			return invalid("required examination " + string(id) + " missing from examination_order")
		}
		if contains(e.OptionalExaminations, id) {
			return invalid("examination " + string(id) + " is both required and optional")
		}
	}
	for _, id := range e.OptionalExaminations {
		if !inOrder[id] {
			return invalid("optional examination " + string(id) + " missing from examination_order")
		}
	}
	return nil
}

func sortedEntries(template []TemplateEntry) []TemplateEntry {
	out := append([]TemplateEntry(nil), template...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].VisitNumber < out[j].VisitNumber })
	return out
}
