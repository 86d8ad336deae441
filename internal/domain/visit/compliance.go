package visit

import (
	"fmt"
	"time"

	"github.com/ehr/trialvisits/internal/platform/clock"
)

var transitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusMissed, StatusCancelled, StatusRescheduled},
	StatusInProgress: {StatusCompleted, StatusMissed, StatusCancelled, StatusRescheduled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	return contains(transitions[from], to)
}

// transition moves v to status or fails with ErrInvalidTransition.
// Completion additionally requires every required examination.
func transition(v *Visit, to Status) error {
	if v.Status == to {
		return nil
	}
	if !CanTransition(v.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, v.Status, to)
	}
	if to == StatusCompleted {
		if missing := missingRequired(v); len(missing) > 0 {
			return fmt.Errorf("%w: required examinations outstanding: %v", ErrInvalidTransition, missing)
		}
	}
	v.Status = to
	return nil
}

// Evaluation is the outcome of classifying one visit at one instant.
type Evaluation struct {
	Visit         Visit
	Changed       bool
	NewDeviations []ProtocolDeviation
}

// Evaluate classifies v at now against the deviations already recorded for
// it. It is pure: the same inputs give the same result, and a deviation
// whose (visit, kind) is already recorded is never produced again.
func Evaluate(v Visit, now time.Time, recorded []ProtocolDeviation) Evaluation {
	out := v.clone()
	ev := Evaluation{}
	today := clock.Day(now)
	w := v.Window()

	have := make(map[DeviationKind]bool, len(recorded))
	for _, d := range recorded {
		have[d.Kind] = true
		if !contains(out.ProtocolDeviations, d.ID) {
			out.ProtocolDeviations = append(out.ProtocolDeviations, d.ID)
			ev.Changed = true
		}
	}
	raise := func(kind DeviationKind, description string) {
		if have[kind] {
			return
		}
		have[kind] = true
		d := ProtocolDeviation{
			ID:          DeviationID(v.ID, kind),
			VisitID:     v.ID,
			SurveyID:    v.SurveyID,
			Severity:    kind.Severity(),
			Kind:        kind,
			DetectedAt:  now,
			Description: description,
		}
		ev.NewDeviations = append(ev.NewDeviations, d)
		if !contains(out.ProtocolDeviations, d.ID) {
			out.ProtocolDeviations = append(out.ProtocolDeviations, d.ID)
		}
		ev.Changed = true
	}

	if out.Status.Open() && w.Closed(today) {
		out.Status = StatusMissed
		out.StatusReason = "protocol window closed"
		ev.Changed = true
	}
	if out.Status == StatusMissed {
		raise(KindMissedWindow, fmt.Sprintf("visit %d (%s) not conducted by window end %s",
			v.VisitNumber, v.VisitName, w.End.Format(time.DateOnly)))
	}
	if out.ActualDate != nil && !w.Contains(*out.ActualDate) {
		raise(KindOutOfWindowConducted, fmt.Sprintf("visit %d conducted on %s outside window %s..%s",
			v.VisitNumber, out.ActualDate.Format(time.DateOnly), w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly)))
	}
	if out.Status == StatusCompleted {
		if missing := missingRequired(out); len(missing) > 0 {
			raise(KindIncompleteRequired, fmt.Sprintf("visit %d completed without required examinations %v",
				v.VisitNumber, missing))
		}
	}

	ev.Visit = *out
	return ev
}

func missingRequired(v *Visit) []string {
	var missing []string
	for _, id := range v.RequiredExaminations {
		if !contains(v.CompletedExaminations, id) {
			missing = append(missing, string(id))
		}
	}
	return missing
}
