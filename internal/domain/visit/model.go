// Package visit turns a study's visit template into dated patient visits and
// owns their lifecycle: protocol windows, status transitions, examination
// progress and protocol deviations.
package visit

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/trialvisits/internal/domain/examination"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusMissed      Status = "missed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

// Open reports whether examination data may still be recorded.
func (s Status) Open() bool {
	return s == StatusScheduled || s == StatusInProgress
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusMissed, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

// TemplateEntry is one visit of a study protocol. It is immutable once the
// owning study is active.
type TemplateEntry struct {
	VisitNumber               int                  `json:"visit_number"`
	VisitName                 string               `json:"visit_name"`
	VisitType                 string               `json:"visit_type,omitempty"`
	ScheduledDaysFromBaseline int                  `json:"scheduled_days_from_baseline"`
	WindowDaysBefore          int                  `json:"window_days_before"`
	WindowDaysAfter           int                  `json:"window_days_after"`
	RequiredExaminations      []examination.ExamID `json:"required_examinations"`
	OptionalExaminations      []examination.ExamID `json:"optional_examinations"`
	ExaminationOrder          []examination.ExamID `json:"examination_order"`
}

// Visit is one scheduled patient encounter of a survey.
type Visit struct {
	ID                    uuid.UUID            `db:"id" json:"id"`
	SurveyID              uuid.UUID            `db:"survey_id" json:"survey_id"`
	PatientID             uuid.UUID            `db:"patient_id" json:"patient_id"`
	StudyID               uuid.UUID            `db:"study_id" json:"study_id"`
	OrganizationID        uuid.UUID            `db:"organization_id" json:"organization_id"`
	VisitNumber           int                  `db:"visit_number" json:"visit_number"`
	VisitName             string               `db:"visit_name" json:"visit_name"`
	VisitType             string               `db:"visit_type" json:"visit_type,omitempty"`
	ScheduledDate         time.Time            `db:"scheduled_date" json:"scheduled_date"`
	WindowStartDate       time.Time            `db:"window_start_date" json:"window_start_date"`
	WindowEndDate         time.Time            `db:"window_end_date" json:"window_end_date"`
	ActualDate            *time.Time           `db:"actual_date" json:"actual_date,omitempty"`
	Status                Status               `db:"status" json:"status"`
	StatusReason          string               `db:"status_reason" json:"status_reason,omitempty"`
	ExaminationOrder      []examination.ExamID `db:"examination_order" json:"examination_order"`
	RequiredExaminations  []examination.ExamID `db:"required_examinations" json:"required_examinations"`
	OptionalExaminations  []examination.ExamID `db:"optional_examinations" json:"optional_examinations"`
	CompletedExaminations []examination.ExamID `db:"completed_examinations" json:"completed_examinations"`
	SkippedExaminations   []examination.ExamID `db:"skipped_examinations" json:"skipped_examinations"`
	CompletionPercentage  int                  `db:"completion_percentage" json:"completion_percentage"`
	ProtocolDeviations    []uuid.UUID          `db:"protocol_deviations" json:"protocol_deviations"`
	ConductedBy           string               `db:"conducted_by" json:"conducted_by,omitempty"`
	Version               int64                `db:"version" json:"version"`
	CreatedAt             time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time            `db:"updated_at" json:"updated_at"`
}

// Window returns the visit's protocol window.
func (v *Visit) Window() Window {
	return Window{Scheduled: v.ScheduledDate, Start: v.WindowStartDate, End: v.WindowEndDate}
}

// Includes reports whether exam is part of this visit's protocol.
func (v *Visit) Includes(exam examination.ExamID) bool {
	return contains(v.RequiredExaminations, exam) || contains(v.OptionalExaminations, exam)
}

func (v *Visit) clone() *Visit {
	cp := *v
	cp.ExaminationOrder = append([]examination.ExamID(nil), v.ExaminationOrder...)
	cp.RequiredExaminations = append([]examination.ExamID(nil), v.RequiredExaminations...)
	cp.OptionalExaminations = append([]examination.ExamID(nil), v.OptionalExaminations...)
	cp.CompletedExaminations = append([]examination.ExamID(nil), v.CompletedExaminations...)
	cp.SkippedExaminations = append([]examination.ExamID(nil), v.SkippedExaminations...)
	cp.ProtocolDeviations = append([]uuid.UUID(nil), v.ProtocolDeviations...)
	if v.ActualDate != nil {
		d := *v.ActualDate
		cp.ActualDate = &d
	}
	return &cp
}

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

type DeviationKind string

const (
	KindMissedWindow         DeviationKind = "missed_window"
	KindOutOfWindowConducted DeviationKind = "out_of_window_conducted"
	KindIncompleteRequired   DeviationKind = "incomplete_required_examination"
)

// Severity is fixed per kind.
func (k DeviationKind) Severity() Severity {
	switch k {
	case KindMissedWindow:
		return SeverityMajor
	case KindOutOfWindowConducted:
		return SeverityMinor
	default:
		return SeverityCritical
	}
}

// ProtocolDeviation is an append-only record of a timing or completeness
// departure. At most one exists per (visit, kind).
type ProtocolDeviation struct {
	ID          uuid.UUID     `db:"id" json:"id"`
	VisitID     uuid.UUID     `db:"visit_id" json:"visit_id"`
	SurveyID    uuid.UUID     `db:"survey_id" json:"survey_id"`
	Severity    Severity      `db:"severity" json:"severity"`
	Kind        DeviationKind `db:"kind" json:"kind"`
	DetectedAt  time.Time     `db:"detected_at" json:"detected_at"`
	Description string        `db:"description" json:"description"`
}

// DeviationID derives the deviation id from (visit, kind) so the same
// deviation always gets the same id.
func DeviationID(visitID uuid.UUID, kind DeviationKind) uuid.UUID {
	return uuid.NewSHA1(visitID, []byte(kind))
}

// SurveyRef is the part of a survey the expander needs.
type SurveyRef struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	StudyID        uuid.UUID
	OrganizationID uuid.UUID
	BaselineDate   time.Time
}

func contains[T comparable](s []T, v T) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
