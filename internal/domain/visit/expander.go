package visit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/platform/clock"
)

// VisitID derives a visit's id from its survey and visit number. Expanding the
// same survey twice yields the same ids, which the visit table rejects.
func VisitID(surveyID uuid.UUID, visitNumber int) uuid.UUID {
	return uuid.NewSHA1(surveyID, []byte("visit:"+strconv.Itoa(visitNumber)))
}

// Build expands a template into scheduled visits for one survey, in
// ascending visit number order. It does not persist anything.
func Build(template []TemplateEntry, survey SurveyRef) ([]Visit, error) {
	if err := ValidateTemplate(template, nil); err != nil {
		return nil, err
	}
	if survey.ID == uuid.Nil {
		return nil, fmt.Errorf("survey id is required")
	}
	if survey.BaselineDate.IsZero() {
		return nil, fmt.Errorf("baseline date is required")
	}

	baseline := clock.Day(survey.BaselineDate)
	entries := sortedEntries(template)
	visits := make([]Visit, 0, len(entries))
	for _, e := range entries {
		w, err := ComputeWindow(baseline, e)
		if err != nil {
			return nil, err
		}
		visits = append(visits, Visit{
			ID:                    VisitID(survey.ID, e.VisitNumber),
			SurveyID:              survey.ID,
			PatientID:             survey.PatientID,
			StudyID:               survey.StudyID,
			OrganizationID:        survey.OrganizationID,
			VisitNumber:           e.VisitNumber,
			VisitName:             e.VisitName,
			VisitType:             e.VisitType,
			ScheduledDate:         w.Scheduled,
			WindowStartDate:       w.Start,
			WindowEndDate:         w.End,
			Status:                StatusScheduled,
			ExaminationOrder:      append([]examination.ExamID(nil), e.ExaminationOrder...),
			RequiredExaminations:  append([]examination.ExamID{}, e.RequiredExaminations...),
			OptionalExaminations:  append([]examination.ExamID{}, e.OptionalExaminations...),
			CompletedExaminations: []examination.ExamID{},
			SkippedExaminations:   []examination.ExamID{},
			ProtocolDeviations:    []uuid.UUID{},
		})
	}
	return visits, nil
}

// Expander persists expanded visits.
type Expander struct {
	visits Repository
}

func NewExpander(visits Repository) *Expander {
	return &Expander{visits: visits}
}

// Expand builds the survey's visits and stores them all-or-nothing.
func (e *Expander) Expand(ctx context.Context, template []TemplateEntry, survey SurveyRef) ([]Visit, error) {
	visits, err := Build(template, survey)
	if err != nil {
		return nil, err
	}
	if err := e.visits.CreateBatch(ctx, visits); err != nil {
		return nil, storage("create visits", err)
	}
	return visits, nil
}
