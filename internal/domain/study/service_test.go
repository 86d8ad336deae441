package study

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/domain/visit"
	"github.com/ehr/trialvisits/internal/platform/clock"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func templateEntry(n, days int) visit.TemplateEntry {
	return visit.TemplateEntry{
		VisitNumber:               n,
		VisitName:                 "Visit",
		ScheduledDaysFromBaseline: days,
		WindowDaysBefore:          2,
		WindowDaysAfter:           3,
		RequiredExaminations:      []examination.ExamID{"basic_info", "vas"},
		OptionalExaminations:      []examination.ExamID{"slit_lamp"},
		ExaminationOrder:          []examination.ExamID{"basic_info", "vas", "slit_lamp"},
	}
}

func known(id examination.ExamID) bool {
	switch id {
	case "basic_info", "vas", "slit_lamp":
		return true
	}
	return false
}

type fixture struct {
	svc     *Service
	studies *MemoryStudies
	surveys *MemorySurveys
	visits  *visit.MemoryRepository
}

func newFixture() *fixture {
	f := &fixture{
		studies: NewMemoryStudies(),
		surveys: NewMemorySurveys(),
		visits:  visit.NewMemoryRepository(),
	}
	f.svc = NewService(f.studies, f.surveys, visit.NewExpander(f.visits), known,
		WithClock(clock.NewFixed(day(2024, 1, 1))))
	return f
}

func (f *fixture) activeStudy(t *testing.T) *Study {
	t.Helper()
	ctx := context.Background()
	st := &Study{
		OrganizationID: uuid.New(),
		ProtocolNumber: "OPH-001",
		Title:          "Dry eye follow-up",
		VisitTemplate:  []visit.TemplateEntry{templateEntry(1, 0), templateEntry(2, 28), templateEntry(3, 84)},
	}
	if err := f.svc.CreateStudy(ctx, st); err != nil {
		t.Fatalf("create study: %v", err)
	}
	st, err := f.svc.ActivateStudy(ctx, st.ID)
	if err != nil {
		t.Fatalf("activate study: %v", err)
	}
	return st
}

func TestCreateStudy_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.svc.CreateStudy(ctx, &Study{Title: "x"}); err == nil {
		t.Error("expected error for missing protocol number")
	}
	if err := f.svc.CreateStudy(ctx, &Study{ProtocolNumber: "P", Title: "x", Status: StatusActive}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}

	bad := templateEntry(1, 0)
	bad.ExaminationOrder = []examination.ExamID{"basic_info", "vas", "slit_lamp", "unknown"}
	err := f.svc.CreateStudy(ctx, &Study{ProtocolNumber: "P", Title: "x", VisitTemplate: []visit.TemplateEntry{bad}})
	var te *visit.InvalidTemplateError
	if !errors.As(err, &te) {
		t.Errorf("expected InvalidTemplateError, got %v", err)
	}

	st := &Study{ProtocolNumber: " P-2 ", Title: "ok"}
	if err := f.svc.CreateStudy(ctx, st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != StatusDraft || st.ProtocolNumber != "P-2" {
		t.Errorf("unexpected study %+v", st)
	}
}

func TestActivateStudy_RequiresValidTemplate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := &Study{ProtocolNumber: "P", Title: "empty"}
	if err := f.svc.CreateStudy(ctx, st); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ActivateStudy(ctx, st.ID); err == nil {
		t.Fatal("expected activation of an empty template to fail")
	}

	if _, err := f.svc.UpdateTemplate(ctx, st.ID, []visit.TemplateEntry{templateEntry(1, 0)}); err != nil {
		t.Fatalf("update template: %v", err)
	}
	got, err := f.svc.ActivateStudy(ctx, st.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got.Status != StatusActive || got.ActivatedAt == nil {
		t.Errorf("unexpected study %+v", got)
	}
}

func TestUpdateTemplate_FrozenAfterActivation(t *testing.T) {
	f := newFixture()
	st := f.activeStudy(t)
	_, err := f.svc.UpdateTemplate(context.Background(), st.ID, []visit.TemplateEntry{templateEntry(1, 0)})
	if !errors.Is(err, ErrTemplateFrozen) {
		t.Errorf("expected ErrTemplateFrozen, got %v", err)
	}
}

func TestCloseStudy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.activeStudy(t)
	if _, err := f.svc.CloseStudy(ctx, st.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.svc.CloseStudy(ctx, st.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus on second close, got %v", err)
	}
	_, _, err := f.svc.EnrollPatient(ctx, st.ID, EnrollInput{PatientID: uuid.New(), BaselineDate: day(2024, 1, 10)})
	if !errors.Is(err, ErrStudyNotActive) {
		t.Errorf("expected ErrStudyNotActive, got %v", err)
	}
}

func TestEnrollPatient_ExpandsVisits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.activeStudy(t)

	baseline := time.Date(2024, 1, 10, 15, 30, 0, 0, time.UTC)
	sv, visits, err := f.svc.EnrollPatient(ctx, st.ID, EnrollInput{
		PatientID:    uuid.New(),
		BaselineDate: baseline,
		EnrolledBy:   "coordinator-1",
	})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if !sv.BaselineDate.Equal(day(2024, 1, 10)) {
		t.Errorf("baseline not truncated: %v", sv.BaselineDate)
	}
	if want := day(2024, 4, 6); !sv.ExpectedCompletionDate.Equal(want) {
		t.Errorf("expected completion %v, got %v", want, sv.ExpectedCompletionDate)
	}
	if sv.OrganizationID != st.OrganizationID {
		t.Error("expected organization to default to the study's")
	}
	if len(visits) != 3 {
		t.Fatalf("expected 3 visits, got %d", len(visits))
	}
	if !visits[1].ScheduledDate.Equal(day(2024, 2, 7)) {
		t.Errorf("unexpected visit 2 date %v", visits[1].ScheduledDate)
	}

	stored, err := f.visits.ListBySurvey(ctx, sv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Errorf("expected 3 stored visits, got %d", len(stored))
	}
}

func TestEnrollPatient_RejectsDuplicate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.activeStudy(t)
	in := EnrollInput{PatientID: uuid.New(), BaselineDate: day(2024, 1, 10)}
	if _, _, err := f.svc.EnrollPatient(ctx, st.ID, in); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.svc.EnrollPatient(ctx, st.ID, in); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Errorf("expected ErrAlreadyEnrolled, got %v", err)
	}
}

func TestEnrollPatient_RequiresBaseline(t *testing.T) {
	f := newFixture()
	st := f.activeStudy(t)
	if _, _, err := f.svc.EnrollPatient(context.Background(), st.ID, EnrollInput{PatientID: uuid.New()}); err == nil {
		t.Error("expected error for missing baseline date")
	}
}

func TestWithdrawSurvey(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.activeStudy(t)
	sv, _, err := f.svc.EnrollPatient(ctx, st.ID, EnrollInput{PatientID: uuid.New(), BaselineDate: day(2024, 1, 10)})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.WithdrawSurvey(ctx, sv.ID, "  "); err == nil {
		t.Error("expected error for blank reason")
	}
	got, err := f.svc.WithdrawSurvey(ctx, sv.ID, "moved away")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Status != SurveyWithdrawn || got.StatusReason == nil || *got.StatusReason != "moved away" {
		t.Errorf("unexpected survey %+v", got)
	}
	if _, err := f.svc.CompleteSurvey(ctx, sv.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestListSurveys_Paginates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	st := f.activeStudy(t)
	patient := uuid.New()
	for i := 0; i < 3; i++ {
		p := uuid.New()
		if i == 0 {
			p = patient
		}
		if _, _, err := f.svc.EnrollPatient(ctx, st.ID, EnrollInput{PatientID: p, BaselineDate: day(2024, 1, 10+i)}); err != nil {
			t.Fatal(err)
		}
	}

	items, total, err := f.svc.ListSurveys(ctx, st.ID, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(items), total)
	}

	mine, err := f.svc.ListPatientSurveys(ctx, patient)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 {
		t.Errorf("expected 1 survey for patient, got %d", len(mine))
	}
}
