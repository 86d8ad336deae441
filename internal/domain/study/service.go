package study

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/domain/visit"
	"github.com/ehr/trialvisits/internal/platform/clock"
)

type Service struct {
	studies  StudyRepository
	surveys  SurveyRepository
	expander *visit.Expander
	known    func(examination.ExamID) bool
	tx       visit.Transactor
	clock    clock.Clock
	logger   zerolog.Logger
}

type Option func(*Service)

// WithTransactor makes a survey and its visits commit together.
func WithTransactor(tx visit.Transactor) Option { return func(s *Service) { s.tx = tx } }

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService builds the study service. known rejects template examinations
// that no examination store serves.
func NewService(studies StudyRepository, surveys SurveyRepository, expander *visit.Expander, known func(examination.ExamID) bool, opts ...Option) *Service {
	s := &Service{
		studies:  studies,
		surveys:  surveys,
		expander: expander,
		known:    known,
		tx:       visit.NoTx,
		clock:    clock.System{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Study --

func (s *Service) CreateStudy(ctx context.Context, st *Study) error {
	st.ProtocolNumber = strings.TrimSpace(st.ProtocolNumber)
	st.Title = strings.TrimSpace(st.Title)
	if st.ProtocolNumber == "" {
		return fmt.Errorf("protocol_number is required")
	}
	if st.Title == "" {
		return fmt.Errorf("title is required")
	}
	if st.Status == "" {
		st.Status = StatusDraft
	}
	if st.Status != StatusDraft {
		return fmt.Errorf("%w: a study is created as draft", ErrInvalidStatus)
	}
	if len(st.VisitTemplate) > 0 {
		if err := visit.ValidateTemplate(st.VisitTemplate, s.known); err != nil {
			return err
		}
	}
	return s.studies.Create(ctx, st)
}

func (s *Service) GetStudy(ctx context.Context, id uuid.UUID) (*Study, error) {
	return s.studies.GetByID(ctx, id)
}

func (s *Service) ListStudies(ctx context.Context, status Status, limit, offset int) ([]*Study, int, error) {
	return s.studies.List(ctx, status, limit, offset)
}

// UpdateTemplate replaces the visit template of a draft study.
func (s *Service) UpdateTemplate(ctx context.Context, id uuid.UUID, template []visit.TemplateEntry) (*Study, error) {
	st, err := s.studies.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusDraft {
		return nil, ErrTemplateFrozen
	}
	if err := visit.ValidateTemplate(template, s.known); err != nil {
		return nil, err
	}
	st.VisitTemplate = template
	if err := s.studies.Update(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ActivateStudy re-validates the template and opens the study for
// enrollment. The template is frozen from here on.
func (s *Service) ActivateStudy(ctx context.Context, id uuid.UUID) (*Study, error) {
	st, err := s.studies.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusDraft {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, st.Status, StatusActive)
	}
	if err := visit.ValidateTemplate(st.VisitTemplate, s.known); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	st.Status = StatusActive
	st.ActivatedAt = &now
	if err := s.studies.Update(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info().Str("study_id", id.String()).Int("visits", len(st.VisitTemplate)).Msg("study activated")
	return st, nil
}

func (s *Service) CloseStudy(ctx context.Context, id uuid.UUID) (*Study, error) {
	st, err := s.studies.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, st.Status, StatusClosed)
	}
	st.Status = StatusClosed
	if err := s.studies.Update(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// -- Survey --

// EnrollInput enrolls one patient. OrganizationID defaults to the study's.
type EnrollInput struct {
	PatientID      uuid.UUID `json:"patient_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	BaselineDate   time.Time `json:"baseline_date"`
	EnrolledBy     string    `json:"enrolled_by"`
}

// EnrollPatient creates the survey and expands its visits in one
// transaction.
func (s *Service) EnrollPatient(ctx context.Context, studyID uuid.UUID, in EnrollInput) (*Survey, []visit.Visit, error) {
	if in.PatientID == uuid.Nil {
		return nil, nil, fmt.Errorf("patient_id is required")
	}
	if in.BaselineDate.IsZero() {
		return nil, nil, fmt.Errorf("baseline_date is required")
	}
	st, err := s.studies.GetByID(ctx, studyID)
	if err != nil {
		return nil, nil, err
	}
	if st.Status != StatusActive {
		return nil, nil, ErrStudyNotActive
	}

	baseline := clock.Day(in.BaselineDate)
	sv := &Survey{
		StudyID:                studyID,
		PatientID:              in.PatientID,
		OrganizationID:         in.OrganizationID,
		BaselineDate:           baseline,
		ExpectedCompletionDate: visit.ExpectedCompletionDate(baseline, st.VisitTemplate),
		Status:                 SurveyActive,
		EnrolledBy:             in.EnrolledBy,
	}
	if sv.OrganizationID == uuid.Nil {
		sv.OrganizationID = st.OrganizationID
	}

	var visits []visit.Visit
	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.surveys.Create(ctx, sv); err != nil {
			return err
		}
		expanded, err := s.expander.Expand(ctx, st.VisitTemplate, sv.Ref())
		visits = expanded
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().
		Str("study_id", studyID.String()).
		Str("survey_id", sv.ID.String()).
		Int("visits", len(visits)).
		Msg("patient enrolled")
	return sv, visits, nil
}

func (s *Service) GetSurvey(ctx context.Context, id uuid.UUID) (*Survey, error) {
	return s.surveys.GetByID(ctx, id)
}

func (s *Service) ListSurveys(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Survey, int, error) {
	return s.surveys.ListByStudy(ctx, studyID, limit, offset)
}

func (s *Service) ListPatientSurveys(ctx context.Context, patientID uuid.UUID) ([]*Survey, error) {
	return s.surveys.ListByPatient(ctx, patientID)
}

// WithdrawSurvey ends an active survey early. Its visits remain as history.
func (s *Service) WithdrawSurvey(ctx context.Context, id uuid.UUID, reason string) (*Survey, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}
	return s.endSurvey(ctx, id, SurveyWithdrawn, &reason)
}

func (s *Service) CompleteSurvey(ctx context.Context, id uuid.UUID) (*Survey, error) {
	return s.endSurvey(ctx, id, SurveyCompleted, nil)
}

func (s *Service) endSurvey(ctx context.Context, id uuid.UUID, to SurveyStatus, reason *string) (*Survey, error) {
	sv, err := s.surveys.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sv.Status != SurveyActive {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, sv.Status, to)
	}
	sv.Status = to
	sv.StatusReason = reason
	if err := s.surveys.Update(ctx, sv); err != nil {
		return nil, err
	}
	return sv, nil
}
