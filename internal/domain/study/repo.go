package study

import (
	"context"

	"github.com/google/uuid"
)

type StudyRepository interface {
	Create(ctx context.Context, s *Study) error
	GetByID(ctx context.Context, id uuid.UUID) (*Study, error)
	Update(ctx context.Context, s *Study) error
	List(ctx context.Context, status Status, limit, offset int) ([]*Study, int, error)
}

type SurveyRepository interface {
	// Create returns ErrAlreadyEnrolled when the patient already has a
	// survey in the study.
	Create(ctx context.Context, s *Survey) error
	GetByID(ctx context.Context, id uuid.UUID) (*Survey, error)
	Update(ctx context.Context, s *Survey) error
	ListByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Survey, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Survey, error)
}
