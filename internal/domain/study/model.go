// Package study owns clinical studies, their visit templates, and patient
// enrollment into surveys.
package study

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/trialvisits/internal/domain/visit"
)

var (
	ErrStudyNotFound   = errors.New("study not found")
	ErrSurveyNotFound  = errors.New("survey not found")
	ErrTemplateFrozen  = errors.New("visit template cannot change once the study is active")
	ErrStudyNotActive  = errors.New("study is not active")
	ErrAlreadyEnrolled = errors.New("patient is already enrolled in this study")
	ErrInvalidStatus   = errors.New("invalid status change")
)

type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Study is a clinical study and its visit protocol.
type Study struct {
	ID             uuid.UUID             `db:"id" json:"id"`
	OrganizationID uuid.UUID             `db:"organization_id" json:"organization_id"`
	ProtocolNumber string                `db:"protocol_number" json:"protocol_number"`
	Title          string                `db:"title" json:"title"`
	Description    *string               `db:"description" json:"description,omitempty"`
	SponsorName    *string               `db:"sponsor_name" json:"sponsor_name,omitempty"`
	Status         Status                `db:"status" json:"status"`
	VisitTemplate  []visit.TemplateEntry `db:"visit_template" json:"visit_template"`
	ActivatedAt    *time.Time            `db:"activated_at" json:"activated_at,omitempty"`
	CreatedAt      time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time             `db:"updated_at" json:"updated_at"`
}

type SurveyStatus string

const (
	SurveyActive    SurveyStatus = "active"
	SurveyCompleted SurveyStatus = "completed"
	SurveyWithdrawn SurveyStatus = "withdrawn"
)

// Survey is one patient's enrollment in a study.
type Survey struct {
	ID                     uuid.UUID    `db:"id" json:"id"`
	StudyID                uuid.UUID    `db:"study_id" json:"study_id"`
	PatientID              uuid.UUID    `db:"patient_id" json:"patient_id"`
	OrganizationID         uuid.UUID    `db:"organization_id" json:"organization_id"`
	BaselineDate           time.Time    `db:"baseline_date" json:"baseline_date"`
	ExpectedCompletionDate time.Time    `db:"expected_completion_date" json:"expected_completion_date"`
	Status                 SurveyStatus `db:"status" json:"status"`
	StatusReason           *string      `db:"status_reason" json:"status_reason,omitempty"`
	EnrolledBy             string       `db:"enrolled_by" json:"enrolled_by,omitempty"`
	CreatedAt              time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time    `db:"updated_at" json:"updated_at"`
}

// Ref is what visit expansion needs from the survey.
func (s *Survey) Ref() visit.SurveyRef {
	return visit.SurveyRef{
		ID:             s.ID,
		PatientID:      s.PatientID,
		StudyID:        s.StudyID,
		OrganizationID: s.OrganizationID,
		BaselineDate:   s.BaselineDate,
	}
}
