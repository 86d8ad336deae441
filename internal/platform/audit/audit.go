// Package audit delivers protocol deviations and examination submissions to
// the audit trail. Delivery is fire-and-forget: a lost audit write never rolls
// back the operation that produced it.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types written to the trail.
const (
	TypeDeviation  = "protocol_deviation"
	TypeSubmission = "examination_submission"
	TypeAccess     = "data_access"
)

// DeviationEvent mirrors a newly appended protocol deviation.
type DeviationEvent struct {
	TenantID    string    `json:"tenant_id,omitempty"`
	DeviationID uuid.UUID `json:"deviation_id"`
	VisitID     uuid.UUID `json:"visit_id"`
	SurveyID    uuid.UUID `json:"survey_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	Severity    string    `json:"severity"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detected_at"`
}

// SubmissionEvent records one attempt to finalize a visit's examination data.
type SubmissionEvent struct {
	TenantID             string    `json:"tenant_id,omitempty"`
	VisitID              uuid.UUID `json:"visit_id"`
	ConductedBy          string    `json:"conducted_by"`
	Success              bool      `json:"success"`
	SavedExaminations    []string  `json:"saved_examinations"`
	FailedExaminations   []string  `json:"failed_examinations,omitempty"`
	VisitStatus          string    `json:"visit_status,omitempty"`
	CompletionPercentage int       `json:"completion_percentage"`
	SubmittedAt          time.Time `json:"submitted_at"`
}

// AccessEvent is one authenticated API request touching trial data.
type AccessEvent struct {
	TenantID     string    `json:"tenant_id,omitempty"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Roles        []string  `json:"roles,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	IPAddress    string    `json:"ip_address"`
	AccessedAt   time.Time `json:"accessed_at"`
}

// Sink persists audit events.
type Sink interface {
	RecordDeviation(ctx context.Context, ev DeviationEvent) error
	RecordSubmission(ctx context.Context, ev SubmissionEvent) error
	RecordAccess(ctx context.Context, ev AccessEvent) error
}

// Recorder is what domain services hold. It never reports failures.
type Recorder interface {
	Deviation(ctx context.Context, ev DeviationEvent)
	Submission(ctx context.Context, ev SubmissionEvent)
}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordDeviation(_ context.Context, ev DeviationEvent) error {
	evt := s.logger.Info()
	if ev.Severity == "critical" {
		evt = s.logger.Error()
	} else if ev.Severity == "major" {
		evt = s.logger.Warn()
	}
	evt.
		Str("type", TypeDeviation).
		Str("tenant_id", ev.TenantID).
		Str("deviation_id", ev.DeviationID.String()).
		Str("visit_id", ev.VisitID.String()).
		Str("survey_id", ev.SurveyID.String()).
		Str("severity", ev.Severity).
		Str("kind", ev.Kind).
		Time("detected_at", ev.DetectedAt).
		Msg(ev.Description)
	return nil
}

func (s *LogSink) RecordSubmission(_ context.Context, ev SubmissionEvent) error {
	evt := s.logger.Info()
	if !ev.Success {
		evt = s.logger.Warn()
	}
	evt.
		Str("type", TypeSubmission).
		Str("tenant_id", ev.TenantID).
		Str("visit_id", ev.VisitID.String()).
		Str("conducted_by", ev.ConductedBy).
		Bool("success", ev.Success).
		Strs("saved", ev.SavedExaminations).
		Strs("failed", ev.FailedExaminations).
		Str("visit_status", ev.VisitStatus).
		Int("completion_percentage", ev.CompletionPercentage).
		Msg("examination submission")
	return nil
}

func (s *LogSink) RecordAccess(_ context.Context, ev AccessEvent) error {
	s.logger.Info().
		Str("type", TypeAccess).
		Str("tenant_id", ev.TenantID).
		Str("request_id", ev.RequestID).
		Str("user_id", ev.UserID).
		Str("action", ev.Action).
		Str("resource_type", ev.ResourceType).
		Str("resource_id", ev.ResourceID).
		Int("status", ev.StatusCode).
		Msg("data access")
	return nil
}

// Multi fans every event out to all sinks and joins their errors.
type Multi []Sink

func (m Multi) RecordDeviation(ctx context.Context, ev DeviationEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordDeviation(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordSubmission(ctx context.Context, ev SubmissionEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordSubmission(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordAccess(ctx context.Context, ev AccessEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordAccess(ctx, ev))
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Deviation(context.Context, DeviationEvent)   {}
func (Nop) Submission(context.Context, SubmissionEvent) {}
