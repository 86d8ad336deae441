package visit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/platform/audit"
	"github.com/ehr/trialvisits/internal/platform/clock"
)

const (
	maxUpdateAttempts = 3
	sweepBatchSize    = 200
)

type Service struct {
	visits     Repository
	deviations DeviationRepository
	tracker    *Tracker
	clock      clock.Clock
	audit      audit.Recorder
	tx         Transactor
	logger     zerolog.Logger
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithAudit(r audit.Recorder) Option { return func(s *Service) { s.audit = r } }

// WithTransactor makes the deviation append and visit update of one
// evaluation commit together.
func WithTransactor(tx Transactor) Option { return func(s *Service) { s.tx = tx } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(visits Repository, deviations DeviationRepository, tracker *Tracker, opts ...Option) *Service {
	s := &Service{
		visits:     visits,
		deviations: deviations,
		tracker:    tracker,
		clock:      clock.System{},
		audit:      audit.Nop{},
		tx:         NoTx,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tracker returns the progress tracker the service recomputes with.
func (s *Service) Tracker() *Tracker { return s.tracker }

// mutation edits a freshly evaluated visit. It reports whether it changed v.
type mutation func(v *Visit, now time.Time) (bool, error)

// update evaluates the stored visit, applies fn and re-evaluates, then appends
// new deviations and writes the visit in one transaction. Concurrent writers
// are detected through the visit version and the whole step is retried.
// When fn fails, the evaluation alone is still persisted and fn's error is
// returned.
func (s *Service) update(ctx context.Context, id uuid.UUID, fn mutation) (*Visit, error) {
	for attempt := 1; ; attempt++ {
		var (
			result   *Visit
			appended []ProtocolDeviation
			fnErr    error
		)
		err := s.tx(ctx, func(ctx context.Context) error {
			appended = nil
			v, err := s.visits.GetByID(ctx, id)
			if err != nil {
				return storage("get visit", err)
			}
			recorded, err := s.deviations.ListByVisit(ctx, id)
			if err != nil {
				return storage("list deviations", err)
			}
			now := s.clock.Now()
			ev := Evaluate(*v, now, recorded)
			cur, changed, pending := ev.Visit, ev.Changed, ev.NewDeviations

			if fn != nil {
				edited := *cur.clone()
				ok, err := fn(&edited, now)
				switch {
				case err != nil:
					fnErr = err
				case ok:
					again := Evaluate(edited, now, append(recorded, pending...))
					cur, changed = again.Visit, true
					pending = append(pending, again.NewDeviations...)
				}
			}
			if !changed {
				result = &cur
				return nil
			}
			for _, d := range pending {
				stored, err := s.deviations.Append(ctx, d)
				if err != nil {
					return storage("append deviation", err)
				}
				if stored {
					appended = append(appended, d)
				}
			}
			if err := s.visits.Update(ctx, &cur); err != nil {
				return storage("update visit", err)
			}
			result = &cur
			return nil
		})
		if errors.Is(err, ErrVersionConflict) && attempt < maxUpdateAttempts {
			s.logger.Debug().Str("visit_id", id.String()).Int("attempt", attempt).Msg("visit changed concurrently, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		s.emitDeviations(ctx, result, appended)
		if fnErr != nil {
			return nil, fnErr
		}
		return result, nil
	}
}

func (s *Service) emitDeviations(ctx context.Context, v *Visit, devs []ProtocolDeviation) {
	for _, d := range devs {
		s.logger.Warn().
			Str("visit_id", d.VisitID.String()).
			Str("kind", string(d.Kind)).
			Str("severity", string(d.Severity)).
			Msg("protocol deviation recorded")
		s.audit.Deviation(ctx, audit.DeviationEvent{
			DeviationID: d.ID,
			VisitID:     d.VisitID,
			SurveyID:    d.SurveyID,
			PatientID:   v.PatientID,
			Severity:    string(d.Severity),
			Kind:        string(d.Kind),
			Description: d.Description,
			DetectedAt:  d.DetectedAt,
		})
	}
}

// GetVisit returns the visit after lazy compliance evaluation.
func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.update(ctx, id, nil)
}

// ListSurveyVisits returns a survey's visits in visit number order, each
// lazily evaluated.
func (s *Service) ListSurveyVisits(ctx context.Context, surveyID uuid.UUID) ([]Visit, error) {
	visits, err := s.visits.ListBySurvey(ctx, surveyID)
	if err != nil {
		return nil, storage("list visits", err)
	}
	devs, err := s.deviations.ListBySurvey(ctx, surveyID)
	if err != nil {
		return nil, storage("list deviations", err)
	}
	byVisit := make(map[uuid.UUID][]ProtocolDeviation)
	for _, d := range devs {
		byVisit[d.VisitID] = append(byVisit[d.VisitID], d)
	}
	now := s.clock.Now()
	for i := range visits {
		if !Evaluate(visits[i], now, byVisit[visits[i].ID]).Changed {
			continue
		}
		v, err := s.update(ctx, visits[i].ID, nil)
		if err != nil {
			return nil, err
		}
		visits[i] = *v
	}
	return visits, nil
}

// StartVisit moves a scheduled visit to in_progress. It is a no-op for a
// visit already in progress.
func (s *Service) StartVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.update(ctx, id, func(v *Visit, _ time.Time) (bool, error) {
		if v.Status == StatusInProgress {
			return false, nil
		}
		if err := transition(v, StatusInProgress); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *Service) CancelVisit(ctx context.Context, id uuid.UUID, reason string) (*Visit, error) {
	return s.closeVisit(ctx, id, StatusCancelled, reason)
}

func (s *Service) RescheduleVisit(ctx context.Context, id uuid.UUID, reason string) (*Visit, error) {
	return s.closeVisit(ctx, id, StatusRescheduled, reason)
}

func (s *Service) closeVisit(ctx context.Context, id uuid.UUID, to Status, reason string) (*Visit, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}
	return s.update(ctx, id, func(v *Visit, _ time.Time) (bool, error) {
		if err := transition(v, to); err != nil {
			return false, err
		}
		v.StatusReason = reason
		return true, nil
	})
}

// SkipExamination marks an optional examination as not performed and
// recomputes progress.
func (s *Service) SkipExamination(ctx context.Context, id uuid.UUID, exam examination.ExamID) (*Visit, error) {
	return s.update(ctx, id, func(v *Visit, _ time.Time) (bool, error) {
		if !v.Status.Open() {
			return false, fmt.Errorf("%w: status %s", ErrVisitClosed, v.Status)
		}
		if contains(v.SkippedExaminations, exam) {
			return false, nil
		}
		if err := s.tracker.Skip(v, exam); err != nil {
			return false, err
		}
		s.tracker.Recompute(v, recordedFrom(v)).apply(v)
		return true, nil
	})
}

// Progress recomputes a visit's progress from its completed examinations.
func (s *Service) Progress(ctx context.Context, id uuid.UUID) (Progress, error) {
	v, err := s.GetVisit(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return s.tracker.Recompute(v, recordedFrom(v)), nil
}

// FinalizeInput is the persisted outcome of an examination submission.
type FinalizeInput struct {
	VisitID     uuid.UUID
	Coverage    map[examination.ExamID]examination.Sides
	Skipped     []examination.ExamID
	ConductedBy string
	ActualDate  *time.Time
}

// CheckSkips rejects skipping an examination that is required or not part
// of the visit, before any data is written.
func (s *Service) CheckSkips(v *Visit, skipped []examination.ExamID) error {
	probe := v.clone()
	for _, id := range skipped {
		if err := s.tracker.Skip(probe, id); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeSubmission recomputes progress from persisted examination
// coverage, completes the visit when no required examination remains and
// evaluates compliance. The completion percentage is always the tracker's.
func (s *Service) FinalizeSubmission(ctx context.Context, in FinalizeInput) (*Visit, error) {
	if strings.TrimSpace(in.ConductedBy) == "" {
		return nil, fmt.Errorf("conducted_by is required")
	}
	return s.update(ctx, in.VisitID, func(v *Visit, now time.Time) (bool, error) {
		if !v.Status.Open() {
			return false, fmt.Errorf("%w: status %s", ErrVisitClosed, v.Status)
		}
		for _, id := range in.Skipped {
			if err := s.tracker.Skip(v, id); err != nil {
				return false, err
			}
		}
		if v.Status == StatusScheduled {
			if err := transition(v, StatusInProgress); err != nil {
				return false, err
			}
		}
		p := s.tracker.Recompute(v, s.tracker.Recorded(in.Coverage))
		p.apply(v)
		actual := clock.Day(now)
		if in.ActualDate != nil {
			actual = clock.Day(*in.ActualDate)
		}
		v.ActualDate = &actual
		v.ConductedBy = in.ConductedBy
		if len(p.RemainingRequired) == 0 {
			if err := transition(v, StatusCompleted); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

func (s *Service) ListDeviations(ctx context.Context, visitID uuid.UUID) ([]ProtocolDeviation, error) {
	if _, err := s.GetVisit(ctx, visitID); err != nil {
		return nil, err
	}
	devs, err := s.deviations.ListByVisit(ctx, visitID)
	if err != nil {
		return nil, storage("list deviations", err)
	}
	return devs, nil
}

func (s *Service) ListSurveyDeviations(ctx context.Context, surveyID uuid.UUID) ([]ProtocolDeviation, error) {
	if _, err := s.ListSurveyVisits(ctx, surveyID); err != nil {
		return nil, err
	}
	devs, err := s.deviations.ListBySurvey(ctx, surveyID)
	if err != nil {
		return nil, storage("list deviations", err)
	}
	return devs, nil
}

// SweepMissed evaluates every open visit whose window has closed, through the
// same path as lazy reads. It returns the number of visits reclassified.
func (s *Service) SweepMissed(ctx context.Context) (int, error) {
	today := clock.Today(s.clock)
	swept := 0
	for {
		batch, err := s.visits.ListOpenEndedBefore(ctx, today, sweepBatchSize)
		if err != nil {
			return swept, storage("list open visits", err)
		}
		progressed := 0
		for _, v := range batch {
			if err := ctx.Err(); err != nil {
				return swept, err
			}
			got, err := s.update(ctx, v.ID, nil)
			if err != nil {
				return swept, err
			}
			if !got.Status.Open() {
				swept++
				progressed++
			}
		}
		if len(batch) < sweepBatchSize || progressed == 0 {
			break
		}
	}
	s.logger.Info().Int("visits", swept).Time("as_of", today).Msg("missed visit sweep complete")
	return swept, nil
}

// Summary aggregates a survey's visits.
type Summary struct {
	SurveyID             uuid.UUID      `json:"survey_id"`
	TotalVisits          int            `json:"total_visits"`
	ByStatus             map[Status]int `json:"by_status"`
	CompletionPercentage int            `json:"completion_percentage"`
	NextVisitDue         *Visit         `json:"next_visit_due,omitempty"`
}

// SurveySummary counts visits by status, averages completion over visits
// that were not cancelled, and finds the earliest open visit whose window is
// still open.
func (s *Service) SurveySummary(ctx context.Context, surveyID uuid.UUID) (*Summary, error) {
	visits, err := s.ListSurveyVisits(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{SurveyID: surveyID, TotalVisits: len(visits), ByStatus: make(map[Status]int)}
	today := clock.Today(s.clock)
	total, counted := 0, 0
	for i := range visits {
		v := &visits[i]
		sum.ByStatus[v.Status]++
		if v.Status != StatusCancelled {
			total += v.CompletionPercentage
			counted++
		}
		if v.Status.Open() && !v.Window().Closed(today) {
			if sum.NextVisitDue == nil || v.ScheduledDate.Before(sum.NextVisitDue.ScheduledDate) {
				sum.NextVisitDue = v
			}
		}
	}
	if counted > 0 {
		sum.CompletionPercentage = int(float64(total)/float64(counted) + 0.5)
	}
	return sum, nil
}
