package draft

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/domain/visit"
	"github.com/ehr/trialvisits/internal/platform/audit"
	"github.com/ehr/trialvisits/internal/platform/clock"
)

// maxConcurrentWrites bounds the submission fan-out.
const maxConcurrentWrites = 4

// Visits is the visit lifecycle the synchronizer drives. *visit.Service
// implements it.
type Visits interface {
	GetVisit(ctx context.Context, id uuid.UUID) (*visit.Visit, error)
	StartVisit(ctx context.Context, id uuid.UUID) (*visit.Visit, error)
	CheckSkips(v *visit.Visit, skipped []examination.ExamID) error
	FinalizeSubmission(ctx context.Context, in visit.FinalizeInput) (*visit.Visit, error)
}

type Synchronizer struct {
	store    Store
	visits   Visits
	registry *examination.Registry
	clock    clock.Clock
	audit    audit.Recorder
	logger   zerolog.Logger
	scope    Scope
}

// Scope runs one fan-out worker. Postgres deployments hand each worker its
// own connection.
type Scope func(ctx context.Context, fn func(ctx context.Context) error) error

func sameScope(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type Option func(*Synchronizer)

func WithWorkerScope(scope Scope) Option { return func(s *Synchronizer) { s.scope = scope } }

func NewSynchronizer(store Store, visits Visits, registry *examination.Registry, c clock.Clock, rec audit.Recorder, logger zerolog.Logger, opts ...Option) *Synchronizer {
	if c == nil {
		c = clock.System{}
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	s := &Synchronizer{store: store, visits: visits, registry: registry, clock: c, audit: rec, logger: logger, scope: sameScope}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the visit's draft or ErrDraftNotFound.
func (s *Synchronizer) Load(ctx context.Context, visitID uuid.UUID) (*Draft, error) {
	d, err := s.store.Get(ctx, visitID)
	if err != nil && !errors.Is(err, ErrDraftNotFound) {
		return nil, &visit.StorageError{Op: "load draft", Err: err}
	}
	return d, err
}

// openVisit loads the visit and rejects closed ones.
func (s *Synchronizer) openVisit(ctx context.Context, visitID uuid.UUID) (*visit.Visit, error) {
	v, err := s.visits.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if !v.Status.Open() {
		return nil, fmt.Errorf("%w: status %s", visit.ErrVisitClosed, v.Status)
	}
	return v, nil
}

// startIfScheduled moves the visit to in_progress once data is saved.
func (s *Synchronizer) startIfScheduled(ctx context.Context, v *visit.Visit) error {
	if v.Status != visit.StatusScheduled {
		return nil
	}
	_, err := s.visits.StartVisit(ctx, v.ID)
	return err
}

// Save replaces the draft unconditionally.
func (s *Synchronizer) Save(ctx context.Context, visitID uuid.UUID, d Draft) (*Draft, error) {
	v, err := s.openVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	out := d.clone()
	out.VisitID = visitID
	if len(out.ExaminationOrder) == 0 {
		out.ExaminationOrder = append([]examination.ExamID(nil), v.ExaminationOrder...)
	}
	if out.TotalSteps == 0 {
		out.TotalSteps = len(out.ExaminationOrder)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	out.AutoSaved = false
	out.LastSavedAt = s.clock.Now()
	if err := s.store.Put(ctx, out); err != nil {
		return nil, &visit.StorageError{Op: "save draft", Err: err}
	}
	if err := s.startIfScheduled(ctx, v); err != nil {
		return nil, err
	}
	return out, nil
}

// AutoSave merges p into the draft if nobody saved since baseVersion.
func (s *Synchronizer) AutoSave(ctx context.Context, visitID uuid.UUID, baseVersion int64, p Patch) (AutoSaveResult, error) {
	v, err := s.openVisit(ctx, visitID)
	if err != nil {
		return AutoSaveResult{}, err
	}
	cur, err := s.Load(ctx, visitID)
	if errors.Is(err, ErrDraftNotFound) {
		return AutoSaveResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return AutoSaveResult{}, err
	}
	if cur.Version != baseVersion {
		return conflict(cur), nil
	}

	merged := cur.clone()
	p.applyTo(merged)
	if err := merged.Validate(); err != nil {
		return AutoSaveResult{}, err
	}
	merged.AutoSaved = true
	merged.LastSavedAt = s.clock.Now()

	swapped, latest, err := s.store.CompareAndSwap(ctx, merged, baseVersion)
	if err != nil {
		return AutoSaveResult{}, &visit.StorageError{Op: "autosave draft", Err: err}
	}
	if !swapped {
		if latest == nil {
			return AutoSaveResult{Outcome: OutcomeNotFound}, nil
		}
		return conflict(latest), nil
	}
	if err := s.startIfScheduled(ctx, v); err != nil {
		return AutoSaveResult{}, err
	}
	return AutoSaveResult{Outcome: OutcomeApplied, Success: true, Version: merged.Version, Draft: merged}, nil
}

func conflict(latest *Draft) AutoSaveResult {
	return AutoSaveResult{Outcome: OutcomeConflict, Conflict: true, Version: latest.Version, Draft: latest}
}

// SubmitResult is the outcome of a successful submission.
type SubmitResult struct {
	Success           bool                 `json:"success"`
	SavedExaminations []examination.ExamID `json:"saved_examinations"`
	Visit             *visit.Visit         `json:"visit"`
}

// Submit writes every examination of req to its own store, recomputes and
// transitions the visit from what is now persisted, then clears the draft.
// A failed write returns *SubmissionFailedError and keeps the draft; writes
// are upserts per (visit, examination, eye), so resubmitting is safe.
func (s *Synchronizer) Submit(ctx context.Context, visitID uuid.UUID, req SubmitRequest) (*SubmitResult, error) {
	v, err := s.openVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if err := s.visits.CheckSkips(v, req.SkippedExaminations); err != nil {
		return nil, err
	}
	if err := s.checkExaminations(v, req); err != nil {
		return nil, err
	}

	saved, err := s.fanOut(ctx, v, req.FormData)
	if err != nil {
		return nil, err
	}

	coverage, err := s.registry.Coverage(ctx, visitID, v.ExaminationOrder)
	if err != nil {
		return nil, &visit.StorageError{Op: "read examination coverage", Err: err}
	}
	updated, err := s.visits.FinalizeSubmission(ctx, visit.FinalizeInput{
		VisitID:     visitID,
		Coverage:    coverage,
		Skipped:     req.SkippedExaminations,
		ConductedBy: req.ConductedBy,
		ActualDate:  req.ActualDate,
	})
	if err != nil {
		return nil, err
	}
	s.logClaimedMismatch(visitID, req.CompletedExaminations, updated.CompletedExaminations)

	if err := s.store.Delete(ctx, visitID); err != nil {
		s.logger.Error().Err(err).Str("visit_id", visitID.String()).Msg("failed to clear submitted draft")
	}
	s.audit.Submission(ctx, audit.SubmissionEvent{
		VisitID:              visitID,
		ConductedBy:          req.ConductedBy,
		Success:              true,
		SavedExaminations:    examStrings(saved),
		VisitStatus:          string(updated.Status),
		CompletionPercentage: updated.CompletionPercentage,
		SubmittedAt:          s.clock.Now(),
	})
	return &SubmitResult{Success: true, SavedExaminations: saved, Visit: updated}, nil
}

func (s *Synchronizer) checkExaminations(v *visit.Visit, req SubmitRequest) error {
	check := func(id examination.ExamID) error {
		if !s.registry.Known(id) {
			return fmt.Errorf("%w: %s", examination.ErrUnknownExamination, id)
		}
		if !v.Includes(id) {
			return fmt.Errorf("%w: %s", visit.ErrExaminationNotInVisit, id)
		}
		return nil
	}
	for id := range req.FormData {
		if err := check(id); err != nil {
			return err
		}
	}
	for _, id := range req.CompletedExaminations {
		if err := check(id); err != nil {
			return err
		}
	}
	return nil
}

// fanOut persists each examination concurrently and waits for all of them.
// Sides whose stored payload already equals the form are not rewritten.
func (s *Synchronizer) fanOut(ctx context.Context, v *visit.Visit, form FormData) ([]examination.ExamID, error) {
	var (
		mu     sync.Mutex
		saved  []examination.ExamID
		failed []examination.ExamID
		errs   []error
	)
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentWrites)
	for id, data := range form {
		if data.Empty() {
			continue
		}
		id, data := id, data
		g.Go(func() error {
			err := s.scope(ctx, func(ctx context.Context) error {
				return s.write(ctx, v.ID, id, data)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, id)
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				return nil
			}
			saved = append(saved, id)
			return nil
		})
	}
	_ = g.Wait()

	saved = inOrder(v.ExaminationOrder, saved)
	if len(failed) > 0 {
		failed = inOrder(v.ExaminationOrder, failed)
		s.logger.Warn().
			Str("visit_id", v.ID.String()).
			Strs("saved", examStrings(saved)).
			Strs("failed", examStrings(failed)).
			Msg("examination submission partially failed")
		s.audit.Submission(ctx, audit.SubmissionEvent{
			VisitID:            v.ID,
			Success:            false,
			SavedExaminations:  examStrings(saved),
			FailedExaminations: examStrings(failed),
			VisitStatus:        string(v.Status),
			SubmittedAt:        s.clock.Now(),
		})
		return nil, &SubmissionFailedError{Saved: saved, Failed: failed, Err: errors.Join(errs...)}
	}
	return saved, nil
}

func (s *Synchronizer) write(ctx context.Context, visitID uuid.UUID, id examination.ExamID, data EyeForm) error {
	def, err := s.registry.Lookup(id)
	if err != nil {
		return err
	}
	stored, err := def.Store.GetBothEyes(ctx, visitID)
	if err != nil {
		return err
	}
	right, left := data.Right, data.Left
	if r := stored.Right; r != nil && r.Data.Equal(right) {
		right = nil
	}
	if l := stored.Left; l != nil && l.Data.Equal(left) {
		left = nil
	}
	if right.Empty() && left.Empty() {
		return nil
	}
	_, err = def.Store.SaveBothEyes(ctx, visitID, right, left)
	return err
}

func (s *Synchronizer) logClaimedMismatch(visitID uuid.UUID, claimed, completed []examination.ExamID) {
	var missing []string
	for _, id := range claimed {
		found := false
		for _, c := range completed {
			if c == id {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		s.logger.Info().
			Str("visit_id", visitID.String()).
			Strs("examinations", missing).
			Msg("examinations reported complete lack data for both eyes")
	}
}

// inOrder sorts ids by their position in order.
func inOrder(order, ids []examination.ExamID) []examination.ExamID {
	pos := make(map[examination.ExamID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	sort.Slice(ids, func(i, j int) bool { return pos[ids[i]] < pos[ids[j]] })
	if ids == nil {
		return []examination.ExamID{}
	}
	return ids
}

func examStrings(ids []examination.ExamID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
