package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/trialvisits/internal/domain/draft"
	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/domain/study"
	"github.com/ehr/trialvisits/internal/domain/visit"
	"github.com/ehr/trialvisits/internal/platform/audit"
	"github.com/ehr/trialvisits/internal/platform/clock"
	"github.com/ehr/trialvisits/internal/platform/db"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func txFor(pool *pgxpool.Pool) visit.Transactor {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	}
}

// stack is the Postgres-backed service graph the server builds.
type stack struct {
	registry *examination.Registry
	studies  *study.Service
	visits   *visit.Service
	sync     *draft.Synchronizer
	clock    *clock.Fixed
}

func newStack(t *testing.T, now time.Time) *stack {
	t.Helper()
	pool := globalDB.Pool
	reg, err := examination.NewPGRegistry(pool, examination.DefaultCatalogue())
	if err != nil {
		t.Fatal(err)
	}
	s := &stack{registry: reg, clock: clock.NewFixed(now)}
	s.visits = visit.NewService(visit.NewRepoPG(pool), visit.NewDeviationRepoPG(pool), visit.NewTracker(reg.IsSingleEye),
		visit.WithClock(s.clock), visit.WithTransactor(txFor(pool)))
	s.studies = study.NewService(study.NewStudyRepoPG(pool), study.NewSurveyRepoPG(pool),
		visit.NewExpander(visit.NewRepoPG(pool)), reg.Known,
		study.WithClock(s.clock), study.WithTransactor(txFor(pool)))
	s.sync = draft.NewSynchronizer(draft.NewPGStore(pool), s.visits, reg, s.clock, audit.Nop{}, zerolog.Nop(),
		draft.WithWorkerScope(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.Isolate(ctx, pool, fn)
		}))
	return s
}

func protocol() []visit.TemplateEntry {
	order := []examination.ExamID{examination.BasicInfo, examination.VAS, examination.SlitLamp}
	return []visit.TemplateEntry{
		{VisitNumber: 1, VisitName: "Baseline", ScheduledDaysFromBaseline: 0, WindowDaysAfter: 1,
			RequiredExaminations: order[:2], OptionalExaminations: order[2:], ExaminationOrder: order},
		{VisitNumber: 2, VisitName: "Week 1", ScheduledDaysFromBaseline: 7, WindowDaysBefore: 2, WindowDaysAfter: 2,
			RequiredExaminations: order[:2], OptionalExaminations: order[2:], ExaminationOrder: order},
	}
}

func enroll(t *testing.T, ctx context.Context, s *stack) (*study.Survey, []visit.Visit) {
	t.Helper()
	st := &study.Study{OrganizationID: uuid.New(), ProtocolNumber: "OPH-" + uuid.NewString()[:6], Title: "Lens comfort", VisitTemplate: protocol()}
	if err := s.studies.CreateStudy(ctx, st); err != nil {
		t.Fatalf("create study: %v", err)
	}
	if _, err := s.studies.ActivateStudy(ctx, st.ID); err != nil {
		t.Fatalf("activate study: %v", err)
	}
	sv, visits, err := s.studies.EnrollPatient(ctx, st.ID, study.EnrollInput{PatientID: uuid.New(), BaselineDate: day(2024, 1, 10)})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	return sv, visits
}

func TestEnrollment_PersistsSurveyAndVisits(t *testing.T) {
	tenant := newTenant(t, "enroll")
	s := newStack(t, day(2024, 1, 10))

	inTenant(t, tenant, func(ctx context.Context) error {
		sv, visits := enroll(t, ctx, s)
		if len(visits) != 2 {
			t.Fatalf("expected 2 visits, got %d", len(visits))
		}

		stored, err := s.visits.ListSurveyVisits(ctx, sv.ID)
		if err != nil {
			return err
		}
		if len(stored) != 2 || stored[1].VisitNumber != 2 {
			t.Fatalf("unexpected stored visits %+v", stored)
		}
		if !stored[1].WindowStartDate.Equal(day(2024, 1, 15)) || !stored[1].WindowEndDate.Equal(day(2024, 1, 19)) {
			t.Errorf("unexpected window %v..%v", stored[1].WindowStartDate, stored[1].WindowEndDate)
		}
		if stored[0].ID != visit.VisitID(sv.ID, 1) {
			t.Error("visit ids must be derived from the survey and visit number")
		}

		_, _, err = s.studies.EnrollPatient(ctx, sv.StudyID, study.EnrollInput{PatientID: sv.PatientID, BaselineDate: day(2024, 2, 1)})
		if !errors.Is(err, study.ErrAlreadyEnrolled) {
			t.Errorf("expected ErrAlreadyEnrolled, got %v", err)
		}
		return nil
	})
}

func TestVisitRepo_RejectsStaleVersion(t *testing.T) {
	tenant := newTenant(t, "version")
	s := newStack(t, day(2024, 1, 10))
	repo := visit.NewRepoPG(globalDB.Pool)

	inTenant(t, tenant, func(ctx context.Context) error {
		_, visits := enroll(t, ctx, s)
		a, err := repo.GetByID(ctx, visits[1].ID)
		if err != nil {
			return err
		}
		b, err := repo.GetByID(ctx, visits[1].ID)
		if err != nil {
			return err
		}

		a.Status = visit.StatusInProgress
		if err := repo.Update(ctx, a); err != nil {
			t.Fatalf("first update: %v", err)
		}
		if a.Version != 2 {
			t.Errorf("expected version 2, got %d", a.Version)
		}
		b.Status = visit.StatusCancelled
		if err := repo.Update(ctx, b); !errors.Is(err, visit.ErrVersionConflict) {
			t.Errorf("expected ErrVersionConflict, got %v", err)
		}

		missing := *a
		missing.ID = uuid.New()
		if err := repo.Update(ctx, &missing); !errors.Is(err, visit.ErrVisitNotFound) {
			t.Errorf("expected ErrVisitNotFound, got %v", err)
		}
		return nil
	})
}

func TestLazyEvaluation_RecordsMissedVisitOnce(t *testing.T) {
	tenant := newTenant(t, "missed")
	s := newStack(t, day(2024, 1, 10))

	inTenant(t, tenant, func(ctx context.Context) error {
		sv, visits := enroll(t, ctx, s)
		s.clock.Set(day(2024, 1, 20))

		for i := 0; i < 2; i++ {
			v, err := s.visits.GetVisit(ctx, visits[1].ID)
			if err != nil {
				return err
			}
			if v.Status != visit.StatusMissed {
				t.Fatalf("read %d: expected missed, got %s", i, v.Status)
			}
			if len(v.ProtocolDeviations) != 1 {
				t.Errorf("read %d: expected 1 deviation id, got %v", i, v.ProtocolDeviations)
			}
		}

		devs, err := s.visits.ListDeviations(ctx, visits[1].ID)
		if err != nil {
			return err
		}
		if len(devs) != 1 || devs[0].Kind != visit.KindMissedWindow || devs[0].Severity != visit.SeverityMajor {
			t.Errorf("expected one major missed_window deviation, got %+v", devs)
		}

		// Listing the survey evaluates visit 1 too; its window closed on 2024-01-11.
		if _, err := s.visits.ListSurveyVisits(ctx, sv.ID); err != nil {
			return err
		}
		all, err := s.visits.ListSurveyDeviations(ctx, sv.ID)
		if err != nil {
			return err
		}
		if len(all) != 2 {
			t.Errorf("expected 2 survey deviations, got %d", len(all))
		}
		return nil
	})
}

func TestSweepMissed(t *testing.T) {
	tenant := newTenant(t, "sweep")
	s := newStack(t, day(2024, 1, 10))

	inTenant(t, tenant, func(ctx context.Context) error {
		sv, _ := enroll(t, ctx, s)
		s.clock.Set(day(2024, 1, 16))

		n, err := s.visits.SweepMissed(ctx)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("expected 1 swept visit, got %d", n)
		}
		summary, err := s.visits.SurveySummary(ctx, sv.ID)
		if err != nil {
			return err
		}
		if summary.ByStatus[visit.StatusMissed] != 1 || summary.ByStatus[visit.StatusScheduled] != 1 {
			t.Errorf("unexpected counts %v", summary.ByStatus)
		}
		if summary.NextVisitDue == nil || summary.NextVisitDue.VisitNumber != 2 {
			t.Errorf("expected visit 2 next, got %+v", summary.NextVisitDue)
		}

		if n, err := s.visits.SweepMissed(ctx); err != nil || n != 0 {
			t.Errorf("second sweep: n=%d err=%v", n, err)
		}
		return nil
	})
}

func TestDraftStore_CompareAndSwap(t *testing.T) {
	tenant := newTenant(t, "draft")
	s := newStack(t, day(2024, 1, 10))
	store := draft.NewPGStore(globalDB.Pool)

	inTenant(t, tenant, func(ctx context.Context) error {
		_, visits := enroll(t, ctx, s)
		d := &draft.Draft{
			VisitID:          visits[0].ID,
			FormData:         draft.FormData{},
			TotalSteps:       3,
			CompletedSteps:   []string{},
			ExaminationOrder: visits[0].ExaminationOrder,
			LastSavedAt:      s.clock.Now(),
		}
		if err := store.Put(ctx, d); err != nil {
			t.Fatalf("put: %v", err)
		}
		if d.Version != 1 {
			t.Fatalf("expected version 1, got %d", d.Version)
		}

		d.CurrentStep = 1
		ok, cur, err := store.CompareAndSwap(ctx, d, 1)
		if err != nil || !ok || cur != nil {
			t.Fatalf("swap at current version: ok=%v cur=%v err=%v", ok, cur, err)
		}
		if d.Version != 2 {
			t.Errorf("expected version 2, got %d", d.Version)
		}

		ok, cur, err = store.CompareAndSwap(ctx, d, 1)
		if err != nil || ok {
			t.Fatalf("stale swap: ok=%v err=%v", ok, err)
		}
		if cur == nil || cur.Version != 2 || cur.CurrentStep != 1 {
			t.Errorf("expected current draft at version 2, got %+v", cur)
		}

		if err := store.Delete(ctx, d.VisitID); err != nil {
			return err
		}
		if _, err := store.Get(ctx, d.VisitID); !errors.Is(err, draft.ErrDraftNotFound) {
			t.Errorf("expected ErrDraftNotFound, got %v", err)
		}
		return nil
	})
}

func TestSubmit_WritesExaminationsAndCompletesVisit(t *testing.T) {
	tenant := newTenant(t, "submit")
	s := newStack(t, day(2024, 1, 10))

	inTenant(t, tenant, func(ctx context.Context) error {
		_, visits := enroll(t, ctx, s)
		id := visits[0].ID
		form := draft.FormData{
			examination.BasicInfo: {Right: examination.EyeData{"wears_lenses": true}},
			examination.VAS:       {Right: examination.EyeData{"comfort": 80.0}, Left: examination.EyeData{"comfort": 70.0}},
		}
		if _, err := s.sync.Save(ctx, id, draft.Draft{FormData: form}); err != nil {
			t.Fatalf("save: %v", err)
		}

		res, err := s.sync.Submit(ctx, id, draft.SubmitRequest{
			FormData:            form,
			SkippedExaminations: []examination.ExamID{examination.SlitLamp},
			ConductedBy:         "examiner-1",
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if res.Visit.Status != visit.StatusCompleted || res.Visit.CompletionPercentage != 100 {
			t.Errorf("unexpected visit %s %d%%", res.Visit.Status, res.Visit.CompletionPercentage)
		}

		def, err := s.registry.Lookup(examination.VAS)
		if err != nil {
			return err
		}
		both, err := def.Store.GetBothEyes(ctx, id)
		if err != nil {
			return err
		}
		if !both.Sides().Both() {
			t.Errorf("expected both VAS eyes stored, got %+v", both)
		}

		if _, err := s.sync.Load(ctx, id); !errors.Is(err, draft.ErrDraftNotFound) {
			t.Errorf("draft should be cleared, got %v", err)
		}
		return nil
	})
}

func TestPGSink_StoresAuditEvents(t *testing.T) {
	tenant := newTenant(t, "audit")
	sink := audit.NewPGSink(globalDB.Pool)
	ctx := context.Background()
	visitID := uuid.New()

	err := sink.RecordDeviation(ctx, audit.DeviationEvent{
		TenantID:   tenant,
		VisitID:    visitID,
		Kind:       string(visit.KindMissedWindow),
		Severity:   string(visit.SeverityMajor),
		DetectedAt: day(2024, 1, 20),
	})
	if err != nil {
		t.Fatalf("record deviation: %v", err)
	}
	if err := sink.RecordAccess(ctx, audit.AccessEvent{TenantID: tenant, UserID: "monitor-1", Action: "read", ResourceType: "studies"}); err != nil {
		t.Fatalf("record access: %v", err)
	}

	inTenant(t, tenant, func(ctx context.Context) error {
		var n int
		if err := db.Conn(ctx, globalDB.Pool).QueryRow(ctx,
			`SELECT COUNT(*) FROM trial_audit_event WHERE visit_id = $1 AND severity = 'major'`, visitID).Scan(&n); err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("expected 1 deviation row, got %d", n)
		}
		if err := db.Conn(ctx, globalDB.Pool).QueryRow(ctx,
			`SELECT COUNT(*) FROM trial_audit_event WHERE event_type = $1 AND visit_id IS NULL`, audit.TypeAccess).Scan(&n); err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("expected 1 access row, got %d", n)
		}
		return nil
	})
}
