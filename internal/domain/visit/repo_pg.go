package visit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/platform/db"
)

// =========== Visit Repository ===========

type visitRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &visitRepoPG{pool: pool}
}

func (r *visitRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const visitCols = `id, survey_id, patient_id, study_id, organization_id, visit_number,
	visit_name, visit_type, scheduled_date, window_start_date, window_end_date, actual_date,
	status, status_reason, examination_order, required_examinations, optional_examinations,
	completed_examinations, skipped_examinations, completion_percentage, protocol_deviations,
	conducted_by, version, created_at, updated_at`

func (r *visitRepoPG) scanVisit(row pgx.Row) (*Visit, error) {
	var (
		v                                             Visit
		status                                        string
		order, required, optional, completed, skipped []string
	)
	err := row.Scan(&v.ID, &v.SurveyID, &v.PatientID, &v.StudyID, &v.OrganizationID, &v.VisitNumber,
		&v.VisitName, &v.VisitType, &v.ScheduledDate, &v.WindowStartDate, &v.WindowEndDate, &v.ActualDate,
		&status, &v.StatusReason, &order, &required, &optional,
		&completed, &skipped, &v.CompletionPercentage, &v.ProtocolDeviations,
		&v.ConductedBy, &v.Version, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVisitNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Status = Status(status)
	v.ExaminationOrder = examIDs(order)
	v.RequiredExaminations = examIDs(required)
	v.OptionalExaminations = examIDs(optional)
	v.CompletedExaminations = examIDs(completed)
	v.SkippedExaminations = examIDs(skipped)
	if v.ProtocolDeviations == nil {
		v.ProtocolDeviations = []uuid.UUID{}
	}
	return &v, nil
}

func (r *visitRepoPG) CreateBatch(ctx context.Context, visits []Visit) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		for i := range visits {
			v := &visits[i]
			v.Version = 1
			err := r.conn(ctx).QueryRow(ctx, `
				INSERT INTO visit (id, survey_id, patient_id, study_id, organization_id, visit_number,
					visit_name, visit_type, scheduled_date, window_start_date, window_end_date,
					status, examination_order, required_examinations, optional_examinations, version)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
				RETURNING created_at, updated_at`,
				v.ID, v.SurveyID, v.PatientID, v.StudyID, v.OrganizationID, v.VisitNumber,
				v.VisitName, v.VisitType, v.ScheduledDate, v.WindowStartDate, v.WindowEndDate,
				string(v.Status), strs(v.ExaminationOrder), strs(v.RequiredExaminations), strs(v.OptionalExaminations), v.Version,
			).Scan(&v.CreatedAt, &v.UpdatedAt)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23505" {
					return fmt.Errorf("visit %d of survey %s already exists: %w", v.VisitNumber, v.SurveyID, err)
				}
				return fmt.Errorf("insert visit %d: %w", v.VisitNumber, err)
			}
		}
		return nil
	})
}

func (r *visitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return r.scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id))
}

func (r *visitRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]Visit, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Visit
	for rows.Next() {
		v, err := r.scanVisit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *v)
	}
	return items, rows.Err()
}

func (r *visitRepoPG) ListBySurvey(ctx context.Context, surveyID uuid.UUID) ([]Visit, error) {
	return r.list(ctx, `SELECT `+visitCols+` FROM visit WHERE survey_id = $1 ORDER BY visit_number`, surveyID)
}

func (r *visitRepoPG) ListOpenEndedBefore(ctx context.Context, day time.Time, limit int) ([]Visit, error) {
	return r.list(ctx, `SELECT `+visitCols+` FROM visit
		WHERE status IN ('scheduled', 'in_progress') AND window_end_date < $1
		ORDER BY window_end_date, id LIMIT $2`, day, limit)
}

func (r *visitRepoPG) Update(ctx context.Context, v *Visit) error {
	var updatedAt time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE visit SET actual_date=$3, status=$4, status_reason=$5,
			completed_examinations=$6, skipped_examinations=$7, completion_percentage=$8,
			protocol_deviations=$9, conducted_by=$10, version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2
		RETURNING updated_at`,
		v.ID, v.Version, v.ActualDate, string(v.Status), v.StatusReason,
		strs(v.CompletedExaminations), strs(v.SkippedExaminations), v.CompletionPercentage,
		v.ProtocolDeviations, v.ConductedBy,
	).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM visit WHERE id = $1)`, v.ID).Scan(&exists); qerr != nil {
			return qerr
		}
		if !exists {
			return ErrVisitNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	v.Version++
	v.UpdatedAt = updatedAt
	return nil
}

// =========== Deviation Repository ===========

type deviationRepoPG struct{ pool *pgxpool.Pool }

func NewDeviationRepoPG(pool *pgxpool.Pool) DeviationRepository {
	return &deviationRepoPG{pool: pool}
}

func (r *deviationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const deviationCols = `id, visit_id, survey_id, severity, kind, detected_at, description`

func (r *deviationRepoPG) Append(ctx context.Context, d ProtocolDeviation) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO protocol_deviation (`+deviationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (visit_id, kind) DO NOTHING`,
		d.ID, d.VisitID, d.SurveyID, string(d.Severity), string(d.Kind), d.DetectedAt, d.Description)
	if err != nil {
		return false, fmt.Errorf("append deviation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *deviationRepoPG) list(ctx context.Context, where string, arg uuid.UUID) ([]ProtocolDeviation, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+deviationCols+` FROM protocol_deviation WHERE `+where+` = $1 ORDER BY detected_at, kind`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProtocolDeviation
	for rows.Next() {
		var (
			d              ProtocolDeviation
			severity, kind string
		)
		if err := rows.Scan(&d.ID, &d.VisitID, &d.SurveyID, &severity, &kind, &d.DetectedAt, &d.Description); err != nil {
			return nil, err
		}
		d.Severity, d.Kind = Severity(severity), DeviationKind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *deviationRepoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]ProtocolDeviation, error) {
	return r.list(ctx, "visit_id", visitID)
}

func (r *deviationRepoPG) ListBySurvey(ctx context.Context, surveyID uuid.UUID) ([]ProtocolDeviation, error) {
	return r.list(ctx, "survey_id", surveyID)
}

func strs(ids []examination.ExamID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func examIDs(s []string) []examination.ExamID {
	out := make([]examination.ExamID, len(s))
	for i, id := range s {
		out[i] = examination.ExamID(id)
	}
	return out
}
