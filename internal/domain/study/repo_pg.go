package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/trialvisits/internal/platform/db"
)

// =========== Study Repository ===========

type studyRepoPG struct{ pool *pgxpool.Pool }

func NewStudyRepoPG(pool *pgxpool.Pool) StudyRepository {
	return &studyRepoPG{pool: pool}
}

func (r *studyRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const studyCols = `id, organization_id, protocol_number, title, description, sponsor_name,
	status, visit_template, activated_at, created_at, updated_at`

func (r *studyRepoPG) scanStudy(row pgx.Row) (*Study, error) {
	var (
		s        Study
		status   string
		template []byte
	)
	err := row.Scan(&s.ID, &s.OrganizationID, &s.ProtocolNumber, &s.Title, &s.Description, &s.SponsorName,
		&status, &template, &s.ActivatedAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStudyNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	if err := json.Unmarshal(template, &s.VisitTemplate); err != nil {
		return nil, fmt.Errorf("decode visit template: %w", err)
	}
	return &s, nil
}

func (r *studyRepoPG) Create(ctx context.Context, s *Study) error {
	s.ID = uuid.New()
	template, err := json.Marshal(s.VisitTemplate)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO study (id, organization_id, protocol_number, title, description, sponsor_name, status, visit_template)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		s.ID, s.OrganizationID, s.ProtocolNumber, s.Title, s.Description, s.SponsorName, string(s.Status), template,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *studyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	return r.scanStudy(r.conn(ctx).QueryRow(ctx, `SELECT `+studyCols+` FROM study WHERE id = $1`, id))
}

func (r *studyRepoPG) Update(ctx context.Context, s *Study) error {
	template, err := json.Marshal(s.VisitTemplate)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE study SET title=$2, description=$3, sponsor_name=$4, status=$5,
			visit_template=$6, activated_at=$7, updated_at=NOW()
		WHERE id = $1`,
		s.ID, s.Title, s.Description, s.SponsorName, string(s.Status), template, s.ActivatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStudyNotFound
	}
	return nil
}

func (r *studyRepoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Study, int, error) {
	where, args := ``, []interface{}{}
	if status != "" {
		where, args = ` WHERE status = $1`, append(args, string(status))
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM study`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s FROM study%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		studyCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Study
	for rows.Next() {
		s, err := r.scanStudy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// =========== Survey Repository ===========

type surveyRepoPG struct{ pool *pgxpool.Pool }

func NewSurveyRepoPG(pool *pgxpool.Pool) SurveyRepository {
	return &surveyRepoPG{pool: pool}
}

func (r *surveyRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const surveyCols = `id, study_id, patient_id, organization_id, baseline_date, expected_completion_date,
	status, status_reason, enrolled_by, created_at, updated_at`

func (r *surveyRepoPG) scanSurvey(row pgx.Row) (*Survey, error) {
	var (
		s      Survey
		status string
	)
	err := row.Scan(&s.ID, &s.StudyID, &s.PatientID, &s.OrganizationID, &s.BaselineDate, &s.ExpectedCompletionDate,
		&status, &s.StatusReason, &s.EnrolledBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSurveyNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = SurveyStatus(status)
	return &s, nil
}

func (r *surveyRepoPG) Create(ctx context.Context, s *Survey) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO survey (id, study_id, patient_id, organization_id, baseline_date,
			expected_completion_date, status, enrolled_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		s.ID, s.StudyID, s.PatientID, s.OrganizationID, s.BaselineDate,
		s.ExpectedCompletionDate, string(s.Status), s.EnrolledBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyEnrolled
	}
	return err
}

func (r *surveyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Survey, error) {
	return r.scanSurvey(r.conn(ctx).QueryRow(ctx, `SELECT `+surveyCols+` FROM survey WHERE id = $1`, id))
}

func (r *surveyRepoPG) Update(ctx context.Context, s *Survey) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE survey SET status=$2, status_reason=$3, updated_at=NOW()
		WHERE id = $1`,
		s.ID, string(s.Status), s.StatusReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSurveyNotFound
	}
	return nil
}

func (r *surveyRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Survey, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Survey
	for rows.Next() {
		s, err := r.scanSurvey(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *surveyRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Survey, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM survey WHERE study_id = $1`, studyID).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, `SELECT `+surveyCols+` FROM survey WHERE study_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, studyID, limit, offset)
	return items, total, err
}

func (r *surveyRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Survey, error) {
	return r.list(ctx, `SELECT `+surveyCols+` FROM survey WHERE patient_id = $1 ORDER BY baseline_date`, patientID)
}
