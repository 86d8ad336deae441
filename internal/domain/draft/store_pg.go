package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/trialvisits/internal/domain/examination"
	"github.com/ehr/trialvisits/internal/platform/db"
)

type pgStore struct{ pool *pgxpool.Pool }

// NewPGStore keeps drafts in the tenant's visit_draft table.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const draftCols = `visit_id, form_data, current_step, total_steps, completed_steps,
	examination_order, version, last_saved_at, auto_saved`

func scanDraft(row pgx.Row) (*Draft, error) {
	var (
		d     Draft
		form  []byte
		order []string
	)
	err := row.Scan(&d.VisitID, &form, &d.CurrentStep, &d.TotalSteps, &d.CompletedSteps,
		&order, &d.Version, &d.LastSavedAt, &d.AutoSaved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(form, &d.FormData); err != nil {
		return nil, fmt.Errorf("decode draft form data: %w", err)
	}
	if d.CompletedSteps == nil {
		d.CompletedSteps = []string{}
	}
	d.ExaminationOrder = make([]examination.ExamID, len(order))
	for i, id := range order {
		d.ExaminationOrder[i] = examination.ExamID(id)
	}
	return &d, nil
}

func (s *pgStore) Get(ctx context.Context, visitID uuid.UUID) (*Draft, error) {
	return scanDraft(s.conn(ctx).QueryRow(ctx, `SELECT `+draftCols+` FROM visit_draft WHERE visit_id = $1`, visitID))
}

func encode(d *Draft) ([]byte, []string, error) {
	form, err := json.Marshal(d.FormData)
	if err != nil {
		return nil, nil, fmt.Errorf("encode draft form data: %w", err)
	}
	order := make([]string, len(d.ExaminationOrder))
	for i, id := range d.ExaminationOrder {
		order[i] = string(id)
	}
	return form, order, nil
}

func (s *pgStore) Put(ctx context.Context, d *Draft) error {
	form, order, err := encode(d)
	if err != nil {
		return err
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_draft (`+draftCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
		ON CONFLICT (visit_id) DO UPDATE SET
			form_data = EXCLUDED.form_data, current_step = EXCLUDED.current_step,
			total_steps = EXCLUDED.total_steps, completed_steps = EXCLUDED.completed_steps,
			examination_order = EXCLUDED.examination_order, version = visit_draft.version + 1,
			last_saved_at = EXCLUDED.last_saved_at, auto_saved = EXCLUDED.auto_saved
		RETURNING version`,
		d.VisitID, form, d.CurrentStep, d.TotalSteps, d.CompletedSteps, order, d.LastSavedAt, d.AutoSaved,
	).Scan(&d.Version)
}

func (s *pgStore) CompareAndSwap(ctx context.Context, d *Draft, expected int64) (bool, *Draft, error) {
	form, order, err := encode(d)
	if err != nil {
		return false, nil, err
	}
	err = s.conn(ctx).QueryRow(ctx, `
		UPDATE visit_draft SET form_data = $3, current_step = $4, total_steps = $5,
			completed_steps = $6, examination_order = $7, version = version + 1,
			last_saved_at = $8, auto_saved = $9
		WHERE visit_id = $1 AND version = $2
		RETURNING version`,
		d.VisitID, expected, form, d.CurrentStep, d.TotalSteps, d.CompletedSteps, order, d.LastSavedAt, d.AutoSaved,
	).Scan(&d.Version)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, err
	}
	cur, err := s.Get(ctx, d.VisitID)
	if errors.Is(err, ErrDraftNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return false, cur, nil
}

func (s *pgStore) Delete(ctx context.Context, visitID uuid.UUID) error {
	_, err := s.conn(ctx).Exec(ctx, `DELETE FROM visit_draft WHERE visit_id = $1`, visitID)
	return err
}
