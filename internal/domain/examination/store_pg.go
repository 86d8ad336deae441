package examination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/trialvisits/internal/platform/db"
)

var validExamID = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// TableName is the table holding records of one examination type.
func TableName(id ExamID) (string, error) {
	if !validExamID.MatchString(string(id)) {
		return "", fmt.Errorf("invalid examination id %q", id)
	}
	return "exam_" + string(id), nil
}

type pgStore struct {
	pool  *pgxpool.Pool
	exam  ExamID
	table string
}

// NewPGStore returns the Postgres store for one examination type. Each type
// owns a table exam_<id> with UNIQUE(visit_id, eye_side).
func NewPGStore(pool *pgxpool.Pool, exam ExamID) (Store, error) {
	table, err := TableName(exam)
	if err != nil {
		return nil, err
	}
	return &pgStore{pool: pool, exam: exam, table: table}, nil
}

const recordCols = `id, visit_id, eye_side, data, created_at, updated_at`

func (s *pgStore) scan(row pgx.Row) (*Record, error) {
	var (
		rec  Record
		side string
		raw  []byte
	)
	if err := row.Scan(&rec.ID, &rec.VisitID, &side, &raw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.ExamID = s.exam
	rec.EyeSide = EyeSide(side)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.Data); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", s.exam, err)
		}
	}
	return &rec, nil
}

func (s *pgStore) SaveBothEyes(ctx context.Context, visitID uuid.UUID, right, left EyeData) (BothEyes, error) {
	out := BothEyes{VisitID: visitID, ExamID: s.exam}
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context) error {
		for _, side := range []struct {
			eye  EyeSide
			data EyeData
			dst  **Record
		}{{Right, right, &out.Right}, {Left, left, &out.Left}} {
			if side.data.Empty() {
				continue
			}
			rec, err := s.upsert(ctx, visitID, side.eye, side.data)
			if err != nil {
				return err
			}
			*side.dst = rec
		}
		return nil
	})
	if err != nil {
		return BothEyes{}, err
	}
	return out, nil
}

func (s *pgStore) upsert(ctx context.Context, visitID uuid.UUID, side EyeSide, data EyeData) (*Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s data: %w", s.exam, side, err)
	}
	row := db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO `+s.table+` (id, visit_id, eye_side, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (visit_id, eye_side)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
		RETURNING `+recordCols,
		uuid.New(), visitID, string(side), raw)
	rec, err := s.scan(row)
	if err != nil {
		return nil, fmt.Errorf("save %s %s: %w", s.exam, side, err)
	}
	return rec, nil
}

func (s *pgStore) GetBothEyes(ctx context.Context, visitID uuid.UUID) (BothEyes, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		`SELECT `+recordCols+` FROM `+s.table+` WHERE visit_id = $1`, visitID)
	if err != nil {
		return BothEyes{}, fmt.Errorf("get %s: %w", s.exam, err)
	}
	defer rows.Close()

	out := BothEyes{VisitID: visitID, ExamID: s.exam}
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return BothEyes{}, err
		}
		switch rec.EyeSide {
		case Right:
			out.Right = rec
		case Left:
			out.Left = rec
		}
	}
	return out, rows.Err()
}

func (s *pgStore) CompareAcrossVisits(ctx context.Context, visitIDs []uuid.UUID) ([]BothEyes, error) {
	if len(visitIDs) == 0 {
		return nil, errors.New("at least one visit is required")
	}
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		`SELECT `+recordCols+` FROM `+s.table+` WHERE visit_id = ANY($1)`, visitIDs)
	if err != nil {
		return nil, fmt.Errorf("compare %s: %w", s.exam, err)
	}
	defer rows.Close()

	byVisit := make(map[uuid.UUID]*BothEyes, len(visitIDs))
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		b, ok := byVisit[rec.VisitID]
		if !ok {
			b = &BothEyes{VisitID: rec.VisitID, ExamID: s.exam}
			byVisit[rec.VisitID] = b
		}
		if rec.EyeSide == Right {
			b.Right = rec
		} else {
			b.Left = rec
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]BothEyes, 0, len(visitIDs))
	for _, id := range visitIDs {
		if b, ok := byVisit[id]; ok {
			out = append(out, *b)
		} else {
			out = append(out, BothEyes{VisitID: id, ExamID: s.exam})
		}
	}
	return out, nil
}
