// Package examination holds the per-examination-type data stores. Every
// examination type (visual acuity, slit lamp, ...) persists its own per-eye
// records, addressed by (visit, eye side), and is reached through a Registry
// built once at startup.
package examination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExamID names an examination type, e.g. "visual_acuity".
type ExamID string

// EyeSide is the eye an examination record belongs to.
type EyeSide string

const (
	Right EyeSide = "right"
	Left  EyeSide = "left"
)

func (s EyeSide) Valid() bool { return s == Right || s == Left }

var ErrUnknownExamination = errors.New("unknown examination")

// EyeData is the examination payload for one eye. Its schema belongs to the
// examination type and is opaque here.
type EyeData map[string]any

// Empty reports whether there is nothing to persist.
func (d EyeData) Empty() bool { return len(d) == 0 }

// Equal compares payloads by their canonical JSON encoding.
func (d EyeData) Equal(o EyeData) bool {
	if d.Empty() || o.Empty() {
		return d.Empty() == o.Empty()
	}
	a, errA := json.Marshal(d)
	b, errB := json.Marshal(o)
	return errA == nil && errB == nil && string(a) == string(b)
}

// Clone deep-copies the payload through JSON.
func (d EyeData) Clone() EyeData {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		out := make(EyeData, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	var out EyeData
	_ = json.Unmarshal(raw, &out)
	return out
}

// Record is one stored examination result for one eye of one visit.
type Record struct {
	ID        uuid.UUID `json:"id"`
	VisitID   uuid.UUID `json:"visit_id"`
	ExamID    ExamID    `json:"examination_id"`
	EyeSide   EyeSide   `json:"eye_side"`
	Data      EyeData   `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BothEyes groups the records of one examination type for one visit.
type BothEyes struct {
	VisitID uuid.UUID `json:"visit_id"`
	ExamID  ExamID    `json:"examination_id"`
	Right   *Record   `json:"right,omitempty"`
	Left    *Record   `json:"left,omitempty"`
}

// Side returns the record for side, or nil.
func (b BothEyes) Side(side EyeSide) *Record {
	if side == Right {
		return b.Right
	}
	return b.Left
}

// Sides reports which eyes have stored, non-empty data.
func (b BothEyes) Sides() Sides {
	return Sides{
		Right: b.Right != nil && !b.Right.Data.Empty(),
		Left:  b.Left != nil && !b.Left.Data.Empty(),
	}
}

// Sides records eye coverage for one examination.
type Sides struct {
	Right bool `json:"right"`
	Left  bool `json:"left"`
}

func (s Sides) Any() bool  { return s.Right || s.Left }
func (s Sides) Both() bool { return s.Right && s.Left }

// Store is the capability every examination type's storage provides. Writes
// are upserts keyed by (visit, eye side), so repeating one is harmless. A nil
// or empty side is left untouched.
type Store interface {
	SaveBothEyes(ctx context.Context, visitID uuid.UUID, right, left EyeData) (BothEyes, error)
	GetBothEyes(ctx context.Context, visitID uuid.UUID) (BothEyes, error)
	CompareAcrossVisits(ctx context.Context, visitIDs []uuid.UUID) ([]BothEyes, error)
}

// Definition binds an examination type to its store.
type Definition struct {
	ID        ExamID `json:"id"`
	Name      string `json:"name"`
	SingleEye bool   `json:"single_eye"`
	Store     Store  `json:"-"`
}

func unknown(id ExamID) error {
	return fmt.Errorf("%w: %s", ErrUnknownExamination, id)
}
