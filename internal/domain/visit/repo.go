package visit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateBatch stores all visits or none of them.
	CreateBatch(ctx context.Context, visits []Visit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	ListBySurvey(ctx context.Context, surveyID uuid.UUID) ([]Visit, error)
	// Update writes v if its stored version still equals v.Version and bumps
	// v.Version; otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, v *Visit) error
	// ListOpenEndedBefore lists scheduled or in-progress visits whose window
	// ended before day.
	ListOpenEndedBefore(ctx context.Context, day time.Time, limit int) ([]Visit, error)
}

type DeviationRepository interface {
	// Append stores d unless a deviation of the same (visit, kind) exists.
	// It reports whether d was stored.
	Append(ctx context.Context, d ProtocolDeviation) (bool, error)
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]ProtocolDeviation, error)
	ListBySurvey(ctx context.Context, surveyID uuid.UUID) ([]ProtocolDeviation, error)
}

// Transactor runs fn atomically; repositories called with the ctx it passes
// join the transaction.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

// NoTx runs fn directly, for stores without transactions.
func NoTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
