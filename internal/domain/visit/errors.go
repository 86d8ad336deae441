package visit

import (
	"errors"
	"fmt"

	"github.com/ehr/trialvisits/internal/domain/examination"
)

var (
	ErrVisitNotFound         = errors.New("visit not found")
	ErrInvalidTransition     = errors.New("invalid visit status transition")
	ErrVisitClosed           = errors.New("visit is closed")
	ErrVersionConflict       = errors.New("visit was modified concurrently")
	ErrExaminationNotInVisit = errors.New("examination is not part of this visit")
)

// InvalidTemplateError is a template authoring defect. VisitNumber is zero
// when the defect is not tied to one entry.
type InvalidTemplateError struct {
	VisitNumber int
	Reason      string
}

func (e *InvalidTemplateError) Error() string {
	if e.VisitNumber == 0 {
		return "invalid visit template: " + e.Reason
	}
	return fmt.Sprintf("invalid visit template: visit %d: %s", e.VisitNumber, e.Reason)
}

type DuplicateVisitNumberError struct {
	VisitNumber int
}

func (e *DuplicateVisitNumberError) Error() string {
	return fmt.Sprintf("duplicate visit number %d in template", e.VisitNumber)
}

type CannotSkipRequiredExaminationError struct {
	ExamID examination.ExamID
}

func (e *CannotSkipRequiredExaminationError) Error() string {
	return fmt.Sprintf("examination %s is required and cannot be skipped", e.ExamID)
}

// StorageError wraps a repository failure. Callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// storage wraps err as a StorageError unless it is already a domain error.
func storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.Is(err, ErrVisitNotFound) || errors.Is(err, ErrVersionConflict) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
