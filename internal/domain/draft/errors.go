package draft

import (
	"fmt"

	"github.com/ehr/trialvisits/internal/domain/examination"
)

// SubmissionFailedError reports a fan-out write failure. Saved lists the
// examinations already persisted; the draft is kept so the caller can retry.
type SubmissionFailedError struct {
	Saved  []examination.ExamID
	Failed []examination.ExamID
	Err    error
}

func (e *SubmissionFailedError) Error() string {
	return fmt.Sprintf("submission failed: saved %v, failed %v: %v", e.Saved, e.Failed, e.Err)
}

func (e *SubmissionFailedError) Unwrap() error { return e.Err }
