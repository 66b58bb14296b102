package autoscan

import (
	"errors"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
)

var (
	// ErrResumeInconsistency means a persisted session points at a step the
	// current pipeline does not have. Such sessions are failed closed.
	ErrResumeInconsistency = errors.New("persisted step is not part of the pipeline")
	ErrUnsupportedTarget   = errors.New("target type has no auto-scan pipeline")
	ErrInvalidConfig       = errors.New("invalid config snapshot")
	ErrCancelRequested     = core.ErrCancelRequested
)

// SubmissionError is returned when a job client could not start a job.
type SubmissionError struct {
	Tool string
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit %s job: %v", e.Tool, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// PollError is a status check that kept failing past the retry budget.
type PollError struct {
	ScanID   string
	Attempts int
	Err      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("polling scan %s failed %d times: %v", e.ScanID, e.Attempts, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}
