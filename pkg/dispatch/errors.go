package dispatch

import (
	"errors"
	"fmt"
)

// Sentinel errors for dispatch operations.
var (
	// ErrForeignDir indicates the job directory path is occupied by something
	// that does not belong to the job.
	ErrForeignDir = errors.New("path exists and is not owned by this job")

	// ErrDelimiterNotFound indicates a substitution target lacks the
	// configured start/stop delimiters.
	ErrDelimiterNotFound = errors.New("delimiters not found")

	// ErrUnsupported indicates a process control operation the platform
	// cannot perform.
	ErrUnsupported = errors.New("operation not supported on this platform")

	// ErrNotStarted indicates a process operation on a job with no process.
	ErrNotStarted = errors.New("process not started")
)

// DirConflictError reports a job directory that cannot be claimed.
type DirConflictError struct {
	// JobID is the job that tried to claim the directory.
	JobID string

	// Path is the conflicting path.
	Path string

	// Owner is the job id found in an existing record, if any.
	Owner string
}

// Error implements the error interface.
func (e *DirConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("%s: %s is owned by job %s", e.JobID, e.Path, e.Owner)
	}
	return fmt.Sprintf("%s: %s: %v", e.JobID, e.Path, ErrForeignDir)
}

// Unwrap lets errors.Is match ErrForeignDir.
func (e *DirConflictError) Unwrap() error {
	return ErrForeignDir
}

// StepError identifies which preparation step failed for a job.
type StepError struct {
	JobID string
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.JobID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
