// Package events writes the JSONL event stream of a sweep run.
//
// Each line is a self-contained envelope whose Data payload is interpreted
// according to Type. Consumers can follow a run with tail -f and a JSON
// parser; no line depends on an earlier one.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/fmaxsweep/pkg/job"
)

// Record types follow the pattern fmaxsweep.<type>.v<version>.
const (
	TypeJob     = "fmaxsweep.job.v1"
	TypeProbe   = "fmaxsweep.probe.v1"
	TypeSummary = "fmaxsweep.summary.v1"
	TypeError   = "fmaxsweep.error.v1"
)

// Record is the envelope for every line.
type Record struct {
	Type  string          `json:"type"`
	TS    time.Time       `json:"ts"`
	RunID string          `json:"run_id"`
	Data  json.RawMessage `json:"data"`
}

// JobRecord is emitted on every job state transition.
type JobRecord struct {
	JobID    string    `json:"job_id"`
	Dir      string    `json:"dir"`
	State    job.State `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	ExitCode int       `json:"exit_code"`
	FmaxMHz  int       `json:"fmax_mhz,omitempty"`
	Probes   int       `json:"probes,omitempty"`
	Note     string    `json:"note,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// NewJobRecord builds a JobRecord from j's current state.
func NewJobRecord(j *job.Job) *JobRecord {
	r := &JobRecord{
		JobID:    j.ID,
		Dir:      j.Dir,
		State:    j.State,
		Reason:   string(j.Reason),
		ExitCode: j.ExitCode,
		FmaxMHz:  j.Achieved,
		Probes:   j.Probes,
		Note:     j.Note,
	}
	if j.Err != nil {
		r.Error = j.Err.Error()
	}
	return r
}

// ProbeRecord is emitted after each judged frequency-search pass.
type ProbeRecord struct {
	JobID   string `json:"job_id"`
	FreqMHz int    `json:"freq_mhz"`
	Verdict string `json:"verdict"`
	Lower   int    `json:"lower_mhz"`
	Upper   int    `json:"upper_mhz"`
	Probe   int    `json:"probe"`
}

// SummaryRecord closes a run.
type SummaryRecord struct {
	Jobs      int `json:"jobs"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	ExitCode  int `json:"exit_code"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// ErrorRecord reports a problem that did not abort the run.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
	Entry   string `json:"entry,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeResolve  = "RESOLVE"
	ErrCodeDispatch = "DISPATCH"
	ErrCodeTool     = "TOOL"
	ErrCodeArchive  = "ARCHIVE"
	ErrCodeCommand  = "COMMAND"
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "events: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
