package jobregistry

import "time"

// JobState is the persisted lifecycle state of a synthesis job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStatePaused    JobState = "paused"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateUnknown   JobState = "unknown"
)

// Terminal reports whether the recorded job has finished.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// JobRecord is the persistent record written to <job dir>/job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
// The record doubles as the ownership marker of a job directory.
type JobRecord struct {
	JobID    string   `json:"job_id"`
	Target   string   `json:"target"`
	Arch     string   `json:"arch"`
	State    JobState `json:"state"`
	Reason   string   `json:"reason,omitempty"`
	Error    string   `json:"error,omitempty"`
	ExitCode int      `json:"exit_code"`
	RunID    string   `json:"run_id,omitempty"`
	PID      int      `json:"pid,omitempty"`
	Dir      string   `json:"dir"`

	FmaxSearch bool `json:"fmax_search,omitempty"`
	FmaxMHz    int  `json:"fmax_mhz,omitempty"`
	Probes     int  `json:"probes,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}
