package jobregistry

import (
	"path/filepath"

	"github.com/3leaps/fmaxsweep/pkg/job"
)

// FromJob snapshots a job into a record for the given run.
func FromJob(j *job.Job, runID string, pid int) *JobRecord {
	rec := &JobRecord{
		JobID:      j.ID,
		Target:     j.Target,
		Arch:       j.Arch,
		State:      JobState(j.State),
		Reason:     string(j.Reason),
		ExitCode:   j.ExitCode,
		RunID:      runID,
		PID:        pid,
		Dir:        j.Dir,
		FmaxSearch: j.Fmax != nil,
		FmaxMHz:    j.Achieved,
		Probes:     j.Probes,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		EndedAt:    j.EndedAt,
		StdoutPath: filepath.Join(j.Dir, job.StdoutFile),
		StderrPath: filepath.Join(j.Dir, job.StderrFile),
	}
	if j.Err != nil {
		rec.Error = j.Err.Error()
	}
	if j.State.Terminal() {
		rec.PID = 0
	}
	return rec
}
