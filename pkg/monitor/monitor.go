// Package monitor polls running jobs: it samples their status files, detects
// process exit without blocking, and renders a live job list.
package monitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/pkg/dispatch"
	"github.com/3leaps/fmaxsweep/pkg/job"
)

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 5 * time.Second

// NoteToolErrors annotates jobs whose tool exited nonzero.
const NoteToolErrors = "terminated with errors"

// Process is the part of a running tool invocation the monitor needs.
type Process interface {
	Poll() (dispatch.ExitStatus, bool)
	Kill() error
}

// Tracked is one job under observation.
type Tracked struct {
	Job  *job.Job
	Proc Process

	// Pass marks a single synthesis pass of a longer-lived job (one probe of
	// a frequency search). Its exit is reported but does not finish the job.
	Pass bool
}

// Exit reports a tracked process that finished during a tick.
type Exit struct {
	*Tracked
	Status dispatch.ExitStatus
}

// Monitor samples job progress and completion.
//
// Monitor holds no job state of its own; callers own the tracked set and
// must not mutate it concurrently with Tick.
type Monitor struct {
	parser   ProgressParser
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Monitor. A zero interval selects DefaultInterval.
func New(parser ProgressParser, interval time.Duration, logger *zap.Logger) *Monitor {
	if parser == nil {
		parser = ProgressParserFunc(parseProgressV1)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{parser: parser, interval: interval, logger: logger, now: time.Now}
}

// Interval returns the poll interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Sample refreshes j.Progress from its status file. A missing or unparsable
// file reads as 0%.
func (m *Monitor) Sample(j *job.Job) {
	b, err := os.ReadFile(j.StatusPath)
	if err != nil {
		j.Progress = job.ProgressSample{}
		return
	}
	sample, ok := m.parser.ParseProgress(string(b))
	if !ok {
		j.Progress = job.ProgressSample{}
		return
	}
	j.Progress = sample
}

// Tick makes one non-blocking pass over tracked: it samples progress of
// every running job and collects the processes that exited. Jobs that are
// not Pass-tracked are moved to their terminal state.
func (m *Monitor) Tick(tracked []*Tracked) []Exit {
	var exits []Exit
	for _, t := range tracked {
		if t.Job.State != job.StateRunning {
			continue
		}
		m.Sample(t.Job)

		if t.Proc == nil {
			continue
		}
		st, done := t.Proc.Poll()
		if !done {
			continue
		}
		exits = append(exits, Exit{Tracked: t, Status: st})
		if !t.Pass {
			m.Finish(t.Job, st)
		}
	}
	return exits
}

// Finish applies the terminal state for an exited tool process.
func (m *Monitor) Finish(j *job.Job, st dispatch.ExitStatus) {
	now := m.now().UTC()
	if st.Code == 0 {
		j.Succeed(now)
		j.ExitCode = job.ExitOK
		m.logger.Info("Job succeeded", zap.String("job_id", j.ID))
		return
	}
	j.Note = NoteToolErrors
	j.ExitCode = job.ExitFailed
	j.Fail(job.ReasonToolError, fmt.Errorf("tool exited with code %d", st.Code), now)
	m.logger.Warn("Job failed", zap.String("job_id", j.ID), zap.Int("exit_code", st.Code))
}

// Run ticks every interval until no tracked job is running. Cancelling ctx
// kills the remaining processes and marks their jobs cancelled. Run never
// removes job directories.
func (m *Monitor) Run(ctx context.Context, tracked []*Tracked, onTick func()) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	active := append([]*Tracked(nil), tracked...)
	for {
		for _, e := range m.Tick(active) {
			active = remove(active, e.Tracked)
		}
		active = pruneFinished(active)
		if onTick != nil {
			onTick()
		}
		if len(active) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			for _, t := range active {
				Cancel(t, m.now().UTC())
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel kills t's process and marks the job failed(cancelled).
func Cancel(t *Tracked, now time.Time) {
	if t.Proc != nil {
		_ = t.Proc.Kill()
	}
	t.Job.Fail(job.ReasonCancelled, context.Canceled, now)
	t.Job.ExitCode = job.ExitFailed
}

func remove(active []*Tracked, t *Tracked) []*Tracked {
	for i, a := range active {
		if a == t {
			return append(active[:i], active[i+1:]...)
		}
	}
	return active
}

func pruneFinished(active []*Tracked) []*Tracked {
	out := active[:0]
	for _, t := range active {
		if !t.Job.State.Terminal() {
			out = append(out, t)
		}
	}
	return out
}
