package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/pkg/events"
	"github.com/3leaps/fmaxsweep/pkg/job"
)

// Event writes outlive run cancellation so the stream records how the run
// ended.

func (e *Engine) emitJob(ctx context.Context, j *job.Job) {
	e.mu.RLock()
	rec := events.NewJobRecord(j)
	e.mu.RUnlock()
	e.warnEmit(e.events.WriteJob(context.WithoutCancel(ctx), rec))
}

func (e *Engine) emitProbe(ctx context.Context, rec *events.ProbeRecord) {
	e.warnEmit(e.events.WriteProbe(context.WithoutCancel(ctx), rec))
}

func (e *Engine) emitError(ctx context.Context, code, jobID string, err error) {
	if err == nil {
		return
	}
	e.warnEmit(e.events.WriteError(context.WithoutCancel(ctx), &events.ErrorRecord{
		Code:    code,
		Message: err.Error(),
		JobID:   jobID,
	}))
}

func (e *Engine) emitSummary(ctx context.Context, sum Summary) {
	e.warnEmit(e.events.WriteSummary(context.WithoutCancel(ctx), &events.SummaryRecord{
		Jobs:          sum.Total,
		Succeeded:     sum.Succeeded,
		Failed:        sum.Failed,
		ExitCode:      sum.ExitCode,
		Duration:      sum.Duration,
		DurationHuman: sum.Duration.Round(time.Millisecond).String(),
	}))
}

func (e *Engine) warnEmit(err error) {
	if err != nil {
		e.logger.Warn("Failed to write event", zap.Error(err))
	}
}
