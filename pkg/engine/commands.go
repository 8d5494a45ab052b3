package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/pkg/control"
	"github.com/3leaps/fmaxsweep/pkg/dispatch"
	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/monitor"
)

// apply executes one operator command on the coordinating goroutine.
func (e *Engine) apply(ctx context.Context, cmd control.Command) error {
	e.mu.RLock()
	en, ok := e.byID[cmd.JobID]
	e.mu.RUnlock()
	if !ok {
		e.logger.Warn("Command for unknown job", zap.String("command", string(cmd.Kind)), zap.String("job_id", cmd.JobID))
		return fmt.Errorf("%w: %s", control.ErrUnknownJob, cmd.JobID)
	}

	var err error
	switch cmd.Kind {
	case control.KindPause:
		err = e.pause(ctx, en)
	case control.KindStart:
		err = e.resume(ctx, en)
	case control.KindKill:
		err = e.kill(ctx, en)
	case control.KindOpen:
		err = e.open(en)
	default:
		err = fmt.Errorf("%w: %q", control.ErrUnknownCommand, cmd.Kind)
	}
	if err != nil {
		e.logger.Warn("Command failed", zap.Stringer("command", cmd), zap.Error(err))
		return err
	}
	e.logger.Info("Command applied", zap.Stringer("command", cmd))
	return nil
}

// pause stops a running job's process group and frees its slot.
func (e *Engine) pause(ctx context.Context, en *entry) error {
	if en.job.State != job.StateRunning || en.proc == nil {
		return fmt.Errorf("%w: %s is %s", control.ErrInvalidState, en.job.ID, en.job.State)
	}
	if err := en.proc.Pause(); err != nil {
		if errors.Is(err, dispatch.ErrUnsupported) {
			e.logger.Warn("Pause is not supported on this platform", zap.String("job_id", en.job.ID))
			return nil
		}
		return err
	}

	e.mu.Lock()
	en.job.State = job.StatePaused
	e.mu.Unlock()
	e.dispatcher.Record(en.job, en.proc.Pid())
	e.emitJob(ctx, en.job)
	return nil
}

// resume continues a paused job. Other states are left alone.
func (e *Engine) resume(ctx context.Context, en *entry) error {
	if en.job.State != job.StatePaused || en.proc == nil {
		return nil
	}
	if err := en.proc.Resume(); err != nil {
		return err
	}

	e.mu.Lock()
	en.job.State = job.StateRunning
	e.mu.Unlock()
	e.dispatcher.Record(en.job, en.proc.Pid())
	e.emitJob(ctx, en.job)
	return nil
}

// kill terminates a job's process group and marks it cancelled. A pending
// job is cancelled before it ever starts.
func (e *Engine) kill(ctx context.Context, en *entry) error {
	if en.job.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", control.ErrInvalidState, en.job.ID, en.job.State)
	}

	e.mu.Lock()
	if en.tracked != nil {
		monitor.Cancel(en.tracked, e.now().UTC())
	} else {
		en.job.Fail(job.ReasonCancelled, context.Canceled, e.now().UTC())
		en.job.ExitCode = job.ExitFailed
	}
	e.release(en)
	en.session = nil
	e.mu.Unlock()

	e.finish(ctx, en)
	return nil
}

// open hands the job to the configured hook. It never changes scheduling
// state, and a failing hook is only logged.
func (e *Engine) open(en *entry) error {
	e.mu.RLock()
	v := en.job.View()
	e.mu.RUnlock()

	if e.cfg.OpenHook == nil {
		e.logger.Info("Job directory", zap.String("job_id", v.ID), zap.String("dir", v.Dir))
		return nil
	}
	if err := e.cfg.OpenHook(v); err != nil {
		e.logger.Warn("Open hook failed", zap.String("job_id", v.ID), zap.String("dir", v.Dir), zap.Error(err))
	}
	return nil
}
