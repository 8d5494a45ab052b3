package fmax

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/pkg/dispatch"
	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/monitor"
)

// FinalLinePrefix starts the last line of a converged search log.
const FinalLinePrefix = "Highest frequency with timing constraints being met:"

// SessionConfig describes the on-disk side of a search.
type SessionConfig struct {
	Explore      bool
	SafetyMargin int
	MaxProbes    int

	Template *ConstraintTemplate
	Timing   monitor.TimingParser

	// ReportsDir and TimingReport are relative to the job directory.
	ReportsDir   string
	TimingReport string
}

// Session binds a Controller to one job's directory: it writes the
// constraint before each pass, judges the timing report after it, keeps the
// search log and archives the reports of each verdict.
//
// Disk work runs without the session's locker. Only changes to the job's
// observable fields take it.
type Session struct {
	job    *job.Job
	cfg    SessionConfig
	ctrl   *Controller
	logger *zap.Logger
	now    func() time.Time
	freq   int
	mu     sync.Locker
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// NewSession starts a search for j using j.Fmax as bounds.
func NewSession(j *job.Job, cfg SessionConfig, logger *zap.Logger) (*Session, error) {
	if j.Fmax == nil {
		return nil, fmt.Errorf("%s: job has no frequency bounds", j.ID)
	}
	if cfg.Template == nil || cfg.Timing == nil {
		return nil, fmt.Errorf("%s: constraint template and timing parser are required", j.ID)
	}
	ctrl, err := New(Config{
		Lower:        j.Fmax.Lower,
		Upper:        j.Fmax.Upper,
		Tolerance:    j.Fmax.Tolerance,
		Explore:      cfg.Explore,
		SafetyMargin: cfg.SafetyMargin,
		MaxProbes:    cfg.MaxProbes,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", j.ID, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{job: j, cfg: cfg, ctrl: ctrl, logger: logger, now: time.Now, mu: noLock{}}
	if err := os.WriteFile(s.logPath(), nil, 0644); err != nil {
		return nil, fmt.Errorf("%s: create search log: %w", j.ID, err)
	}
	return s, nil
}

// SetLocker guards job updates with l, typically the lock that readers of
// the job take.
func (s *Session) SetLocker(l sync.Locker) {
	if l == nil {
		l = noLock{}
	}
	s.mu = l
}

func (s *Session) update(fn func(j *job.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.job)
}

// Controller exposes the underlying stepper.
func (s *Session) Controller() *Controller {
	return s.ctrl
}

// Begin prepares the next pass. It returns the probe frequency, or done when
// the search has ended and Finish should be called.
func (s *Session) Begin() (int, bool) {
	f, done := s.ctrl.Next()
	if done {
		return 0, true
	}

	if err := s.cfg.Template.Write(s.job.ConstraintPath, f, s.job.Inputs.ClockSignal); err != nil {
		s.ctrl.Abort(fmt.Errorf("write constraint: %w", err))
		return 0, true
	}
	// A stale report must not be judged as this pass's result.
	_ = os.Remove(s.reportPath())
	_ = os.Remove(s.job.StatusPath)

	s.freq = f
	s.update(func(j *job.Job) { j.CurrentFreq = f })
	s.logger.Debug("Probing frequency", zap.String("job_id", s.job.ID), zap.Int("freq_mhz", f))
	return f, false
}

// Complete judges a finished pass and records its verdict.
func (s *Session) Complete(st dispatch.ExitStatus) Verdict {
	if st.Code != 0 {
		s.ctrl.Abort(fmt.Errorf("tool exited with code %d at %d MHz", st.Code, s.freq))
		return Unknown
	}

	v := Unknown
	if b, err := os.ReadFile(s.reportPath()); err == nil {
		v = Judge(s.cfg.Timing.ParseTiming(string(b)))
	}
	s.ctrl.Record(v)
	if v == Unknown {
		return v
	}

	s.update(func(j *job.Job) { j.Probes++ })
	s.appendLog(fmt.Sprintf("%d MHz: %s", s.freq, v))
	if err := s.archive(v); err != nil {
		s.logger.Warn("Failed to archive reports",
			zap.String("job_id", s.job.ID),
			zap.Int("freq_mhz", s.freq),
			zap.Error(err))
	}
	s.logger.Info("Probe finished",
		zap.String("job_id", s.job.ID),
		zap.Int("freq_mhz", s.freq),
		zap.String("verdict", v.String()))
	return v
}

// Abort ends the search with a tool error.
func (s *Session) Abort(err error) {
	s.ctrl.Abort(err)
}

// Finish writes the terminal result to the job directory, then applies it
// to the job.
func (s *Session) Finish() Result {
	if !s.ctrl.Done() {
		s.ctrl.Abort(errors.New("search finished early"))
	}
	res := s.ctrl.Result()
	j := s.job

	var note string
	if res.Outcome == OutcomeConverged {
		if err := s.restoreBest(); err != nil {
			s.logger.Warn("Failed to restore best reports", zap.String("job_id", j.ID), zap.Error(err))
		}
		if err := s.cfg.Template.Write(j.ConstraintPath, res.FmaxMHz, j.Inputs.ClockSignal); err != nil {
			s.logger.Warn("Failed to rewrite constraint", zap.String("job_id", j.ID), zap.Error(err))
		}
		s.appendLog(fmt.Sprintf("%s %d MHz", FinalLinePrefix, res.FmaxMHz))
	} else {
		var be *BoundaryError
		if errors.As(res.Err, &be) {
			note = be.Hint()
			s.appendLog(be.Error())
		}
	}

	now := s.now().UTC()
	s.update(func(j *job.Job) {
		j.ExitCode = res.Outcome.ExitCode()
		if res.FmaxMHz > 0 {
			j.Achieved = res.FmaxMHz
		}
		if res.Outcome != OutcomeConverged {
			if note != "" {
				j.Note = note
			}
			j.Fail(res.Outcome.Reason(), res.Err, now)
			return
		}
		j.CurrentFreq = res.FmaxMHz
		j.Succeed(now)
	})

	if res.Outcome != OutcomeConverged {
		s.logger.Warn("Frequency search failed",
			zap.String("job_id", j.ID),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(res.Err))
		return res
	}
	s.logger.Info("Frequency search converged",
		zap.String("job_id", j.ID),
		zap.Int("fmax_mhz", res.FmaxMHz),
		zap.Int("probes", res.Interval.Probes))
	return res
}

// Launcher starts one synthesis pass for a job.
type Launcher interface {
	Launch(j *job.Job) (*dispatch.Process, error)
}

// Run drives the whole search synchronously, one pass at a time.
func (s *Session) Run(ctx context.Context, l Launcher) (Result, error) {
	for {
		if _, done := s.Begin(); done {
			return s.Finish(), nil
		}
		p, err := l.Launch(s.job)
		if err != nil {
			s.Abort(err)
			continue
		}
		st, err := p.Wait(ctx)
		if err != nil {
			now := s.now().UTC()
			s.update(func(j *job.Job) {
				j.Fail(job.ReasonCancelled, err, now)
				j.ExitCode = job.ExitFailed
			})
			return s.ctrl.Result(), err
		}
		s.Complete(st)
	}
}

func (s *Session) logPath() string {
	return filepath.Join(s.job.Dir, job.SearchLogFile)
}

func (s *Session) reportPath() string {
	return filepath.Join(s.job.Dir, s.cfg.TimingReport)
}

func (s *Session) reportsDir() string {
	return filepath.Join(s.job.Dir, s.cfg.ReportsDir)
}

func (s *Session) appendLog(line string) {
	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.logger.Warn("Failed to open search log", zap.String("job_id", s.job.ID), zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = fmt.Fprintln(f, line)
}

// archive replaces report_MET or report_VIOLATED with this pass's reports.
// The latest MET pass is always the highest met frequency so far.
func (s *Session) archive(v Verdict) error {
	name := job.ReportMetDir
	if v == Violated {
		name = job.ReportViolDir
	}
	dst := filepath.Join(s.job.Dir, name)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	src := s.reportsDir()
	if _, err := os.Stat(src); err != nil {
		return err
	}
	return dispatch.CopyTree(src, dst)
}

// restoreBest copies report_MET back over the reports directory.
func (s *Session) restoreBest() error {
	src := filepath.Join(s.job.Dir, job.ReportMetDir)
	if _, err := os.Stat(src); err != nil {
		return err
	}
	dst := s.reportsDir()
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return dispatch.CopyTree(src, dst)
}
