// Package dispatch prepares isolated job directories and launches the
// external synthesis tool in them.
//
// Preparation happens in ordered steps: claim the directory, materialize
// scripts and RTL, substitute parameters, write identity files, rewrite
// build-script settings. Launch then starts the tool as a child process in
// its own process group so that it can be paused, resumed and killed as a
// unit.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/jobregistry"
)

// Config configures a Dispatcher.
type Config struct {
	// ScriptsDir holds the tool scripts copied into every job directory.
	ScriptsDir string

	// BuildScripts are the script files, relative to the job directory, whose
	// settings lines are rewritten. Empty means every regular file copied
	// from ScriptsDir.
	BuildScripts []string

	// Command is run via sh -c inside the job directory.
	Command string

	// Settings are extra name/value pairs rewritten into the build scripts.
	Settings map[string]string

	// ContinueOnError is rewritten into the build scripts.
	ContinueOnError bool

	// LaunchRate caps process launches per second. Zero means unlimited.
	LaunchRate float64

	// RunID is recorded in each job's registry record.
	RunID string
}

// Dispatcher prepares and launches jobs.
type Dispatcher struct {
	cfg      Config
	registry *jobregistry.Store
	logger   *zap.Logger
	limiter  *rate.Limiter
	now      func() time.Time
}

// New creates a Dispatcher. registry records ownership of job directories.
func New(cfg Config, registry *jobregistry.Store, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
	if cfg.LaunchRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), 1)
	}
	return d
}

// Allow reports whether a launch may happen now. It never blocks; a caller
// that is refused keeps the job pending and asks again on its next tick.
func (d *Dispatcher) Allow() bool {
	if d.limiter == nil {
		return true
	}
	return d.limiter.Allow()
}

// Prepare runs every preparation step for j. A failure leaves the directory
// as-is for inspection.
func (d *Dispatcher) Prepare(ctx context.Context, j *job.Job) error {
	if err := d.claim(j); err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func(context.Context, *job.Job) error
	}{
		{"copy scripts", d.copyScripts},
		{"materialize rtl", d.materializeRTL},
		{"substitute parameters", d.substitute},
		{"write metadata", d.writeMetadata},
		{"rewrite settings", d.rewriteSettings},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.fn(ctx, j); err != nil {
			return &StepError{JobID: j.ID, Step: step.name, Err: err}
		}
	}

	d.logger.Debug("Prepared job directory", zap.String("job_id", j.ID), zap.String("dir", j.Dir))
	return nil
}

// claim creates the job directory or verifies that an existing one belongs
// to j, then records ownership.
func (d *Dispatcher) claim(j *job.Job) error {
	st, err := os.Stat(j.Dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(j.Dir, 0755); err != nil {
			return &StepError{JobID: j.ID, Step: "create dir", Err: err}
		}
	case err != nil:
		return &StepError{JobID: j.ID, Step: "create dir", Err: err}
	case !st.IsDir():
		return &DirConflictError{JobID: j.ID, Path: j.Dir}
	case d.registry != nil && d.registry.Owned(j.Dir, j.ID):
		if err := resetOutputs(j); err != nil {
			return &StepError{JobID: j.ID, Step: "reset outputs", Err: err}
		}
	case isEmptyDir(j.Dir):
	default:
		conflict := &DirConflictError{JobID: j.ID, Path: j.Dir}
		if d.registry != nil {
			if rec, err := d.registry.Get(j.Dir); err == nil {
				conflict.Owner = rec.JobID
			}
		}
		return conflict
	}

	if d.registry == nil {
		return nil
	}
	if err := d.registry.Write(jobregistry.FromJob(j, d.cfg.RunID, 0)); err != nil {
		return &StepError{JobID: j.ID, Step: "write record", Err: err}
	}
	return nil
}

// resetOutputs removes results of an earlier run so that they cannot be
// mistaken for the new run's.
func resetOutputs(j *job.Job) error {
	for _, name := range []string{
		job.CompleteFile,
		job.StatusFile,
		job.SearchLogFile,
		job.StdoutFile,
		job.StderrFile,
		job.ReportMetDir,
		job.ReportViolDir,
	} {
		if err := os.RemoveAll(filepath.Join(j.Dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) copyScripts(_ context.Context, j *job.Job) error {
	if d.cfg.ScriptsDir == "" {
		return nil
	}
	return CopyTree(d.cfg.ScriptsDir, j.Dir)
}

func (d *Dispatcher) materializeRTL(ctx context.Context, j *job.Job) error {
	if cmd := j.Inputs.GenerateCommand; cmd != "" {
		return d.generate(ctx, j, cmd)
	}
	if j.Inputs.RTLDir == "" {
		return nil
	}
	dst := filepath.Join(j.Dir, "rtl")
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return CopyTree(j.Inputs.RTLDir, dst)
}

func (d *Dispatcher) substitute(_ context.Context, j *job.Job) error {
	for _, sub := range j.Inputs.Substitutions {
		if err := applySubstitution(j.Dir, sub); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) writeMetadata(_ context.Context, j *job.Job) error {
	if err := os.WriteFile(filepath.Join(j.Dir, job.TargetFile), []byte(j.Target+"\n"), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(j.Dir, job.ArchFile), []byte(j.Arch+"\n"), 0644)
}

func (d *Dispatcher) rewriteSettings(_ context.Context, j *job.Job) error {
	settings := d.jobSettings(j)
	if len(settings) == 0 {
		return nil
	}

	scripts := d.cfg.BuildScripts
	if len(scripts) == 0 {
		var err error
		scripts, err = listFiles(d.cfg.ScriptsDir)
		if err != nil {
			return err
		}
	}
	for _, rel := range scripts {
		path := filepath.Join(j.Dir, rel)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			d.logger.Warn("Build script not found", zap.String("job_id", j.ID), zap.String("path", path))
			continue
		}
		changed, err := RewriteSettingsFile(path, settings)
		if err != nil {
			return err
		}
		if changed {
			d.logger.Debug("Rewrote build script settings", zap.String("job_id", j.ID), zap.String("path", path))
		}
	}
	return nil
}

// jobSettings is the per-job set of settings rewritten into build scripts.
func (d *Dispatcher) jobSettings(j *job.Job) map[string]string {
	s := make(map[string]string, len(d.cfg.Settings)+8)
	for k, v := range d.cfg.Settings {
		s[k] = v
	}
	put := func(k, v string) {
		if v != "" {
			s[k] = v
		}
	}
	put("top_level_module", j.Inputs.TopLevelModule)
	put("clock_signal", j.Inputs.ClockSignal)
	put("reset_signal", j.Inputs.ResetSignal)
	put("rtl_dir", filepath.Join(j.Dir, "rtl"))
	put("constraint_file", j.ConstraintPath)
	s["continue_on_error"] = boolSetting(d.cfg.ContinueOnError)
	if j.Fmax != nil {
		s["lower_bound"] = strconv.Itoa(j.Fmax.Lower)
		s["upper_bound"] = strconv.Itoa(j.Fmax.Upper)
	}
	return s
}

func boolSetting(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Launch starts the tool for j. Each call starts a fresh pass; stdout and
// stderr are appended to the job's log files so that repeated passes of a
// frequency search keep their history.
func (d *Dispatcher) Launch(j *job.Job) (*Process, error) {
	if strings.TrimSpace(d.cfg.Command) == "" {
		return nil, fmt.Errorf("%s: tool command is empty", j.ID)
	}
	p, err := Start(j.Dir, d.cfg.Command)
	if err != nil {
		return nil, &StepError{JobID: j.ID, Step: "launch", Err: err}
	}

	now := d.now().UTC()
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.State = job.StateRunning

	if d.registry != nil {
		if err := d.registry.Write(jobregistry.FromJob(j, d.cfg.RunID, p.Pid())); err != nil {
			d.logger.Warn("Failed to update job record", zap.String("job_id", j.ID), zap.Error(err))
		}
	}

	d.logger.Info("Launched job",
		zap.String("job_id", j.ID),
		zap.Int("pid", p.Pid()),
		zap.String("dir", j.Dir))
	return p, nil
}

// Record persists j's current state to its registry record.
func (d *Dispatcher) Record(j *job.Job, pid int) {
	if d.registry == nil {
		return
	}
	if err := d.registry.Write(jobregistry.FromJob(j, d.cfg.RunID, pid)); err != nil {
		d.logger.Warn("Failed to update job record", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// MarkComplete writes the completion marker consulted by later runs.
func MarkComplete(j *job.Job) error {
	return os.WriteFile(j.CompletePath, nil, 0644)
}

func isEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}
