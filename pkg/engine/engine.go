// Package engine runs a sweep: it admits jobs in waves bounded by the
// concurrency limit, drives frequency searches, polls progress and applies
// operator commands from a single coordinating loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/pkg/archive"
	"github.com/3leaps/fmaxsweep/pkg/control"
	"github.com/3leaps/fmaxsweep/pkg/dispatch"
	"github.com/3leaps/fmaxsweep/pkg/events"
	"github.com/3leaps/fmaxsweep/pkg/fmax"
	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/jobregistry"
	"github.com/3leaps/fmaxsweep/pkg/monitor"
	"github.com/3leaps/fmaxsweep/pkg/schedule"
)

// Defaults applied by New.
const (
	DefaultMaxConcurrency = 4
	DefaultLogTail        = 20
	DefaultQueueSize      = 16

	// stderrTail is the number of stderr lines attached to tool errors.
	stderrTail = 5
)

// ErrAlreadyRunning is returned by Run when called twice.
var ErrAlreadyRunning = errors.New("engine already running")

// Config configures an Engine.
type Config struct {
	RunID          string
	MaxConcurrency int

	// Search is required when any job carries frequency bounds.
	Search *fmax.SessionConfig

	// LogTail is the number of stdout lines returned with a snapshot.
	LogTail int

	// OpenHook handles the open command. When nil the job directory is
	// logged.
	OpenHook func(job.View) error

	// OnTick is called after every poll pass with the current job views.
	// It runs on the coordinating goroutine and must not block.
	OnTick func([]job.View)
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration_ns"`
	Jobs      []job.View    `json:"jobs"`
}

// entry is the engine's bookkeeping for one job.
type entry struct {
	job     *job.Job
	proc    *dispatch.Process
	tracked *monitor.Tracked
	session *fmax.Session

	// claimed is set once the job directory has been prepared.
	claimed bool
}

// Engine owns every job of one run. The coordinating goroutine is the only
// writer of job state and always writes under mu; Snapshot reads under mu.
type Engine struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	queue      *control.Queue
	events     events.Writer
	publisher  *archive.Publisher
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
	running bool

	archiving sync.WaitGroup
}

var _ control.Controller = (*Engine)(nil)

// New creates an Engine.
func New(cfg Config, d *dispatch.Dispatcher, m *monitor.Monitor, logger *zap.Logger) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = DefaultLogTail
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = monitor.New(nil, 0, logger)
	}
	return &Engine{
		cfg:        cfg,
		dispatcher: d,
		monitor:    m,
		queue:      control.NewQueue(DefaultQueueSize),
		events:     events.Discard,
		logger:     logger,
		now:        time.Now,
		byID:       make(map[string]*entry),
	}
}

// SetEvents directs job, probe and summary records to w.
func (e *Engine) SetEvents(w events.Writer) {
	if w == nil {
		w = events.Discard
	}
	e.events = w
}

// SetPublisher enables publishing the results of succeeded jobs.
func (e *Engine) SetPublisher(p *archive.Publisher) {
	e.publisher = p
}

// Submit queues cmd for the coordinating loop and waits for its result.
func (e *Engine) Submit(ctx context.Context, cmd control.Command) error {
	return e.queue.Submit(ctx, cmd)
}

// Snapshot returns a copy of every job's observable state. When logsJobID
// is set, the tail of that job's stdout log is included.
func (e *Engine) Snapshot(logsJobID string) (control.Snapshot, error) {
	e.mu.RLock()
	snap := control.Snapshot{RunID: e.cfg.RunID, Time: e.now().UTC(), Jobs: e.viewsLocked()}
	var dir string
	if logsJobID != "" {
		en, ok := e.byID[logsJobID]
		if !ok {
			e.mu.RUnlock()
			return snap, fmt.Errorf("%w: %s", control.ErrUnknownJob, logsJobID)
		}
		dir = en.job.Dir
	}
	e.mu.RUnlock()

	if dir != "" {
		lines, err := jobregistry.TailFile(filepath.Join(dir, job.StdoutFile), e.cfg.LogTail)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return snap, err
		}
		snap.Logs = lines
	}
	return snap, nil
}

func (e *Engine) viewsLocked() []job.View {
	views := make([]job.View, len(e.entries))
	for i, en := range e.entries {
		views[i] = en.job.View()
	}
	return views
}

// Run executes jobs and returns when every job is terminal or ctx ends. On
// cancellation live processes are killed, their jobs are marked cancelled
// and ctx's error is returned with the summary. Job directories are kept.
func (e *Engine) Run(ctx context.Context, jobs []*job.Job) (Summary, error) {
	started := e.now()
	if err := e.register(jobs); err != nil {
		return Summary{}, err
	}
	defer e.queue.Close()

	e.logger.Info("Starting run",
		zap.String("run_id", e.cfg.RunID),
		zap.Int("jobs", len(jobs)),
		zap.Int("max_concurrency", e.cfg.MaxConcurrency))

	waves := schedule.Chunk(e.entries, e.cfg.MaxConcurrency)
	var carry []*entry
	var runErr error
	for w := 0; w < len(waves) || len(carry) > 0; w++ {
		batch := carry
		drain := w >= len(waves)
		if !drain {
			batch = append(batch, waves[w]...)
			e.logger.Debug("Starting wave", zap.Int("wave", w+1), zap.Int("jobs", len(waves[w])), zap.Int("carried", len(carry)))
		} else {
			e.logger.Info("Waiting for paused jobs", zap.Int("jobs", len(carry)))
		}

		if runErr = e.runWave(ctx, batch, drain); runErr != nil {
			break
		}

		carry = carry[:0:0]
		for _, en := range batch {
			if en.job.State == job.StatePaused {
				carry = append(carry, en)
			}
		}
	}

	if runErr != nil {
		e.cancelAll()
	}
	e.archiving.Wait()

	sum := e.summary(e.now().Sub(started))
	e.emitSummary(ctx, sum)
	e.logger.Info("Run finished",
		zap.String("run_id", e.cfg.RunID),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("exit_code", sum.ExitCode))
	return sum, runErr
}

func (e *Engine) register(jobs []*job.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}
	e.running = true
	for _, j := range jobs {
		if _, dup := e.byID[j.ID]; dup {
			continue
		}
		if j.State == "" {
			j.State = job.StatePending
		}
		en := &entry{job: j}
		e.entries = append(e.entries, en)
		e.byID[j.ID] = en
	}
	return nil
}

// runWave loops until every job in batch is terminal, or terminal or paused
// unless drain is set. Each iteration applies at most one queued command,
// admits pending jobs into free slots and polls the running ones.
func (e *Engine) runWave(ctx context.Context, batch []*entry, drain bool) error {
	ticker := time.NewTicker(e.monitor.Interval())
	defer ticker.Stop()

	var next *control.Request
	for {
		if next == nil {
			if req, ok := e.queue.TryNext(); ok {
				next = &req
			}
		}
		if next != nil {
			next.Reply(e.apply(ctx, next.Command))
			next = nil
		}

		e.admit(ctx, batch)
		e.poll(ctx, batch)
		if e.cfg.OnTick != nil {
			e.mu.RLock()
			views := e.viewsLocked()
			e.mu.RUnlock()
			e.cfg.OnTick(views)
		}

		if waveDone(batch, drain) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case req := <-e.queue.C():
			next = &req
		}
	}
}

func waveDone(batch []*entry, drain bool) bool {
	for _, en := range batch {
		s := en.job.State
		if s.Terminal() || (s == job.StatePaused && !drain) {
			continue
		}
		return false
	}
	return true
}

// admit starts pending jobs while running jobs fill fewer than
// MaxConcurrency slots and the launch limiter allows it.
func (e *Engine) admit(ctx context.Context, batch []*entry) {
	running := 0
	for _, en := range batch {
		if en.job.State == job.StateRunning {
			running++
		}
	}
	for _, en := range batch {
		if running >= e.cfg.MaxConcurrency {
			return
		}
		if en.job.State != job.StatePending {
			continue
		}
		if !e.dispatcher.Allow() {
			return
		}
		e.start(ctx, en)
		if en.job.State == job.StateRunning {
			running++
		}
	}
}

// start prepares en's directory and launches its first pass.
func (e *Engine) start(ctx context.Context, en *entry) {
	j := en.job
	if j.Fmax != nil && e.cfg.Search == nil {
		e.fail(ctx, en, job.ReasonConfigError, job.ExitConfig, errors.New("frequency search is not configured"))
		return
	}

	if err := e.dispatcher.Prepare(ctx, j); err != nil {
		// A foreign directory must not receive our record.
		var conflict *dispatch.DirConflictError
		en.claimed = !errors.As(err, &conflict)
		if ctx.Err() != nil {
			e.fail(ctx, en, job.ReasonCancelled, job.ExitFailed, err)
			return
		}
		e.fail(ctx, en, job.ReasonDispatchError, job.ExitFailed, err)
		e.emitError(ctx, events.ErrCodeDispatch, j.ID, err)
		return
	}
	en.claimed = true

	if j.Fmax != nil {
		s, err := fmax.NewSession(j, *e.cfg.Search, e.logger)
		if err != nil {
			e.fail(ctx, en, job.ReasonConfigError, job.ExitConfig, err)
			return
		}
		s.SetLocker(&e.mu)
		en.session = s
		e.nextPass(ctx, en)
		return
	}

	e.mu.Lock()
	proc, err := e.dispatcher.Launch(j)
	if err == nil {
		en.proc = proc
		en.tracked = &monitor.Tracked{Job: j, Proc: proc}
	}
	e.mu.Unlock()
	if err != nil {
		e.fail(ctx, en, job.ReasonDispatchError, job.ExitFailed, err)
		e.emitError(ctx, events.ErrCodeDispatch, j.ID, err)
		return
	}
	e.emitJob(ctx, j)
}

// nextPass launches the next probe of en's frequency search, or finishes
// the job once the search is over.
func (e *Engine) nextPass(ctx context.Context, en *entry) {
	j := en.job
	for {
		// The session takes mu itself for job updates.
		freq, done := en.session.Begin()
		if done {
			en.session.Finish()
			e.mu.Lock()
			e.release(en)
			e.mu.Unlock()
			e.finish(ctx, en)
			return
		}

		e.mu.Lock()
		proc, err := e.dispatcher.Launch(j)
		if err != nil {
			e.mu.Unlock()
			en.session.Abort(err)
			e.emitError(ctx, events.ErrCodeDispatch, j.ID, err)
			continue
		}
		en.proc = proc
		en.tracked = &monitor.Tracked{Job: j, Proc: proc, Pass: true}
		e.mu.Unlock()

		if j.Probes == 0 {
			e.emitJob(ctx, j)
		}
		e.logger.Debug("Launched probe", zap.String("job_id", j.ID), zap.Int("freq_mhz", freq))
		return
	}
}

// poll samples progress of running jobs and handles the ones whose process
// exited.
func (e *Engine) poll(ctx context.Context, batch []*entry) {
	tracked := make([]*monitor.Tracked, 0, len(batch))
	owners := make(map[*monitor.Tracked]*entry, len(batch))
	for _, en := range batch {
		if en.tracked != nil {
			tracked = append(tracked, en.tracked)
			owners[en.tracked] = en
		}
	}
	if len(tracked) == 0 {
		return
	}

	e.mu.Lock()
	exits := e.monitor.Tick(tracked)
	e.mu.Unlock()

	for _, x := range exits {
		en := owners[x.Tracked]
		if !x.Pass {
			e.mu.Lock()
			e.release(en)
			e.mu.Unlock()
			e.finish(ctx, en)
			continue
		}

		e.mu.Lock()
		e.release(en)
		e.mu.Unlock()
		v := en.session.Complete(x.Status)
		iv := en.session.Controller().Interval()

		if v != fmax.Unknown {
			e.emitProbe(ctx, &events.ProbeRecord{
				JobID:   en.job.ID,
				FreqMHz: en.job.CurrentFreq,
				Verdict: v.String(),
				Lower:   iv.Lower,
				Upper:   iv.Upper,
				Probe:   en.job.Probes,
			})
		}
		e.nextPass(ctx, en)
	}
}

// release drops en's process handle. Callers hold mu.
func (e *Engine) release(en *entry) {
	en.proc = nil
	en.tracked = nil
}

// fail moves en to failed outside of any process exit.
func (e *Engine) fail(ctx context.Context, en *entry, reason job.Reason, code int, err error) {
	e.mu.Lock()
	en.job.ExitCode = code
	en.job.Fail(reason, err, e.now().UTC())
	e.release(en)
	e.mu.Unlock()

	e.logger.Warn("Job failed",
		zap.String("job_id", en.job.ID),
		zap.String("reason", string(reason)),
		zap.Error(err))
	e.finish(ctx, en)
}

// finish persists the terminal state of en and triggers publishing.
func (e *Engine) finish(ctx context.Context, en *entry) {
	j := en.job
	if j.Reason == job.ReasonToolError {
		tail, _ := jobregistry.TailFile(filepath.Join(j.Dir, job.StderrFile), stderrTail)
		if len(tail) > 0 {
			e.mu.Lock()
			j.Err = fmt.Errorf("%w: %s", j.Err, strings.Join(tail, " | "))
			e.mu.Unlock()
		}
		e.emitError(ctx, events.ErrCodeTool, j.ID, j.Err)
	}

	if en.claimed {
		e.dispatcher.Record(j, 0)
	}
	if j.State == job.StateSucceeded {
		if err := dispatch.MarkComplete(j); err != nil {
			e.logger.Warn("Failed to write completion marker", zap.String("job_id", j.ID), zap.Error(err))
		}
		e.publish(ctx, j)
	}
	e.emitJob(ctx, j)
}

// publish uploads j's results in the background. Failures are logged.
func (e *Engine) publish(ctx context.Context, j *job.Job) {
	if e.publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	e.archiving.Add(1)
	go func() {
		defer e.archiving.Done()
		n, err := e.publisher.Publish(ctx, j)
		if err != nil {
			e.logger.Warn("Failed to publish results", zap.String("job_id", j.ID), zap.Error(err))
			e.emitError(ctx, events.ErrCodeArchive, j.ID, err)
			return
		}
		e.logger.Info("Published results", zap.String("job_id", j.ID), zap.Int("objects", n))
	}()
}

// cancelAll kills live processes and marks every unfinished job cancelled.
func (e *Engine) cancelAll() {
	ctx := context.Background()
	now := e.now().UTC()

	var cancelled []*entry
	e.mu.Lock()
	for _, en := range e.entries {
		if en.job.State.Terminal() {
			continue
		}
		if en.tracked != nil {
			monitor.Cancel(en.tracked, now)
		} else {
			en.job.Fail(job.ReasonCancelled, context.Canceled, now)
			en.job.ExitCode = job.ExitFailed
		}
		e.release(en)
		cancelled = append(cancelled, en)
	}
	e.mu.Unlock()

	for _, en := range cancelled {
		e.finish(ctx, en)
	}
	if len(cancelled) > 0 {
		e.logger.Warn("Run cancelled", zap.Int("jobs", len(cancelled)))
	}
}

func (e *Engine) summary(d time.Duration) Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sum := Summary{RunID: e.cfg.RunID, Total: len(e.entries), Duration: d, Jobs: e.viewsLocked()}
	codes := make([]int, 0, len(e.entries))
	for _, en := range e.entries {
		switch en.job.State {
		case job.StateSucceeded:
			sum.Succeeded++
		case job.StateFailed:
			sum.Failed++
		}
		codes = append(codes, en.job.ExitCode)
	}
	sum.ExitCode = job.MostSevere(codes...)
	return sum
}
