package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/fmaxsweep/internal/config"
	"github.com/3leaps/fmaxsweep/internal/observability"
	"github.com/3leaps/fmaxsweep/internal/server"
	"github.com/3leaps/fmaxsweep/pkg/archive"
	"github.com/3leaps/fmaxsweep/pkg/dispatch"
	"github.com/3leaps/fmaxsweep/pkg/engine"
	"github.com/3leaps/fmaxsweep/pkg/events"
	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/jobregistry"
	"github.com/3leaps/fmaxsweep/pkg/jobset"
	"github.com/3leaps/fmaxsweep/pkg/monitor"
	"github.com/3leaps/fmaxsweep/pkg/resolve"
)

var runCmd = &cobra.Command{
	Use:   "run <jobset>",
	Short: "Run the jobs of a job set",
	Long: `Resolve a YAML or JSON job set into jobs and run them.

Jobs whose directory holds a completed result are skipped unless --overwrite
is given. Jobs with partial output are re-run only after confirmation, or
with --proceed-incomplete / --yes.

The process exits with the most severe job exit code:
  0 success, -1 configuration error, -2 unconstrained design,
  -3 timing always met, -4 timing always violated.

Example:
  fmaxsweep run sweep.yaml
  fmaxsweep run sweep.yaml --max-concurrency 8 --events events.jsonl
  fmaxsweep run sweep.yaml --serve --port 8089`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runMaxConcurrency    int
	runWorkDir           string
	runOverwrite         bool
	runProceedIncomplete bool
	runYes               bool
	runEvents            string
	runServe             bool
	runHost              string
	runPort              int
	runArchive           bool
	runNoProgress        bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runMaxConcurrency, "max-concurrency", "c", 0, "Maximum concurrently running jobs (default from config)")
	runCmd.Flags().StringVar(&runWorkDir, "work-dir", "", "Override the job set's work directory")
	runCmd.Flags().BoolVar(&runOverwrite, "overwrite", false, "Re-run jobs that already have results")
	runCmd.Flags().BoolVar(&runProceedIncomplete, "proceed-incomplete", false, "Re-run jobs with partial output without asking")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Answer yes to confirmation prompts")
	runCmd.Flags().StringVar(&runEvents, "events", "", "Write JSONL event records to this file (- for stdout)")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Start the control server")
	runCmd.Flags().StringVar(&runHost, "host", "", "Control server host (default from config)")
	runCmd.Flags().IntVar(&runPort, "port", -1, "Control server port (default from config, 0 picks a free port)")
	runCmd.Flags().BoolVar(&runArchive, "archive", false, "Publish results of succeeded jobs to the configured archive")
	runCmd.Flags().BoolVar(&runNoProgress, "no-progress", false, "Disable the live job list")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	logger := observability.CLILogger
	out := cmd.OutOrStdout()

	set, err := loadJobSet(args[0], runWorkDir)
	if err != nil {
		logger.Error("Failed to load job set", zap.String("path", args[0]), zap.Error(err))
		return exitError(job.ExitConfig, "Invalid job set", err)
	}

	opts := resolve.Options{
		Overwrite:         runOverwrite || set.Overwrite,
		ProceedIncomplete: runProceedIncomplete,
	}
	r := resolve.New(set, logger)
	res := r.Resolve(set.Jobs, opts)

	if len(res.Incomplete) > 0 && !opts.Overwrite && !opts.ProceedIncomplete {
		ok := runYes
		if !ok {
			ok, err = confirm(cmd.InOrStdin(), out,
				fmt.Sprintf("%d job(s) have partial results from an earlier run. Re-run them?", len(res.Incomplete)))
			if err != nil {
				return exitError(foundry.ExitInvalidArgument, "Confirmation failed", err)
			}
		}
		if ok {
			opts.ProceedIncomplete = true
			res = r.Resolve(set.Jobs, opts)
		}
	}

	for _, e := range res.Errors {
		logger.Warn("Skipping job set entry", zap.String("entry", e.Entry), zap.String("job_id", e.JobID), zap.Error(e.Err))
	}
	_, _ = fmt.Fprintf(out, "Resolved %d job(s): %d to run, %d cached, %d incomplete, %d error(s)\n",
		len(res.New)+len(res.Cached)+len(res.Incomplete), len(res.Dispatch), len(res.Cached), len(res.Incomplete), len(res.Errors))

	runID := uuid.New().String()

	var evw events.Writer = events.Discard
	if runEvents != "" {
		w, cleanup, err := openEvents(runEvents, out, runID)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create events output", err)
		}
		defer cleanup()
		evw = w
	}
	for _, e := range res.Errors {
		if err := evw.WriteError(ctx, &events.ErrorRecord{
			Code:    events.ErrCodeResolve,
			Message: e.Err.Error(),
			JobID:   e.JobID,
			Entry:   e.Entry,
		}); err != nil {
			logger.Warn("Failed to write error record", zap.Error(err))
		}
	}

	if len(res.Dispatch) == 0 {
		_, _ = fmt.Fprintln(out, "Nothing to run.")
		if len(res.Errors) > 0 && len(res.New)+len(res.Cached)+len(res.Incomplete) == 0 {
			return exitError(job.ExitConfig, "No job could be resolved", errors.New("every entry failed to resolve"))
		}
		return nil
	}

	eng, err := buildEngine(cfg, set, r, res, runID, out)
	if err != nil {
		return err
	}
	eng.SetEvents(evw)

	if runArchive || cfg.Archive.Enabled {
		acfg := cfg.Archive
		if acfg.Path == "" && acfg.Provider == string(archive.TypeFile) {
			return exitError(foundry.ExitInvalidArgument, "Invalid archive configuration", errors.New("archive.path is required for the file provider"))
		}
		store, err := openArchive(ctx, acfg)
		if err != nil {
			logger.Error("Failed to open archive", zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open archive", err)
		}
		pub := archive.NewPublisher(store, acfg.Prefix, r.WorkRoot(), set.Tool.ReportsDir, logger)
		defer func() { _ = pub.Close() }()
		eng.SetPublisher(pub)
	}

	if runServe || cfg.Server.Enabled {
		srv, cleanup, err := startServer(cfg, eng)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start control server", err)
		}
		defer cleanup()
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Control server listening on %s\n", srv.Addr())
	}

	logger.Info("Starting sweep",
		zap.String("run_id", runID),
		zap.String("target", set.Target),
		zap.Int("jobs", len(res.Dispatch)),
		zap.Int("max_concurrency", maxConcurrency(cfg)))

	sum, err := eng.Run(ctx, res.Dispatch)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Sweep cancelled", zap.String("run_id", runID), zap.Int("succeeded", sum.Succeeded))
			printSummary(out, sum)
			return exitError(foundry.ExitSignalInt, "Sweep cancelled", err)
		}
		logger.Error("Sweep failed", zap.String("run_id", runID), zap.Error(err))
		return exitError(job.ExitConfig, "Sweep failed", err)
	}

	printSummary(out, sum)
	logger.Info("Sweep finished",
		zap.String("run_id", runID),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("exit_code", sum.ExitCode),
		zap.Duration("duration", sum.Duration))

	if sum.ExitCode != job.ExitOK {
		return &ExitCodeError{Code: sum.ExitCode}
	}
	return nil
}

func loadJobSet(path, workDir string) (*jobset.JobSet, error) {
	set, err := jobset.Load(path)
	if err != nil {
		return nil, err
	}
	if workDir != "" {
		set.Paths.Work = workDir
	}
	return set, nil
}

func maxConcurrency(cfg *config.Config) int {
	if runMaxConcurrency > 0 {
		return runMaxConcurrency
	}
	return cfg.Engine.MaxConcurrency
}

// buildEngine wires the dispatcher, monitor and search settings of a run.
func buildEngine(cfg *config.Config, set *jobset.JobSet, r *resolve.Resolver, res *resolve.Result, runID string, out io.Writer) (*engine.Engine, error) {
	logger := observability.CLILogger

	d := dispatch.New(dispatch.Config{
		ScriptsDir:      set.Path(set.Paths.Scripts),
		BuildScripts:    set.Tool.BuildScripts,
		Command:         set.Tool.Command,
		Settings:        set.Tool.Settings,
		ContinueOnError: set.Tool.ContinueOnError,
		LaunchRate:      cfg.Engine.LaunchRate,
		RunID:           runID,
	}, jobregistry.NewStore(r.WorkRoot()), logger)

	parser, err := monitor.ProgressFormat(set.Tool.ProgressFormat)
	if err != nil {
		return nil, exitError(job.ExitConfig, "Invalid progress format", err)
	}
	m := monitor.New(parser, cfg.Engine.PollInterval, logger)

	ecfg := engine.Config{
		RunID:          runID,
		MaxConcurrency: maxConcurrency(cfg),
		LogTail:        cfg.Engine.LogTail,
		OpenHook:       openHook(cfg.Engine.OpenCommand, logger),
	}
	if needsSearch(res.Dispatch) {
		sc, err := searchConfig(set)
		if err != nil {
			return nil, exitError(job.ExitConfig, "Invalid frequency search settings", err)
		}
		ecfg.Search = sc
	}
	if !runNoProgress && runEvents != "-" && runEvents != "stdout" {
		display := monitor.NewDisplay(out)
		ecfg.OnTick = func(views []job.View) { _ = display.Draw(views) }
	}

	return engine.New(ecfg, d, m, logger), nil
}

func startServer(cfg *config.Config, ctl *engine.Engine) (*server.Server, func(), error) {
	host := cfg.Server.Host
	if runHost != "" {
		host = runHost
	}
	port := cfg.Server.Port
	if runPort >= 0 {
		port = runPort
	}

	srv := server.New(host, port, ctl,
		server.WithLogger(observability.CLILogger),
		server.WithVersion(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout))
	if err := srv.Start(); err != nil {
		return nil, nil, err
	}

	removeAddr, err := writeServerAddr(srv.Addr())
	if err != nil {
		observability.CLILogger.Warn("Failed to publish control server address", zap.Error(err))
		removeAddr = func() {}
	}
	return srv, func() {
		removeAddr()
		if err := srv.Shutdown(context.Background()); err != nil {
			observability.CLILogger.Warn("Control server shutdown failed", zap.Error(err))
		}
	}, nil
}

// confirm asks a yes/no question; anything but y/yes is no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	_, _ = fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func printSummary(out io.Writer, sum engine.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB\tSTATE\tREASON\tFMAX (MHz)\tEXIT")
	for _, v := range sum.Jobs {
		reason := string(v.Reason)
		if reason == "" {
			reason = "-"
		}
		fmaxMHz := "-"
		if v.FmaxMHz > 0 {
			fmaxMHz = fmt.Sprintf("%d", v.FmaxMHz)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", v.ID, v.State, reason, fmaxMHz, v.ExitCode)
	}
	_, _ = fmt.Fprintf(w, "\n%d succeeded, %d failed in %s\n", sum.Succeeded, sum.Failed, sum.Duration.Round(1e6))
}
