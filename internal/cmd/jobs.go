package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job directories of past and running sweeps",
	Long: `Inspect the job.json records kept in every job directory.

These commands read the work directory only; they work whether or not a
sweep is running. Use 'fmaxsweep ctl' to steer a running sweep.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show tool logs for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete directories of old finished jobs",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsCmd.PersistentFlags().String("root", "", "Work directory to scan (default: engine.work_dir)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("state", "", "Only show jobs in this state")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, search, or both")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole file)")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func jobsStore(cmd *cobra.Command) (*jobregistry.Store, error) {
	root, _ := cmd.Flags().GetString("root")
	root = strings.TrimSpace(root)
	if root == "" {
		cfg, err := currentConfig(cmd.Context())
		if err != nil {
			return nil, err
		}
		root = cfg.Engine.WorkDir
	}
	return jobregistry.NewStore(root), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateFilter, _ := cmd.Flags().GetString("state")
	out := cmd.OutOrStdout()

	store, err := jobsStore(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	jobs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}
	if stateFilter != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.State) == stateFilter {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if jobs == nil {
			jobs = []jobregistry.JobRecord{}
		}
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tTARGET\tSTATE\tREASON\tFMAX\tSTARTED\tENDED\tRUN")
	for _, j := range jobs {
		reason := j.Reason
		if reason == "" {
			reason = "-"
		}
		fmaxMHz := "-"
		if j.FmaxMHz > 0 {
			fmaxMHz = fmt.Sprintf("%d MHz", j.FmaxMHz)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID,
			j.Target,
			j.State,
			reason,
			fmaxMHz,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			shortRunID(j.RunID),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	store, err := jobsStore(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	rec, err := store.Find(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "target=%s\n", rec.Target)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.Reason != "" {
		_, _ = fmt.Fprintf(out, "reason=%s\n", rec.Reason)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	_, _ = fmt.Fprintf(out, "exit_code=%d\n", rec.ExitCode)
	_, _ = fmt.Fprintf(out, "dir=%s\n", rec.Dir)
	if rec.FmaxSearch {
		_, _ = fmt.Fprintf(out, "fmax_mhz=%d\n", rec.FmaxMHz)
		_, _ = fmt.Fprintf(out, "probes=%d\n", rec.Probes)
	}
	if rec.RunID != "" {
		_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	out := cmd.OutOrStdout()

	store, err := jobsStore(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	rec, err := store.Find(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	stdoutPath := rec.StdoutPath
	if stdoutPath == "" {
		stdoutPath = filepath.Join(rec.Dir, job.StdoutFile)
	}
	stderrPath := rec.StderrPath
	if stderrPath == "" {
		stderrPath = filepath.Join(rec.Dir, job.StderrFile)
	}

	var paths []string
	switch stream {
	case "", "stdout":
		paths = []string{stdoutPath}
	case "stderr":
		paths = []string{stderrPath}
	case "search":
		paths = []string{filepath.Join(rec.Dir, job.SearchLogFile)}
	case "both":
		paths = []string{stdoutPath, stderrPath}
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value",
			fmt.Errorf("expected stdout, stderr, search, or both; got %q", stream))
	}

	for _, p := range paths {
		if err := printLogTail(out, p, tailN); err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read log", err)
		}
	}
	return nil
}

func printLogTail(w io.Writer, path string, tailN int) error {
	if tailN <= 0 {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(w, f)
		return err
	}

	lines, err := jobregistry.TailFile(path, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("must be > 0"))
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	out := cmd.OutOrStdout()

	store, err := jobsStore(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	jobs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}

	now := time.Now().UTC()
	deleted := 0
	for _, j := range jobs {
		if j.EndedAt == nil || now.Sub(j.EndedAt.UTC()) <= maxAge {
			continue
		}
		// Only finished jobs, or jobs whose process vanished.
		if !j.State.Terminal() && j.State != jobregistry.JobStateUnknown {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(j.Dir); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to remove job dir", err)
			}
		}
		deleted++
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", deleted)
	return nil
}

func shortRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "-"
	}
	if len(runID) <= 8 {
		return runID
	}
	return runID[:8]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
