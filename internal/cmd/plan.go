package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/fmaxsweep/internal/observability"
	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/resolve"
)

var planCmd = &cobra.Command{
	Use:   "plan <jobset>",
	Short: "Show how a job set resolves without running it",
	Long: `Resolve a job set and print every job with its classification:

  new         no job directory yet; will run
  cached      completed result present; skipped unless --overwrite
  incomplete  partial output present; re-run only when confirmed
  error       the entry could not be resolved

Example:
  fmaxsweep plan sweep.yaml
  fmaxsweep plan sweep.yaml --json`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

var (
	planOverwrite bool
	planJSON      bool
	planWorkDir   string
)

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().BoolVar(&planOverwrite, "overwrite", false, "Plan as if --overwrite were given to run")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output as JSON")
	planCmd.Flags().StringVar(&planWorkDir, "work-dir", "", "Override the job set's work directory")
}

type planEntry struct {
	Class   string `json:"class"`
	JobID   string `json:"job_id,omitempty"`
	Entry   string `json:"entry,omitempty"`
	Dir     string `json:"dir,omitempty"`
	Fmax    string `json:"fmax,omitempty"`
	Run     bool   `json:"run"`
	Message string `json:"message,omitempty"`
}

type planOutput struct {
	Target  string      `json:"target"`
	WorkDir string      `json:"work_dir"`
	Jobs    []planEntry `json:"jobs"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	set, err := loadJobSet(args[0], planWorkDir)
	if err != nil {
		return exitError(job.ExitConfig, "Invalid job set", err)
	}

	r := resolve.New(set, observability.CLILogger)
	res := r.Resolve(set.Jobs, resolve.Options{Overwrite: planOverwrite || set.Overwrite})

	plan := buildPlan(res)
	plan.Target = set.Target
	plan.WorkDir = r.WorkRoot()

	if planJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(plan); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write plan", err)
		}
		return nil
	}
	printPlan(cmd.OutOrStdout(), plan)
	return nil
}

func buildPlan(res *resolve.Result) planOutput {
	run := make(map[string]bool, len(res.Dispatch))
	for _, j := range res.Dispatch {
		run[j.ID] = true
	}

	var out planOutput
	add := func(class string, jobs []*job.Job) {
		for _, j := range jobs {
			e := planEntry{Class: class, JobID: j.ID, Dir: j.Dir, Run: run[j.ID]}
			if j.Fmax != nil {
				e.Fmax = fmt.Sprintf("[%d,%d] ±%d", j.Fmax.Lower, j.Fmax.Upper, j.Fmax.Tolerance)
			}
			out.Jobs = append(out.Jobs, e)
		}
	}
	add("new", res.New)
	add("cached", res.Cached)
	add("incomplete", res.Incomplete)
	for _, e := range res.Errors {
		out.Jobs = append(out.Jobs, planEntry{Class: "error", JobID: e.JobID, Entry: e.Entry, Message: e.Err.Error()})
	}
	return out
}

func printPlan(w io.Writer, plan planOutput) {
	_, _ = fmt.Fprintf(w, "Target:   %s\n", plan.Target)
	_, _ = fmt.Fprintf(w, "Work dir: %s\n\n", plan.WorkDir)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CLASS\tJOB\tRUN\tFMAX SEARCH\tDETAIL")
	toRun := 0
	for _, e := range plan.Jobs {
		id := e.JobID
		if id == "" {
			id = e.Entry
		}
		fmaxRange := e.Fmax
		if fmaxRange == "" {
			fmaxRange = "-"
		}
		detail := e.Message
		if detail == "" {
			detail = "-"
		}
		runMark := "no"
		if e.Run {
			runMark = "yes"
			toRun++
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Class, id, runMark, fmaxRange, detail)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "\n%d job(s) would run. Use 'fmaxsweep run' to execute.\n", toRun)
}
