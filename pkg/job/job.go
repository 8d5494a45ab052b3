// Package job defines the unit of work scheduled by the sweep engine: one
// architecture/parameter variant synthesized in its own working directory.
package job

import (
	"strings"
	"time"
)

// State is the lifecycle state of a job.
//
// NOTE: These values are persisted in job.json and exposed by the control
// API; treat them as a stable contract.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Reason qualifies a failed state.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonCancelled      Reason = "cancelled"
	ReasonToolError      Reason = "tool_error"
	ReasonDispatchError  Reason = "dispatch_error"
	ReasonConfigError    Reason = "config_error"
	ReasonUnconstrained  Reason = "unconstrained"
	ReasonAlwaysMet      Reason = "always_met"
	ReasonAlwaysViolated Reason = "always_violated"
)

// Exit codes reported for a run and for individual jobs.
const (
	ExitOK             = 0
	ExitFailed         = 1
	ExitConfig         = -1
	ExitUnconstrained  = -2
	ExitAlwaysMet      = -3
	ExitAlwaysViolated = -4
)

// severity orders exit codes from benign to most severe.
var severity = map[int]int{
	ExitOK:             0,
	ExitFailed:         1,
	ExitAlwaysViolated: 2,
	ExitAlwaysMet:      3,
	ExitUnconstrained:  4,
	ExitConfig:         5,
}

// MostSevere returns the most severe of codes, or ExitOK for none. Unknown
// codes rank with ExitFailed.
func MostSevere(codes ...int) int {
	worst, rank := ExitOK, 0
	for _, c := range codes {
		r, ok := severity[c]
		if !ok {
			r = severity[ExitFailed]
		}
		if r > rank {
			worst, rank = c, r
		}
	}
	return worst
}

// IDSeparator joins the architecture/parameter reference with each extra
// parameter-domain selection in a job identifier.
const IDSeparator = "+"

// Artifact file names inside a job directory.
const (
	StatusFile    = "status.log"
	CompleteFile  = ".complete"
	StdoutFile    = "stdout.log"
	StderrFile    = "stderr.log"
	SearchLogFile = "frequency_search.log"
	ReportMetDir  = "report_MET"
	ReportViolDir = "report_VIOLATED"
	TargetFile    = "target.txt"
	ArchFile      = "arch.txt"
)

// ProgressSample is a point-in-time reading of a job's status file.
type ProgressSample struct {
	Label      string  `json:"label,omitempty"`
	Percent    float64 `json:"percent"`
	Step       int     `json:"step"`
	TotalSteps int     `json:"total_steps"`
}

// Selection is one value picked from a parameter domain, e.g. width/8.
type Selection struct {
	Domain string `json:"domain"`
	Value  string `json:"value"`
}

func (s Selection) String() string {
	return s.Domain + "/" + s.Value
}

// Substitution copies the text between Start and Stop in a parameter file
// over the matching region of TargetFile inside the job directory.
type Substitution struct {
	SourceFile string
	TargetFile string
	Start      string
	Stop       string
	ReplaceAll bool
}

// Inputs are the resolved on-disk sources a job is materialized from.
type Inputs struct {
	ArchDir         string
	RTLDir          string
	TopLevelModule  string
	ClockSignal     string
	ResetSignal     string
	GenerateCommand string
	Substitutions   []Substitution
}

// Bounds configures a frequency search, in MHz.
type Bounds struct {
	Lower     int `json:"lower"`
	Upper     int `json:"upper"`
	Tolerance int `json:"tolerance"`
}

// Job is one architecture variant, optionally combined with selections from
// extra parameter domains.
//
// A Job's Dir is owned exclusively by that job. Job values are mutated only
// by the goroutine driving the run; observers read copies via View.
type Job struct {
	ID      string
	Arch    string
	Params  string
	Domains []Selection
	Target  string
	Inputs  Inputs

	Dir            string
	ConstraintPath string
	StatusPath     string
	CompletePath   string

	// Fmax is nil for plain synthesis jobs.
	Fmax *Bounds

	State    State
	Reason   Reason
	Progress ProgressSample
	Note     string
	ExitCode int
	Err      error

	// Probe bookkeeping for frequency-search jobs.
	Probes      int
	CurrentFreq int
	Achieved    int

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// FormatID builds a job identifier from its parts.
func FormatID(arch, params string, domains []Selection) string {
	var b strings.Builder
	b.WriteString(arch)
	b.WriteString("/")
	b.WriteString(params)
	for _, d := range domains {
		b.WriteString(IDSeparator)
		b.WriteString(d.String())
	}
	return b.String()
}

// Fail moves the job to failed with the given reason.
func (j *Job) Fail(reason Reason, err error, now time.Time) {
	j.State = StateFailed
	j.Reason = reason
	j.Err = err
	if j.EndedAt == nil {
		t := now
		j.EndedAt = &t
	}
}

// Succeed moves the job to succeeded and forces progress to 100%.
func (j *Job) Succeed(now time.Time) {
	j.State = StateSucceeded
	j.Reason = ReasonNone
	j.Progress.Percent = 100
	if j.Progress.TotalSteps > 0 {
		j.Progress.Step = j.Progress.TotalSteps
	}
	t := now
	j.EndedAt = &t
}

// View is a read-only copy of a job suitable for snapshots and rendering.
type View struct {
	ID          string         `json:"id"`
	Arch        string         `json:"arch"`
	Target      string         `json:"target"`
	Dir         string         `json:"dir"`
	State       State          `json:"state"`
	Reason      Reason         `json:"reason,omitempty"`
	Progress    ProgressSample `json:"progress"`
	Note        string         `json:"note,omitempty"`
	Error       string         `json:"error,omitempty"`
	ExitCode    int            `json:"exit_code"`
	FmaxSearch  bool           `json:"fmax_search"`
	Probes      int            `json:"probes,omitempty"`
	CurrentFreq int            `json:"current_freq_mhz,omitempty"`
	FmaxMHz     int            `json:"fmax_mhz,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}

// View returns a copy of the job's observable state.
func (j *Job) View() View {
	v := View{
		ID:          j.ID,
		Arch:        j.Arch,
		Target:      j.Target,
		Dir:         j.Dir,
		State:       j.State,
		Reason:      j.Reason,
		Progress:    j.Progress,
		Note:        j.Note,
		ExitCode:    j.ExitCode,
		FmaxSearch:  j.Fmax != nil,
		Probes:      j.Probes,
		CurrentFreq: j.CurrentFreq,
		FmaxMHz:     j.Achieved,
	}
	if j.Err != nil {
		v.Error = j.Err.Error()
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		v.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		v.EndedAt = &t
	}
	return v
}
