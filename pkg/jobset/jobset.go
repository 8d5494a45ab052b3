// Package jobset provides loading and validation of fmaxsweep job sets.
//
// A job set is a YAML or JSON file naming the architecture variants to
// synthesize, the tool profile that synthesizes them, and the frequency
// search bounds. It is validated against an embedded JSON Schema before use.
//
// Example job set (YAML):
//
//	version: "1.0"
//	target: xc7a100t
//	paths:
//	  architectures: architectures
//	  scripts: scripts/vivado
//	tool:
//	  command: vivado -mode batch -source synth.tcl
//	  build_scripts: [synth.tcl]
//	  constraint_file: constraints.xdc
//	  timing_report: reports/timing.rpt
//	fmax:
//	  enabled: true
//	  lower_bound: 50
//	  upper_bound: 500
//	jobs:
//	  - arch: alu/*
//	  - arch: fifo/small
//	    domains: ["width/*", "depth/16"]
package jobset

import "strings"

// JobSet represents a validated job set.
type JobSet struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the job-set schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Target names the device/tool profile. It becomes the first path
	// component under the work directory and is written to target.txt.
	Target string `json:"target" yaml:"target"`

	// Overwrite re-runs jobs whose results already exist.
	Overwrite bool `json:"overwrite,omitempty" yaml:"overwrite,omitempty"`

	Paths PathsConfig `json:"paths" yaml:"paths"`
	Tool  ToolConfig  `json:"tool" yaml:"tool"`
	Fmax  FmaxConfig  `json:"fmax,omitempty" yaml:"fmax,omitempty"`
	Jobs  []Entry     `json:"jobs" yaml:"jobs"`

	// baseDir is the directory of the job-set file; relative paths resolve
	// against it.
	baseDir string
}

// PathsConfig locates the inputs and outputs of a sweep.
type PathsConfig struct {
	// Architectures holds one directory per architecture.
	Architectures string `json:"architectures" yaml:"architectures"`

	// Scripts holds the tool scripts copied into every job directory.
	Scripts string `json:"scripts" yaml:"scripts"`

	// Work is the root of the job directories. Default: "work".
	Work string `json:"work,omitempty" yaml:"work,omitempty"`
}

// ToolConfig describes how the external synthesis tool is invoked and what it
// produces.
type ToolConfig struct {
	// Command is run through sh -c inside the job directory.
	Command string `json:"command" yaml:"command"`

	// BuildScripts are the copied script files whose settings lines are
	// rewritten per job.
	BuildScripts []string `json:"build_scripts,omitempty" yaml:"build_scripts,omitempty"`

	// ConstraintFile is the frequency constraint artifact, relative to the job
	// directory.
	ConstraintFile string `json:"constraint_file,omitempty" yaml:"constraint_file,omitempty"`

	// ConstraintTemplate renders the constraint file. Placeholders:
	// {frequency}, {period}, {period_expr}, {clock}.
	ConstraintTemplate string `json:"constraint_template,omitempty" yaml:"constraint_template,omitempty"`

	// ReportsDir is where the tool writes its reports, relative to the job
	// directory.
	ReportsDir string `json:"reports_dir,omitempty" yaml:"reports_dir,omitempty"`

	// TimingReport is the timing summary read after each pass.
	TimingReport string `json:"timing_report,omitempty" yaml:"timing_report,omitempty"`

	// TimingFormat selects the timing report parser.
	TimingFormat string `json:"timing_format,omitempty" yaml:"timing_format,omitempty"`

	// ProgressFormat selects the status.log parser version.
	ProgressFormat string `json:"progress_format,omitempty" yaml:"progress_format,omitempty"`

	// ContinueOnError is passed to the build scripts as a setting.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`

	// Settings are extra name/value pairs rewritten into the build scripts.
	Settings map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// FmaxConfig configures the frequency search. Bounds are in MHz.
type FmaxConfig struct {
	Enabled      bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	LowerBound   int  `json:"lower_bound,omitempty" yaml:"lower_bound,omitempty"`
	UpperBound   int  `json:"upper_bound,omitempty" yaml:"upper_bound,omitempty"`
	Tolerance    int  `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Explore      bool `json:"explore,omitempty" yaml:"explore,omitempty"`
	SafetyMargin int  `json:"safety_margin,omitempty" yaml:"safety_margin,omitempty"`
	MaxProbes    int  `json:"max_probes,omitempty" yaml:"max_probes,omitempty"`
}

// Entry is one declarative job reference. Arch is "<arch>/<params>" or
// "<arch>/*"; each domain is "<domain>/<value>" or "<domain>/*".
type Entry struct {
	Arch    string   `json:"arch" yaml:"arch"`
	Domains []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

// String renders the entry the way it appears in job identifiers.
func (e Entry) String() string {
	if len(e.Domains) == 0 {
		return e.Arch
	}
	return e.Arch + "+" + strings.Join(e.Domains, "+")
}

// Default values for optional fields.
const (
	DefaultVersion            = "1.0"
	DefaultWorkDir            = "work"
	DefaultConstraintFile     = "constraints.xdc"
	DefaultConstraintTemplate = "create_clock -period {period_expr} -name {clock} [get_ports {clock}]"
	DefaultReportsDir         = "reports"
	DefaultTimingReport       = "reports/timing.rpt"
	DefaultTimingFormat       = "generic"
	DefaultProgressFormat     = "v1"
	DefaultLowerBound         = 50
	DefaultUpperBound         = 500
	DefaultTolerance          = 1
	DefaultSafetyMargin       = 5
	DefaultMaxProbes          = 64
)

// ApplyDefaults fills in default values for optional fields.
func (s *JobSet) ApplyDefaults() {
	if s.Paths.Work == "" {
		s.Paths.Work = DefaultWorkDir
	}
	if s.Tool.ConstraintFile == "" {
		s.Tool.ConstraintFile = DefaultConstraintFile
	}
	if s.Tool.ConstraintTemplate == "" {
		s.Tool.ConstraintTemplate = DefaultConstraintTemplate
	}
	if s.Tool.ReportsDir == "" {
		s.Tool.ReportsDir = DefaultReportsDir
	}
	if s.Tool.TimingReport == "" {
		s.Tool.TimingReport = DefaultTimingReport
	}
	if s.Tool.TimingFormat == "" {
		s.Tool.TimingFormat = DefaultTimingFormat
	}
	if s.Tool.ProgressFormat == "" {
		s.Tool.ProgressFormat = DefaultProgressFormat
	}
	if s.Fmax.LowerBound == 0 {
		s.Fmax.LowerBound = DefaultLowerBound
	}
	if s.Fmax.UpperBound == 0 {
		s.Fmax.UpperBound = DefaultUpperBound
	}
	if s.Fmax.Tolerance == 0 {
		s.Fmax.Tolerance = DefaultTolerance
	}
	if s.Fmax.SafetyMargin == 0 {
		s.Fmax.SafetyMargin = DefaultSafetyMargin
	}
	if s.Fmax.MaxProbes == 0 {
		s.Fmax.MaxProbes = DefaultMaxProbes
	}
}

// BaseDir returns the directory relative paths are resolved against.
func (s *JobSet) BaseDir() string {
	return s.baseDir
}

// SetBaseDir overrides the directory relative paths are resolved against.
func (s *JobSet) SetBaseDir(dir string) {
	s.baseDir = dir
}
