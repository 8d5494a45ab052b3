package jobset

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validJobSetYAML returns a minimal valid job set in YAML format.
func validJobSetYAML() string {
	return `version: "1.0"
target: xc7a100t
paths:
  architectures: architectures
  scripts: scripts
tool:
  command: ./synth.sh
jobs:
  - arch: alu/*
`
}

// validJobSetJSON returns a minimal valid job set in JSON format.
func validJobSetJSON() string {
	return `{
  "version": "1.0",
  "target": "xc7a100t",
  "paths": {"architectures": "architectures", "scripts": "scripts"},
  "tool": {"command": "./synth.sh"},
  "jobs": [{"arch": "alu/*"}]
}`
}

func fullJobSetYAML() string {
	return `version: "1.0"
target: agilex
overwrite: true
paths:
  architectures: archs
  scripts: scripts/quartus
  work: out
tool:
  command: quartus_sh -t synth.tcl
  build_scripts: [synth.tcl, settings.tcl]
  constraint_file: constraints.sdc
  reports_dir: output_files
  timing_report: output_files/top.sta.rpt
  timing_format: quartus
  continue_on_error: true
  settings:
    lib_name: work
fmax:
  enabled: true
  lower_bound: 100
  upper_bound: 800
  tolerance: 2
  explore: true
  safety_margin: 10
jobs:
  - arch: fifo/small
    domains: ["width/*", "depth/16"]
`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, s *JobSet)
	}{
		{
			name:     "valid YAML job set",
			content:  validJobSetYAML(),
			filename: "sweep.yaml",
			validate: func(t *testing.T, s *JobSet) {
				assert.Equal(t, "1.0", s.Version)
				assert.Equal(t, "xc7a100t", s.Target)
				assert.Equal(t, []Entry{{Arch: "alu/*"}}, s.Jobs)
				assert.Equal(t, DefaultWorkDir, s.Paths.Work)
				assert.Equal(t, DefaultConstraintFile, s.Tool.ConstraintFile)
				assert.Equal(t, DefaultTimingFormat, s.Tool.TimingFormat)
				assert.Equal(t, DefaultLowerBound, s.Fmax.LowerBound)
				assert.Equal(t, DefaultUpperBound, s.Fmax.UpperBound)
				assert.Equal(t, DefaultTolerance, s.Fmax.Tolerance)
				assert.False(t, s.Fmax.Enabled)
			},
		},
		{
			name:     "valid JSON job set",
			content:  validJobSetJSON(),
			filename: "sweep.json",
			validate: func(t *testing.T, s *JobSet) {
				assert.Equal(t, "./synth.sh", s.Tool.Command)
			},
		},
		{
			name:     "full job set",
			content:  fullJobSetYAML(),
			filename: "full.yml",
			validate: func(t *testing.T, s *JobSet) {
				assert.True(t, s.Overwrite)
				assert.Equal(t, "out", s.Paths.Work)
				assert.Equal(t, []string{"synth.tcl", "settings.tcl"}, s.Tool.BuildScripts)
				assert.Equal(t, "quartus", s.Tool.TimingFormat)
				assert.True(t, s.Tool.ContinueOnError)
				assert.Equal(t, "work", s.Tool.Settings["lib_name"])
				assert.True(t, s.Fmax.Enabled)
				assert.True(t, s.Fmax.Explore)
				assert.Equal(t, 10, s.Fmax.SafetyMargin)
				assert.Equal(t, []string{"width/*", "depth/16"}, s.Jobs[0].Domains)
				assert.Equal(t, "fifo/small+width/*+depth/16", s.Jobs[0].String())
			},
		},
		{
			name:        "empty file",
			content:     "",
			filename:    "empty.yaml",
			wantErr:     true,
			errContains: "empty",
		},
		{
			name:        "invalid YAML syntax",
			content:     "version: [invalid yaml",
			filename:    "bad.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON syntax",
			content:     `{"version": "1.0"`,
			filename:    "bad.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
		{
			name:        "missing jobs",
			content:     strings.Replace(validJobSetYAML(), "jobs:\n  - arch: alu/*\n", "", 1),
			filename:    "no-jobs.yaml",
			wantErr:     true,
			errContains: "jobs",
		},
		{
			name:        "wrong version",
			content:     strings.Replace(validJobSetYAML(), `"1.0"`, `"2.0"`, 1),
			filename:    "v2.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name: "inverted bounds",
			content: validJobSetYAML() + `fmax:
  lower_bound: 400
  upper_bound: 100
`,
			filename:    "bounds.yaml",
			wantErr:     true,
			errContains: "upper_bound",
		},
		{
			name:        "arch without params part",
			content:     strings.Replace(validJobSetYAML(), "alu/*", "alu", 1),
			filename:    "arch.yaml",
			wantErr:     true,
			errContains: "<arch>/<params>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, tt.filename)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			s, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, dir, s.BaseDir())
			if tt.validate != nil {
				tt.validate(t, s)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCheck_InvertedBoundsIsValidationError(t *testing.T) {
	s := &JobSet{Fmax: FmaxConfig{LowerBound: 300, UpperBound: 200}, Jobs: []Entry{{Arch: "a/b"}}}
	err := s.Check()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))
}

func TestPath(t *testing.T) {
	s := &JobSet{}
	s.SetBaseDir("/projects/cpu")
	assert.Equal(t, "/projects/cpu/archs", s.Path("archs"))
	assert.Equal(t, "/abs/archs", s.Path("/abs/archs"))
	assert.Equal(t, "", s.Path(""))
}

func TestLoadArchSettings(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFile), []byte(`rtl_path: rtl
top_level_file: top.v
top_level_module: top
clock_signal: clk
reset_signal: rst_n
start_delimiter: "// PARAMS START"
stop_delimiter: "// PARAMS STOP"
fmax_synthesis:
  lower_bound: 100
  upper_bound: 300
`), 0644))

		s, err := LoadArchSettings(dir)
		require.NoError(t, err)
		assert.Equal(t, "top.v", s.TopLevelFile)
		assert.Equal(t, "clk", s.ClockSignal)
		require.NotNil(t, s.Fmax)
		assert.Equal(t, 300, s.Fmax.UpperBound)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadArchSettings(t.TempDir())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSettingsNotFound))
	})

	t.Run("missing delimiters", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFile), []byte("top_level_file: top.v\n"), 0644))
		_, err := LoadArchSettings(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "delimiter")
	})
}

func TestLoadDomainSettings_Optional(t *testing.T) {
	s, err := LoadDomainSettings(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "", s.TargetFile)
}
