package fmax

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fmaxsweep/pkg/dispatch"
	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/monitor"
)

// fakeTool meets timing at or below the threshold read from its environment
// and writes one report per pass.
const fakeTool = `f=$(sed -n 's/^set_freq //p' constraints.sdc)
mkdir -p reports
if [ "$f" -le "$THRESHOLD" ]; then wns=0.125; else wns=-0.250; fi
printf 'WNS: %s\nfreq: %s\n' "$wns" "$f" > reports/timing.rpt
echo "synth: 100% (1/1)" > status.log
`

func newSearchJob(t *testing.T, lower, upper int) *job.Job {
	t.Helper()
	dir := t.TempDir()
	return &job.Job{
		ID:             "alu/fast",
		Dir:            dir,
		ConstraintPath: filepath.Join(dir, "constraints.sdc"),
		StatusPath:     filepath.Join(dir, job.StatusFile),
		Fmax:           &job.Bounds{Lower: lower, Upper: upper, Tolerance: 1},
		Inputs:         job.Inputs{ClockSignal: "clk"},
		State:          job.StateRunning,
	}
}

func sessionConfig(t *testing.T) SessionConfig {
	t.Helper()
	tmpl, err := CompileTemplate("set_freq {frequency}")
	require.NoError(t, err)
	timing, err := monitor.TimingFormat("generic")
	require.NoError(t, err)
	return SessionConfig{
		Template:     tmpl,
		Timing:       timing,
		ReportsDir:   "reports",
		TimingReport: "reports/timing.rpt",
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestSession_RunConverges(t *testing.T) {
	t.Setenv("THRESHOLD", "237")
	j := newSearchJob(t, 50, 500)
	s, err := NewSession(j, sessionConfig(t), nil)
	require.NoError(t, err)

	d := dispatch.New(dispatch.Config{Command: fakeTool}, nil, nil)
	res, err := s.Run(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, res.Outcome)
	assert.Equal(t, 237, res.FmaxMHz)
	assert.Equal(t, job.StateSucceeded, j.State)
	assert.Equal(t, 237, j.Achieved)
	assert.Equal(t, len(res.Probes), j.Probes)

	lines := readLines(t, filepath.Join(j.Dir, job.SearchLogFile))
	assert.Equal(t, "275 MHz: VIOLATED", lines[0])
	assert.Equal(t, "Highest frequency with timing constraints being met: 237 MHz", lines[len(lines)-1])
	log := strings.Join(lines, "\n")
	assert.Contains(t, log, ": MET")
	assert.Contains(t, log, ": VIOLATED")

	constraint, err := os.ReadFile(j.ConstraintPath)
	require.NoError(t, err)
	assert.Equal(t, "set_freq 237\n", string(constraint))

	// The best MET pass is restored into the canonical report location.
	report, err := os.ReadFile(filepath.Join(j.Dir, "reports", "timing.rpt"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "freq: 237")
	assert.DirExists(t, filepath.Join(j.Dir, job.ReportViolDir))
}

// logCheckingLocker records, on every Lock, whether the search log already
// ends with the final line.
type logCheckingLocker struct {
	t     *testing.T
	path  string
	locks int
	final []bool
	held  bool
}

func (l *logCheckingLocker) Lock() {
	require.False(l.t, l.held, "locker is not reentrant")
	l.held = true
	l.locks++
	b, _ := os.ReadFile(l.path)
	l.final = append(l.final, strings.Contains(string(b), FinalLinePrefix))
}

func (l *logCheckingLocker) Unlock() {
	l.held = false
}

func TestSession_FinishWritesBeforeLocking(t *testing.T) {
	t.Setenv("THRESHOLD", "237")
	j := newSearchJob(t, 50, 500)
	s, err := NewSession(j, sessionConfig(t), nil)
	require.NoError(t, err)

	l := &logCheckingLocker{t: t, path: filepath.Join(j.Dir, job.SearchLogFile)}
	s.SetLocker(l)

	res, err := s.Run(context.Background(), dispatch.New(dispatch.Config{Command: fakeTool}, nil, nil))
	require.NoError(t, err)
	require.Equal(t, OutcomeConverged, res.Outcome)

	// One lock per Begin, one per judged pass, one for the terminal update.
	assert.Equal(t, 2*j.Probes+1, l.locks)
	require.NotEmpty(t, l.final)
	assert.True(t, l.final[len(l.final)-1], "disk work completes before the job update")
	assert.False(t, l.held)
	assert.Equal(t, job.StateSucceeded, j.State)
}

func TestSession_AlwaysViolated(t *testing.T) {
	t.Setenv("THRESHOLD", "10")
	j := newSearchJob(t, 50, 100)
	s, err := NewSession(j, sessionConfig(t), nil)
	require.NoError(t, err)

	res, err := s.Run(context.Background(), dispatch.New(dispatch.Config{Command: fakeTool}, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlwaysViolated, res.Outcome)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, job.ReasonAlwaysViolated, j.Reason)
	assert.Equal(t, job.ExitAlwaysViolated, j.ExitCode)
	assert.Equal(t, "lower lower_bound", j.Note)
	assert.NoDirExists(t, filepath.Join(j.Dir, job.ReportMetDir))
}

func TestSession_ToolFailure(t *testing.T) {
	j := newSearchJob(t, 50, 500)
	s, err := NewSession(j, sessionConfig(t), nil)
	require.NoError(t, err)

	res, err := s.Run(context.Background(), dispatch.New(dispatch.Config{Command: "exit 7"}, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeToolError, res.Outcome)
	assert.Equal(t, job.ReasonToolError, j.Reason)
	assert.Contains(t, res.Err.Error(), "code 7")
}

func TestSession_NoReportIsUnconstrained(t *testing.T) {
	j := newSearchJob(t, 50, 500)
	s, err := NewSession(j, sessionConfig(t), nil)
	require.NoError(t, err)

	res, err := s.Run(context.Background(), dispatch.New(dispatch.Config{Command: "true"}, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnconstrained, res.Outcome)
	assert.Equal(t, job.ExitUnconstrained, j.ExitCode)
}

func TestNewSession_Errors(t *testing.T) {
	j := newSearchJob(t, 500, 50)
	_, err := NewSession(j, sessionConfig(t), nil)
	require.Error(t, err)

	j.Fmax = nil
	_, err = NewSession(j, sessionConfig(t), nil)
	require.Error(t, err)
}

func TestConstraintTemplate(t *testing.T) {
	tmpl, err := CompileTemplate("create_clock -period {period_expr} -name {clock} [get_ports {clock}]")
	require.NoError(t, err)
	assert.Equal(t, "create_clock -period [expr 1000.0 / 250] -name clk [get_ports clk]\n", tmpl.Render(250, "clk"))

	tmpl, err = CompileTemplate("create_clock -period {period} {foo} -name {clock}")
	require.NoError(t, err)
	assert.Equal(t, "create_clock -period 4.000 {foo} -name sys\n", tmpl.Render(250, "sys"))

	_, err = CompileTemplate("create_clock -name {clock}")
	require.Error(t, err)

	_, err = CompileTemplate("set_property -dict {FREQ_MHZ 100}")
	require.Error(t, err)

	_, err = CompileTemplate("   ")
	require.Error(t, err)

	require.Error(t, tmpl.Write(filepath.Join(t.TempDir(), "c.sdc"), 0, "clk"))
}

func TestConstraintTemplate_NestedBraces(t *testing.T) {
	tmpl, err := CompileTemplate("create_clock -period {period_expr} [get_ports {clock}]\n" +
		"set_property -dict {FREQ_MHZ {frequency}} [get_cells {top/*}]")
	require.NoError(t, err)

	out := tmpl.Render(237, "clk")
	assert.Contains(t, out, "{FREQ_MHZ 237}")
	assert.Contains(t, out, "[get_ports clk]")
	assert.Contains(t, out, "[get_cells {top/*}]")
	assert.Contains(t, out, "[expr 1000.0 / 237]")
}
