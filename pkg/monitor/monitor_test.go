package monitor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fmaxsweep/pkg/dispatch"
	"github.com/3leaps/fmaxsweep/pkg/job"
)

type fakeProc struct {
	status dispatch.ExitStatus
	done   bool
	killed bool
}

func (p *fakeProc) Poll() (dispatch.ExitStatus, bool) { return p.status, p.done }

func (p *fakeProc) Kill() error {
	p.killed = true
	return nil
}

func newJob(t *testing.T, id string) *job.Job {
	t.Helper()
	dir := t.TempDir()
	return &job.Job{
		ID:         id,
		Dir:        dir,
		StatusPath: filepath.Join(dir, job.StatusFile),
		State:      job.StateRunning,
	}
}

func TestParseProgressV1(t *testing.T) {
	tests := []struct {
		name string
		text string
		want job.ProgressSample
		ok   bool
	}{
		{"single line", "synth: 40% (2/5)\n", job.ProgressSample{Label: "synth", Percent: 40, Step: 2, TotalSteps: 5}, true},
		{"last line wins", "synth: 20% (1/5)\nplace: 60.5% (3/5)\n", job.ProgressSample{Label: "place", Percent: 60.5, Step: 3, TotalSteps: 5}, true},
		{"noise ignored", "starting\nroute: 80% (4/5)\nwarning: something\n", job.ProgressSample{Label: "route", Percent: 80, Step: 4, TotalSteps: 5}, true},
		{"clamped", "done: 130% (5/5)", job.ProgressSample{Label: "done", Percent: 100, Step: 5, TotalSteps: 5}, true},
		{"empty", "", job.ProgressSample{}, false},
		{"garbage", "no progress here", job.ProgressSample{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseProgressV1(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimingParsers(t *testing.T) {
	vivadoSummary := `Design Timing Summary
| -----
    WNS(ns)      TNS(ns)  TNS Failing Endpoints
    -------      -------  ---------------------
     -0.412       -3.100                     12
`
	vivadoPaths := "Slack (MET) :   0.250ns\nSlack (VIOLATED) :   -0.125ns\n"
	quartusLine := "Info: Worst-case setup slack is -1.5\n"
	quartusTable := "; Setup Summary ;\n; Clock ; Slack ; End Point TNS ;\n; clk ; 0.812 ; 0.000 ;\n; clk2 ; 0.300 ; 0.000 ;\n\n"

	tests := []struct {
		format string
		text   string
		want   float64
		ok     bool
	}{
		{"vivado", vivadoSummary, -0.412, true},
		{"vivado", vivadoPaths, -0.125, true},
		{"vivado", "nothing", 0, false},
		{"quartus", quartusLine, -1.5, true},
		{"quartus", quartusTable, 0.3, true},
		{"quartus", "", 0, false},
		{"generic", "WNS: 0.05\nWNS = -0.2\n", -0.2, true},
		{"generic", "wns(ns): 1.0", 1.0, true},
		{"generic", "slack unknown", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			p, err := TimingFormat(tt.format)
			require.NoError(t, err)
			got, ok := p.ParseTiming(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestFormatLookup(t *testing.T) {
	_, err := ProgressFormat("v1")
	require.NoError(t, err)

	_, err = ProgressFormat("v9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v1")

	_, err = TimingFormat("ise")
	require.Error(t, err)
}

func TestTick(t *testing.T) {
	m := New(nil, time.Millisecond, nil)

	running := newJob(t, "a/running")
	require.NoError(t, os.WriteFile(running.StatusPath, []byte("synth: 40% (2/5)\n"), 0644))
	ok := newJob(t, "a/ok")
	require.NoError(t, os.WriteFile(ok.StatusPath, []byte("synth: 80% (4/5)\n"), 0644))
	bad := newJob(t, "a/bad")
	require.NoError(t, os.WriteFile(bad.StatusPath, []byte("synth: 60% (3/5)\n"), 0644))
	missing := newJob(t, "a/missing")

	tracked := []*Tracked{
		{Job: running, Proc: &fakeProc{}},
		{Job: ok, Proc: &fakeProc{done: true}},
		{Job: bad, Proc: &fakeProc{done: true, status: dispatch.ExitStatus{Code: 2}}},
		{Job: missing, Proc: &fakeProc{}},
	}

	exits := m.Tick(tracked)
	require.Len(t, exits, 2)

	assert.Equal(t, job.StateRunning, running.State)
	assert.Equal(t, 40.0, running.Progress.Percent)

	assert.Equal(t, job.StateSucceeded, ok.State)
	assert.Equal(t, 100.0, ok.Progress.Percent)
	assert.Equal(t, 5, ok.Progress.Step)

	assert.Equal(t, job.StateFailed, bad.State)
	assert.Equal(t, job.ReasonToolError, bad.Reason)
	assert.Equal(t, 60.0, bad.Progress.Percent)
	assert.Equal(t, NoteToolErrors, bad.Note)

	assert.Equal(t, job.StateRunning, missing.State)
	assert.Equal(t, 0.0, missing.Progress.Percent)
}

func TestTick_PassDoesNotFinishJob(t *testing.T) {
	m := New(nil, time.Millisecond, nil)
	j := newJob(t, "a/probe")
	exits := m.Tick([]*Tracked{{Job: j, Proc: &fakeProc{done: true}, Pass: true}})
	require.Len(t, exits, 1)
	assert.Equal(t, job.StateRunning, j.State)
}

func TestTick_SkipsPaused(t *testing.T) {
	m := New(nil, time.Millisecond, nil)
	j := newJob(t, "a/paused")
	j.State = job.StatePaused
	assert.Empty(t, m.Tick([]*Tracked{{Job: j, Proc: &fakeProc{done: true}}}))
	assert.Equal(t, job.StatePaused, j.State)
}

func TestRun(t *testing.T) {
	m := New(nil, time.Millisecond, nil)
	a := newJob(t, "a/a")
	b := newJob(t, "a/b")
	pa := &fakeProc{}
	pb := &fakeProc{done: true}

	ticks := 0
	err := m.Run(context.Background(), []*Tracked{{Job: a, Proc: pa}, {Job: b, Proc: pb}}, func() {
		ticks++
		if ticks == 3 {
			pa.done = true
		}
	})
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, a.State)
	assert.Equal(t, job.StateSucceeded, b.State)
	assert.GreaterOrEqual(t, ticks, 3)
}

func TestRun_Cancelled(t *testing.T) {
	m := New(nil, time.Millisecond, nil)
	a := newJob(t, "a/a")
	pa := &fakeProc{}

	ctx, cancel := context.WithCancel(context.Background())
	err := m.Run(ctx, []*Tracked{{Job: a, Proc: pa}}, cancel)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, pa.killed)
	assert.Equal(t, job.StateFailed, a.State)
	assert.Equal(t, job.ReasonCancelled, a.Reason)
}

func TestRender(t *testing.T) {
	views := []job.View{
		{ID: "alu/fast", State: job.StateRunning, Progress: job.ProgressSample{Label: "synth", Percent: 50, Step: 2, TotalSteps: 4}},
		{ID: "alu/fast+width/8", State: job.StateRunning, FmaxSearch: true, Probes: 3, CurrentFreq: 275},
		{ID: "fifo/a", State: job.StateFailed, Reason: job.ReasonToolError, Note: NoteToolErrors},
		{ID: "fifo/b", State: job.StateSucceeded, Progress: job.ProgressSample{Percent: 100}, FmaxSearch: true, FmaxMHz: 237},
	}
	lines := Render(views)
	require.Len(t, lines, 4)
	assert.Equal(t, "alu/fast          [##########..........]  50.0%  running    synth (2/4)", lines[0])
	assert.Contains(t, lines[1], "probe 3 @ 275 MHz")
	assert.Contains(t, lines[2], "[tool_error]  terminated with errors")
	assert.Contains(t, lines[3], "fmax 237 MHz")
	assert.Equal(t, lines, Render(views))
}

func TestDisplay_Redraw(t *testing.T) {
	var buf bytes.Buffer
	d := NewDisplay(&buf)

	views := []job.View{{ID: "a/a", State: job.StateRunning}, {ID: "a/b", State: job.StateRunning}}
	require.NoError(t, d.Draw(views))
	first := buf.String()
	assert.NotContains(t, first, "\x1b[2A")
	assert.Equal(t, 2, strings.Count(first, "\n"))

	buf.Reset()
	require.NoError(t, d.Draw(views[:1]))
	second := buf.String()
	assert.True(t, strings.HasPrefix(second, "\x1b[2A"))
	assert.True(t, strings.HasSuffix(second, "\x1b[1A"))
}
