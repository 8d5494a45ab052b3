package cmd

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fmaxsweep/pkg/events"
	"github.com/3leaps/fmaxsweep/pkg/job"
	"github.com/3leaps/fmaxsweep/pkg/jobregistry"
)

func TestRun_Succeeds(t *testing.T) {
	isolateHome(t)
	t.Setenv("FMAXSWEEP_POLL_INTERVAL", "20ms")
	path := newSweep(t, "echo synthesized")
	eventsPath := filepath.Join(t.TempDir(), "events.jsonl")

	code, out := runCLI(t, "", "run", path, "--no-progress", "--events", eventsPath)
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "2 to run")
	assert.Contains(t, out, "2 succeeded, 0 failed")

	work := filepath.Join(filepath.Dir(path), "work", "xc7")
	for _, v := range []string{"a", "b"} {
		assert.FileExists(t, filepath.Join(work, "alu", v, job.CompleteFile))
		assert.FileExists(t, filepath.Join(work, "alu", v, "job.json"))
	}

	types := map[string]int{}
	f, err := os.Open(eventsPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r events.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		types[r.Type]++
	}
	assert.Equal(t, 1, types[events.TypeSummary])
	assert.Equal(t, 1, types[events.TypeError], "unresolvable entry is reported")
	assert.NotZero(t, types[events.TypeJob])

	// Second run finds everything cached.
	code, out = runCLI(t, "", "run", path, "--no-progress")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Nothing to run.")
}

func TestRun_LiveDisplayWritesToCommandOutput(t *testing.T) {
	isolateHome(t)
	t.Setenv("FMAXSWEEP_POLL_INTERVAL", "20ms")
	path := newSweep(t, "echo synthesized")

	code, out := runCLI(t, "", "run", path)
	require.Equal(t, 0, code, out)
	assert.Regexp(t, regexp.MustCompile(`alu/a  \[[#.]{20}\]`), out)
}

func TestRun_ToolFailureSetsExitCode(t *testing.T) {
	isolateHome(t)
	t.Setenv("FMAXSWEEP_POLL_INTERVAL", "20ms")
	path := newSweep(t, "echo failing >&2; exit 3")

	code, out := runCLI(t, "", "run", path, "--no-progress", "--max-concurrency", "1")
	assert.Equal(t, job.ExitFailed, code, out)
	assert.Contains(t, out, "0 succeeded, 2 failed")
}

func TestRun_IncompleteNeedsConfirmation(t *testing.T) {
	isolateHome(t)
	t.Setenv("FMAXSWEEP_POLL_INTERVAL", "20ms")
	path := newSweep(t, "true")

	// A directory from an earlier run without completion marker is incomplete.
	dir := filepath.Join(filepath.Dir(path), "work", "xc7", "alu", "a")
	writeFile(t, filepath.Join(dir, job.StdoutFile), "partial\n")
	require.NoError(t, jobregistry.NewStore(filepath.Dir(dir)).Write(&jobregistry.JobRecord{
		JobID: "alu/a",
		State: jobregistry.JobStateFailed,
		Dir:   dir,
	}))

	code, out := runCLI(t, "n\n", "run", path, "--no-progress")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Re-run them?")
	assert.Contains(t, out, "1 to run")
	assert.NoFileExists(t, filepath.Join(dir, job.CompleteFile))

	code, out = runCLI(t, "y\n", "run", path, "--no-progress")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "1 to run")
	assert.FileExists(t, filepath.Join(dir, job.CompleteFile))
}

func TestRun_InvalidJobSet(t *testing.T) {
	isolateHome(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, bad, "version: \"9\"\n")

	code, _ := runCLI(t, "", "run", bad, "--no-progress")
	assert.Equal(t, job.ExitConfig, code)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out strings.Builder
		got, err := confirm(strings.NewReader(tt.in), &out, "Proceed?")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
		assert.Equal(t, "Proceed? [y/N] ", out.String())
	}
}
