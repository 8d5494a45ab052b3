package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fmaxsweep/internal/server"
	"github.com/3leaps/fmaxsweep/pkg/control"
	"github.com/3leaps/fmaxsweep/pkg/job"
)

type stubController struct {
	mu       sync.Mutex
	received []control.Command
}

func (s *stubController) Submit(_ context.Context, cmd control.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.JobID != "alu/fast" {
		return fmt.Errorf("%w: %s", control.ErrUnknownJob, cmd.JobID)
	}
	s.received = append(s.received, cmd)
	return nil
}

func (s *stubController) Snapshot(logs string) (control.Snapshot, error) {
	snap := control.Snapshot{
		RunID: "run-42",
		Time:  time.Now(),
		Jobs:  []job.View{{ID: "alu/fast", State: job.StateRunning, Progress: job.ProgressSample{Label: "place", Percent: 40}}},
	}
	if logs != "" {
		snap.Logs = []string{"tail line"}
	}
	return snap, nil
}

func (s *stubController) commands() []control.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]control.Command(nil), s.received...)
}

func newCtlServer(t *testing.T) (*stubController, string) {
	t.Helper()
	ctl := &stubController{}
	ts := httptest.NewServer(server.New("127.0.0.1", 0, ctl).Handler())
	t.Cleanup(ts.Close)
	return ctl, ts.URL
}

func TestCtlSnapshot(t *testing.T) {
	isolateHome(t)
	_, url := newCtlServer(t)

	code, out := runCLI(t, "", "ctl", "snapshot", "--addr", url, "--logs", "alu/fast")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "run run-42")
	assert.Contains(t, out, "alu/fast")
	assert.Contains(t, out, "tail line")

	code, out = runCLI(t, "", "ctl", "snapshot", "--addr", url, "--json")
	require.Equal(t, 0, code, out)
	var snap control.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "run-42", snap.RunID)
}

func TestCtlCommands(t *testing.T) {
	isolateHome(t)
	ctl, url := newCtlServer(t)

	for _, kind := range []string{"pause", "start", "kill", "open"} {
		code, out := runCLI(t, "", "ctl", kind, "alu/fast", "--addr", url)
		require.Equal(t, 0, code, out)
		assert.Contains(t, out, kind+" alu/fast: ok")
	}
	assert.Len(t, ctl.commands(), 4)

	code, _ := runCLI(t, "", "ctl", "kill", "nope/x", "--addr", url)
	assert.NotEqual(t, 0, code)
}

func TestCtl_ServerUnreachable(t *testing.T) {
	isolateHome(t)
	code, _ := runCLI(t, "", "ctl", "snapshot", "--addr", "127.0.0.1:1", "--timeout", "1s")
	assert.NotEqual(t, 0, code)
}

func TestServerAddrFile(t *testing.T) {
	isolateHome(t)

	cleanup, err := writeServerAddr("127.0.0.1:9999")
	require.NoError(t, err)
	addr, err := readServerAddr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", addr)

	cleanup()
	_, err = readServerAddr()
	assert.Error(t, err)
}
