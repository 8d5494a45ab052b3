package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/3leaps/fmaxsweep/pkg/job"
)

// ExitStatus is the outcome of a finished process.
type ExitStatus struct {
	Code int
	Err  error
}

// Process is a running tool invocation.
//
// Exit is observed by a dedicated goroutine calling cmd.Wait; Poll never
// blocks.
type Process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	stdout *os.File
	stderr *os.File

	mu     sync.Mutex
	exited bool
	status ExitStatus
}

// Start runs `sh -c command` in dir with stdout and stderr appended to the
// job's log files.
func Start(dir, command string) (*Process, error) {
	stdout, err := os.OpenFile(filepath.Join(dir, job.StdoutFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.OpenFile(filepath.Join(dir, job.StderrFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start tool: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		done:   make(chan struct{}),
		stdout: stdout,
		stderr: stderr,
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	_ = p.stdout.Close()
	_ = p.stderr.Close()

	st := ExitStatus{}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		st.Code = exitErr.ExitCode()
		st.Err = err
	default:
		st.Code = -1
		st.Err = err
	}

	p.mu.Lock()
	p.status = st
	p.exited = true
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the process id of the shell.
func (p *Process) Pid() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Poll reports the exit status if the process has finished.
func (p *Process) Poll() (ExitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.exited
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx ends. On ctx end the process
// group is killed and Wait returns ctx's error.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		st, _ := p.Poll()
		return st, nil
	case <-ctx.Done():
		_ = p.Kill()
		<-p.done
		return ExitStatus{}, ctx.Err()
	}
}

// Pause suspends the process group.
func (p *Process) Pause() error {
	if p == nil || p.cmd.Process == nil {
		return ErrNotStarted
	}
	return signalGroup(p.cmd.Process.Pid, sigStop)
}

// Resume continues a suspended process group.
func (p *Process) Resume() error {
	if p == nil || p.cmd.Process == nil {
		return ErrNotStarted
	}
	return signalGroup(p.cmd.Process.Pid, sigCont)
}

// Kill terminates the process group forcibly.
func (p *Process) Kill() error {
	if p == nil || p.cmd.Process == nil {
		return ErrNotStarted
	}
	if err := signalGroup(p.cmd.Process.Pid, sigKill); err != nil {
		// Fall back to the shell itself.
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}
