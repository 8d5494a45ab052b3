// Package control defines the operator commands accepted by a running sweep
// and the queue that carries them to the engine.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/fmaxsweep/pkg/job"
)

// Kind names an operator command.
type Kind string

const (
	KindPause Kind = "pause"
	KindStart Kind = "start"
	KindKill  Kind = "kill"
	KindOpen  Kind = "open"
)

var (
	// ErrUnknownJob is returned for commands naming a job the engine does
	// not know.
	ErrUnknownJob = errors.New("unknown job")

	// ErrUnknownCommand is returned for an unrecognized command kind.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidState is returned when a command does not apply to the
	// job's current state.
	ErrInvalidState = errors.New("command not applicable in current state")

	// ErrClosed is returned once the engine stopped accepting commands.
	ErrClosed = errors.New("command queue closed")
)

// ParseKind validates a command name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPause, KindStart, KindKill, KindOpen:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
}

// Command is one operator instruction.
type Command struct {
	Kind  Kind   `json:"kind"`
	JobID string `json:"job_id"`
}

func (c Command) String() string {
	return string(c.Kind) + " " + c.JobID
}

// Snapshot is a point-in-time copy of engine state.
type Snapshot struct {
	RunID string     `json:"run_id"`
	Time  time.Time  `json:"time"`
	Jobs  []job.View `json:"jobs"`

	// Logs is the tail of the requested job's stdout log.
	Logs []string `json:"logs,omitempty"`
}

// Controller is implemented by a running engine.
type Controller interface {
	// Submit queues cmd and waits until it has been applied.
	Submit(ctx context.Context, cmd Command) error

	// Snapshot returns the current state; logsJobID selects an optional
	// log tail.
	Snapshot(logsJobID string) (Snapshot, error)
}
