// Package sandbox runs commands as bounded child processes rooted in the
// sandbox directory. Every execution of user code goes through a Sandbox.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a child outlives its deadline and is killed.
	ErrTimeout = errors.New("execution timed out")
	// ErrSpawn is returned when the child could not be started at all.
	ErrSpawn = errors.New("failed to start process")
)

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["ls", "-la"]).
	// It is executed directly, never through a shell.
	Command []string

	// WorkingDir overrides the working directory. Empty = the sandbox root.
	WorkingDir string

	// Env adds extra environment variables to the minimal base set.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process. Zero means unlimited.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

func (l ResourceLimits) enabled() bool {
	return l.MaxCPUSeconds > 0 || l.MaxMemoryMB > 0
}

// ExecutionResult captures the outcome of a sandboxed command.
//
// A non-zero ExitCode is a normal result. A child terminated by a signal
// reports the negated signal number (-9 for SIGKILL).
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool // Either stream hit the output cap.
	TimedOut  bool
	Duration  time.Duration
	CPUTime   time.Duration // User plus system time of the child.
}
