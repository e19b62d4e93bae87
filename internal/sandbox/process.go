package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultOutputLimit = 1 << 20 // 1 MiB per stream

	// waitDelay bounds how long Wait keeps reading pipes held open by
	// grandchildren after the child itself has exited or been killed.
	waitDelay = 2 * time.Second
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	Root           string // Working directory and HOME of every child.
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	OutputLimit    int               // Bytes kept per stream.
	Env            map[string]string // Parent variables explicitly exported to children.
}

// ProcessSandbox executes commands as OS processes.
//
//   - The child runs in its own process group; the whole group is killed on timeout.
//   - The child's lifetime is detached from the caller's cancellation, so a
//     client that disconnects does not abort a running execution.
//   - No environment inheritance from the parent beyond the exported set.
//   - Resource limits are applied through ulimit when configured.
//   - stdout/stderr are capped.
type ProcessSandbox struct {
	root           string
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	outputLimit    int
	env            map[string]string
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	return &ProcessSandbox{
		root:           cfg.Root,
		defaultTimeout: timeout,
		defaultLimits:  cfg.DefaultLimits,
		outputLimit:    limit,
		env:            cfg.Env,
		logger:         logger,
	}
}

// Root returns the directory children run in.
func (s *ProcessSandbox) Root() string { return s.root }

// Execute runs a command and waits for it. Timeouts return ErrTimeout
// together with a result carrying only the timing fields.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	limits := s.resolveLimits(req.Limits)
	name, args := req.Command[0], req.Command[1:]
	if limits.enabled() {
		name, args = "/bin/sh", wrapWithLimits(req.Command, limits)
	}
	cmd := exec.CommandContext(runCtx, name, args...)

	cmd.Dir = s.root
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	cmd.Env = s.buildEnv(req.Env)

	stdout := &cappedBuffer{limit: s.outputLimit}
	stderr := &cappedBuffer{limit: s.outputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	s.logger.Debug("sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := &ExecutionResult{Duration: duration, CPUTime: cpuTime(cmd.ProcessState)}

	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("sandbox execution timed out",
			slog.Any("command", req.Command),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		res.TimedOut = true
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	// Grandchildren holding the pipes past WaitDelay do not change the
	// child's own outcome.
	if errors.Is(runErr, exec.ErrWaitDelay) {
		runErr = nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			s.logger.Error("sandbox spawn failed",
				slog.Any("command", req.Command),
				slog.String("error", runErr.Error()),
			)
			return nil, fmt.Errorf("%w: %v", ErrSpawn, runErr)
		}
	}
	res.ExitCode = exitCode(cmd.ProcessState)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.truncated || stderr.truncated

	s.logger.Debug("sandbox execution completed",
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration),
		slog.Duration("cpu", res.CPUTime),
		slog.Int("stdout_bytes", len(res.Stdout)),
		slog.Int("stderr_bytes", len(res.Stderr)),
		slog.Bool("truncated", res.Truncated),
	)
	return res, nil
}

// resolveLimits merges request-level overrides with sandbox defaults.
func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// wrapWithLimits builds sh arguments that apply ulimits and then exec the
// command through "$@", so the argv is never interpolated into the script.
func wrapWithLimits(command []string, limits ResourceLimits) []string {
	script := ""
	if limits.MaxMemoryMB > 0 {
		script += fmt.Sprintf("ulimit -v %d 2>/dev/null; ", limits.MaxMemoryMB*1024)
	}
	if limits.MaxCPUSeconds > 0 {
		script += fmt.Sprintf("ulimit -t %d 2>/dev/null; ", limits.MaxCPUSeconds)
	}
	script += `exec "$@"`
	args := make([]string, 0, 3+len(command))
	args = append(args, "-c", script, "_")
	return append(args, command...)
}

// buildEnv constructs the child environment. Exported parent variables and
// per-request additions are layered over the base set and emitted in key
// order.
func (s *ProcessSandbox) buildEnv(extra map[string]string) []string {
	vars := map[string]string{
		"PATH":                    "/usr/local/bin:/usr/bin:/bin",
		"HOME":                    s.root,
		"TMPDIR":                  s.root,
		"LANG":                    "C.UTF-8",
		"TERM":                    "dumb",
		"PYTHONUNBUFFERED":        "1",
		"PYTHONDONTWRITEBYTECODE": "1",
	}
	for k, v := range s.env {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

func cpuTime(ps *os.ProcessState) time.Duration {
	if ps == nil {
		return 0
	}
	return ps.UserTime() + ps.SystemTime()
}

// cappedBuffer keeps the first limit bytes written and discards the rest,
// remembering that it did. Writes never fail so the child is not killed by
// SIGPIPE for being chatty.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
