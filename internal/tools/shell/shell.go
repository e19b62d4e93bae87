// Package shell implements sandboxed shell command execution.
// Commands are split into an argv, checked against the command policy and
// executed directly by the sandbox; no shell ever interprets them.
package shell

import (
	"context"
	"log/slog"

	"github.com/jkaninda/nox/internal/sandbox"
	"github.com/jkaninda/nox/internal/security"
	"github.com/jkaninda/nox/internal/tools"
)

// Runner checks and executes shell command strings.
type Runner struct {
	policy  *security.CommandPolicy
	sandbox sandbox.Sandbox
	charger tools.CPUCharger
	logger  *slog.Logger
}

// NewRunner creates a shell runner. charger may be nil.
func NewRunner(policy *security.CommandPolicy, sbx sandbox.Sandbox, charger tools.CPUCharger, logger *slog.Logger) *Runner {
	return &Runner{
		policy:  policy,
		sandbox: sbx,
		charger: charger,
		logger:  logger,
	}
}

// RunShell splits cmd, applies the command policy and runs the argv in the
// sandbox root. Policy rejections never spawn a process. A non-zero exit is
// a result, not an error.
func (r *Runner) RunShell(ctx context.Context, cmd string) (*sandbox.ExecutionResult, error) {
	argv, err := r.policy.Check(cmd)
	if err != nil {
		r.logger.WarnContext(ctx, "shell command rejected",
			slog.String("command", cmd),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	r.logger.InfoContext(ctx, "shell command executing",
		slog.String("program", argv[0]),
		slog.Int("args", len(argv)-1),
	)

	res, err := r.sandbox.Execute(ctx, sandbox.ExecutionRequest{Command: argv})
	tools.ChargeResult(ctx, r.charger, res)
	return res, err
}
