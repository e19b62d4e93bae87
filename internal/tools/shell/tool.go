package shell

import (
	"context"
	"log/slog"

	"github.com/jkaninda/nox/internal/tools"
)

// Tool exposes the runner as the run_shell tool.
type Tool struct {
	runner *Runner
	logger *slog.Logger
}

// NewTool creates a shell tool that delegates all execution to the runner.
func NewTool(runner *Runner, logger *slog.Logger) *Tool {
	return &Tool{runner: runner, logger: logger}
}

func (t *Tool) Name() string { return "run_shell" }
func (t *Tool) Description() string {
	return "Run a command in the sandbox directory. The command is split like a POSIX shell would, but pipes, redirects and variables are not interpreted"
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cmd": map[string]any{"type": "string", "description": "The command line to execute"},
		},
		"required": []string{"cmd"},
	}
}

// Validate checks that required params are present and well-formed.
func (t *Tool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "cmd")
	return err
}

// Execute runs the command through the runner.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	cmd, err := tools.RequireString(params, "cmd")
	if err != nil {
		return nil, err
	}
	res, err := t.runner.RunShell(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:  tools.FormatOutput(res),
		Success: res.ExitCode == 0,
		Metadata: map[string]any{
			"returncode": res.ExitCode,
			"truncated":  res.Truncated,
			"duration":   res.Duration.String(),
		},
	}, nil
}

var _ tools.Tool = (*Tool)(nil)
