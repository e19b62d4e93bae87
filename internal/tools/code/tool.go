package code

import (
	"context"
	"log/slog"

	"github.com/jkaninda/nox/internal/tools"
)

// Tool exposes the runner as the run_python tool.
type Tool struct {
	runner *Runner
	logger *slog.Logger
}

// NewTool creates a sandboxed Python execution tool.
func NewTool(runner *Runner, logger *slog.Logger) *Tool {
	return &Tool{runner: runner, logger: logger}
}

func (t *Tool) Name() string        { return "run_python" }
func (t *Tool) Description() string { return "Execute Python source in the sandbox directory" }
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code":     map[string]any{"type": "string", "description": "The Python source to execute"},
			"filename": map[string]any{"type": "string", "description": "Script path relative to the sandbox root. Defaults to run.py"},
		},
		"required": []string{"code"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "code")
	return err
}

// Execute writes the code into the sandbox and runs it.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	src, err := tools.RequireString(params, "code")
	if err != nil {
		return nil, err
	}
	res, err := t.runner.RunPython(ctx, src, tools.OptionalString(params, "filename", DefaultFilename))
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
