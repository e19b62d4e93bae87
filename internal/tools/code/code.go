// Package code implements sandboxed Python execution.
//
// The submitted source is written atomically to a file inside the sandbox
// and the interpreter is invoked on that file with the sandbox root as its
// working directory, so scripts can read files uploaded earlier.
package code

import (
	"context"
	"log/slog"

	"github.com/jkaninda/nox/internal/sandbox"
	"github.com/jkaninda/nox/internal/tools"
	"github.com/jkaninda/nox/internal/tools/file"
)

// DefaultFilename is used when the caller does not name the script.
const DefaultFilename = "run.py"

const defaultInterpreter = "python3"

// Config configures the Python runner.
type Config struct {
	Interpreter string // Default: python3
}

// Runner writes and runs Python scripts.
type Runner struct {
	files       *file.Service
	sandbox     sandbox.Sandbox
	charger     tools.CPUCharger
	interpreter string
	logger      *slog.Logger
}

// NewRunner creates a Python runner. charger may be nil.
func NewRunner(cfg Config, files *file.Service, sbx sandbox.Sandbox, charger tools.CPUCharger, logger *slog.Logger) *Runner {
	interp := cfg.Interpreter
	if interp == "" {
		interp = defaultInterpreter
	}
	return &Runner{
		files:       files,
		sandbox:     sbx,
		charger:     charger,
		interpreter: interp,
		logger:      logger,
	}
}

// RunPython saves source under filename (run.py when empty) and executes it.
func (r *Runner) RunPython(ctx context.Context, source, filename string) (*sandbox.ExecutionResult, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	path, err := r.files.WriteFile(ctx, filename, []byte(source))
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "python executing",
		slog.String("file", filename),
		slog.Int("code_size", len(source)),
	)

	res, err := r.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command: []string{r.interpreter, path},
	})
	tools.ChargeResult(ctx, r.charger, res)
	return res, err
}
