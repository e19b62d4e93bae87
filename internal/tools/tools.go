// Package tools defines the tool interface and registry shared by the MCP
// server. Each sandbox operation (file access, shell, python) registers one
// or more tools that wrap the same services the HTTP handlers call.
package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/nox/internal/sandbox"
)

// Tool is the interface all nox tools must implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "run_shell").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before anything runs.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// CPUCharger bills consumed child CPU time to a credential's daily quota.
type CPUCharger interface {
	ChargeCPU(ctx context.Context, fingerprint string, d time.Duration)
}

// ChargeResult bills res.CPUTime to the caller found in ctx. Anonymous
// callers and nil results are not charged.
func ChargeResult(ctx context.Context, c CPUCharger, res *sandbox.ExecutionResult) {
	if c == nil || res == nil || res.CPUTime <= 0 {
		return
	}
	if fp := CallerFromContext(ctx); fp != "" {
		c.ChargeCPU(ctx, fp, res.CPUTime)
	}
}

// FormatOutput joins stdout and stderr the way tool results present them.
func FormatOutput(res *sandbox.ExecutionResult) string {
	output := res.Stdout
	if res.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += res.Stderr
	}
	return output
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const callerKey contextKey = iota

// ContextWithCaller returns a new context carrying the credential
// fingerprint of the caller. The request pipeline sets it after admission.
func ContextWithCaller(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, callerKey, fingerprint)
}

// CallerFromContext extracts the caller fingerprint, or "" if not set.
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return ""
}

// Registry is the immutable, name-ordered set of tools exposed over MCP.
type Registry struct {
	tools []Tool
}

// NewRegistry builds a registry. Duplicate or empty names are an error.
func NewRegistry(ts ...Tool) (*Registry, error) {
	sorted := slices.Clone(ts)
	slices.SortFunc(sorted, func(a, b Tool) int { return strings.Compare(a.Name(), b.Name()) })
	for i, t := range sorted {
		if t.Name() == "" {
			return nil, fmt.Errorf("tool %T has no name", t)
		}
		if i > 0 && sorted[i-1].Name() == t.Name() {
			return nil, fmt.Errorf("duplicate tool %q", t.Name())
		}
	}
	return &Registry{tools: sorted}, nil
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) Tool {
	i, ok := slices.BinarySearchFunc(r.tools, name, func(t Tool, n string) int { return strings.Compare(t.Name(), n) })
	if !ok {
		return nil
	}
	return r.tools[i]
}

// Names lists tool names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name()
	}
	return names
}

// All returns the tools in name order.
func (r *Registry) All() []Tool { return slices.Clone(r.tools) }

// RequireString extracts a required non-empty string parameter.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// OptionalString returns params[key] when it is a string, else def.
func OptionalString(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

// OptionalBool returns params[key] when it is a bool, else false.
func OptionalBool(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}
