package security

import (
	"fmt"
	"slices"

	"github.com/google/shlex"
	"github.com/jkaninda/nox/internal/config"
)

// CommandPolicy decides whether a shell command may run under the active
// policy generation.
//
// Only the head token is inspected, and it is compared verbatim: "/bin/rm"
// is a different token from "rm", and "x=rm; $x -rf /" is not caught.
type CommandPolicy struct {
	policies *config.PolicyHolder
}

// NewCommandPolicy creates a policy that reads the current generation from h
// on every check.
func NewCommandPolicy(h *config.PolicyHolder) *CommandPolicy {
	return &CommandPolicy{policies: h}
}

// Check splits cmd into an argv and validates its head token.
func (p *CommandPolicy) Check(cmd string) ([]string, error) {
	return CheckCommand(p.policies.Current().ShellPolicy, cmd)
}

// CheckCommand splits cmd with POSIX-style quoting and applies sp to the
// head token. It returns the argv on success.
func CheckCommand(sp config.ShellPolicy, cmd string) ([]string, error) {
	argv, err := shlex.Split(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	head := argv[0]

	switch sp.Mode {
	case config.ModeAllow:
		if !slices.Contains(sp.AllowedCommands, head) {
			return nil, fmt.Errorf("%w: %q is not in the allow list", ErrForbiddenCommand, head)
		}
	default:
		if slices.Contains(sp.ForbiddenCommands, head) {
			return nil, fmt.Errorf("%w: %q is denied by policy", ErrForbiddenCommand, head)
		}
	}
	return argv, nil
}
