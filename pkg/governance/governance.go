// Package governance implements command allowlist/denylist checks,
// environment variable blocking, output redaction, and the sandbox module
// allowlist consumed by code steps.
package governance

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/veltaria/planrun/pkg/plan"
)

// DefaultSandboxModules is the capability allowlist applied to code steps
// when the plan does not narrow it further. Read-only computation modules
// only: nothing here can spawn processes or write to the filesystem.
var DefaultSandboxModules = []string{
	"json", "math", "re", "datetime", "random", "string",
	"statistics", "itertools", "functools", "collections",
	"textwrap", "base64", "hashlib", "uuid",
}

// Engine evaluates governance policies before and during execution.
type Engine struct {
	AllowedCommands []string
	DeniedCommands  []string
	DenyEnvVars     []string
	SandboxModules  []string
}

// New creates a governance Engine from a plan policy.
// If policy is nil, returns a permissive engine with the default sandbox
// allowlist.
func New(policy *plan.GovernancePolicy) *Engine {
	e := &Engine{SandboxModules: DefaultSandboxModules}
	if policy == nil {
		return e
	}
	e.AllowedCommands = policy.AllowedCommands
	e.DeniedCommands = policy.DeniedCommands
	e.DenyEnvVars = policy.DenyEnvVars
	if policy.Sandbox != nil && len(policy.Sandbox.AllowedModules) > 0 {
		e.SandboxModules = policy.Sandbox.AllowedModules
	}
	return e
}

// CheckCommand validates argv[0] against the allowlist/denylist.
// Deny takes precedence over allow.
func (e *Engine) CheckCommand(command string) error {
	base := filepath.Base(command)
	for _, denied := range e.DeniedCommands {
		if command == denied || base == denied {
			return fmt.Errorf("command %q is denied by governance policy", command)
		}
	}
	if len(e.AllowedCommands) > 0 {
		for _, allowed := range e.AllowedCommands {
			if command == allowed || base == allowed {
				return nil
			}
		}
		return fmt.Errorf("command %q is not in the governance allowlist", command)
	}
	return nil
}

// CheckEnvVar validates an environment variable name against deny patterns.
func (e *Engine) CheckEnvVar(name string) error {
	for _, pattern := range e.DenyEnvVars {
		matched, err := filepath.Match(pattern, name)
		if err != nil {
			// Invalid pattern — treat as blocking for safety
			return fmt.Errorf("invalid env var deny pattern %q: %w", pattern, err)
		}
		if matched {
			return fmt.Errorf("environment variable %q matches denied pattern %q", name, pattern)
		}
	}
	return nil
}

// FilterEnvVars returns environment variables with denied patterns removed,
// plus the names that were blocked.
func (e *Engine) FilterEnvVars(env []string) ([]string, []string) {
	if len(e.DenyEnvVars) == 0 {
		return env, nil
	}
	var filtered []string
	var blocked []string
	for _, entry := range env {
		name, _, _ := strings.Cut(entry, "=")
		if err := e.CheckEnvVar(name); err != nil {
			blocked = append(blocked, name)
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered, blocked
}

// ModuleAllowed reports whether the sandbox permits importing the module.
func (e *Engine) ModuleAllowed(module string) bool {
	// Submodule imports (collections.abc) inherit the parent's permission.
	root, _, _ := strings.Cut(module, ".")
	for _, m := range e.SandboxModules {
		if m == module || m == root {
			return true
		}
	}
	return false
}
