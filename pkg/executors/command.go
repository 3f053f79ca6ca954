package executors

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/veltaria/planrun/pkg/governance"
	"github.com/veltaria/planrun/pkg/plan"
	"github.com/veltaria/planrun/pkg/txn"
)

// keyValueLineRe matches KEY=value lines in command stdout for
// auto-populated outputs.
var keyValueLineRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// Command executes command steps through a CommandRunner, enforcing the
// governance allowlist and capturing stdout/stderr/exit code.
type Command struct {
	Runner CommandRunner
	Gov    *governance.Engine
	Redact []*governance.CompiledRedaction
}

// Execute implements Executor.
func (e *Command) Execute(ctx context.Context, execCtx *ExecutionContext, step *plan.Step) (*StepResult, error) {
	result := newResult(step)
	defer finish(result)

	payload := step.Command
	if payload == nil {
		result.Fail(ErrKindExecution, "command step has no payload")
		return result, nil
	}

	argv := payload.Argv
	if payload.Shell != "" {
		argv = []string{"/bin/sh", "-c", payload.Shell}
	}
	if len(argv) == 0 {
		result.Fail(ErrKindExecution, "command step has empty argv")
		return result, nil
	}

	if err := e.checkGovernance(payload, argv); err != nil {
		result.Fail(ErrKindExecution, "governance: %v", err)
		return result, nil
	}

	if execCtx.DryRun {
		result.Success = true
		result.Output("dry_run", true)
		result.Output("would_execute", strings.Join(argv, " "))
		return result, nil
	}

	env, blocked := e.buildEnv(payload)
	for _, name := range blocked {
		execCtx.AddWarning("step %q: environment variable %q blocked by governance", step.ID, name)
	}

	cmdResult, err := e.Runner.Run(ctx, argv, env, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			result.Fail(ErrKindTimeout, "command timed out after %s", step.Timeout)
			if cmdResult != nil {
				e.capture(result, cmdResult)
			}
			return result, nil
		}
		result.Fail(ErrKindExecution, "execute: %v", err)
		return result, nil
	}

	e.capture(result, cmdResult)
	if cmdResult.ExitCode != 0 {
		result.Fail(ErrKindExecution, "command exited with code %d", cmdResult.ExitCode)
		return result, nil
	}

	result.Success = true
	if len(payload.Undo) > 0 {
		result.Undo = append(result.Undo, RecordedOp{
			Kind: txn.OpCommand,
			Undo: txn.UndoSpec{Kind: txn.UndoCommand, Argv: payload.Undo, Note: strings.Join(argv, " ")},
		})
	}
	return result, nil
}

// checkGovernance validates the spawned binary. Shell commands check both
// the shell itself and the first token of the command line.
func (e *Command) checkGovernance(payload *plan.CommandStep, argv []string) error {
	if e.Gov == nil {
		return nil
	}
	if payload.Shell != "" {
		fields := strings.Fields(payload.Shell)
		if len(fields) > 0 {
			if err := e.Gov.CheckCommand(fields[0]); err != nil {
				return err
			}
		}
		return nil
	}
	return e.Gov.CheckCommand(argv[0])
}

// buildEnv merges the governed process environment with step-level vars.
func (e *Command) buildEnv(payload *plan.CommandStep) ([]string, []string) {
	env := os.Environ()
	var blocked []string
	if e.Gov != nil {
		env, blocked = e.Gov.FilterEnvVars(env)
	}
	for k, v := range payload.Env {
		env = append(env, k+"="+v)
	}
	return env, blocked
}

// capture stores stdout/stderr/exit code outputs, applies redaction, and
// auto-populates outputs from KEY=value lines and JSON-object stdout.
func (e *Command) capture(result *StepResult, cmdResult *CommandResult) {
	stdout := string(cmdResult.Stdout)
	stderr := string(cmdResult.Stderr)
	if len(e.Redact) > 0 {
		stdout = governance.RedactOutput(stdout, e.Redact)
		stderr = governance.RedactOutput(stderr, e.Redact)
	}
	result.Output("stdout", stdout)
	result.Output("stderr", stderr)
	result.Output("exit_code", cmdResult.ExitCode)
	result.Output("duration_ms", cmdResult.Duration.Milliseconds())

	for _, line := range strings.Split(stdout, "\n") {
		if m := keyValueLineRe.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			result.Output(m[1], m[2])
		}
	}

	trimmed := strings.TrimSpace(stdout)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			for k, v := range obj {
				result.Output(k, v)
			}
		}
	}
}

// newResult initializes a result envelope for the step.
func newResult(step *plan.Step) *StepResult {
	return &StepResult{
		StepID:    step.ID,
		Kind:      step.Kind,
		StartedAt: time.Now(),
	}
}

// finish stamps the end time.
func finish(result *StepResult) {
	result.EndedAt = time.Now()
}
