package executors

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/veltaria/planrun/pkg/governance"
	"github.com/veltaria/planrun/pkg/plan"
)

// sandboxExitCode is what the harness exits with on a capability violation.
const sandboxExitCode = 13

// outputMarker separates user stdout from the declared-outputs record the
// harness prints on its final line.
const outputMarker = "__PLANRUN_OUTPUTS__ "

// sandboxHarness wraps user source in an out-of-process capability sandbox:
// imports restricted to the governance allowlist, eval/exec/compile and
// process primitives disabled, open() limited to read modes. The harness
// receives the allowlist, the declared output names, and the user source as
// argv, and the serialized variables on stdin.
const sandboxHarness = `
import builtins as _b, json as _json, sys as _sys

_allowed = set(_json.loads(_sys.argv[1]))
_declared = _json.loads(_sys.argv[2])
_source = _sys.argv[3]
_vars = _json.load(_sys.stdin)

_compile = _b.compile
_exec = getattr(_b, "exec")

def _deny(what):
    _sys.stderr.write("sandbox: %s\n" % what)
    _sys.stdout.flush()
    _sys.exit(13)

_real_import = _b.__import__
def _guarded_import(name, globals=None, locals=None, fromlist=(), level=0):
    if name.split(".")[0] not in _allowed:
        _deny("import of module %r is not allowed" % name)
    return _real_import(name, globals, locals, fromlist, level)
_b.__import__ = _guarded_import

_real_open = _b.open
def _readonly_open(file, mode="r", *args, **kwargs):
    if any(c in str(mode) for c in "wax+"):
        _deny("write access to %r is not allowed" % str(file))
    return _real_open(file, mode, *args, **kwargs)
_b.open = _readonly_open

for _name in ("eval", "exec", "compile", "input", "breakpoint", "exit", "quit"):
    def _blocked(*args, __name=_name, **kwargs):
        _deny("builtin %r is not allowed" % __name)
    setattr(_b, _name, _blocked)

_globals = {"__name__": "__main__", "variables": dict(_vars)}
for _k, _v in _vars.items():
    if _k.isidentifier():
        _globals[_k] = _v

_exec(_compile(_source, "<step>", "exec"), _globals)

_out = {}
for _name in _declared:
    if _name in _globals:
        try:
            _json.dumps(_globals[_name])
            _out[_name] = _globals[_name]
        except (TypeError, ValueError):
            _out[_name] = repr(_globals[_name])
_sys.stdout.write("\n__PLANRUN_OUTPUTS__ " + _json.dumps(_out) + "\n")
`

// Code hands source off to a sandboxed interpreter subprocess. The engine's
// only obligations are serializing the current variables in and reading the
// declared outputs plus stdout/stderr back out; the harness enforces the
// capability allowlist.
type Code struct {
	Runner      CommandRunner
	Gov         *governance.Engine
	Interpreter string // defaults to python3
}

// Execute implements Executor.
func (e *Code) Execute(ctx context.Context, execCtx *ExecutionContext, step *plan.Step) (*StepResult, error) {
	result := newResult(step)
	defer finish(result)

	payload := step.Code
	if payload == nil {
		result.Fail(ErrKindExecution, "code step has no payload")
		return result, nil
	}
	if payload.Language != "" && payload.Language != "python" {
		result.Fail(ErrKindExecution, "unsupported language %q", payload.Language)
		return result, nil
	}

	if execCtx.DryRun {
		result.Success = true
		result.Output("dry_run", true)
		result.Output("would_execute", "sandboxed python, "+lineCount(payload.Source))
		return result, nil
	}

	allowlist := governance.DefaultSandboxModules
	if e.Gov != nil {
		allowlist = e.Gov.SandboxModules
	}
	allowlistJSON, err := json.Marshal(allowlist)
	if err != nil {
		result.Fail(ErrKindExecution, "marshal allowlist: %v", err)
		return result, nil
	}
	declaredJSON, err := json.Marshal(nonNil(payload.Outputs))
	if err != nil {
		result.Fail(ErrKindExecution, "marshal declared outputs: %v", err)
		return result, nil
	}
	varsJSON, err := json.Marshal(e.inputVars(execCtx, payload))
	if err != nil {
		result.Fail(ErrKindExecution, "marshal variables: %v", err)
		return result, nil
	}

	interpreter := e.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	// -I isolates the interpreter from the user environment and site dirs.
	argv := []string{interpreter, "-I", "-c", sandboxHarness,
		string(allowlistJSON), string(declaredJSON), payload.Source}

	cmdResult, err := e.Runner.Run(ctx, argv, nil, varsJSON)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			result.Fail(ErrKindTimeout, "code step timed out after %s", step.Timeout)
		} else {
			result.Fail(ErrKindExecution, "run interpreter: %v", err)
		}
		return result, nil
	}

	stdout, outputs := splitOutputs(string(cmdResult.Stdout))
	result.Output("stdout", stdout)
	result.Output("stderr", string(cmdResult.Stderr))
	result.Output("exit_code", cmdResult.ExitCode)
	for k, v := range outputs {
		result.Output(k, v)
	}

	switch {
	case cmdResult.ExitCode == sandboxExitCode:
		result.Fail(ErrKindSandbox, "capability violation: %s", strings.TrimSpace(string(cmdResult.Stderr)))
	case cmdResult.ExitCode != 0:
		result.Fail(ErrKindExecution, "interpreter exited with code %d", cmdResult.ExitCode)
	default:
		result.Success = true
	}
	return result, nil
}

// inputVars selects the variables serialized into the sandbox: all visible
// variables by default, or only the declared inputs when the step names them.
func (e *Code) inputVars(execCtx *ExecutionContext, payload *plan.CodeStep) map[string]any {
	all := execCtx.Vars()
	if len(payload.Inputs) == 0 {
		return all
	}
	selected := make(map[string]any, len(payload.Inputs))
	for _, name := range payload.Inputs {
		if v, ok := all[name]; ok {
			selected[name] = v
		}
	}
	return selected
}

// splitOutputs separates user stdout from the harness's declared-outputs
// marker line.
func splitOutputs(stdout string) (string, map[string]any) {
	idx := strings.LastIndex(stdout, outputMarker)
	if idx < 0 {
		return stdout, nil
	}
	rest := stdout[idx+len(outputMarker):]
	line, _, _ := strings.Cut(rest, "\n")
	var outputs map[string]any
	if err := json.Unmarshal([]byte(line), &outputs); err != nil {
		return stdout, nil
	}
	return strings.TrimRight(stdout[:idx], "\n"), outputs
}

func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

func lineCount(source string) string {
	n := strings.Count(source, "\n") + 1
	if n == 1 {
		return "1 line"
	}
	return strconv.Itoa(n) + " lines"
}
