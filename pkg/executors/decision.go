package executors

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/veltaria/planrun/pkg/plan"
)

// Decision evaluates a condition against variables and prior results and
// publishes outputs.condition_result. The scheduler reads that output to
// pick the branch; the executor itself never schedules anything.
type Decision struct{}

// Execute implements Executor.
func (e *Decision) Execute(ctx context.Context, execCtx *ExecutionContext, step *plan.Step) (*StepResult, error) {
	result := newResult(step)
	defer finish(result)

	payload := step.Decision
	if payload == nil {
		result.Fail(ErrKindExecution, "decision step has no payload")
		return result, nil
	}

	var value bool
	var err error
	switch {
	case payload.FileExists != "":
		_, statErr := os.Stat(payload.FileExists)
		value = statErr == nil
		result.Output("checked_path", payload.FileExists)
	case payload.StepSucceeded != "":
		prior, ok := execCtx.Result(payload.StepSucceeded)
		value = ok && prior.Success
		result.Output("checked_step", payload.StepSucceeded)
	case payload.OutputContains != nil:
		value, err = e.outputContains(execCtx, payload.OutputContains)
	case payload.Expression != "":
		value, err = EvalCondition(payload.Expression, execCtx)
	default:
		err = fmt.Errorf("decision step has no condition form")
	}

	if err != nil {
		result.Fail(ErrKindExecution, "evaluate condition: %v", err)
		return result, nil
	}

	result.Success = true
	result.Output("condition_result", value)
	return result, nil
}

func (e *Decision) outputContains(execCtx *ExecutionContext, oc *plan.OutputContains) (bool, error) {
	prior, ok := execCtx.Result(oc.StepID)
	if !ok {
		return false, fmt.Errorf("no result for step %q", oc.StepID)
	}
	raw, ok := prior.Outputs[oc.Field]
	if !ok {
		return false, nil
	}
	return strings.Contains(fmt.Sprint(raw), oc.Needle), nil
}

// EvalCondition compiles and runs a boolean expression against the visible
// variables plus a "results" map of step outputs (results.<step>.<field>).
func EvalCondition(exprStr string, execCtx *ExecutionContext) (bool, error) {
	exprStr = strings.TrimSpace(exprStr)
	if exprStr == "" {
		return true, nil // empty condition = always true
	}

	env := conditionEnv(execCtx)
	program, err := expr.Compile(exprStr, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", exprStr, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", exprStr, err)
	}
	value, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T: %v)", exprStr, output, output)
	}
	return value, nil
}

// conditionEnv builds the expression environment: flat variables merged
// with per-step outputs under "results", plus each step's success flag.
func conditionEnv(execCtx *ExecutionContext) map[string]any {
	env := execCtx.Vars()
	results := make(map[string]any)
	for id, r := range execCtx.Results() {
		entry := map[string]any{"success": r.Success}
		for k, v := range r.Outputs {
			entry[k] = v
		}
		results[id] = entry
	}
	env["results"] = results
	return env
}
