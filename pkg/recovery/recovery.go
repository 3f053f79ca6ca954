// Package recovery defines the narrow boundary the engine calls on terminal
// step failure. How a verdict is produced is outside the engine; only the
// contract lives here.
package recovery

import (
	"context"

	"github.com/veltaria/planrun/pkg/executors"
	"github.com/veltaria/planrun/pkg/plan"
)

// Outcome is the gateway's verdict for one failed step.
type Outcome struct {
	// Resolved reports that the failure was fixed; the engine treats the
	// step as completed with recovery_applied set.
	Resolved bool
	// PatchedResult optionally replaces the failed result. When nil and
	// Resolved is true, the original result is reused with Success forced.
	PatchedResult *executors.StepResult
	// StrategyApplied names the fix for the run report.
	StrategyApplied string
}

// Gateway is consulted exactly once per terminal step failure, after the
// step's retry budget is exhausted.
type Gateway interface {
	HandleFailure(ctx context.Context, step *plan.Step, result *executors.StepResult, execCtx *executors.ExecutionContext) (*Outcome, error)
}

// NoopGateway never resolves anything. It is the default when no external
// recovery service is wired in.
type NoopGateway struct{}

// HandleFailure implements Gateway.
func (NoopGateway) HandleFailure(ctx context.Context, step *plan.Step, result *executors.StepResult, execCtx *executors.ExecutionContext) (*Outcome, error) {
	return &Outcome{Resolved: false}, nil
}

// FuncGateway adapts a function to the Gateway interface.
type FuncGateway func(ctx context.Context, step *plan.Step, result *executors.StepResult, execCtx *executors.ExecutionContext) (*Outcome, error)

// HandleFailure implements Gateway.
func (f FuncGateway) HandleFailure(ctx context.Context, step *plan.Step, result *executors.StepResult, execCtx *executors.ExecutionContext) (*Outcome, error) {
	return f(ctx, step, result, execCtx)
}
