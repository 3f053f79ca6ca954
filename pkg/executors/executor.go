// Package executors defines the Executor interface, the shared execution
// context and result types, and the built-in executors for command, file,
// decision, api and code steps. Executors are the only place real side
// effects happen; every mutating executor attaches undo specs that the
// engine records into the active transaction before the step completes.
package executors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veltaria/planrun/pkg/plan"
	"github.com/veltaria/planrun/pkg/txn"
)

// Error kinds carried on a failed StepResult. The scheduler uses them to
// decide retry eligibility.
const (
	ErrKindExecution = "execution"
	ErrKindTimeout   = "timeout"
	ErrKindSandbox   = "sandbox" // never retried
)

// StepResult is the uniform outcome envelope for all step kinds.
type StepResult struct {
	StepID           string         `json:"step_id"`
	Kind             plan.Kind      `json:"kind"`
	Success          bool           `json:"success"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorKind        string         `json:"error_kind,omitempty"`
	Retried          bool           `json:"retried,omitempty"`
	RecoveryApplied  bool           `json:"recovery_applied,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          time.Time      `json:"ended_at"`
	// Undo specs for side effects this result performed; consumed by the
	// engine, recorded into the transaction log, never serialized here.
	Undo []RecordedOp `json:"-"`
}

// RecordedOp pairs an operation kind with its undo spec.
type RecordedOp struct {
	Kind string // txn.OpFilesystem, txn.OpContent, txn.OpCommand, txn.OpPlanStep
	Undo txn.UndoSpec
}

// Fail marks the result failed with the given error kind and message.
func (r *StepResult) Fail(kind, format string, args ...any) {
	r.Success = false
	r.ErrorKind = kind
	r.Error = fmt.Sprintf(format, args...)
}

// Output sets one output field, allocating the map on first use.
func (r *StepResult) Output(name string, value any) {
	if r.Outputs == nil {
		r.Outputs = make(map[string]any)
	}
	r.Outputs[name] = value
}

// Executor runs one step kind. Implementations must never panic through:
// all failures are captured into the StepResult. The error return is
// reserved for infrastructure faults that make the result itself
// meaningless (and the engine still converts those into failed results).
type Executor interface {
	Execute(ctx context.Context, execCtx *ExecutionContext, step *plan.Step) (*StepResult, error)
}

// Variable is one entry in the data-flow store, with provenance.
type Variable struct {
	Name       string    `json:"name"`
	Value      any       `json:"value"`
	SourceStep string    `json:"source_step,omitempty"`
	SetAt      time.Time `json:"set_at"`
}

// ExecutionContext is the per-run mutable state: the variable store, the
// results map, and warnings. Iteration contexts layer loop-local bindings
// and results over a parent; writes land in the layer they are made in, so
// loop-local state is discarded with the iteration unless exported.
type ExecutionContext struct {
	RunID  string
	PlanID string
	TxnID  string
	DryRun bool

	parent *ExecutionContext
	iter   map[string]any

	mu       sync.Mutex
	vars     map[string]*Variable
	results  map[string]*StepResult
	warnings []string
}

// NewExecutionContext creates the root context for one plan run.
func NewExecutionContext(runID, planID string, dryRun bool) *ExecutionContext {
	return &ExecutionContext{
		RunID:   runID,
		PlanID:  planID,
		DryRun:  dryRun,
		vars:    make(map[string]*Variable),
		results: make(map[string]*StepResult),
	}
}

// NewIteration derives a loop-iteration context: a read view of the parent
// plus the loop_item / loop_index bindings and its own write layer.
func (c *ExecutionContext) NewIteration(item any, index int) *ExecutionContext {
	return &ExecutionContext{
		RunID:   c.RunID,
		PlanID:  c.PlanID,
		TxnID:   c.TxnID,
		DryRun:  c.DryRun,
		parent:  c,
		iter:    map[string]any{"loop_item": item, "loop_index": index},
		vars:    make(map[string]*Variable),
		results: make(map[string]*StepResult),
	}
}

// Parent returns the context this one was derived from, or nil at the root.
func (c *ExecutionContext) Parent() *ExecutionContext { return c.parent }

// SetVar writes a variable into this context's layer. Last write wins.
func (c *ExecutionContext) SetVar(name string, value any, sourceStep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = &Variable{Name: name, Value: value, SourceStep: sourceStep, SetAt: time.Now()}
}

// LookupVar resolves a flat variable name: iteration bindings first, then
// this layer's store, then the parent chain.
func (c *ExecutionContext) LookupVar(name string) (any, bool) {
	if c.iter != nil {
		if v, ok := c.iter[name]; ok {
			return v, true
		}
	}
	c.mu.Lock()
	v, ok := c.vars[name]
	c.mu.Unlock()
	if ok {
		return v.Value, true
	}
	if c.parent != nil {
		return c.parent.LookupVar(name)
	}
	return nil, false
}

// SetResult publishes a completed step's result into this layer.
func (c *ExecutionContext) SetResult(stepID string, result *StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[stepID] = result
}

// Result looks up a step result in this layer or the parent chain.
func (c *ExecutionContext) Result(stepID string) (*StepResult, bool) {
	c.mu.Lock()
	r, ok := c.results[stepID]
	c.mu.Unlock()
	if ok {
		return r, true
	}
	if c.parent != nil {
		return c.parent.Result(stepID)
	}
	return nil, false
}

// Results returns a snapshot of this layer's results merged over the
// parent's (layer entries win).
func (c *ExecutionContext) Results() map[string]*StepResult {
	var out map[string]*StepResult
	if c.parent != nil {
		out = c.parent.Results()
	} else {
		out = make(map[string]*StepResult)
	}
	c.mu.Lock()
	for id, r := range c.results {
		out[id] = r
	}
	c.mu.Unlock()
	return out
}

// Vars returns a flattened name→value snapshot of the visible variables,
// iteration bindings included.
func (c *ExecutionContext) Vars() map[string]any {
	var out map[string]any
	if c.parent != nil {
		out = c.parent.Vars()
	} else {
		out = make(map[string]any)
	}
	c.mu.Lock()
	for name, v := range c.vars {
		out[name] = v.Value
	}
	c.mu.Unlock()
	for name, v := range c.iter {
		out[name] = v
	}
	return out
}

// Variables returns the provenance-carrying entries of the root store.
func (c *ExecutionContext) Variables() map[string]*Variable {
	root := c
	for root.parent != nil {
		root = root.parent
	}
	root.mu.Lock()
	defer root.mu.Unlock()
	out := make(map[string]*Variable, len(root.vars))
	for name, v := range root.vars {
		out[name] = v
	}
	return out
}

// AddWarning records a non-fatal warning on the root context.
func (c *ExecutionContext) AddWarning(format string, args ...any) {
	root := c
	for root.parent != nil {
		root = root.parent
	}
	root.mu.Lock()
	defer root.mu.Unlock()
	root.warnings = append(root.warnings, fmt.Sprintf(format, args...))
}

// Warnings returns the warnings collected so far.
func (c *ExecutionContext) Warnings() []string {
	root := c
	for root.parent != nil {
		root = root.parent
	}
	root.mu.Lock()
	defer root.mu.Unlock()
	out := make([]string, len(root.warnings))
	copy(out, root.warnings)
	return out
}

// Registry is the dispatch table from step kind to executor. Closed: loop
// and parallel are structural kinds owned by the scheduler, and unknown
// kinds are rejected at lookup.
type Registry struct {
	m map[plan.Kind]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[plan.Kind]Executor)}
}

// Register binds an executor to a leaf step kind.
func (r *Registry) Register(kind plan.Kind, ex Executor) error {
	switch kind {
	case plan.KindLoop, plan.KindParallel:
		return fmt.Errorf("kind %q is structural and has no executor", kind)
	case plan.KindCommand, plan.KindCode, plan.KindFile, plan.KindDecision, plan.KindAPI:
		r.m[kind] = ex
		return nil
	default:
		return fmt.Errorf("unknown step kind %q", kind)
	}
}

// Get returns the executor for a leaf kind.
func (r *Registry) Get(kind plan.Kind) (Executor, error) {
	ex, ok := r.m[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for kind %q", kind)
	}
	return ex, nil
}
