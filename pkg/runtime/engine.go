// Package runtime contains the plan execution engine: the scheduler that
// drives steps through their lifecycle, the placeholder resolver, the run
// trace, and the per-run artifact directory under the state dir.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veltaria/planrun/pkg/errs"
	"github.com/veltaria/planrun/pkg/executors"
	"github.com/veltaria/planrun/pkg/governance"
	"github.com/veltaria/planrun/pkg/plan"
	"github.com/veltaria/planrun/pkg/recovery"
	"github.com/veltaria/planrun/pkg/txn"
)

// DefaultStateDir is where runs and transaction state live unless overridden.
const DefaultStateDir = ".planrun"

// Engine executes one plan. Build it with NewEngine; the zero value is not
// usable.
type Engine struct {
	Plan     *plan.Plan
	Registry *executors.Registry
	Txns     *txn.Manager
	Gov      *governance.Engine
	Recovery recovery.Gateway

	stateDir    string
	runner      executors.CommandRunner
	client      *http.Client
	interpreter string
	trace       *TraceWriter
}

// Option configures an Engine.
type Option func(*Engine)

// WithStateDir overrides the default .planrun state directory.
func WithStateDir(dir string) Option { return func(e *Engine) { e.stateDir = dir } }

// WithRunner substitutes the subprocess runner, mainly for tests.
func WithRunner(r executors.CommandRunner) Option { return func(e *Engine) { e.runner = r } }

// WithHTTPClient substitutes the client used by api steps.
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.client = c } }

// WithRecovery installs a failure recovery gateway.
func WithRecovery(g recovery.Gateway) Option { return func(e *Engine) { e.Recovery = g } }

// WithInterpreter overrides the sandbox interpreter binary for code steps.
func WithInterpreter(path string) Option { return func(e *Engine) { e.interpreter = path } }

// NewEngine assembles an engine for p: governance from the plan's policy,
// a transaction manager under the state dir, and the builtin executors.
func NewEngine(p *plan.Plan, opts ...Option) (*Engine, error) {
	e := &Engine{
		Plan:     p,
		Recovery: recovery.NoopGateway{},
		stateDir: DefaultStateDir,
		runner:   &executors.RealRunner{},
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.Gov = governance.New(p.Governance)
	var rules []plan.RedactionRule
	if p.Governance != nil {
		rules = p.Governance.Redact
	}
	redact, err := governance.CompileRedactionRules(rules)
	if err != nil {
		return nil, fmt.Errorf("compile redaction rules: %w", err)
	}

	e.Txns = txn.NewManager(e.stateDir)
	e.Txns.Gov = e.Gov

	e.Registry = executors.NewRegistry()
	for kind, ex := range map[plan.Kind]executors.Executor{
		plan.KindCommand:  &executors.Command{Runner: e.runner, Gov: e.Gov, Redact: redact},
		plan.KindCode:     &executors.Code{Runner: e.runner, Gov: e.Gov, Interpreter: e.interpreter},
		plan.KindFile:     &executors.File{Mgr: e.Txns},
		plan.KindDecision: &executors.Decision{},
		plan.KindAPI:      &executors.API{Client: e.client, Redact: redact},
	} {
		if err := e.Registry.Register(kind, ex); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ExecuteOptions control one run.
type ExecuteOptions struct {
	// DryRun walks the full schedule without side effects: no subprocesses,
	// no filesystem writes, no HTTP, no transaction.
	DryRun bool
	// Vars overlays the plan's vars block for this run.
	Vars map[string]string
}

// PlanExecutionResult is the outcome of one run.
type PlanExecutionResult struct {
	RunID         string                           `yaml:"run_id" json:"run_id"`
	PlanID        string                           `yaml:"plan_id" json:"plan_id"`
	Success       bool                             `yaml:"success" json:"success"`
	DryRun        bool                             `yaml:"dry_run,omitempty" json:"dry_run,omitempty"`
	TransactionID string                           `yaml:"transaction_id,omitempty" json:"transaction_id,omitempty"`
	FailedStepID  string                           `yaml:"failed_step,omitempty" json:"failed_step,omitempty"`
	States        map[string]StepState             `yaml:"states" json:"states"`
	Results       map[string]*executors.StepResult `yaml:"-" json:"results,omitempty"`
	Variables     map[string]*executors.Variable   `yaml:"-" json:"variables,omitempty"`
	Warnings      []string                         `yaml:"warnings,omitempty" json:"warnings,omitempty"`
	StartedAt     time.Time                        `yaml:"started_at" json:"started_at"`
	EndedAt       time.Time                        `yaml:"ended_at" json:"ended_at"`

	// Err carries the typed failure for the failed step, nil on success.
	Err error `yaml:"-" json:"-"`
}

// InvalidPlanError is returned when validation blocks execution.
type InvalidPlanError struct {
	Issues []*plan.ValidationError
}

func (e *InvalidPlanError) Error() string {
	n := 0
	first := ""
	for _, issue := range e.Issues {
		if issue.Severity != "error" {
			continue
		}
		if first == "" {
			first = issue.Error()
		}
		n++
	}
	return fmt.Sprintf("plan failed validation with %d errors (first: %s)", n, first)
}

// GenerateRunID returns a sortable unique run id: a UTC timestamp plus a
// random suffix.
func GenerateRunID() string {
	var b [4]byte
	rand.Read(b[:])
	return time.Now().UTC().Format("20060102T150405") + "-" + hex.EncodeToString(b[:])
}

// Execute validates the plan, opens a transaction (unless dry-run), and
// drives the schedule to quiescence. A failing step halts new dispatch; the
// transaction is left in failed status for `planrun rollback`. Validation
// failure means zero side effects: no run dir, no transaction.
func (e *Engine) Execute(ctx context.Context, opts ExecuteOptions) (*PlanExecutionResult, error) {
	if issues := plan.Validate(e.Plan); plan.HasErrors(issues) {
		return nil, &InvalidPlanError{Issues: issues}
	}

	runID := GenerateRunID()
	runDir := filepath.Join(e.stateDir, "runs", runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	tw, err := NewTraceWriter(filepath.Join(runDir, "trace.jsonl"), runID)
	if err != nil {
		return nil, err
	}
	e.trace = tw
	defer tw.Close()
	tw.Event("run_started", "plan "+e.Plan.ID)

	ectx := executors.NewExecutionContext(runID, e.Plan.ID, opts.DryRun)
	for k, v := range e.Plan.Vars {
		ectx.SetVar(k, v, "")
	}
	for k, v := range opts.Vars {
		ectx.SetVar(k, v, "")
	}

	if !opts.DryRun {
		t, err := e.Txns.Begin()
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		ectx.TxnID = t.ID
	}

	started := time.Now()
	sched := newScheduler(e, ectx)
	runErr := sched.run(ctx)

	res := &PlanExecutionResult{
		RunID:         runID,
		PlanID:        e.Plan.ID,
		DryRun:        opts.DryRun,
		TransactionID: ectx.TxnID,
		States:        sched.states,
		Results:       ectx.Results(),
		Variables:     ectx.Variables(),
		Warnings:      ectx.Warnings(),
		StartedAt:     started,
		EndedAt:       time.Now(),
	}

	status := txn.StatusCommitted
	switch {
	case runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)):
		status = txn.StatusCancelled
	case runErr != nil || len(sched.failed) > 0:
		status = txn.StatusFailed
	default:
		res.Success = true
	}
	if len(sched.failed) > 0 {
		res.FailedStepID = sched.failed[0]
		res.Err = failedStepError(ectx, sched.failed[0])
	}

	if ectx.TxnID != "" {
		if err := e.Txns.End(ectx.TxnID, status); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("finalize transaction: %v", err))
		}
	}
	e.writeManifest(runDir, res)
	tw.Event("run_finished", string(status))
	return res, runErr
}

// failedStepError builds the typed error for the halting step.
func failedStepError(ectx *executors.ExecutionContext, stepID string) error {
	r, ok := ectx.Result(stepID)
	if !ok {
		return &errs.RecoveryExhausted{StepID: stepID, Err: errors.New("step failed")}
	}
	var cause error
	switch r.ErrorKind {
	case executors.ErrKindTimeout:
		cause = &errs.TimeoutError{StepID: stepID, Timeout: durationOf(r)}
	case executors.ErrKindSandbox:
		return &errs.SandboxSecurityError{StepID: stepID, Detail: r.Error}
	default:
		cause = &errs.ExecutionError{StepID: stepID, Err: errors.New(r.Error)}
	}
	return &errs.RecoveryExhausted{StepID: stepID, Err: cause}
}

func durationOf(r *executors.StepResult) string {
	return r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

// writeManifest persists run.yaml next to the trace. Best effort.
func (e *Engine) writeManifest(runDir string, res *PlanExecutionResult) {
	data, err := yaml.Marshal(res)
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(runDir, "run.yaml"), data, 0o644)
}

// Summary renders a one-line-per-step report of a finished run.
func (res *PlanExecutionResult) Summary() string {
	var b strings.Builder
	for _, id := range sortedStateIDs(res.States) {
		fmt.Fprintf(&b, "%-12s %s\n", res.States[id], id)
	}
	return b.String()
}

func sortedStateIDs(states map[string]StepState) []string {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
