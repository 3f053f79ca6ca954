package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veltaria/planrun/pkg/errs"
	"github.com/veltaria/planrun/pkg/executors"
	"github.com/veltaria/planrun/pkg/plan"
	"github.com/veltaria/planrun/pkg/recovery"
	"github.com/veltaria/planrun/pkg/txn"
)

// scriptedRunner fakes subprocesses: behavior is keyed by the joined argv,
// and every invocation is counted.
type scriptedRunner struct {
	mu     sync.Mutex
	calls  []string
	script map[string]func(call int) (*executors.CommandResult, error)
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{script: make(map[string]func(int) (*executors.CommandResult, error))}
}

func (r *scriptedRunner) on(argv string, fn func(call int) (*executors.CommandResult, error)) {
	r.script[argv] = fn
}

func (r *scriptedRunner) Run(ctx context.Context, argv []string, env []string, stdin []byte) (*executors.CommandResult, error) {
	key := strings.Join(argv, " ")
	r.mu.Lock()
	r.calls = append(r.calls, key)
	n := 0
	for _, c := range r.calls {
		if c == key {
			n++
		}
	}
	fn := r.script[key]
	if fn == nil {
		fn = r.script["*"]
	}
	r.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return &executors.CommandResult{ExitCode: 0, Duration: time.Millisecond}, nil
}

func (r *scriptedRunner) count(argv string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == argv {
			n++
		}
	}
	return n
}

func (r *scriptedRunner) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func loadTestPlan(t *testing.T, doc string) *plan.Plan {
	t.Helper()
	p, err := plan.Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	return p
}

func newTestEngine(t *testing.T, p *plan.Plan, runner executors.CommandRunner, opts ...Option) *Engine {
	t.Helper()
	all := append([]Option{
		WithStateDir(filepath.Join(t.TempDir(), "state")),
		WithRunner(runner),
	}, opts...)
	eng, err := NewEngine(p, all...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func TestExecuteLinearPlan(t *testing.T) {
	p := loadTestPlan(t, `
id: linear
steps:
  build:
    kind: command
    command: {argv: [make, build]}
  verify:
    kind: command
    depends_on: [{step: build}]
    command: {argv: [make, test]}
entry_points: [build]
`)
	runner := newScriptedRunner()
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: %+v", res)
	}
	if res.States["build"] != StateCompleted || res.States["verify"] != StateCompleted {
		t.Errorf("states = %v", res.States)
	}
	if runner.count("make build") != 1 || runner.count("make test") != 1 {
		t.Errorf("calls = %v", runner.calls)
	}

	got, err := eng.Txns.Get(res.TransactionID)
	if err != nil {
		t.Fatalf("get txn: %v", err)
	}
	if got.Status != txn.StatusCommitted {
		t.Errorf("txn status = %q, want committed", got.Status)
	}
}

func TestExecuteAutoExportsOutputs(t *testing.T) {
	p := loadTestPlan(t, `
id: exports
steps:
  probe:
    kind: command
    command: {argv: [probe]}
  consume:
    kind: command
    depends_on: [{step: probe}]
    command: {argv: [echo, "${probe.VERSION}"]}
entry_points: [probe]
`)
	runner := newScriptedRunner()
	runner.on("probe", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{Stdout: []byte("VERSION=9.1\n")}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	if runner.count("echo 9.1") != 1 {
		t.Errorf("calls = %v", runner.calls)
	}
	if v, ok := res.Variables["probe.VERSION"]; !ok || v.SourceStep != "probe" {
		t.Errorf("exported variable missing or unattributed: %+v", v)
	}
}

func TestExecuteFailureHaltsAndRunsHandlers(t *testing.T) {
	p := loadTestPlan(t, `
id: failstop
steps:
  setup:
    kind: command
    command: {argv: [setup]}
  breaks:
    kind: command
    depends_on: [{step: setup}]
    command: {argv: [breaks]}
  downstream:
    kind: command
    depends_on: [{step: breaks}]
    command: {argv: [downstream]}
  unrelated:
    kind: command
    depends_on: [{step: setup}]
    command: {argv: [unrelated]}
  handler:
    kind: command
    depends_on: [{step: breaks, mode: failure}]
    command: {argv: [handler]}
  cleanup:
    kind: command
    depends_on: [{step: handler}]
    command: {argv: [cleanup]}
entry_points: [setup]
`)
	runner := newScriptedRunner()
	runner.on("breaks", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{ExitCode: 1, Stderr: []byte("nope")}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("run should fail")
	}
	if res.FailedStepID != "breaks" {
		t.Errorf("failed step = %q", res.FailedStepID)
	}
	if res.States["downstream"] != StateSkipped {
		t.Errorf("downstream = %s, want skipped", res.States["downstream"])
	}
	if res.States["unrelated"] != StateSkipped || runner.count("unrelated") != 0 {
		t.Errorf("unrelated branch ran after the failure: %s, calls %v",
			res.States["unrelated"], runner.calls)
	}
	if res.States["handler"] != StateCompleted || res.States["cleanup"] != StateCompleted {
		t.Errorf("handler chain states = %v", res.States)
	}
	if runner.count("downstream") != 0 {
		t.Error("downstream dispatched despite failure")
	}
	if runner.count("handler") != 1 || runner.count("cleanup") != 1 {
		t.Errorf("handler chain calls = %v", runner.calls)
	}

	got, _ := eng.Txns.Get(res.TransactionID)
	if got.Status != txn.StatusFailed {
		t.Errorf("txn status = %q, want failed", got.Status)
	}
	var exhausted *errs.RecoveryExhausted
	if !errors.As(res.Err, &exhausted) || exhausted.StepID != "breaks" {
		t.Errorf("res.Err = %v", res.Err)
	}
}

func TestFailureHaltsRestOfReadyBatch(t *testing.T) {
	p := loadTestPlan(t, `
id: batch
steps:
  alpha:
    kind: command
    command: {argv: [alpha]}
  beta:
    kind: command
    command: {argv: [beta]}
entry_points: [alpha, beta]
`)
	runner := newScriptedRunner()
	runner.on("alpha", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{ExitCode: 1}, nil
	})
	eng := newTestEngine(t, p, runner)

	// alpha and beta are collected into the same ready batch; alpha runs
	// first (sorted dispatch) and fails, so beta must never dispatch.
	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("run should fail")
	}
	if runner.count("beta") != 0 {
		t.Errorf("beta dispatched after alpha failed: calls = %v", runner.calls)
	}
	if res.States["alpha"] != StateFailed || res.States["beta"] != StateSkipped {
		t.Errorf("states = %v", res.States)
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	p := loadTestPlan(t, `
id: flaky
steps:
  flaky:
    kind: command
    max_retries: 2
    command: {argv: [flaky]}
entry_points: [flaky]
`)
	runner := newScriptedRunner()
	runner.on("flaky", func(call int) (*executors.CommandResult, error) {
		if call < 3 {
			return &executors.CommandResult{ExitCode: 1}, nil
		}
		return &executors.CommandResult{ExitCode: 0}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, success=%v", err, res != nil && res.Success)
	}
	if runner.count("flaky") != 3 {
		t.Errorf("invocations = %d, want 3", runner.count("flaky"))
	}
	if r := res.Results["flaky"]; r == nil || !r.Retried {
		t.Errorf("result not marked retried: %+v", r)
	}
}

func TestExecuteRetriesExhausted(t *testing.T) {
	p := loadTestPlan(t, `
id: doomed
steps:
  doomed:
    kind: command
    max_retries: 1
    command: {argv: [doomed]}
entry_points: [doomed]
`)
	runner := newScriptedRunner()
	runner.on("doomed", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{ExitCode: 1}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, _ := eng.Execute(context.Background(), ExecuteOptions{})
	if res.Success {
		t.Fatal("run should fail")
	}
	if runner.count("doomed") != 2 {
		t.Errorf("invocations = %d, want 2 (initial + 1 retry)", runner.count("doomed"))
	}
}

func TestSandboxViolationNeverRetried(t *testing.T) {
	p := loadTestPlan(t, `
id: hostile
steps:
  hostile:
    kind: code
    max_retries: 3
    code:
      source: "import socket"
entry_points: [hostile]
`)
	runner := newScriptedRunner()
	runner.on("*", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{ExitCode: 13, Stderr: []byte("import of 'socket' is not allowed")}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, _ := eng.Execute(context.Background(), ExecuteOptions{})
	if res.Success {
		t.Fatal("run should fail")
	}
	if runner.total() != 1 {
		t.Errorf("invocations = %d, want 1 (no retry for sandbox violations)", runner.total())
	}
	var sec *errs.SandboxSecurityError
	if !errors.As(res.Err, &sec) {
		t.Errorf("res.Err = %v, want SandboxSecurityError", res.Err)
	}
}

func TestDecisionBranchExclusivity(t *testing.T) {
	p := loadTestPlan(t, `
id: branching
steps:
  gate:
    kind: decision
    decision:
      file_exists: /nonexistent/config.yaml
      then: [use-config]
      else: [use-default]
  use-config:
    kind: command
    command: {argv: [load-config]}
  use-default:
    kind: command
    command: {argv: [write-default]}
entry_points: [gate]
`)
	runner := newScriptedRunner()
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	if res.States["use-default"] != StateCompleted {
		t.Errorf("else branch = %s, want completed", res.States["use-default"])
	}
	if res.States["use-config"] != StateSkipped {
		t.Errorf("then branch = %s, want skipped", res.States["use-config"])
	}
	if runner.count("load-config") != 0 || runner.count("write-default") != 1 {
		t.Errorf("calls = %v", runner.calls)
	}
}

func TestDecisionCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "config.json")
	p := loadTestPlan(t, `
id: bootstrap
steps:
  check:
    kind: decision
    decision:
      file_exists: `+conf+`
      else: [write-default]
  write-default:
    kind: file
    file: {op: write, path: `+conf+`, content: '{"workers": 4}'}
entry_points: [check]
`)
	runner := newScriptedRunner()
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	data, err := os.ReadFile(conf)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if string(data) != `{"workers": 4}` {
		t.Errorf("config content = %q", data)
	}
	if res.States["write-default"] != StateCompleted {
		t.Errorf("states = %v", res.States)
	}

	// Second run: the file exists now, so the branch is skipped.
	eng2 := newTestEngine(t, p, runner)
	res2, err := eng2.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res2.Success {
		t.Fatalf("second execute: %v", err)
	}
	if res2.States["write-default"] != StateSkipped {
		t.Errorf("second run states = %v", res2.States)
	}
}

func TestLoopIterationsSequential(t *testing.T) {
	p := loadTestPlan(t, `
id: looping
vars:
  region: us-east
steps:
  each:
    kind: loop
    loop:
      items: [a, b, c]
      body: [emit]
  emit:
    kind: command
    command: {argv: [emit, "${loop_index}", "${loop_item}"]}
entry_points: [each]
`)
	runner := newScriptedRunner()
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	for i, want := range []string{"emit 0 a", "emit 1 b", "emit 2 c"} {
		if runner.count(want) != 1 {
			t.Errorf("iteration %d call %q missing: %v", i, want, runner.calls)
		}
	}
	loop := res.Results["each"]
	if loop == nil || loop.Outputs["count"] != 3 {
		t.Fatalf("loop result = %+v", loop)
	}
	if _, leaked := res.Variables["loop_item"]; leaked {
		t.Error("loop_item leaked into the outer variable store")
	}
	if res.Variables["region"].Value != "us-east" {
		t.Errorf("outer var changed: %+v", res.Variables["region"])
	}
}

func TestLoopFailureHaltsRemainingIterations(t *testing.T) {
	p := loadTestPlan(t, `
id: loopfail
steps:
  each:
    kind: loop
    loop:
      items: [one, two, three]
      body: [work]
  work:
    kind: command
    command: {argv: [work, "${loop_item}"]}
entry_points: [each]
`)
	runner := newScriptedRunner()
	runner.on("work two", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{ExitCode: 1}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, _ := eng.Execute(context.Background(), ExecuteOptions{})
	if res.Success {
		t.Fatal("run should fail")
	}
	if runner.count("work three") != 0 {
		t.Error("third iteration ran after failure")
	}
	loop := res.Results["each"]
	if loop.Outputs["completed_iterations"] != 1 {
		t.Errorf("completed_iterations = %v, want 1", loop.Outputs["completed_iterations"])
	}
}

func TestLoopExportHoistsVariables(t *testing.T) {
	p := loadTestPlan(t, `
id: loopexport
steps:
  each:
    kind: loop
    loop:
      items: [alpha, beta]
      body: [tag]
      export: ["tag.label"]
  tag:
    kind: command
    command: {argv: [tag, "${loop_item}"]}
entry_points: [each]
`)
	runner := newScriptedRunner()
	runner.on("tag alpha", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{Stdout: []byte("label=made-alpha\n")}, nil
	})
	runner.on("tag beta", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{Stdout: []byte("label=made-beta\n")}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	v, ok := res.Variables["tag.label"]
	if !ok {
		t.Fatalf("exported variable missing: %v", res.Variables)
	}
	if v.Value != "made-beta" {
		t.Errorf("export = %v, want last iteration's value", v.Value)
	}
}

func TestParallelFanOutJoinsAll(t *testing.T) {
	p := loadTestPlan(t, `
id: fanout
steps:
  fan:
    kind: parallel
    parallel:
      members: [m1, m2, m3]
      max_concurrent: 2
  m1:
    kind: command
    command: {argv: [m1]}
  m2:
    kind: command
    command: {argv: [m2]}
  m3:
    kind: command
    command: {argv: [m3]}
  after:
    kind: command
    depends_on: [{step: fan}]
    command: {argv: [after]}
entry_points: [fan]
`)
	runner := newScriptedRunner()
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	for _, m := range []string{"m1", "m2", "m3", "after"} {
		if runner.count(m) != 1 {
			t.Errorf("%s calls = %d, want 1", m, runner.count(m))
		}
		if res.States[m] != StateCompleted {
			t.Errorf("%s state = %s", m, res.States[m])
		}
	}
}

func TestParallelMemberFailureFailsStep(t *testing.T) {
	p := loadTestPlan(t, `
id: fanfail
steps:
  fan:
    kind: parallel
    parallel:
      members: [ok, bad]
  ok:
    kind: command
    command: {argv: [ok]}
  bad:
    kind: command
    command: {argv: [bad]}
entry_points: [fan]
`)
	runner := newScriptedRunner()
	runner.on("bad", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{ExitCode: 1}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, _ := eng.Execute(context.Background(), ExecuteOptions{})
	if res.Success {
		t.Fatal("run should fail")
	}
	if res.States["ok"] != StateCompleted || res.States["bad"] != StateFailed {
		t.Errorf("member states = %v", res.States)
	}
	if res.FailedStepID != "fan" {
		t.Errorf("failed step = %q, want fan", res.FailedStepID)
	}
}

func TestResultReferenceRequiresDeclaredDependency(t *testing.T) {
	p := loadTestPlan(t, `
id: scoping
steps:
  build:
    kind: command
    command: {argv: [build]}
  mid:
    kind: command
    depends_on: [{step: build}]
    command: {argv: [mid]}
  reader:
    kind: command
    depends_on: [{step: mid}]
    command: {argv: [echo, "${results.build.stdout}"]}
entry_points: [build]
`)
	runner := newScriptedRunner()
	runner.on("build", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{Stdout: []byte("artifact\n")}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	if runner.count("echo ${results.build.stdout}") != 1 {
		t.Errorf("undeclared reference should stay verbatim: %v", runner.calls)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "results.build.stdout") {
			found = true
		}
	}
	if !found {
		t.Errorf("no warning about the undeclared reference: %v", res.Warnings)
	}
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	p := loadTestPlan(t, `
id: dry
steps:
  run:
    kind: command
    command: {argv: [danger]}
  write:
    kind: file
    depends_on: [{step: run}]
    file:
      op: write
      path: `+target+`
      content: data
entry_points: [run]
`)
	runner := newScriptedRunner()
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{DryRun: true})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	if runner.total() != 0 {
		t.Errorf("subprocesses spawned in dry run: %v", runner.calls)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("file written in dry run")
	}
	if res.TransactionID != "" {
		t.Errorf("transaction opened in dry run: %s", res.TransactionID)
	}
	txns, _ := eng.Txns.List(10)
	if len(txns) != 0 {
		t.Errorf("transactions persisted in dry run: %v", txns)
	}
}

func TestFileOperationsRecordedAndRolledBack(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "app")
	conf := filepath.Join(sub, "conf.txt")
	p := loadTestPlan(t, `
id: files
steps:
  mk:
    kind: file
    file: {op: mkdir, path: `+sub+`}
  touch:
    kind: file
    depends_on: [{step: mk}]
    file: {op: write, path: `+conf+`, content: "x=1"}
entry_points: [mk]
`)
	runner := newScriptedRunner()
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	ops, err := eng.Txns.Operations(res.TransactionID)
	if err != nil {
		t.Fatalf("operations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ops = %d, want 2", len(ops))
	}
	if ops[0].StepID != "mk" || ops[1].StepID != "touch" {
		t.Errorf("op order = %s, %s", ops[0].StepID, ops[1].StepID)
	}

	report, err := eng.Txns.RollbackTransaction(context.Background(), res.TransactionID)
	if err != nil || !report.Succeeded() {
		t.Fatalf("rollback: %v, %+v", err, report)
	}
	if _, err := os.Stat(conf); !os.IsNotExist(err) {
		t.Error("conf.txt survived rollback")
	}
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Error("directory survived rollback")
	}
}

func TestInvalidPlanProducesNoArtifacts(t *testing.T) {
	p := loadTestPlan(t, `
id: cyclic
steps:
  a:
    kind: command
    depends_on: [{step: b}]
    command: {argv: [a]}
  b:
    kind: command
    depends_on: [{step: a}]
    command: {argv: [b]}
entry_points: [a]
`)
	stateDir := filepath.Join(t.TempDir(), "state")
	runner := newScriptedRunner()
	eng, err := NewEngine(p, WithStateDir(stateDir), WithRunner(runner))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	_, err = eng.Execute(context.Background(), ExecuteOptions{})
	var inv *InvalidPlanError
	if !errors.As(err, &inv) {
		t.Fatalf("err = %v, want InvalidPlanError", err)
	}
	if runner.total() != 0 {
		t.Error("steps dispatched for an invalid plan")
	}
	if _, err := os.Stat(filepath.Join(stateDir, "runs")); !os.IsNotExist(err) {
		t.Error("run artifacts created for an invalid plan")
	}
}

func TestSkipIfGuard(t *testing.T) {
	p := loadTestPlan(t, `
id: guarded
vars:
  mode: fast
steps:
  slow:
    kind: command
    skip_if: mode == "fast"
    command: {argv: [slow-path]}
  always:
    kind: command
    command: {argv: [always]}
entry_points: [slow, always]
`)
	runner := newScriptedRunner()
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	if res.States["slow"] != StateSkipped || res.States["always"] != StateCompleted {
		t.Errorf("states = %v", res.States)
	}
	if runner.count("slow-path") != 0 {
		t.Error("guarded step ran")
	}
}

func TestRecoveryGatewayCanResolveFailure(t *testing.T) {
	p := loadTestPlan(t, `
id: recoverable
steps:
  wobbly:
    kind: command
    command: {argv: [wobbly]}
  next:
    kind: command
    depends_on: [{step: wobbly}]
    command: {argv: [next]}
entry_points: [wobbly]
`)
	runner := newScriptedRunner()
	runner.on("wobbly", func(int) (*executors.CommandResult, error) {
		return &executors.CommandResult{ExitCode: 1}, nil
	})
	gateway := recovery.FuncGateway(func(ctx context.Context, step *plan.Step, result *executors.StepResult, execCtx *executors.ExecutionContext) (*recovery.Outcome, error) {
		return &recovery.Outcome{Resolved: true, StrategyApplied: "ignore-exit-code"}, nil
	})
	eng := newTestEngine(t, p, runner, WithRecovery(gateway))

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v, %+v", err, res)
	}
	r := res.Results["wobbly"]
	if r == nil || !r.RecoveryApplied || !r.Success {
		t.Errorf("recovered result = %+v", r)
	}
	if runner.count("next") != 1 {
		t.Error("downstream did not run after recovery")
	}
}

func TestCancellationSkipsRemaining(t *testing.T) {
	p := loadTestPlan(t, `
id: cancellable
steps:
  first:
    kind: command
    command: {argv: [first]}
  second:
    kind: command
    depends_on: [{step: first}]
    command: {argv: [second]}
entry_points: [first]
`)
	ctx, cancel := context.WithCancel(context.Background())
	runner := newScriptedRunner()
	runner.on("first", func(int) (*executors.CommandResult, error) {
		cancel()
		return &executors.CommandResult{ExitCode: 0}, nil
	})
	eng := newTestEngine(t, p, runner)

	res, err := eng.Execute(ctx, ExecuteOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.States["second"] != StateSkipped {
		t.Errorf("second = %s, want skipped", res.States["second"])
	}
	if runner.count("second") != 0 {
		t.Error("second dispatched after cancellation")
	}
	got, _ := eng.Txns.Get(res.TransactionID)
	if got.Status != txn.StatusCancelled {
		t.Errorf("txn status = %q, want cancelled", got.Status)
	}
}

func TestTraceWrittenPerRun(t *testing.T) {
	p := loadTestPlan(t, `
id: traced
steps:
  only:
    kind: command
    command: {argv: [only]}
entry_points: [only]
`)
	stateDir := filepath.Join(t.TempDir(), "state")
	runner := newScriptedRunner()
	eng, _ := NewEngine(p, WithStateDir(stateDir), WithRunner(runner))

	res, err := eng.Execute(context.Background(), ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("execute: %v", err)
	}
	runDir := filepath.Join(stateDir, "runs", res.RunID)
	trace, err := os.ReadFile(filepath.Join(runDir, "trace.jsonl"))
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if !strings.Contains(string(trace), `"step_result"`) || !strings.Contains(string(trace), `"run_finished"`) {
		t.Errorf("trace content = %s", trace)
	}
	if _, err := os.Stat(filepath.Join(runDir, "run.yaml")); err != nil {
		t.Errorf("run manifest missing: %v", err)
	}
}

func TestGenerateRunIDFormat(t *testing.T) {
	id := GenerateRunID()
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 || len(parts[0]) != 15 || len(parts[1]) != 8 {
		t.Fatalf("run id %q not in timestamp-suffix form", id)
	}
	if _, err := time.Parse("20060102T150405", parts[0]); err != nil {
		t.Errorf("timestamp part: %v", err)
	}
	if GenerateRunID() == id && GenerateRunID() == id {
		t.Error("run ids should differ")
	}
}
