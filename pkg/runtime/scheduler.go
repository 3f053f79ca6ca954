package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/veltaria/planrun/pkg/executors"
	"github.com/veltaria/planrun/pkg/plan"
)

// StepState is the lifecycle state of one step within a run.
type StepState string

const (
	StatePending   StepState = "pending"
	StateReady     StepState = "ready"
	StateRunning   StepState = "running"
	StateCompleted StepState = "completed"
	StateFailed    StepState = "failed"
	StateSkipped   StepState = "skipped"
)

// Terminal reports whether the state is final.
func (s StepState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// scheduler drives one plan run: it tracks step states, dispatches ready
// steps, owns the structural loop and parallel kinds, and enforces the
// halt-on-failure policy. Already-running work is never interrupted by a
// failure elsewhere; only new dispatch is restricted.
type scheduler struct {
	eng  *Engine
	p    *plan.Plan
	ectx *executors.ExecutionContext

	states    map[string]StepState
	container map[string]string // conditional step id -> owning container id
	activated map[string]bool   // decision branch targets cleared to run
	deps      map[string][]string

	failed []string // terminally failed step ids, in order
	// allowed is populated after the first failure: only these steps may
	// still be dispatched (failure handlers and their downstream chain).
	allowed map[string]bool
}

func newScheduler(eng *Engine, ectx *executors.ExecutionContext) *scheduler {
	s := &scheduler{
		eng:       eng,
		p:         eng.Plan,
		ectx:      ectx,
		states:    make(map[string]StepState, len(eng.Plan.Steps)),
		container: make(map[string]string),
		activated: make(map[string]bool),
		deps:      make(map[string][]string),
		allowed:   make(map[string]bool),
	}
	for id, step := range s.p.Steps {
		s.states[id] = StatePending
		for _, target := range containedSteps(step) {
			s.container[target] = id
		}
		for _, d := range step.DependsOn {
			s.deps[d.StepID] = append(s.deps[d.StepID], id)
		}
	}
	return s
}

// containedSteps lists the ids a structural or decision step activates.
func containedSteps(step *plan.Step) []string {
	switch {
	case step.Decision != nil:
		return append(append([]string{}, step.Decision.Then...), step.Decision.Else...)
	case step.Loop != nil:
		return step.Loop.Body
	case step.Parallel != nil:
		return step.Parallel.Members
	}
	return nil
}

// run executes the plan to quiescence: every step in a terminal state.
func (s *scheduler) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.skipRemaining("run cancelled")
			return err
		}
		ready := s.collectReady()
		if len(ready) == 0 {
			if !s.anyPending() {
				return nil
			}
			if len(s.failed) > 0 {
				s.skipRemaining("halted after failure of " + s.failed[0])
				return nil
			}
			return fmt.Errorf("no runnable step but %d still pending: dependency deadlock", s.pendingCount())
		}
		for _, id := range ready {
			if err := ctx.Err(); err != nil {
				s.skipRemaining("run cancelled")
				return err
			}
			// a failure earlier in this batch restricts the rest of it,
			// the same way collectReady restricts the next batch
			if len(s.failed) > 0 && !s.allowed[id] {
				s.states[id] = StatePending
				continue
			}
			s.runStep(ctx, id)
		}
	}
}

// collectReady returns the top-level steps whose dependencies are satisfied,
// in deterministic order. Steps owned by a loop or parallel container are
// dispatched by their container, never here; decision branch targets appear
// only once activated. Steps whose dependencies can no longer be satisfied
// are skipped in passing.
func (s *scheduler) collectReady() []string {
	var ready []string
	for _, id := range s.sortedIDs() {
		if s.states[id] != StatePending {
			continue
		}
		if owner, ok := s.container[id]; ok {
			if s.p.Steps[owner].Kind != plan.KindDecision || !s.activated[id] {
				continue
			}
		}
		sat, dead := s.depsStatus(id, nil)
		if dead {
			s.skip(id, "dependency unsatisfiable")
			continue
		}
		if !sat {
			continue
		}
		if len(s.failed) > 0 && !s.allowed[id] {
			continue
		}
		s.states[id] = StateReady
		ready = append(ready, id)
	}
	return ready
}

// depsStatus reports whether every dependency of id is satisfied, and
// whether any can no longer be satisfied. local overlays the subgraph
// states during loop iterations.
func (s *scheduler) depsStatus(id string, local map[string]StepState) (bool, bool) {
	for _, d := range s.p.Steps[id].DependsOn {
		st, ok := local[d.StepID]
		if !ok {
			st = s.states[d.StepID]
		}
		switch d.EffectiveMode() {
		case plan.DepSuccess:
			if st == StateFailed || st == StateSkipped {
				return false, true
			}
			if st != StateCompleted {
				return false, false
			}
		case plan.DepFailure:
			if st == StateCompleted || st == StateSkipped {
				return false, true
			}
			if st != StateFailed {
				return false, false
			}
		case plan.DepCompletion:
			if st == StateSkipped {
				return false, true
			}
			if st != StateCompleted && st != StateFailed {
				return false, false
			}
		}
	}
	return true, false
}

func (s *scheduler) anyPending() bool {
	return s.pendingCount() > 0
}

func (s *scheduler) pendingCount() int {
	n := 0
	for id, st := range s.states {
		if st != StatePending && st != StateReady {
			continue
		}
		// loop bodies and parallel members settle with their container
		if owner, ok := s.container[id]; ok && s.p.Steps[owner].Kind != plan.KindDecision {
			continue
		}
		n++
	}
	return n
}

// skipRemaining marks every non-terminal step skipped.
func (s *scheduler) skipRemaining(reason string) {
	for _, id := range s.sortedIDs() {
		if !s.states[id].Terminal() {
			s.skip(id, reason)
		}
	}
}

func (s *scheduler) skip(id, reason string) {
	s.states[id] = StateSkipped
	s.eng.trace.Transition(id, string(StateSkipped), reason)
}

// runStep dispatches one top-level step and settles its state.
func (s *scheduler) runStep(ctx context.Context, id string) {
	step := s.p.Steps[id]
	if step.SkipIf != "" {
		hit, err := executors.EvalCondition(step.SkipIf, s.ectx)
		if err != nil {
			s.settle(id, step, guardFailure(step, err))
			return
		}
		if hit {
			s.skip(id, "skip_if condition met")
			return
		}
	}
	s.states[id] = StateRunning
	s.eng.trace.Transition(id, string(StateRunning), "")
	s.settle(id, step, s.execute(ctx, step, s.ectx))
}

// execute runs a step of any kind against the given context and returns
// its result without touching scheduler state.
func (s *scheduler) execute(ctx context.Context, step *plan.Step, ectx *executors.ExecutionContext) *executors.StepResult {
	switch step.Kind {
	case plan.KindLoop:
		return s.runLoop(ctx, step, ectx)
	case plan.KindParallel:
		return s.runParallel(ctx, step, ectx)
	default:
		return s.runLeaf(ctx, step, ectx)
	}
}

// settle records undo operations, publishes the result, updates state, and
// applies the post-completion effects: decision branch activation, and the
// dispatch restriction after a failure.
func (s *scheduler) settle(id string, step *plan.Step, result *executors.StepResult) {
	s.publish(step, result, s.ectx)
	if step.Kind == plan.KindLoop {
		s.settleBody(step, result)
	}
	if result.Success {
		s.states[id] = StateCompleted
		s.eng.trace.Transition(id, string(StateCompleted), "")
		if step.Kind == plan.KindDecision {
			s.activateBranch(step, result)
		}
		if len(s.failed) > 0 {
			for _, dep := range s.deps[id] {
				s.allowed[dep] = true
			}
		}
		return
	}
	s.states[id] = StateFailed
	s.eng.trace.Transition(id, string(StateFailed), result.Error)
	s.failed = append(s.failed, id)
	for _, dep := range s.deps[id] {
		for _, d := range s.p.Steps[dep].DependsOn {
			if d.StepID == id && d.EffectiveMode() != plan.DepSuccess {
				s.allowed[dep] = true
			}
		}
	}
}

// publish records the result's undo operations into the transaction before
// the step is considered complete, then exposes the result and its outputs
// to downstream steps.
func (s *scheduler) publish(step *plan.Step, result *executors.StepResult, ectx *executors.ExecutionContext) {
	if result.Success && !ectx.DryRun && ectx.TxnID != "" {
		for _, op := range result.Undo {
			if _, err := s.eng.Txns.Record(ectx.TxnID, op.Kind, step.ID, op.Undo); err != nil {
				result.Fail(executors.ErrKindExecution, "record undo operation: %v", err)
				break
			}
		}
	}
	ectx.SetResult(step.ID, result)
	for name, v := range result.Outputs {
		ectx.SetVar(step.ID+"."+name, v, step.ID)
	}
	s.eng.trace.Result(result)
}

// settleBody folds a finished loop's body steps into the top-level state
// map. Their per-iteration outcomes live in the loop result; here they only
// need a terminal state, since nothing outside the container may depend on
// them directly.
func (s *scheduler) settleBody(step *plan.Step, result *executors.StepResult) {
	failedID, _ := result.Outputs["failed_step"].(string)
	var mark func(ids []string)
	mark = func(ids []string) {
		for _, id := range ids {
			inner, ok := s.p.Steps[id]
			if !ok || s.states[id].Terminal() {
				continue
			}
			switch {
			case id == failedID:
				s.states[id] = StateFailed
			case result.Success:
				s.states[id] = StateCompleted
			default:
				s.states[id] = StateSkipped
			}
			mark(containedSteps(inner))
		}
	}
	mark(step.Loop.Body)
}

// activateBranch clears the taken branch targets to run and skips the
// untaken branch.
func (s *scheduler) activateBranch(step *plan.Step, result *executors.StepResult) {
	cond, _ := result.Outputs["condition_result"].(bool)
	taken, untaken := step.Decision.Then, step.Decision.Else
	if !cond {
		taken, untaken = untaken, taken
	}
	for _, id := range taken {
		s.activated[id] = true
	}
	for _, id := range untaken {
		if s.states[id] == StatePending {
			s.skip(id, "branch not taken")
		}
	}
}

// runLeaf executes a non-structural step with per-attempt timeout, the
// retry loop, and a single recovery consultation on terminal failure.
// Sandbox violations are terminal immediately: no retry, no recovery.
func (s *scheduler) runLeaf(ctx context.Context, step *plan.Step, ectx *executors.ExecutionContext) *executors.StepResult {
	ex, err := s.eng.Registry.Get(step.Kind)
	if err != nil {
		return guardFailure(step, err)
	}
	resolved := NewResolver(ectx, step).ResolveStep(step)

	var timeout time.Duration
	if step.Timeout != "" {
		timeout, err = time.ParseDuration(step.Timeout)
		if err != nil {
			return guardFailure(step, fmt.Errorf("parse timeout: %w", err))
		}
	}

	var result *executors.StepResult
	attempts := 0
	for {
		result = s.attempt(ctx, ex, resolved, ectx, timeout)
		if result.Success || result.ErrorKind == executors.ErrKindSandbox {
			break
		}
		if attempts >= step.MaxRetries || ctx.Err() != nil {
			break
		}
		attempts++
	}
	if attempts > 0 {
		result.Retried = true
	}

	if !result.Success && result.ErrorKind != executors.ErrKindSandbox && s.eng.Recovery != nil {
		outcome, rerr := s.eng.Recovery.HandleFailure(ctx, step, result, ectx)
		if rerr == nil && outcome != nil && outcome.Resolved {
			if outcome.PatchedResult != nil {
				outcome.PatchedResult.Retried = result.Retried
				result = outcome.PatchedResult
			} else {
				result.Success = true
				result.Error = ""
				result.ErrorKind = ""
			}
			result.RecoveryApplied = true
		}
	}
	return result
}

func (s *scheduler) attempt(ctx context.Context, ex executors.Executor, step *plan.Step, ectx *executors.ExecutionContext, timeout time.Duration) *executors.StepResult {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := ex.Execute(runCtx, ectx, step)
	if err != nil {
		return guardFailure(step, err)
	}
	return result
}

// runLoop resolves the item list and runs the body subgraph once per item,
// sequentially. A failing iteration halts the loop; later items never run.
func (s *scheduler) runLoop(ctx context.Context, step *plan.Step, ectx *executors.ExecutionContext) *executors.StepResult {
	result := &executors.StepResult{StepID: step.ID, Kind: step.Kind, StartedAt: time.Now()}
	defer func() { result.EndedAt = time.Now() }()

	payload := step.Loop
	items, err := NewResolver(ectx, step).LoopItems(payload)
	if err != nil {
		result.Fail(executors.ErrKindExecution, "%v", err)
		return result
	}

	iterations := make([]any, 0, len(items))
	for idx, item := range items {
		if cerr := ctx.Err(); cerr != nil {
			result.Fail(executors.ErrKindExecution, "run cancelled at iteration %d: %v", idx, cerr)
			result.Output("iterations", iterations)
			return result
		}
		iterCtx := ectx.NewIteration(item, idx)
		executed, failedID, serr := s.runSubgraph(ctx, payload.Body, iterCtx)

		summary := make(map[string]any, len(executed))
		for _, bodyID := range executed {
			if r, ok := iterCtx.Result(bodyID); ok {
				summary[bodyID] = map[string]any{"success": r.Success, "outputs": r.Outputs}
			}
		}
		iterations = append(iterations, summary)

		if serr != nil {
			result.Fail(executors.ErrKindExecution, "iteration %d: %v", idx, serr)
			result.Output("iterations", iterations)
			return result
		}
		if failedID != "" {
			fr, _ := iterCtx.Result(failedID)
			msg := "failed"
			if fr != nil && fr.Error != "" {
				msg = fr.Error
			}
			result.Fail(executors.ErrKindExecution, "iteration %d: step %q %s", idx, failedID, msg)
			result.Output("iterations", iterations)
			result.Output("completed_iterations", idx)
			result.Output("failed_step", failedID)
			return result
		}
		for _, name := range payload.Export {
			if v, ok := iterCtx.LookupVar(name); ok {
				ectx.SetVar(name, v, step.ID)
			}
		}
	}
	result.Success = true
	result.Output("iterations", iterations)
	result.Output("count", len(items))
	return result
}

// runSubgraph executes a body's steps against an iteration context with a
// local state overlay. Decisions inside the body extend the working set
// with their taken branch. Halts on the first failure.
func (s *scheduler) runSubgraph(ctx context.Context, body []string, ectx *executors.ExecutionContext) (executed []string, failedID string, err error) {
	local := make(map[string]StepState, len(body))
	for _, id := range body {
		local[id] = StatePending
	}

	for {
		if cerr := ctx.Err(); cerr != nil {
			return executed, "", cerr
		}
		var ready []string
		pending := 0
		for _, id := range sortedKeys(local) {
			if local[id] != StatePending {
				continue
			}
			pending++
			sat, dead := s.depsStatus(id, local)
			if dead {
				local[id] = StateSkipped
				s.eng.trace.Transition(id, string(StateSkipped), "dependency unsatisfiable")
				pending--
				continue
			}
			if sat {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			if pending == 0 {
				return executed, "", nil
			}
			return executed, "", fmt.Errorf("loop body deadlock: %d steps pending with no runnable step", pending)
		}

		for _, id := range ready {
			step := s.p.Steps[id]
			if step.SkipIf != "" {
				hit, gerr := executors.EvalCondition(step.SkipIf, ectx)
				if gerr != nil {
					local[id] = StateFailed
					s.publish(step, guardFailure(step, gerr), ectx)
					return executed, id, nil
				}
				if hit {
					local[id] = StateSkipped
					s.eng.trace.Transition(id, string(StateSkipped), "skip_if condition met")
					continue
				}
			}
			local[id] = StateRunning
			result := s.execute(ctx, step, ectx)
			s.publish(step, result, ectx)
			executed = append(executed, id)
			if !result.Success {
				local[id] = StateFailed
				return executed, id, nil
			}
			local[id] = StateCompleted
			if step.Kind == plan.KindDecision {
				cond, _ := result.Outputs["condition_result"].(bool)
				taken, untaken := step.Decision.Then, step.Decision.Else
				if !cond {
					taken, untaken = untaken, taken
				}
				for _, t := range taken {
					if _, ok := local[t]; !ok {
						local[t] = StatePending
					}
				}
				for _, u := range untaken {
					if st, ok := local[u]; !ok || st == StatePending {
						local[u] = StateSkipped
					}
				}
			}
		}
	}
}

// runParallel fans the member steps out over a bounded worker pool and
// joins all of them. Results are published in declaration order after the
// join so downstream visibility is deterministic.
func (s *scheduler) runParallel(ctx context.Context, step *plan.Step, ectx *executors.ExecutionContext) *executors.StepResult {
	result := &executors.StepResult{StepID: step.ID, Kind: step.Kind, StartedAt: time.Now()}
	defer func() { result.EndedAt = time.Now() }()

	payload := step.Parallel
	size := payload.MaxConcurrent
	if size <= 0 || size > len(payload.Members) {
		size = len(payload.Members)
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		result.Fail(executors.ErrKindExecution, "worker pool: %v", err)
		return result
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		results = make(map[string]*executors.StepResult, len(payload.Members))
		wg      sync.WaitGroup
	)
	for _, mid := range payload.Members {
		mid := mid // per-iteration copy: the task closure must not share the range variable (pre-1.22 semantics)
		member := s.p.Steps[mid]
		if member.SkipIf != "" {
			hit, gerr := executors.EvalCondition(member.SkipIf, ectx)
			if gerr != nil {
				results[mid] = guardFailure(member, gerr)
				continue
			}
			if hit {
				s.states[mid] = StateSkipped
				s.eng.trace.Transition(mid, string(StateSkipped), "skip_if condition met")
				continue
			}
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			r := s.execute(ctx, member, ectx)
			mu.Lock()
			results[mid] = r
			mu.Unlock()
		}
		if perr := pool.Submit(task); perr != nil {
			wg.Done()
			results[mid] = guardFailure(member, perr)
		}
	}
	wg.Wait()

	ok := true
	var firstFailed string
	members := make(map[string]any, len(results))
	for _, mid := range payload.Members {
		r, ran := results[mid]
		if !ran {
			members[mid] = map[string]any{"skipped": true}
			continue
		}
		s.publish(s.p.Steps[mid], r, ectx)
		members[mid] = map[string]any{"success": r.Success, "outputs": r.Outputs}
		if r.Success {
			s.states[mid] = StateCompleted
		} else {
			s.states[mid] = StateFailed
			if ok {
				ok = false
				firstFailed = mid
			}
		}
	}
	result.Output("members", members)
	if !ok {
		result.Fail(executors.ErrKindExecution, "member %q failed", firstFailed)
		return result
	}
	result.Success = true
	return result
}

// guardFailure wraps an infrastructure error as a failed result so every
// dispatch settles in a result, never a bare error.
func guardFailure(step *plan.Step, err error) *executors.StepResult {
	now := time.Now()
	r := &executors.StepResult{StepID: step.ID, Kind: step.Kind, StartedAt: now, EndedAt: now}
	r.Fail(executors.ErrKindExecution, "%v", err)
	return r
}

func (s *scheduler) sortedIDs() []string {
	ids := make([]string, 0, len(s.p.Steps))
	for id := range s.p.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]StepState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
