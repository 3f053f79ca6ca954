package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps.build.command")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// HasErrors reports whether the list contains at least one error-severity entry.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// ValidateFile performs the full 3-phase validation pipeline on a plan file.
// Phase 1: Structural (strict decode)
// Phase 2: Semantic (JSON Schema validation, fail closed)
// Phase 3: Domain (graph rules)
func ValidateFile(path string) (*Plan, []*ValidationError) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return p, Validate(p)
}

// Validate runs semantic and domain validation on an already-loaded plan.
// A plan that produces any error-severity entry must never be executed.
func Validate(p *Plan) []*ValidationError {
	var all []*ValidationError
	all = append(all, validateSemantic(p)...)
	all = append(all, validateDomain(p)...)
	return all
}

// validateSemantic validates the plan against the generated JSON Schema.
func validateSemantic(p *Plan) []*ValidationError {
	fail := func(msg string) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fail(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return fail(fmt.Sprintf("generate schema: %v", err))
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fail(fmt.Sprintf("unmarshal schema: %v", err))
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("plan-v0.json", schemaDoc); err != nil {
		return fail(fmt.Sprintf("add schema resource: %v", err))
	}
	sch, err := c.Compile("plan-v0.json")
	if err != nil {
		return fail(fmt.Sprintf("compile schema: %v", err))
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fail(fmt.Sprintf("unmarshal plan: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenSchemaErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		}
		if len(errs) == 0 {
			errs = fail(err.Error())
		}
		return errs
	}
	return nil
}

// flattenSchemaErrors collects leaf causes from a nested validation error.
func flattenSchemaErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var out []*sjsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, flattenSchemaErrors(c)...)
	}
	return out
}

// validateDomain applies graph rules that the schema cannot express:
// payload/kind agreement, reference integrity, acyclicity, and the
// conditional-scheduling rules for branch, loop-body and parallel-member
// steps.
func validateDomain(p *Plan) []*ValidationError {
	var errs []*ValidationError
	domainErr := func(path, format string, args ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}
	warn := func(path, format string, args ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "warning",
		})
	}

	if len(p.Steps) == 0 {
		domainErr("steps", "plan has no steps")
		return errs
	}

	exists := func(id string) bool {
		_, ok := p.Steps[id]
		return ok
	}

	// Conditional steps: referenced by exactly one activation site and
	// scheduled only when that site activates them.
	container := make(map[string]string) // conditional step id -> owning step id

	for _, id := range sortedStepIDs(p) {
		s := p.Steps[id]
		path := "steps." + id

		if s.ID != id {
			domainErr(path, "step id %q does not match map key %q", s.ID, id)
		}

		errs = append(errs, validatePayload(path, s)...)

		if s.MaxRetries < 0 {
			domainErr(path+".max_retries", "max_retries must be >= 0")
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				domainErr(path+".timeout", "invalid timeout %q: %v", s.Timeout, err)
			}
		}

		for i, d := range s.DependsOn {
			if !exists(d.StepID) {
				domainErr(fmt.Sprintf("%s.depends_on[%d]", path, i), "unknown step %q", d.StepID)
			}
			if d.StepID == id {
				domainErr(fmt.Sprintf("%s.depends_on[%d]", path, i), "step depends on itself")
			}
			switch d.EffectiveMode() {
			case DepSuccess, DepFailure, DepCompletion:
			default:
				domainErr(fmt.Sprintf("%s.depends_on[%d]", path, i), "invalid dependency mode %q", d.Mode)
			}
		}

		claim := func(targets []string, field string) {
			for _, t := range targets {
				if !exists(t) {
					domainErr(path+"."+field, "unknown step %q", t)
					continue
				}
				if owner, taken := container[t]; taken {
					domainErr(path+"."+field, "step %q is already scheduled by %q; a step may belong to one branch, loop body or parallel group", t, owner)
					continue
				}
				container[t] = id
			}
		}
		switch s.Kind {
		case KindDecision:
			if s.Decision != nil {
				claim(s.Decision.Then, "decision.then")
				claim(s.Decision.Else, "decision.else")
			}
		case KindLoop:
			if s.Loop != nil {
				claim(s.Loop.Body, "loop.body")
			}
		case KindParallel:
			if s.Parallel != nil {
				claim(s.Parallel.Members, "parallel.members")
				// a decision member has no way to activate its branches
				// from inside a concurrent join
				for _, m := range s.Parallel.Members {
					if member, ok := p.Steps[m]; ok && member.Kind == KindDecision {
						domainErr(path+".parallel.members",
							"decision step %q may not be a parallel member; schedule it before or after the group", m)
					}
				}
			}
		}
	}

	// Entry points: must exist, must have no dependencies, and must not be
	// conditionally scheduled.
	for i, ep := range p.EntryPoints {
		path := fmt.Sprintf("entry_points[%d]", i)
		s, ok := p.Steps[ep]
		if !ok {
			domainErr(path, "unknown step %q", ep)
			continue
		}
		if len(s.DependsOn) > 0 {
			domainErr(path, "entry point %q has dependencies", ep)
		}
		if owner, ok := container[ep]; ok {
			domainErr(path, "entry point %q is conditionally scheduled by %q", ep, owner)
		}
	}

	// A step outside a conditional group must not depend on a conditional
	// step: it could wait forever on a branch that is never taken.
	for _, id := range sortedStepIDs(p) {
		s := p.Steps[id]
		if _, conditional := container[id]; conditional {
			continue
		}
		for i, d := range s.DependsOn {
			if owner, ok := container[d.StepID]; ok {
				domainErr(fmt.Sprintf("steps.%s.depends_on[%d]", id, i),
					"dependency on %q, which is conditionally scheduled by %q", d.StepID, owner)
			}
		}
	}

	// Acyclicity: Kahn topological sort over dependency edges plus
	// activation edges (container -> member). The sort must fully order all
	// steps or the plan is rejected before anything executes.
	if cycle := findCycle(p, container); len(cycle) > 0 {
		domainErr("steps", "dependency cycle involving steps %v", cycle)
	}

	// Reachability from entry points (deps reversed + activation edges).
	unreachable := findUnreachable(p, container)
	for _, id := range unreachable {
		warn("steps."+id, "step %q is not reachable from any entry point", id)
	}

	return errs
}

// validatePayload checks the exactly-one-payload-per-kind rule.
func validatePayload(path string, s *Step) []*ValidationError {
	var errs []*ValidationError
	domainErr := func(format string, args ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	payloads := 0
	for name, set := range map[string]bool{
		"command":  s.Command != nil,
		"code":     s.Code != nil,
		"file":     s.File != nil,
		"decision": s.Decision != nil,
		"api":      s.API != nil,
		"loop":     s.Loop != nil,
		"parallel": s.Parallel != nil,
	} {
		if set {
			payloads++
			if string(s.Kind) != name {
				domainErr("step of kind %q carries a %q payload", s.Kind, name)
			}
		}
	}

	switch s.Kind {
	case KindCommand:
		if s.Command == nil {
			domainErr("command step has no command payload")
		} else if len(s.Command.Argv) == 0 && s.Command.Shell == "" {
			domainErr("command step needs argv or shell")
		} else if len(s.Command.Argv) > 0 && s.Command.Shell != "" {
			domainErr("command step may set argv or shell, not both")
		}
	case KindCode:
		if s.Code == nil {
			domainErr("code step has no code payload")
		}
	case KindFile:
		if s.File == nil {
			domainErr("file step has no file payload")
		} else {
			switch s.File.Op {
			case "copy", "move":
				if s.File.Dest == "" {
					domainErr("file %s needs dest", s.File.Op)
				}
			case "write":
			case "read", "delete", "mkdir":
			default:
				domainErr("unknown file op %q", s.File.Op)
			}
			if s.File.Mode != "" {
				if _, err := strconv.ParseUint(s.File.Mode, 8, 32); err != nil {
					domainErr("invalid file mode %q: must be octal (e.g. 0644)", s.File.Mode)
				}
			}
		}
	case KindDecision:
		if s.Decision == nil {
			domainErr("decision step has no decision payload")
		} else {
			forms := 0
			if s.Decision.Expression != "" {
				forms++
			}
			if s.Decision.FileExists != "" {
				forms++
			}
			if s.Decision.StepSucceeded != "" {
				forms++
			}
			if s.Decision.OutputContains != nil {
				forms++
			}
			if forms != 1 {
				domainErr("decision step must set exactly one condition form, got %d", forms)
			}
		}
	case KindAPI:
		if s.API == nil {
			domainErr("api step has no api payload")
		} else if s.API.URL == "" {
			domainErr("api step needs url")
		}
	case KindLoop:
		if s.Loop == nil {
			domainErr("loop step has no loop payload")
		} else {
			if len(s.Loop.Items) == 0 && s.Loop.ItemsFrom == "" {
				domainErr("loop step needs items or items_from")
			}
			if len(s.Loop.Items) > 0 && s.Loop.ItemsFrom != "" {
				domainErr("loop step may set items or items_from, not both")
			}
			if len(s.Loop.Body) == 0 {
				domainErr("loop step needs a non-empty body")
			}
		}
	case KindParallel:
		if s.Parallel == nil {
			domainErr("parallel step has no parallel payload")
		} else if len(s.Parallel.Members) == 0 {
			domainErr("parallel step needs members")
		}
	default:
		domainErr("unknown step kind %q", s.Kind)
	}

	if payloads > 1 {
		domainErr("step carries %d payloads, want exactly 1", payloads)
	}
	return errs
}

// findCycle runs Kahn's algorithm over dependency + activation edges and
// returns the ids left unordered (the cycle participants), sorted.
func findCycle(p *Plan, container map[string]string) []string {
	indeg := make(map[string]int, len(p.Steps))
	succ := make(map[string][]string, len(p.Steps))
	for id := range p.Steps {
		indeg[id] = 0
	}
	addEdge := func(from, to string) {
		if _, ok := p.Steps[from]; !ok {
			return
		}
		if _, ok := p.Steps[to]; !ok {
			return
		}
		succ[from] = append(succ[from], to)
		indeg[to]++
	}
	for id, s := range p.Steps {
		for _, d := range s.DependsOn {
			addEdge(d.StepID, id)
		}
	}
	for member, owner := range container {
		addEdge(owner, member)
	}

	var queue []string
	for id, deg := range indeg {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered++
		for _, next := range succ[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if ordered == len(p.Steps) {
		return nil
	}
	var cycle []string
	for id, deg := range indeg {
		if deg > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}

// findUnreachable returns steps not reachable from entry points following
// forward dependency edges and activation edges.
func findUnreachable(p *Plan, container map[string]string) []string {
	dependents := make(map[string][]string)
	for id, s := range p.Steps {
		for _, d := range s.DependsOn {
			dependents[d.StepID] = append(dependents[d.StepID], id)
		}
	}
	activates := make(map[string][]string)
	for member, owner := range container {
		activates[owner] = append(activates[owner], member)
	}

	seen := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, next := range dependents[id] {
			visit(next)
		}
		for _, next := range activates[id] {
			visit(next)
		}
	}
	for _, ep := range p.EntryPoints {
		if _, ok := p.Steps[ep]; ok {
			visit(ep)
		}
	}

	var out []string
	for id := range p.Steps {
		if !seen[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sortedStepIDs(p *Plan) []string {
	ids := make([]string, 0, len(p.Steps))
	for id := range p.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
