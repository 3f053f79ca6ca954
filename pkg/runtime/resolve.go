package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veltaria/planrun/pkg/executors"
	"github.com/veltaria/planrun/pkg/plan"
)

// Resolver substitutes ${name} and bare $name placeholders against an
// execution context. Resolution is a single pass: substituted values are
// never re-scanned, so resolving an already-resolved string is a no-op.
// Unresolved placeholders are left verbatim and reported once as a warning.
type Resolver struct {
	Ctx *executors.ExecutionContext
	// Allowed limits which step results a results.<step>.<field> reference
	// may read. nil allows all steps.
	Allowed map[string]bool

	warned map[string]bool
}

// NewResolver builds a resolver scoped to one step: result references are
// restricted to the step's declared direct dependencies.
func NewResolver(ectx *executors.ExecutionContext, step *plan.Step) *Resolver {
	allowed := make(map[string]bool, len(step.DependsOn))
	for _, d := range step.DependsOn {
		allowed[d.StepID] = true
	}
	return &Resolver{Ctx: ectx, Allowed: allowed}
}

// String resolves placeholders in s, stringifying every substituted value.
func (r *Resolver) String(s string) string {
	out, _ := r.resolve(s, false)
	return out.(string)
}

// Value resolves placeholders in v. Strings that consist of exactly one
// placeholder keep the referenced value's type; maps and slices are
// resolved recursively into copies.
func (r *Resolver) Value(v any) any {
	switch t := v.(type) {
	case string:
		out, _ := r.resolve(t, true)
		return out
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, e := range t {
			cp[k] = r.Value(e)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = r.Value(e)
		}
		return cp
	default:
		return v
	}
}

// resolve scans s for placeholders. When typed is true and the whole string
// is a single placeholder, the referenced value is returned as-is.
func (r *Resolver) resolve(s string, typed bool) (any, bool) {
	if !strings.ContainsRune(s, '$') {
		return s, false
	}
	if typed {
		if name, ok := wholePlaceholder(s); ok {
			if v, found := r.lookup(name); found {
				return v, true
			}
			r.warn(name)
			return s, false
		}
	}

	var b strings.Builder
	changed := false
	i := 0
	for i < len(s) {
		if s[i] != '$' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				b.WriteString(s[i:])
				break
			}
			name := s[i+2 : i+2+end]
			raw := s[i : i+2+end+1]
			i += end + 3
			changed = r.emit(&b, name, raw) || changed
			continue
		}
		name, width := bareName(s[i+1:])
		if name == "" {
			b.WriteByte('$')
			i++
			continue
		}
		changed = r.emit(&b, name, s[i:i+1+width]) || changed
		i += 1 + width
	}
	return b.String(), changed
}

// emit writes the looked-up value for name, or raw verbatim on a miss.
func (r *Resolver) emit(b *strings.Builder, name, raw string) bool {
	v, ok := r.lookup(name)
	if !ok {
		r.warn(name)
		b.WriteString(raw)
		return false
	}
	b.WriteString(stringify(v))
	return true
}

// lookup resolves a placeholder name. Names beginning with "results." read
// a prior step's outputs; anything else is a flat variable.
func (r *Resolver) lookup(name string) (any, bool) {
	if rest, ok := strings.CutPrefix(name, "results."); ok {
		stepID, path, _ := strings.Cut(rest, ".")
		if stepID == "" {
			return nil, false
		}
		if r.Allowed != nil && !r.Allowed[stepID] {
			return nil, false
		}
		res, ok := r.Ctx.Result(stepID)
		if !ok {
			return nil, false
		}
		if path == "" {
			return res.Outputs, true
		}
		return fieldLookup(res.Outputs, path)
	}
	return r.Ctx.LookupVar(name)
}

func (r *Resolver) warn(name string) {
	if r.warned == nil {
		r.warned = make(map[string]bool)
	}
	if r.warned[name] {
		return
	}
	r.warned[name] = true
	r.Ctx.AddWarning("unresolved placeholder %q left verbatim", name)
}

// wholePlaceholder reports whether s is exactly "${name}".
func wholePlaceholder(s string) (string, bool) {
	if len(s) < 4 || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	name := s[2 : len(s)-1]
	if name == "" || strings.ContainsAny(name, "{}$") {
		return "", false
	}
	return name, true
}

// bareName reads an identifier (letters, digits, underscores, interior
// dots) from the start of s. Returns "" when s does not start one.
func bareName(s string) (string, int) {
	if s == "" || !isNameStart(s[0]) {
		return "", 0
	}
	i := 1
	for i < len(s) && isNameByte(s[i]) {
		i++
	}
	name := strings.TrimRight(s[:i], ".")
	return name, len(name)
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameByte(c byte) bool {
	return isNameStart(c) || c == '.' || (c >= '0' && c <= '9')
}

// fieldLookup walks a dotted path through nested output maps.
func fieldLookup(outputs map[string]any, path string) (any, bool) {
	var cur any = outputs
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// stringify renders a resolved value for in-string substitution. Composite
// values are JSON-encoded so lists survive round trips through argv.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any, []string:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

// ResolveStep returns a copy of step with placeholders resolved in its
// payload. The original plan step is never mutated. Decision expressions
// and code sources are left alone: expressions see variables through the
// evaluator's own environment, and code receives them over stdin.
func (r *Resolver) ResolveStep(step *plan.Step) *plan.Step {
	out := *step
	switch {
	case step.Command != nil:
		p := *step.Command
		p.Argv = r.strings(step.Command.Argv)
		p.Shell = r.String(step.Command.Shell)
		p.Env = r.stringMap(step.Command.Env)
		p.Undo = r.strings(step.Command.Undo)
		out.Command = &p
	case step.File != nil:
		p := *step.File
		p.Path = r.String(step.File.Path)
		p.Dest = r.String(step.File.Dest)
		p.Content = r.String(step.File.Content)
		out.File = &p
	case step.API != nil:
		p := *step.API
		p.URL = r.String(step.API.URL)
		p.Body = r.String(step.API.Body)
		p.Headers = r.stringMap(step.API.Headers)
		out.API = &p
	case step.Decision != nil:
		p := *step.Decision
		p.FileExists = r.String(step.Decision.FileExists)
		if step.Decision.OutputContains != nil {
			oc := *step.Decision.OutputContains
			oc.Needle = r.String(step.Decision.OutputContains.Needle)
			p.OutputContains = &oc
		}
		out.Decision = &p
	}
	return &out
}

// LoopItems materializes a loop's item list: either the literal items with
// placeholders resolved, or an items_from reference that must name a list.
func (r *Resolver) LoopItems(payload *plan.LoopStep) ([]any, error) {
	if payload.ItemsFrom != "" {
		v := r.Value(payload.ItemsFrom)
		switch t := v.(type) {
		case []any:
			return t, nil
		case []string:
			items := make([]any, len(t))
			for i, s := range t {
				items[i] = s
			}
			return items, nil
		case string:
			return nil, fmt.Errorf("items_from %q did not resolve to a list", payload.ItemsFrom)
		default:
			return nil, fmt.Errorf("items_from %q resolved to %T, want a list", payload.ItemsFrom, v)
		}
	}
	items := make([]any, len(payload.Items))
	for i, item := range payload.Items {
		items[i] = r.Value(item)
	}
	return items, nil
}

func (r *Resolver) strings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.String(s)
	}
	return out
}

func (r *Resolver) stringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = r.String(v)
	}
	return out
}
