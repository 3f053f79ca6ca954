// Package diagram renders a plan's dependency graph.
// Supports Mermaid flowchart and ASCII formats.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/veltaria/planrun/pkg/plan"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Generate produces a diagram string from a parsed plan.
func Generate(p *plan.Plan, format Format) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil plan")
	}
	switch format {
	case FormatMermaid:
		return generateMermaid(p), nil
	case FormatASCII:
		return generateASCII(p), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

// --- Mermaid flowchart ---

func generateMermaid(p *plan.Plan) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	contained := containedBy(p)

	for _, id := range topoOrder(p) {
		step := p.Steps[id]
		if _, ok := contained[id]; ok {
			continue // rendered inside its container
		}
		switch step.Kind {
		case plan.KindLoop:
			b.WriteString(fmt.Sprintf("    subgraph %s [\"%s loop: %s\"]\n", safeID(id), kindIcon(step.Kind), escMermaid(id)))
			for _, member := range step.Loop.Body {
				b.WriteString("        " + nodeDefinition(member, p.Steps[member]) + "\n")
			}
			b.WriteString("    end\n")
		case plan.KindParallel:
			b.WriteString(fmt.Sprintf("    subgraph %s [\"%s parallel: %s\"]\n", safeID(id), kindIcon(step.Kind), escMermaid(id)))
			for _, member := range step.Parallel.Members {
				b.WriteString("        " + nodeDefinition(member, p.Steps[member]) + "\n")
			}
			b.WriteString("    end\n")
		default:
			b.WriteString("    " + nodeDefinition(id, step) + "\n")
		}
	}

	// Entry markers
	for _, entry := range p.EntryPoints {
		b.WriteString(fmt.Sprintf("    START([Start]) --> %s\n", safeID(entry)))
	}

	// Dependency edges, mode-labeled unless success
	for _, id := range topoOrder(p) {
		for _, d := range p.Steps[id].DependsOn {
			switch d.EffectiveMode() {
			case plan.DepSuccess:
				b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(d.StepID), safeID(id)))
			default:
				b.WriteString(fmt.Sprintf("    %s -->|%q| %s\n", safeID(d.StepID), string(d.EffectiveMode()), safeID(id)))
			}
		}
	}

	// Decision branch edges
	for _, id := range topoOrder(p) {
		step := p.Steps[id]
		if step.Decision == nil {
			continue
		}
		for _, target := range step.Decision.Then {
			b.WriteString(fmt.Sprintf("    %s -->|\"then\"| %s\n", safeID(id), safeID(target)))
		}
		for _, target := range step.Decision.Else {
			b.WriteString(fmt.Sprintf("    %s -->|\"else\"| %s\n", safeID(id), safeID(target)))
		}
	}

	// Style decision nodes
	for _, id := range topoOrder(p) {
		if p.Steps[id].Kind == plan.KindDecision {
			b.WriteString(fmt.Sprintf("    style %s fill:#1a3a4a,stroke:#0af\n", safeID(id)))
		}
	}

	return b.String()
}

func nodeDefinition(id string, step *plan.Step) string {
	sid := safeID(id)
	icon := kindIcon(step.Kind)
	label := escMermaid(id)
	switch step.Kind {
	case plan.KindDecision:
		return fmt.Sprintf(`%s{"`+icon+` %s"}`, sid, label)
	case plan.KindCommand:
		return fmt.Sprintf(`%s["`+icon+` %s"]`, sid, label)
	case plan.KindFile:
		return fmt.Sprintf(`%s[/"`+icon+` %s"/]`, sid, label)
	case plan.KindAPI:
		return fmt.Sprintf(`%s[["`+icon+` %s"]]`, sid, label)
	case plan.KindCode:
		return fmt.Sprintf(`%s("`+icon+` %s")`, sid, label)
	default:
		return fmt.Sprintf(`%s["%s"]`, sid, label)
	}
}

func kindIcon(kind plan.Kind) string {
	switch kind {
	case plan.KindCommand:
		return "⚡"
	case plan.KindCode:
		return "🐍"
	case plan.KindFile:
		return "📄"
	case plan.KindDecision:
		return "❓"
	case plan.KindAPI:
		return "🌐"
	case plan.KindLoop:
		return "🔁"
	case plan.KindParallel:
		return "⑂"
	default:
		return "○"
	}
}

// --- ASCII ---

func generateASCII(p *plan.Plan) string {
	var b strings.Builder

	name := p.ID
	if name == "" {
		name = "Plan"
	}

	order := topoOrder(p)
	contained := containedBy(p)
	var top []string
	for _, id := range order {
		if _, ok := contained[id]; !ok {
			top = append(top, id)
		}
	}
	if len(top) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	const indent = 8
	boxWidth := computeUniformBoxWidth(p, top, name)
	connCol := indent + 1 + boxWidth/2
	pad := strings.Repeat(" ", indent)
	connPad := strings.Repeat(" ", connCol)

	// Header with the plan id centered.
	headerText := centerPad(name, boxWidth)
	mid := boxWidth / 2
	b.WriteString(pad + "╔" + strings.Repeat("═", boxWidth) + "╗\n")
	b.WriteString(pad + "║" + headerText + "║\n")
	b.WriteString(pad + "╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", boxWidth-mid-1) + "╝\n")
	b.WriteString(connPad + "│\n")

	for i, id := range top {
		writeASCIIStep(&b, p, id, indent, boxWidth)
		if i < len(top)-1 {
			b.WriteString(connPad + "│\n")
		}
	}
	return b.String()
}

// computeUniformBoxWidth returns the widest interior width needed
// across all top-level steps and the header name.
func computeUniformBoxWidth(p *plan.Plan, top []string, name string) int {
	w := 22
	if nw := runewidth.StringWidth(name) + 4; nw > w {
		w = nw
	}
	for _, id := range top {
		for _, line := range stepLines(p, id) {
			if lw := runewidth.StringWidth(line); lw > w {
				w = lw
			}
		}
	}
	return w
}

// stepLines returns the interior content lines of one step box: the
// icon+id line, an optional needs line, and member lines for containers.
func stepLines(p *plan.Plan, id string) []string {
	step := p.Steps[id]
	lines := []string{fmt.Sprintf(" %s %s ", kindIcon(step.Kind), id)}
	if len(step.DependsOn) > 0 {
		var needs []string
		for _, d := range step.DependsOn {
			ref := d.StepID
			if d.EffectiveMode() != plan.DepSuccess {
				ref += " (" + string(d.EffectiveMode()) + ")"
			}
			needs = append(needs, ref)
		}
		lines = append(lines, " ← "+strings.Join(needs, ", ")+" ")
	}
	for _, member := range containerMembers(step) {
		ms := p.Steps[member]
		lines = append(lines, fmt.Sprintf("   %s %s ", kindIcon(ms.Kind), member))
	}
	return lines
}

func containerMembers(step *plan.Step) []string {
	switch {
	case step.Loop != nil:
		return step.Loop.Body
	case step.Parallel != nil:
		return step.Parallel.Members
	}
	return nil
}

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	total := width - sw
	left := total / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", total-left)
}

func writeASCIIStep(b *strings.Builder, p *plan.Plan, id string, indent, boxWidth int) {
	pad := strings.Repeat(" ", indent)
	mid := boxWidth / 2

	b.WriteString(pad + "┌" + strings.Repeat("─", boxWidth) + "┐\n")
	for _, line := range stepLines(p, id) {
		lw := runewidth.StringWidth(line)
		b.WriteString(pad + "│" + line + strings.Repeat(" ", boxWidth-lw) + "│\n")
	}
	b.WriteString(pad + "└" + strings.Repeat("─", mid) + "┬" + strings.Repeat("─", boxWidth-mid-1) + "┘\n")
}

// --- graph helpers ---

// containedBy maps each loop body, parallel member, and decision branch
// target to its owning step.
func containedBy(p *plan.Plan) map[string]string {
	out := make(map[string]string)
	for id, step := range p.Steps {
		switch {
		case step.Loop != nil:
			for _, m := range step.Loop.Body {
				out[m] = id
			}
		case step.Parallel != nil:
			for _, m := range step.Parallel.Members {
				out[m] = id
			}
		}
	}
	return out
}

// topoOrder returns the step ids in a deterministic dependency order:
// Kahn's algorithm with a sorted frontier. Steps on a cycle are appended
// in sorted order at the end so a diagram is still produced for plans
// that would fail validation.
func topoOrder(p *plan.Plan) []string {
	indeg := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string)
	for id, step := range p.Steps {
		indeg[id] += 0
		for _, d := range step.DependsOn {
			if _, ok := p.Steps[d.StepID]; !ok {
				continue
			}
			indeg[id]++
			dependents[d.StepID] = append(dependents[d.StepID], id)
		}
	}

	var frontier []string
	for id, n := range indeg {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	var order []string
	seen := make(map[string]bool, len(p.Steps))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		seen[id] = true

		var next []string
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				next = append(next, dep)
			}
		}
		sort.Strings(next)
		frontier = append(frontier, next...)
	}

	var rest []string
	for id := range p.Steps {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// --- string helpers ---

func safeID(id string) string {
	r := strings.NewReplacer("-", "_", " ", "_", ".", "_")
	return r.Replace(id)
}

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}
