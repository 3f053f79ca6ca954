// Package plan defines the Go struct types for the plan document schema
// and provides strict YAML/JSON parsing.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Kind identifies a step variant. The set is closed: the validator and the
// executor registry both reject anything outside it.
type Kind string

const (
	KindCommand  Kind = "command"
	KindCode     Kind = "code"
	KindFile     Kind = "file"
	KindDecision Kind = "decision"
	KindAPI      Kind = "api"
	KindLoop     Kind = "loop"
	KindParallel Kind = "parallel"
)

// Kinds lists every valid step kind.
var Kinds = []Kind{KindCommand, KindCode, KindFile, KindDecision, KindAPI, KindLoop, KindParallel}

// DepMode controls when a dependency counts as satisfied.
type DepMode string

const (
	DepSuccess    DepMode = "success"    // dependency completed successfully (default)
	DepFailure    DepMode = "failure"    // dependency failed terminally
	DepCompletion DepMode = "completion" // dependency finished either way
)

// Plan is the top-level document describing a DAG of steps.
type Plan struct {
	ID          string            `yaml:"id"          json:"id"          jsonschema:"required"`
	Goal        string            `yaml:"goal,omitempty" json:"goal,omitempty"`
	Vars        map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Governance  *GovernancePolicy `yaml:"governance,omitempty" json:"governance,omitempty"`
	Steps       map[string]*Step  `yaml:"steps"       json:"steps"       jsonschema:"required"`
	EntryPoints []string          `yaml:"entry_points" json:"entry_points" jsonschema:"required,minItems=1"`
}

// Step is a single node in the plan. Immutable once the plan is built;
// the runtime resolves variables into a copy, never in place.
type Step struct {
	ID         string       `yaml:"id,omitempty" json:"id,omitempty"`
	Kind       Kind         `yaml:"kind"         json:"kind" jsonschema:"required,enum=command,enum=code,enum=file,enum=decision,enum=api,enum=loop,enum=parallel"`
	DependsOn  []Dependency `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	SkipIf     string       `yaml:"skip_if,omitempty"    json:"skip_if,omitempty"`
	Timeout    string       `yaml:"timeout,omitempty"    json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m|h)$"`
	MaxRetries int          `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RiskLevel  string       `yaml:"risk_level,omitempty"  json:"risk_level,omitempty" jsonschema:"enum=low,enum=medium,enum=high"`

	Command  *CommandStep  `yaml:"command,omitempty"  json:"command,omitempty"`
	Code     *CodeStep     `yaml:"code,omitempty"     json:"code,omitempty"`
	File     *FileStep     `yaml:"file,omitempty"     json:"file,omitempty"`
	Decision *DecisionStep `yaml:"decision,omitempty" json:"decision,omitempty"`
	API      *APIStep      `yaml:"api,omitempty"      json:"api,omitempty"`
	Loop     *LoopStep     `yaml:"loop,omitempty"     json:"loop,omitempty"`
	Parallel *ParallelStep `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// Dependency is an edge to another step with a satisfaction mode.
type Dependency struct {
	StepID string  `yaml:"step" json:"step" jsonschema:"required"`
	Mode   DepMode `yaml:"mode,omitempty" json:"mode,omitempty" jsonschema:"enum=success,enum=failure,enum=completion"`
}

// EffectiveMode returns the dependency mode, defaulting to success.
func (d Dependency) EffectiveMode() DepMode {
	if d.Mode == "" {
		return DepSuccess
	}
	return d.Mode
}

// CommandStep spawns a subprocess. Either Argv or Shell must be set.
type CommandStep struct {
	Argv  []string          `yaml:"argv,omitempty"  json:"argv,omitempty"`
	Shell string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	Env   map[string]string `yaml:"env,omitempty"   json:"env,omitempty"`
	// Undo is an optional compensating command recorded with the operation.
	Undo []string `yaml:"undo,omitempty" json:"undo,omitempty"`
}

// CodeStep runs source in the sandboxed interpreter subprocess.
type CodeStep struct {
	Language string   `yaml:"language,omitempty" json:"language,omitempty" jsonschema:"enum=python"`
	Source   string   `yaml:"source"             json:"source" jsonschema:"required"`
	Inputs   []string `yaml:"inputs,omitempty"   json:"inputs,omitempty"`
	Outputs  []string `yaml:"outputs,omitempty"  json:"outputs,omitempty"`
}

// FileStep performs one filesystem operation.
type FileStep struct {
	Op      string `yaml:"op"                json:"op" jsonschema:"required,enum=read,enum=write,enum=copy,enum=move,enum=delete,enum=mkdir"`
	Path    string `yaml:"path"              json:"path" jsonschema:"required"`
	Dest    string `yaml:"dest,omitempty"    json:"dest,omitempty"`
	Content string `yaml:"content,omitempty" json:"content,omitempty"`
	Mode    string `yaml:"mode,omitempty"    json:"mode,omitempty"`
}

// DecisionStep evaluates a condition and schedules exactly one branch.
// Exactly one of Expression / FileExists / StepSucceeded / OutputContains
// must be set.
type DecisionStep struct {
	Expression     string          `yaml:"expression,omitempty"      json:"expression,omitempty"`
	FileExists     string          `yaml:"file_exists,omitempty"     json:"file_exists,omitempty"`
	StepSucceeded  string          `yaml:"step_succeeded,omitempty"  json:"step_succeeded,omitempty"`
	OutputContains *OutputContains `yaml:"output_contains,omitempty" json:"output_contains,omitempty"`
	Then           []string        `yaml:"then,omitempty"            json:"then,omitempty"`
	Else           []string        `yaml:"else,omitempty"            json:"else,omitempty"`
}

// OutputContains tests whether a prior step's output field contains a substring.
type OutputContains struct {
	StepID string `yaml:"step"   json:"step"   jsonschema:"required"`
	Field  string `yaml:"field"  json:"field"  jsonschema:"required"`
	Needle string `yaml:"needle" json:"needle" jsonschema:"required"`
}

// APIStep issues an HTTP request.
type APIStep struct {
	Method  string            `yaml:"method,omitempty"  json:"method,omitempty"`
	URL     string            `yaml:"url"               json:"url" jsonschema:"required"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"    json:"body,omitempty"`
	// ExpectStatus is a status predicate: "2xx" (default), an exact code
	// like "204", a range like "200-299", or "any".
	ExpectStatus string `yaml:"expect_status,omitempty" json:"expect_status,omitempty"`
}

// LoopStep runs its body steps once per item, sequentially.
// Items is either a literal list or a single "${name}" reference that must
// resolve to a list at run time.
type LoopStep struct {
	Items     []any    `yaml:"items,omitempty"      json:"items,omitempty"`
	ItemsFrom string   `yaml:"items_from,omitempty" json:"items_from,omitempty"`
	Body      []string `yaml:"body"                 json:"body" jsonschema:"required,minItems=1"`
	// Export hoists the named iteration-local variables into the parent
	// context after each iteration (last iteration wins).
	Export []string `yaml:"export,omitempty" json:"export,omitempty"`
}

// ParallelStep fans out its member steps concurrently and joins all of them.
type ParallelStep struct {
	Members []string `yaml:"members" json:"members" jsonschema:"required,minItems=1"`
	// MaxConcurrent bounds the fan-out pool; 0 means len(Members).
	MaxConcurrent int `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
}

// GovernancePolicy defines safety rules evaluated before and during execution.
type GovernancePolicy struct {
	AllowedCommands []string        `yaml:"allowed_commands,omitempty" json:"allowed_commands,omitempty"`
	DeniedCommands  []string        `yaml:"denied_commands,omitempty"  json:"denied_commands,omitempty"`
	DenyEnvVars     []string        `yaml:"deny_env_vars,omitempty"    json:"deny_env_vars,omitempty"`
	Redact          []RedactionRule `yaml:"redact,omitempty"           json:"redact,omitempty"`
	Sandbox         *SandboxPolicy  `yaml:"sandbox,omitempty"          json:"sandbox,omitempty"`
}

// RedactionRule is a regex pattern-replacement pair for sanitizing output.
type RedactionRule struct {
	Pattern string `yaml:"pattern" json:"pattern" jsonschema:"required"`
	Replace string `yaml:"replace" json:"replace" jsonschema:"required"`
}

// SandboxPolicy restricts what code steps may import.
type SandboxPolicy struct {
	AllowedModules []string `yaml:"allowed_modules,omitempty" json:"allowed_modules,omitempty"`
}

// LoadFile reads and parses a plan document. Files ending in .json are
// decoded as JSON; everything else is parsed as YAML with strict
// unknown-field rejection.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	if filepath.Ext(path) == ".json" {
		return LoadJSON(data)
	}
	return Load(bytes.NewReader(data))
}

// Load parses a plan from YAML with strict unknown-field rejection.
func Load(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	p.fillStepIDs()
	return &p, nil
}

// LoadJSON parses a plan from JSON with unknown-field rejection.
func LoadJSON(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	p.fillStepIDs()
	return &p, nil
}

// fillStepIDs copies map keys into Step.ID so a step always knows its own id.
func (p *Plan) fillStepIDs() {
	for id, s := range p.Steps {
		if s != nil && s.ID == "" {
			s.ID = id
		}
	}
}
