package harness

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/strategyharness/internal/fixture"
)

//go:embed scenarios/*.yaml
var builtinFS embed.FS

// Scenario is a scripted sequence of chain, token, vault and strategy calls
// with expectations, captured values and closing assertions.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Requires lists fixture toggles that must hold for the scenario to run.
	// A leading "!" requires the toggle to be off. Unmet requirements skip
	// the scenario.
	Requires []string `yaml:"requires,omitempty"`

	// Invariants are checked after every step.
	Invariants []string `yaml:"invariants,omitempty"`

	Flow       []Step      `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// Source is the file the scenario was loaded from.
	Source string `yaml:"-"`
}

// Step is one action of a flow.
type Step struct {
	// Action names the call, e.g. "vault.deposit" or "strategy.harvest".
	Action string `yaml:"action"`

	// From is the named account sending a transaction.
	From string `yaml:"from,omitempty"`

	// Target is the strategy alias for strategy actions and the token name
	// for token actions. Defaults to "strategy" and "token".
	Target string `yaml:"target,omitempty"`

	// Args are the action arguments. Amounts are expressions.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect defaults to success.
	Expect *Expect `yaml:"expect,omitempty"`

	// Capture binds variables to expressions evaluated after the step.
	// "result" and "event.<Name>.<field>" refer to this step.
	Capture map[string]string `yaml:"capture,omitempty"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	// Case is success or revert.
	Case string `yaml:"case"`

	// Reason is the expected revert reason. Empty matches any reason.
	Reason string `yaml:"reason,omitempty"`

	// Result is the expected return value of a view action.
	Result any `yaml:"result,omitempty"`
}

// Assertion validates the run once the flow has finished.
type Assertion struct {
	// Type is compare, trace_contains, trace_order or trace_count.
	Type string `yaml:"type"`

	// Left, Op and Right are used by compare. Tolerance widens the
	// comparison; SlipperyTolerance replaces it on slippery fixtures.
	Left              string `yaml:"left,omitempty"`
	Op                string `yaml:"op,omitempty"`
	Right             string `yaml:"right,omitempty"`
	Tolerance         string `yaml:"tolerance,omitempty"`
	SlipperyTolerance string `yaml:"slippery_tolerance,omitempty"`

	// Action is used by trace_contains and trace_count.
	Action string `yaml:"action,omitempty"`

	// Args are matched as a subset by trace_contains.
	Args map[string]any `yaml:"args,omitempty"`

	// Count is used by trace_count.
	Count int `yaml:"count,omitempty"`

	// Actions is the expected order for trace_order.
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertCompare       = "compare"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// Step outcome cases.
const (
	CaseSuccess = "success"
	CaseRevert  = "revert"
)

// Comparison operators.
var compareOps = []string{"eq", "ne", "ge", "gt", "le", "lt", "close"}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, path)
}

// ParseScenario decodes and validates a scenario. source is recorded on the
// result for error messages.
func ParseScenario(data []byte, source string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", source, err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", source, err)
	}
	scenario.Source = source
	return &scenario, nil
}

// Builtins returns the embedded scenario library sorted by file name.
func Builtins() ([]*Scenario, error) {
	entries, err := fs.ReadDir(builtinFS, "scenarios")
	if err != nil {
		return nil, err
	}
	out := make([]*Scenario, 0, len(entries))
	for _, e := range entries {
		p := path.Join("scenarios", e.Name())
		data, err := builtinFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		sc, err := ParseScenario(data, "builtin:"+e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, checkUnique(out)
}

// Builtin returns one embedded scenario by name.
func Builtin(name string) (*Scenario, error) {
	all, err := Builtins()
	if err != nil {
		return nil, err
	}
	for _, sc := range all {
		if sc.Name == name {
			return sc, nil
		}
	}
	return nil, fmt.Errorf("no built-in scenario named %q", name)
}

// LoadDir loads every .yaml and .yml file under dir. A non-empty filter is
// a glob matched against file names without extension.
func LoadDir(dir, filter string) ([]*Scenario, error) {
	var out []*Scenario
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		sc, err := LoadScenario(p)
		if err != nil {
			return err
		}
		out = append(out, sc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, checkUnique(out)
}

// Filter keeps the scenarios whose name matches the glob pattern.
func Filter(scenarios []*Scenario, pattern string) ([]*Scenario, error) {
	if pattern == "" {
		return scenarios, nil
	}
	var out []*Scenario
	for _, sc := range scenarios {
		matched, err := filepath.Match(pattern, sc.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
		if matched {
			out = append(out, sc)
		}
	}
	return out, nil
}

func checkUnique(scenarios []*Scenario) error {
	seen := make(map[string]string, len(scenarios))
	for _, sc := range scenarios {
		if prev, ok := seen[sc.Name]; ok {
			return fmt.Errorf("scenario %q defined in both %s and %s", sc.Name, prev, sc.Source)
		}
		seen[sc.Name] = sc.Source
	}
	return nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 && len(s.Invariants) == 0 {
		return fmt.Errorf("at least one assertion or invariant is required")
	}

	var unset fixture.Fixture
	for i, req := range s.Requires {
		if _, known := unset.Toggle(strings.TrimPrefix(req, "!")); !known {
			return fmt.Errorf("requires[%d]: unknown toggle %q", i, req)
		}
	}
	for i, inv := range s.Invariants {
		if !slices.Contains(Invariants, inv) {
			return fmt.Errorf("invariants[%d]: unknown invariant %q", i, inv)
		}
	}
	for i := range s.Flow {
		if err := validateStep(i, &s.Flow[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	if step.Action == "" {
		return fmt.Errorf("flow[%d]: action is required", index)
	}
	def, ok := actions[step.Action]
	if !ok {
		return fmt.Errorf("flow[%d]: unknown action %q", index, step.Action)
	}
	if def.tx && step.From == "" {
		return fmt.Errorf("flow[%d]: %s is a transaction and needs from", index, step.Action)
	}
	if !def.tx && step.From != "" {
		return fmt.Errorf("flow[%d]: %s does not take from", index, step.Action)
	}
	for key, v := range step.Args {
		if !slices.Contains(def.args, key) {
			return fmt.Errorf("flow[%d]: %s does not take arg %q (takes %v)", index, step.Action, key, def.args)
		}
		if _, err := argString(v); err != nil {
			return fmt.Errorf("flow[%d].args.%s: %w", index, key, err)
		}
	}
	for _, key := range def.required {
		if _, ok := step.Args[key]; !ok {
			return fmt.Errorf("flow[%d]: %s requires arg %q", index, step.Action, key)
		}
	}
	if e := step.Expect; e != nil {
		switch e.Case {
		case CaseSuccess, CaseRevert:
		case "":
			return fmt.Errorf("flow[%d].expect: case is required", index)
		default:
			return fmt.Errorf("flow[%d].expect: case must be success or revert, got %q", index, e.Case)
		}
		if e.Reason != "" && e.Case != CaseRevert {
			return fmt.Errorf("flow[%d].expect: reason needs case revert", index)
		}
		if e.Result != nil && e.Case != CaseSuccess {
			return fmt.Errorf("flow[%d].expect: result needs case success", index)
		}
	}
	for name := range step.Capture {
		if !identifier.MatchString(name) {
			return fmt.Errorf("flow[%d].capture: invalid variable name %q", index, name)
		}
		if _, reserved := fixtureVarNames[name]; reserved {
			return fmt.Errorf("flow[%d].capture: %q is a fixture variable", index, name)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertCompare:
		if a.Left == "" || a.Right == "" {
			return fmt.Errorf("assertions[%d]: left and right are required for compare", index)
		}
		if !slices.Contains(compareOps, a.Op) {
			return fmt.Errorf("assertions[%d]: op must be one of %v, got %q", index, compareOps, a.Op)
		}
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
