package harness

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// TraceEvent is one entry of a run trace. Every step produces an invocation
// followed by a completion.
type TraceEvent struct {
	Type   string            `json:"type"`
	Seq    int64             `json:"seq"`
	Step   int               `json:"step"`
	Action string            `json:"action"`
	Target string            `json:"target,omitempty"`
	From   string            `json:"from,omitempty"`
	Args   map[string]string `json:"args,omitempty"`

	// Completion only.
	Case   string        `json:"case,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Result string        `json:"result,omitempty"`
	Block  uint64        `json:"block,omitempty"`
	Events []EventRecord `json:"events,omitempty"`
}

// EventRecord is a decoded log with addresses replaced by environment names
// where one is known.
type EventRecord struct {
	Name    string            `json:"name"`
	Emitter string            `json:"emitter"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// HarvestRecord is the Harvested event of one step.
type HarvestRecord struct {
	Step            int    `json:"step"`
	Strategy        string `json:"strategy"`
	Block           uint64 `json:"block"`
	Profit          string `json:"profit"`
	Loss            string `json:"loss"`
	DebtPayment     string `json:"debt_payment"`
	DebtOutstanding string `json:"debt_outstanding"`
}

// Result is the outcome of one scenario run.
type Result struct {
	Scenario string `json:"scenario"`
	Fixture  string `json:"fixture"`

	// Pass is true when no step, invariant or assertion failed.
	Pass bool `json:"pass"`

	// Skipped is set when the fixture does not meet the scenario's
	// requirements. Skipped scenarios pass.
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	Trace    []TraceEvent      `json:"trace"`
	Errors   []string          `json:"errors,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`
	Harvests []HarvestRecord   `json:"harvests,omitempty"`
}

// NewResult creates a new passing result.
func NewResult(scenario, fixture string) *Result {
	return &Result{
		Scenario: scenario,
		Fixture:  fixture,
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Vars:     make(map[string]string),
	}
}

// AddError adds an error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Invocations returns the invocation events of the trace.
func (r *Result) Invocations() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventInvocation {
			out = append(out, ev)
		}
	}
	return out
}

// Completion returns the completion event of a step.
func (r *Result) Completion(step int) (TraceEvent, bool) {
	for _, ev := range r.Trace {
		if ev.Type == EventCompletion && ev.Step == step {
			return ev, true
		}
	}
	return TraceEvent{}, false
}
