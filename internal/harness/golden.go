package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/strategyharness/internal/canonical"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	Scenario string          `json:"scenario"`
	Fixture  string          `json:"fixture"`
	Trace    []TraceEvent    `json:"trace"`
	Harvests []HarvestRecord `json:"harvests,omitempty"`
}

// Snapshot builds the trace snapshot of a result.
func Snapshot(result *Result) *TraceSnapshot {
	return &TraceSnapshot{
		Scenario: result.Scenario,
		Fixture:  result.Fixture,
		Trace:    result.Trace,
		Harvests: result.Harvests,
	}
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type":   event.Type,
			"seq":    event.Seq,
			"step":   event.Step,
			"action": event.Action,
		}
		if event.Target != "" {
			eventMap["target"] = event.Target
		}
		if event.From != "" {
			eventMap["from"] = event.From
		}
		if len(event.Args) > 0 {
			eventMap["args"] = event.Args
		}
		if event.Type == EventCompletion {
			eventMap["case"] = event.Case
			eventMap["block"] = event.Block
		}
		if event.Reason != "" {
			eventMap["reason"] = event.Reason
		}
		if event.Result != "" {
			eventMap["result"] = event.Result
		}
		if len(event.Events) > 0 {
			events := make([]map[string]any, len(event.Events))
			for j, e := range event.Events {
				m := map[string]any{"name": e.Name, "emitter": e.Emitter}
				if len(e.Fields) > 0 {
					m["fields"] = e.Fields
				}
				events[j] = m
			}
			eventMap["events"] = events
		}
		traceList[i] = eventMap
	}

	result := map[string]any{
		"scenario": s.Scenario,
		"fixture":  s.Fixture,
		"trace":    traceList,
	}
	if len(s.Harvests) > 0 {
		harvests := make([]map[string]any, len(s.Harvests))
		for i, h := range s.Harvests {
			harvests[i] = map[string]any{
				"step":             h.Step,
				"strategy":         h.Strategy,
				"block":            h.Block,
				"profit":           h.Profit,
				"loss":             h.Loss,
				"debt_payment":     h.DebtPayment,
				"debt_outstanding": h.DebtOutstanding,
			}
		}
		result["harvests"] = harvests
	}
	return result
}

// GoldenBytes renders a result's trace snapshot as canonical JSON.
func GoldenBytes(result *Result) ([]byte, error) {
	return canonical.Marshal(Snapshot(result).toCanonicalMap())
}

// TraceDigest is the domain-separated hash of a result's trace snapshot.
// Two runs replay identically when their digests match.
func TraceDigest(result *Result) (string, error) {
	return canonical.Digest(canonical.DomainTrace, Snapshot(result).toCanonicalMap())
}

// DefaultGoldenDir is where golden traces live relative to the test package.
const DefaultGoldenDir = "testdata/golden"

// GoldenName names the golden file of a scenario on a fixture.
func GoldenName(result *Result) string {
	return result.Fixture + "." + result.Scenario
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{fixture}.{scenario}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, r *Runner, scenario *Scenario, opts ...goldie.Option) *Result {
	t.Helper()

	result, err := r.Run(context.Background(), scenario)
	if err != nil {
		t.Fatalf("run %s: %v", scenario.Name, err)
	}
	AssertGolden(t, GoldenName(result), result, opts...)
	return result
}

// AssertGolden compares the given result's trace against a golden file.
// Options are applied after the default fixture dir and suffix.
func AssertGolden(t *testing.T, name string, result *Result, opts ...goldie.Option) {
	t.Helper()

	traceJSON, err := GoldenBytes(result)
	if err != nil {
		t.Fatalf("marshal trace of %s: %v", name, err)
	}

	g := goldie.New(t, append([]goldie.Option{
		goldie.WithFixtureDir(DefaultGoldenDir),
		goldie.WithNameSuffix(".golden"),
	}, opts...)...)
	g.Assert(t, name, traceJSON)
}
