package cli

import (
	"fmt"

	"github.com/roach88/strategyharness/internal/harness"
)

// ScenarioReport is the outcome of one scenario as printed by run and test.
type ScenarioReport struct {
	Name       string   `json:"name"`
	Fixture    string   `json:"fixture"`
	Pass       bool     `json:"pass"`
	Skipped    bool     `json:"skipped,omitempty"`
	SkipReason string   `json:"skip_reason,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Digest     string   `json:"digest,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	Golden     string   `json:"golden,omitempty"` // "match", "updated" or "missing"
}

// Summary aggregates scenario reports.
type Summary struct {
	Scenarios []ScenarioReport `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Total     int              `json:"total"`
}

func newReport(res *harness.Result) (ScenarioReport, error) {
	digest, err := harness.TraceDigest(res)
	if err != nil {
		return ScenarioReport{}, fmt.Errorf("digest of %s: %w", res.Scenario, err)
	}
	return ScenarioReport{
		Name:       res.Scenario,
		Fixture:    res.Fixture,
		Pass:       res.Pass,
		Skipped:    res.Skipped,
		SkipReason: res.SkipReason,
		Errors:     res.Errors,
		Digest:     digest,
	}, nil
}

// fail marks the report failed with an extra error.
func (r *ScenarioReport) fail(msg string) {
	r.Pass = false
	r.Errors = append(r.Errors, msg)
}

func (s *Summary) add(r ScenarioReport) {
	s.Scenarios = append(s.Scenarios, r)
	s.Total++
	switch {
	case !r.Pass:
		s.Failed++
	case r.Skipped:
		s.Skipped++
	default:
		s.Passed++
	}
}

// printReport writes the text line of one scenario.
func printReport(f *OutputFormatter, r ScenarioReport) {
	switch {
	case !r.Pass:
		f.Printf("✗ %s", r.Name)
		for _, e := range r.Errors {
			f.Printf("  %s", e)
		}
	case r.Skipped:
		f.Printf("- %s (skipped: %s)", r.Name, r.SkipReason)
	case r.Golden == "updated":
		f.Printf("✓ %s (golden updated)", r.Name)
	default:
		f.Printf("✓ %s", r.Name)
	}
	f.VerboseLog("  digest %s", r.Digest)
}

// finish prints the summary and turns failures into exit code 1.
func finish(f *OutputFormatter, s Summary) error {
	if s.Scenarios == nil {
		s.Scenarios = []ScenarioReport{}
	}
	if s.Failed > 0 {
		msg := fmt.Sprintf("%d scenario(s) failed", s.Failed)
		if err := f.Failure(CodeScenarioFailed, msg, s); err != nil {
			return err
		}
		f.Printf("")
		f.Printf("Summary: %d passed, %d skipped, %d failed, %d total", s.Passed, s.Skipped, s.Failed, s.Total)
		return NewExitError(ExitFailure, msg)
	}
	if f.JSON() {
		return f.Success(s)
	}
	f.Printf("")
	f.Printf("Summary: %d passed, %d skipped, %d failed, %d total", s.Passed, s.Skipped, s.Failed, s.Total)
	f.Printf("✓ All scenarios passed")
	return nil
}
