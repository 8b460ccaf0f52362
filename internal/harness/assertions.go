package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/deploy"
	"github.com/roach88/strategyharness/internal/protocol"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type != EventInvocation {
				continue
			}
			fmt.Fprintf(&buf, "  [%d] %s", event.Step, event.Action)
			if event.Target != "" {
				fmt.Fprintf(&buf, " %s", event.Target)
			}
			for _, k := range sortedNames(event.Args) {
				fmt.Fprintf(&buf, " %s=%s", k, event.Args[k])
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx  context.Context
	Env  *deploy.Environment
	Vars map[string]any
}

func (a *AssertionContext) scope() *scope {
	if a == nil || a.Env == nil {
		return nil
	}
	ctx := a.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return &scope{ctx: ctx, env: a.Env, vars: a.Vars}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// compare assertions read the chain through actx and fail without it.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string
	sc := actx.scope()

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertCompare:
			if sc == nil {
				err = fmt.Errorf("assertion[%d]: compare requires an environment", i)
			} else {
				err = assertCompare(sc, assertion)
			}
		case AssertTraceContains:
			err = assertTraceContains(sc, result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertCompare evaluates left and right and compares them with op.
func assertCompare(sc *scope, a Assertion) error {
	l, err := sc.eval(a.Left)
	if err != nil {
		return &AssertionError{Type: AssertCompare, Expected: a.Left, Actual: err.Error()}
	}
	r, err := sc.eval(a.Right)
	if err != nil {
		return &AssertionError{Type: AssertCompare, Expected: a.Right, Actual: err.Error()}
	}

	expected := fmt.Sprintf("%s %s %s", a.Left, a.Op, a.Right)
	tolSrc := a.Tolerance
	if a.SlipperyTolerance != "" && sc.env.Fixture.Toggles.IsSlippery {
		tolSrc = a.SlipperyTolerance
	}
	tol := protocol.Zero()
	if tolSrc != "" {
		if tol, err = sc.amount(tolSrc); err != nil {
			return &AssertionError{Type: AssertCompare, Expected: expected, Actual: fmt.Sprintf("tolerance: %v", err)}
		}
		expected += " within " + protocol.FormatAmount(tol)
	}

	ok, err := compare(a.Op, l, r, tol)
	if err != nil {
		return &AssertionError{Type: AssertCompare, Expected: expected, Actual: err.Error()}
	}
	if !ok {
		return &AssertionError{
			Type:     AssertCompare,
			Expected: expected,
			Actual:   fmt.Sprintf("%s %s %s", format(l), a.Op, format(r)),
		}
	}
	return nil
}

// compare applies op to l and r. Amounts honour tol; other kinds only
// support eq and ne.
func compare(op string, l, r any, tol *uint256.Int) (bool, error) {
	la, lok := l.(*uint256.Int)
	ra, rok := r.(*uint256.Int)
	if !lok || !rok {
		if kind(l) != kind(r) {
			return false, fmt.Errorf("cannot compare %s with %s", kind(l), kind(r))
		}
		switch op {
		case "eq", "close":
			return equal(l, r), nil
		case "ne":
			return !equal(l, r), nil
		}
		return false, fmt.Errorf("op %s needs amounts, got %s", op, kind(l))
	}

	diff := new(uint256.Int)
	if la.Gt(ra) {
		diff.Sub(la, ra)
	} else {
		diff.Sub(ra, la)
	}
	switch op {
	case "eq", "close":
		return !diff.Gt(tol), nil
	case "ne":
		return diff.Gt(tol), nil
	case "ge", "gt":
		sum, overflow := new(uint256.Int).AddOverflow(la, tol)
		if overflow {
			return true, nil
		}
		if op == "ge" {
			return !sum.Lt(ra), nil
		}
		return sum.Gt(ra), nil
	case "le", "lt":
		sum, overflow := new(uint256.Int).AddOverflow(ra, tol)
		if overflow {
			return true, nil
		}
		if op == "le" {
			return !la.Gt(sum), nil
		}
		return la.Lt(sum), nil
	}
	return false, fmt.Errorf("unknown op %q", op)
}

// assertTraceContains checks if the trace contains an invocation matching
// the specified action and args (subset match).
func assertTraceContains(sc *scope, trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type == EventInvocation && event.Action == assertion.Action {
			if matchArgs(sc, event.Args, assertion.Args) {
				return nil
			}
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening actions are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)

	for i, event := range trace {
		if event.Type != EventInvocation {
			continue
		}
		for _, expectedAction := range assertion.Actions {
			if event.Action == expectedAction && positions[expectedAction] == 0 {
				positions[expectedAction] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && event.Action == assertion.Action {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(sc *scope, actual map[string]string, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists {
			return false
		}
		want, err := argString(expectedVal)
		if err != nil || !argEqual(sc, actualVal, want) {
			return false
		}
	}
	return true
}

// argEqual compares a recorded arg with an expected one. Amounts compare by
// value, so "35_000e18" and "$amount" match the recorded decimal.
func argEqual(sc *scope, actual, expected string) bool {
	if actual == expected {
		return true
	}
	got, err := protocol.ParseAmount(actual)
	if err != nil {
		return false
	}
	var want *uint256.Int
	if sc != nil {
		want, err = sc.amount(expected)
	} else {
		want, err = protocol.ParseAmount(expected)
	}
	return err == nil && got.Eq(want)
}
