package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/strategyharness/internal/deploy"
	"github.com/roach88/strategyharness/internal/protocol"
	"github.com/roach88/strategyharness/internal/testutil"
)

// Runner executes scenarios against one environment. Every scenario runs
// between a chain snapshot and its revert, so scenarios can share the
// environment in any order.
type Runner struct {
	env    *deploy.Environment
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Runners discard logs by default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner for env.
func NewRunner(env *deploy.Environment, opts ...Option) *Runner {
	r := &Runner{
		env:    env,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Env returns the environment scenarios run against.
func (r *Runner) Env() *deploy.Environment { return r.env }

// run is the state of one scenario execution.
type run struct {
	env      *deploy.Environment
	logger   *slog.Logger
	clock    *testutil.DeterministicClock
	result   *Result
	vars     map[string]any
	captured []string
	deployed []string
	inv      *invariantChecker
}

func (x *run) scope(ctx context.Context, receipt *protocol.Receipt, result any) *scope {
	return &scope{ctx: ctx, env: x.env, vars: x.vars, receipt: receipt, result: result}
}

// Run executes a scenario and returns its result.
//
// Execution flow:
//  1. Skip when the fixture does not meet the scenario's requirements
//  2. Snapshot the chain
//  3. Execute flow steps, checking expectations and invariants
//  4. Evaluate assertions against the trace and the final state
//  5. Revert the snapshot and forget strategies the flow deployed
//
// A failed step, invariant or assertion is reported in the result. An error
// is returned only when the environment itself fails.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (res *Result, err error) {
	f := r.env.Fixture
	res = NewResult(sc.Name, f.Name)
	if why, ok := requirementsMet(r.env, sc.Requires); !ok {
		res.Skipped = true
		res.SkipReason = why
		r.logger.Info("scenario skipped", "scenario", sc.Name, "reason", why)
		return res, nil
	}

	snap, err := r.env.Chain.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot before %s: %w", sc.Name, err)
	}
	x := &run{
		env:    r.env,
		logger: r.logger.With("scenario", sc.Name),
		clock:  testutil.NewDeterministicClock(),
		result: res,
		vars:   fixtureVars(f),
	}
	defer func() {
		rerr := r.env.Chain.Revert(context.WithoutCancel(ctx), snap)
		for _, alias := range x.deployed {
			r.env.ForgetStrategy(alias)
		}
		if rerr != nil && err == nil {
			res, err = nil, fmt.Errorf("revert after %s: %w", sc.Name, rerr)
		}
	}()

	if x.inv, err = newInvariantChecker(ctx, r.env, sc.Invariants); err != nil {
		return nil, fmt.Errorf("read initial state: %w", err)
	}

	for i, step := range sc.Flow {
		ok, err := x.step(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Action, err)
		}
		if !ok {
			break
		}
	}

	if res.Pass {
		actx := &AssertionContext{Ctx: ctx, Env: r.env, Vars: x.vars}
		for _, msg := range EvaluateAssertions(res, sc.Assertions, actx) {
			res.AddError(msg)
		}
	}
	for _, name := range x.captured {
		res.Vars[name] = format(x.vars[name])
	}

	x.logger.Info("scenario finished",
		"fixture", f.Name,
		"pass", res.Pass,
		"steps", len(res.Invocations()),
		"errors", len(res.Errors))
	return res, nil
}

// RunAll runs scenarios in order and stops at the first environment error.
func (r *Runner) RunAll(ctx context.Context, scenarios []*Scenario) ([]*Result, error) {
	results := make([]*Result, 0, len(scenarios))
	for _, sc := range scenarios {
		res, err := r.Run(ctx, sc)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// requirementsMet checks the scenario's toggle requirements.
func requirementsMet(env *deploy.Environment, requires []string) (string, bool) {
	for _, req := range requires {
		name, want := strings.TrimPrefix(req, "!"), !strings.HasPrefix(req, "!")
		got, _ := env.Fixture.Toggle(name)
		if got != want {
			return fmt.Sprintf("fixture %s has %s=%t", env.Fixture.Name, name, got), false
		}
	}
	return "", true
}

// step runs one flow step. It reports false when the step failed and the
// flow must stop.
func (x *run) step(ctx context.Context, i int, step Step) (bool, error) {
	def := actions[step.Action]
	st := &stepState{
		step:   step,
		index:  i,
		target: step.Target,
		args:   make(map[string]string),
		scope:  x.scope(ctx, nil, nil),
	}
	fail := func(format string, args ...any) (bool, error) {
		x.result.AddError(fmt.Sprintf("step %d (%s): %s", i, step.Action, fmt.Sprintf(format, args...)))
		return false, nil
	}

	invSeq := x.clock.Next()
	var out outcome
	var runErr error
	if step.From != "" {
		st.from, runErr = x.env.Resolve(step.From)
		if runErr != nil {
			runErr = &stepError{err: fmt.Errorf("from: %w", runErr)}
		}
	}
	if runErr == nil {
		out, runErr = def.fn(ctx, x, st)
	}

	x.result.Trace = append(x.result.Trace, TraceEvent{
		Type:   EventInvocation,
		Seq:    invSeq,
		Step:   i,
		Action: step.Action,
		Target: st.target,
		From:   step.From,
		Args:   st.args,
	})

	var se *stepError
	if errors.As(runErr, &se) {
		if err := x.completion(ctx, i, step, CaseRevert, se.Error(), out); err != nil {
			return false, err
		}
		return fail("%v", se.err)
	}
	gotCase, reason := CaseSuccess, ""
	if runErr != nil {
		if !protocol.IsRevert(runErr) {
			return false, runErr
		}
		gotCase, reason = CaseRevert, protocol.RevertReason(runErr)
	}
	if err := x.completion(ctx, i, step, gotCase, reason, out); err != nil {
		return false, err
	}

	wantCase := CaseSuccess
	if step.Expect != nil {
		wantCase = step.Expect.Case
	}
	switch {
	case gotCase != wantCase && gotCase == CaseRevert:
		return fail("reverted: %v", runErr)
	case gotCase != wantCase:
		return fail("expected a revert, the call succeeded")
	case wantCase == CaseRevert && step.Expect.Reason != "" && reason != step.Expect.Reason:
		return fail("expected revert reason %q, got %q", step.Expect.Reason, reason)
	}

	sc := x.scope(ctx, out.receipt, out.result)
	if step.Expect != nil && step.Expect.Result != nil {
		if msg := checkResult(sc, step.Expect.Result, out.result); msg != "" {
			return fail("%s", msg)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(step.Capture)) {
		v, err := sc.eval(step.Capture[name])
		if err != nil {
			return fail("capture %s: %v", name, err)
		}
		if _, seen := x.vars[name]; !seen {
			x.captured = append(x.captured, name)
		}
		x.vars[name] = v
	}
	x.recordHarvest(i, sc, out.receipt)

	violations, err := x.inv.check(ctx, out.receipt)
	if err != nil {
		return false, fmt.Errorf("check invariants: %w", err)
	}
	for _, v := range violations {
		x.result.AddError(fmt.Sprintf("after step %d (%s): invariant %s", i, step.Action, v))
	}
	x.logger.Debug("step completed", "step", i, "action", step.Action, "case", gotCase, "reason", reason)
	return len(violations) == 0, nil
}

// completion appends the completion event of a step.
func (x *run) completion(ctx context.Context, i int, step Step, outputCase, reason string, out outcome) error {
	ev := TraceEvent{
		Type:   EventCompletion,
		Seq:    x.clock.Next(),
		Step:   i,
		Action: step.Action,
		Case:   outputCase,
		Reason: reason,
		Result: format(out.result),
	}
	if out.receipt != nil {
		ev.Block = out.receipt.Block
		sc := x.scope(ctx, nil, nil)
		for _, e := range out.receipt.Events {
			ev.Events = append(ev.Events, eventRecord(sc, e))
		}
	} else {
		n, err := x.env.Chain.BlockNumber(ctx)
		if err != nil {
			return err
		}
		ev.Block = n
	}
	x.result.Trace = append(x.result.Trace, ev)
	return nil
}

func eventRecord(sc *scope, e protocol.Event) EventRecord {
	rec := EventRecord{Name: e.Name, Emitter: sc.nameOf(e.Emitter)}
	if len(e.Fields) > 0 {
		rec.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			if addr, ok := v.(common.Address); ok {
				rec.Fields[k] = sc.nameOf(addr)
				continue
			}
			rec.Fields[k] = format(v)
		}
	}
	return rec
}

func (x *run) recordHarvest(i int, sc *scope, r *protocol.Receipt) {
	ev, ok := r.Find(protocol.EventHarvested)
	if !ok {
		return
	}
	report, err := protocol.HarvestReportFrom(r)
	if err != nil {
		x.logger.Warn("undecodable harvest report", "step", i, "error", err)
		return
	}
	x.result.Harvests = append(x.result.Harvests, HarvestRecord{
		Step:            i,
		Strategy:        sc.nameOf(ev.Emitter),
		Block:           r.Block,
		Profit:          report.Profit.Dec(),
		Loss:            report.Loss.Dec(),
		DebtPayment:     report.DebtPayment.Dec(),
		DebtOutstanding: report.DebtOutstanding.Dec(),
	})
}

// checkResult compares a view result with the expected YAML value.
func checkResult(sc *scope, expected, actual any) string {
	src, err := argString(expected)
	if err != nil {
		return fmt.Sprintf("expect.result: %v", err)
	}
	var want any = src
	switch actual.(type) {
	case nil:
		return "expect.result: the action returns nothing"
	case bool:
		b, err := strconv.ParseBool(src)
		if err != nil {
			return fmt.Sprintf("expect.result: want true or false, got %q", src)
		}
		want = b
	case string:
	default:
		if want, err = sc.eval(src); err != nil {
			return fmt.Sprintf("expect.result: %v", err)
		}
	}
	if !equal(want, actual) {
		return fmt.Sprintf("expected result %s, got %s", format(want), format(actual))
	}
	return ""
}

func sortedNames[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
