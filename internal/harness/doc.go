// Package harness runs scripted scenarios against a strategy environment
// and checks their outcome.
//
// # Scenario Format
//
// Scenarios are YAML documents:
//
//	name: emergency_exit
//	description: "Exit in an emergency and get the deposit back"
//	requires: [is_convex, "!is_slippery"]
//	invariants: [pps_non_decreasing, debt_ratio_bounded]
//	flow:
//	  - action: vault.deposit
//	    from: whale
//	    args: { amount: $amount }
//	  - action: strategy.harvest
//	    from: gov
//	    capture: { profit: event.Harvested.profit }
//	  - action: strategy.migrate
//	    from: gov
//	    args: { new: strategist_ms }
//	    expect: { case: revert, reason: "!vault" }
//	assertions:
//	  - type: compare
//	    left: token.balanceOf(whale)
//	    op: ge
//	    right: $starting_whale
//	    tolerance: "5"
//
// Transactions need a from account; views must not have one. Arguments and
// comparison operands are expressions over amounts ("35_000e18"), captured
// and fixture variables ($amount, $sleep_time, $rewards_amount, $day),
// events of the current step and the chain, vault, token and strategy
// views. Amounts are 256-bit and never wrap.
//
// # Assertion Types
//
//   - compare: evaluates left op right, op one of eq, ne, ge, gt, le, lt
//     and close, widened by tolerance
//   - trace_contains: an invocation of action with matching args exists
//   - trace_order: the actions appear in the given order
//   - trace_count: the action was invoked exactly count times
//
// # Isolation
//
// Every run takes a chain snapshot first and reverts to it afterwards, so
// scenarios sharing an environment do not see each other's state. The
// trace is sequenced by testutil.DeterministicClock, which makes traces of
// the simulated backend byte-identical across runs and suitable for golden
// comparison.
//
// # Usage
//
//	env, err := deploy.New(ctx, f, logger)
//	if err != nil {
//	    return err
//	}
//	defer env.Close()
//
//	scenarios, err := harness.Builtins()
//	if err != nil {
//	    return err
//	}
//	results, err := harness.NewRunner(env, harness.WithLogger(logger)).RunAll(ctx, scenarios)
package harness
