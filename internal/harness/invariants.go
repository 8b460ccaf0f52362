package harness

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/deploy"
	"github.com/roach88/strategyharness/internal/protocol"
)

// Invariant names.
const (
	InvariantPPSNonDecreasing    = "pps_non_decreasing"
	InvariantDebtRatioBounded    = "debt_ratio_bounded"
	InvariantEmergencyExitSticky = "emergency_exit_sticky"
)

// Invariants lists every invariant a scenario can enable.
var Invariants = []string{
	InvariantPPSNonDecreasing,
	InvariantDebtRatioBounded,
	InvariantEmergencyExitSticky,
}

// ppsDust is the share price drift allowed for integer rounding.
const ppsDust = 1

// invariantChecker watches vault and strategy state between steps.
type invariantChecker struct {
	env     *deploy.Environment
	enabled map[string]bool

	// baseline is the highest price per share since the last reset; nil
	// while the vault has no shares.
	baseline *uint256.Int
	exited   map[string]bool
}

func newInvariantChecker(ctx context.Context, env *deploy.Environment, names []string) (*invariantChecker, error) {
	c := &invariantChecker{env: env, enabled: make(map[string]bool), exited: make(map[string]bool)}
	for _, n := range names {
		c.enabled[n] = true
	}
	if c.enabled[InvariantPPSNonDecreasing] {
		if err := c.resetBaseline(ctx); err != nil {
			return nil, err
		}
	}
	if c.enabled[InvariantEmergencyExitSticky] {
		if _, err := c.checkEmergencyExit(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *invariantChecker) resetBaseline(ctx context.Context) error {
	supply, err := c.env.Vault.TotalSupply(ctx)
	if err != nil {
		return err
	}
	if supply.IsZero() {
		c.baseline = nil
		return nil
	}
	c.baseline, err = c.env.Vault.PricePerShare(ctx)
	return err
}

// check returns the violations after a step. r is the step's receipt, nil
// for non-transactions.
func (c *invariantChecker) check(ctx context.Context, r *protocol.Receipt) ([]string, error) {
	var violations []string
	if c.enabled[InvariantPPSNonDecreasing] {
		v, err := c.checkPPS(ctx, r)
		if err != nil {
			return nil, err
		}
		violations = append(violations, v...)
	}
	if c.enabled[InvariantDebtRatioBounded] {
		v, err := c.checkDebtRatio(ctx)
		if err != nil {
			return nil, err
		}
		violations = append(violations, v...)
	}
	if c.enabled[InvariantEmergencyExitSticky] {
		v, err := c.checkEmergencyExit(ctx)
		if err != nil {
			return nil, err
		}
		violations = append(violations, v...)
	}
	return violations, nil
}

// checkPPS allows a drop only on a step that reported a loss.
func (c *invariantChecker) checkPPS(ctx context.Context, r *protocol.Receipt) ([]string, error) {
	if c.baseline == nil || reportsLoss(r) {
		return nil, c.resetBaseline(ctx)
	}
	supply, err := c.env.Vault.TotalSupply(ctx)
	if err != nil {
		return nil, err
	}
	if supply.IsZero() {
		c.baseline = nil
		return nil, nil
	}
	pps, err := c.env.Vault.PricePerShare(ctx)
	if err != nil {
		return nil, err
	}
	floor := protocol.SubFloor(c.baseline, uint256.NewInt(ppsDust))
	if pps.Lt(floor) {
		return []string{fmt.Sprintf("%s: price per share fell from %s to %s without a reported loss",
			InvariantPPSNonDecreasing, c.baseline.Dec(), pps.Dec())}, nil
	}
	if pps.Gt(c.baseline) {
		c.baseline = pps
	}
	return nil, nil
}

func reportsLoss(r *protocol.Receipt) bool {
	if r == nil {
		return false
	}
	for _, ev := range r.Events {
		if !ev.Amount("loss").IsZero() {
			return true
		}
	}
	return false
}

func (c *invariantChecker) checkDebtRatio(ctx context.Context) ([]string, error) {
	limit := uint256.NewInt(protocol.MaxBPS)
	total, err := c.env.Vault.DebtRatio(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	if total.Gt(limit) {
		out = append(out, fmt.Sprintf("%s: vault debt ratio %s exceeds %d", InvariantDebtRatioBounded, total.Dec(), protocol.MaxBPS))
	}
	for _, alias := range sortedNames(c.env.Strategies) {
		params, err := c.env.Vault.Strategies(ctx, c.env.Strategies[alias].Address())
		if err != nil {
			return nil, err
		}
		if params.DebtRatio.Gt(limit) {
			out = append(out, fmt.Sprintf("%s: %s debt ratio %s exceeds %d", InvariantDebtRatioBounded, alias, params.DebtRatio.Dec(), protocol.MaxBPS))
		}
	}
	return out, nil
}

func (c *invariantChecker) checkEmergencyExit(ctx context.Context) ([]string, error) {
	var out []string
	for _, alias := range sortedNames(c.env.Strategies) {
		on, err := c.env.Strategies[alias].EmergencyExit(ctx)
		if err != nil {
			return nil, err
		}
		if c.exited[alias] && !on {
			out = append(out, fmt.Sprintf("%s: %s left emergency exit", InvariantEmergencyExitSticky, alias))
		}
		if on {
			c.exited[alias] = true
		}
	}
	return out, nil
}
