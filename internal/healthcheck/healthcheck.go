// Package healthcheck implements the CommonHealthCheck profit/loss bounds a
// strategy consults at the end of every harvest.
package healthcheck

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/protocol"
)

// Default limits, in basis points of the strategy's total debt.
const (
	DefaultProfitLimitBps = 100
	DefaultLossLimitBps   = 1
)

// Limits bound a single harvest report.
type Limits struct {
	ProfitLimitBps uint64
	LossLimitBps   uint64
}

// DefaultLimits returns the CommonHealthCheck defaults.
func DefaultLimits() Limits {
	return Limits{ProfitLimitBps: DefaultProfitLimitBps, LossLimitBps: DefaultLossLimitBps}
}

// HealthCheck is the simulated CommonHealthCheck contract.
type HealthCheck struct {
	addr     common.Address
	limits   Limits
	override map[common.Address]Limits
}

// New registers a health check with the given default limits at addr.
func New(c *chain.Chain, addr common.Address, limits Limits) (*HealthCheck, error) {
	h := &HealthCheck{addr: addr, limits: limits, override: make(map[common.Address]Limits)}
	if err := c.Register(addr, h); err != nil {
		return nil, err
	}
	return h, nil
}

// Address returns the contract address.
func (h *HealthCheck) Address() common.Address { return h.addr }

// SetStrategyLimits replaces the default limits for one strategy.
func (h *HealthCheck) SetStrategyLimits(strategy common.Address, limits Limits) {
	h.override[strategy] = limits
}

// LimitsFor returns the limits applied to strategy.
func (h *HealthCheck) LimitsFor(strategy common.Address) Limits {
	if l, ok := h.override[strategy]; ok {
		return l
	}
	return h.limits
}

// Check reports whether a harvest of strategy is within bounds.
// debtPayment and debtOutstanding are accepted for interface parity and do
// not affect the default check.
func (h *HealthCheck) Check(strategy common.Address, profit, loss, debtPayment, debtOutstanding, totalDebt *uint256.Int) bool {
	return Within(h.LimitsFor(strategy), profit, loss, totalDebt)
}

// Within applies limits to a profit and loss against totalDebt.
func Within(l Limits, profit, loss, totalDebt *uint256.Int) bool {
	maxBps := uint256.NewInt(protocol.MaxBPS)
	if profit.Gt(protocol.MulDiv(totalDebt, uint256.NewInt(l.ProfitLimitBps), maxBps)) {
		return false
	}
	return !loss.Gt(protocol.MulDiv(totalDebt, uint256.NewInt(l.LossLimitBps), maxBps))
}
