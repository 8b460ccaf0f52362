package strategy

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/protocol"
)

// Name implements protocol.Strategy.
func (s *Strategy) Name(ctx context.Context) (string, error) { return s.name, ctx.Err() }

// Vault returns the address of the vault the strategy reports to.
func (s *Strategy) Vault(ctx context.Context) (common.Address, error) {
	return s.vault.Address(), ctx.Err()
}

// Want implements protocol.Strategy.
func (s *Strategy) Want(ctx context.Context) (common.Address, error) {
	return s.want.Address(), ctx.Err()
}

// Keeper returns the current keeper.
func (s *Strategy) Keeper() common.Address { return s.st.keeper }

// Strategist returns the strategist.
func (s *Strategy) Strategist() common.Address { return s.st.strategist }

// ClaimRewards reports whether unwinding also claims rewards.
func (s *Strategy) ClaimRewards() bool { return s.st.claimRewards }

// EstimatedTotalAssets is idle want plus staked LP, valued 1:1.
func (s *Strategy) EstimatedTotalAssets(ctx context.Context) (*uint256.Int, error) {
	return s.TotalAssets(), ctx.Err()
}

// StakedBalance is the LP held in the gauge or the Convex reward pool.
func (s *Strategy) StakedBalance(ctx context.Context) (*uint256.Int, error) {
	return s.pos.staked(s.addr), ctx.Err()
}

// EthToWant converts a wei amount with the fixture price oracle.
func (s *Strategy) EthToWant(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	return s.oracle.EthToWant(amount), ctx.Err()
}

// APIVersion implements protocol.Strategy.
func (s *Strategy) APIVersion(ctx context.Context) (string, error) { return APIVersion, ctx.Err() }

// IsActive is true while the strategy has a debt ratio or holds assets.
func (s *Strategy) IsActive(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !s.vault.Params(s.addr).DebtRatio.IsZero() || !s.TotalAssets().IsZero(), nil
}

// HarvestTrigger reports whether a keeper paying callCost wei should harvest.
func (s *Strategy) HarvestTrigger(ctx context.Context, callCost *uint256.Int) (bool, error) {
	now, err := s.chain.Now(ctx)
	if err != nil {
		return false, err
	}
	params := s.vault.Params(s.addr)
	if params.Activation == 0 {
		return false, nil
	}
	var since uint64
	if now > params.LastReport {
		since = now - params.LastReport
	}
	if since < s.st.minReportDelay {
		return false, nil
	}
	if since >= s.st.maxReportDelay {
		return true, nil
	}

	threshold := &s.st.debtThreshold
	if s.vault.DebtOutstanding(s.addr).Gt(threshold) {
		return true, nil
	}
	total := s.TotalAssets()
	if new(uint256.Int).Add(total, threshold).Lt(params.TotalDebt) {
		return true, nil
	}

	profit := protocol.SubFloor(total, params.TotalDebt)
	credit := s.vault.CreditAvailable(s.addr)
	cost := new(uint256.Int).Mul(uint256.NewInt(s.st.profitFactor), s.oracle.EthToWant(callCost))
	return cost.Lt(new(uint256.Int).Add(credit, profit)), nil
}

// TendTrigger is always false; the strategy never needs tending.
func (s *Strategy) TendTrigger(ctx context.Context, callCost *uint256.Int) (bool, error) {
	return false, ctx.Err()
}

// EmergencyExit reports whether emergency exit is set.
func (s *Strategy) EmergencyExit(ctx context.Context) (bool, error) { return s.st.emergencyExit, ctx.Err() }

// DoHealthCheck reports whether the next harvest runs the health check.
func (s *Strategy) DoHealthCheck(ctx context.Context) (bool, error) { return s.st.doHealthCheck, ctx.Err() }
