package deploy

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/protocol"
)

// checkWhale fails with ErrWhaleTooSmall unless balance covers two deposits.
func checkWhale(balance, amount *uint256.Int) error {
	needed := new(uint256.Int).Mul(amount, uint256.NewInt(2))
	if balance.Lt(needed) {
		return fmt.Errorf("%w: have %s, need %s", ErrWhaleTooSmall, protocol.FormatAmount(balance), protocol.FormatAmount(needed))
	}
	return nil
}

// prepare makes the main strategy the vault's only funded strategy: keeper
// set, management fee zero, every other queued strategy drained and
// dequeued, then the main strategy added at 10_000 bps. A main strategy
// already known to the vault gets its debt ratio raised instead. bind
// returns a handle for a queued strategy address.
func prepare(ctx context.Context, env *Environment, bind func(common.Address) protocol.Strategy) error {
	gov := env.Accounts["gov"]
	main := env.Strategies[MainStrategy]

	if _, err := main.SetKeeper(ctx, env.Accounts["strategist"], env.Accounts["keeper"]); err != nil {
		return fmt.Errorf("set keeper: %w", err)
	}
	if _, err := env.Vault.SetManagementFee(ctx, gov, protocol.Zero()); err != nil {
		return fmt.Errorf("set management fee: %w", err)
	}

	queue, err := env.Vault.WithdrawalQueue(ctx)
	if err != nil {
		return fmt.Errorf("read withdrawal queue: %w", err)
	}
	for _, addr := range queue {
		if addr == main.Address() {
			continue
		}
		if _, err := env.Vault.UpdateStrategyDebtRatio(ctx, gov, addr, protocol.Zero()); err != nil {
			return fmt.Errorf("zero debt ratio of %s: %w", addr.Hex(), err)
		}
		if _, err := bind(addr).Harvest(ctx, gov); err != nil {
			return fmt.Errorf("harvest %s: %w", addr.Hex(), err)
		}
		if _, err := env.Vault.RemoveStrategyFromQueue(ctx, gov, addr); err != nil {
			return fmt.Errorf("remove %s from queue: %w", addr.Hex(), err)
		}
		env.logger.Info("retired queued strategy", "strategy", addr.Hex())
	}

	params, err := env.Vault.Strategies(ctx, main.Address())
	if err != nil {
		return fmt.Errorf("read strategy params: %w", err)
	}
	full := uint256.NewInt(protocol.MaxBPS)
	if params.Activation != 0 {
		if _, err := env.Vault.UpdateStrategyDebtRatio(ctx, gov, main.Address(), full); err != nil {
			return fmt.Errorf("raise debt ratio: %w", err)
		}
		return nil
	}
	_, err = env.Vault.AddStrategy(ctx, gov, main.Address(), protocol.AddStrategyParams{
		DebtRatio:         full,
		MinDebtPerHarvest: protocol.Zero(),
		MaxDebtPerHarvest: protocol.MaxUint256(),
		PerformanceFee:    protocol.Zero(),
	})
	if err != nil {
		return fmt.Errorf("add strategy: %w", err)
	}
	return nil
}
