package protocol

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Chain controls simulated time and state isolation.
type Chain interface {
	// Sleep advances the timestamp of the next block by seconds.
	Sleep(ctx context.Context, seconds uint64) error
	// Mine produces the given number of empty blocks.
	Mine(ctx context.Context, blocks uint64) error
	// Snapshot captures the full chain state and returns an id for Revert.
	Snapshot(ctx context.Context) (string, error)
	// Revert restores a snapshot. The snapshot and all later ones are discarded.
	Revert(ctx context.Context, id string) error
	// Now returns the timestamp views are evaluated at.
	Now(ctx context.Context) (uint64, error)
	// BlockNumber returns the latest block number.
	BlockNumber(ctx context.Context) (uint64, error)
}

// Token is an ERC-20 token.
type Token interface {
	Address() common.Address
	Symbol(ctx context.Context) (string, error)
	Decimals(ctx context.Context) (uint8, error)
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	Approve(ctx context.Context, from, spender common.Address, amount *uint256.Int) (*Receipt, error)
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (*Receipt, error)
}

// Vault pools depositor funds and allocates them to strategies by debt ratio.
type Vault interface {
	Address() common.Address
	Token(ctx context.Context) (common.Address, error)

	Deposit(ctx context.Context, from common.Address, amount *uint256.Int) (*Receipt, error)
	Withdraw(ctx context.Context, from common.Address, req WithdrawRequest) (*Receipt, error)

	AddStrategy(ctx context.Context, from, strategy common.Address, params AddStrategyParams) (*Receipt, error)
	UpdateStrategyDebtRatio(ctx context.Context, from, strategy common.Address, debtRatio *uint256.Int) (*Receipt, error)
	MigrateStrategy(ctx context.Context, from, oldStrategy, newStrategy common.Address) (*Receipt, error)
	RevokeStrategy(ctx context.Context, from, strategy common.Address) (*Receipt, error)
	RemoveStrategyFromQueue(ctx context.Context, from, strategy common.Address) (*Receipt, error)

	SetManagementFee(ctx context.Context, from common.Address, fee *uint256.Int) (*Receipt, error)
	SetPerformanceFee(ctx context.Context, from common.Address, fee *uint256.Int) (*Receipt, error)
	SetDepositLimit(ctx context.Context, from common.Address, limit *uint256.Int) (*Receipt, error)
	SetManagement(ctx context.Context, from, management common.Address) (*Receipt, error)
	SetEmergencyShutdown(ctx context.Context, from common.Address, active bool) (*Receipt, error)

	TotalAssets(ctx context.Context) (*uint256.Int, error)
	PricePerShare(ctx context.Context) (*uint256.Int, error)
	TotalSupply(ctx context.Context) (*uint256.Int, error)
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	Strategies(ctx context.Context, strategy common.Address) (StrategyParams, error)
	WithdrawalQueue(ctx context.Context) ([]common.Address, error)
	DebtRatio(ctx context.Context) (*uint256.Int, error)
	TotalDebt(ctx context.Context) (*uint256.Int, error)
	DepositLimit(ctx context.Context) (*uint256.Int, error)
}

// Strategy deploys allocated capital into a yield source and reports back to
// its vault on harvest.
type Strategy interface {
	Address() common.Address
	Name(ctx context.Context) (string, error)
	Vault(ctx context.Context) (common.Address, error)
	Want(ctx context.Context) (common.Address, error)

	Harvest(ctx context.Context, from common.Address) (*Receipt, error)
	Tend(ctx context.Context, from common.Address) (*Receipt, error)
	SetEmergencyExit(ctx context.Context, from common.Address) (*Receipt, error)
	SetDoHealthCheck(ctx context.Context, from common.Address, enabled bool) (*Receipt, error)
	SetClaimRewards(ctx context.Context, from common.Address, claim bool) (*Receipt, error)
	WithdrawToConvexDepositTokens(ctx context.Context, from common.Address) (*Receipt, error)
	Sweep(ctx context.Context, from, token common.Address) (*Receipt, error)
	SetKeeper(ctx context.Context, from, keeper common.Address) (*Receipt, error)
	Migrate(ctx context.Context, from, newStrategy common.Address) (*Receipt, error)
	Withdraw(ctx context.Context, from common.Address, amount *uint256.Int) (*Receipt, error)

	EstimatedTotalAssets(ctx context.Context) (*uint256.Int, error)
	StakedBalance(ctx context.Context) (*uint256.Int, error)
	EthToWant(ctx context.Context, amount *uint256.Int) (*uint256.Int, error)
	APIVersion(ctx context.Context) (string, error)
	IsActive(ctx context.Context) (bool, error)
	HarvestTrigger(ctx context.Context, callCost *uint256.Int) (bool, error)
	TendTrigger(ctx context.Context, callCost *uint256.Int) (bool, error)
	EmergencyExit(ctx context.Context) (bool, error)
	DoHealthCheck(ctx context.Context) (bool, error)
}
