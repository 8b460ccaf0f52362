package strategy

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/yield"
)

// Flavour selects where a strategy stakes its LP.
type Flavour string

const (
	// Curve stakes LP directly in the pool's gauge.
	Curve Flavour = "curve"
	// Convex deposits LP through the Convex booster and stakes the deposit
	// tokens in the pool's reward contract.
	Convex Flavour = "convex"
)

// position is the yield source behind a strategy.
type position interface {
	staked(owner common.Address) *uint256.Int
	stake(tx *chain.Tx, owner common.Address, amount *uint256.Int) error
	// unstake returns LP to owner; claim also pays out pending rewards.
	unstake(tx *chain.Tx, owner common.Address, amount *uint256.Int, claim bool) error
	claim(tx *chain.Tx, owner common.Address)
	slash(tx *chain.Tx, owner common.Address, amount *uint256.Int) (*uint256.Int, error)
}

type gaugePosition struct {
	gauge *yield.Gauge
}

func (p gaugePosition) staked(owner common.Address) *uint256.Int { return p.gauge.BalanceOf(owner) }

func (p gaugePosition) stake(tx *chain.Tx, owner common.Address, amount *uint256.Int) error {
	return p.gauge.Deposit(tx, owner, amount)
}

func (p gaugePosition) unstake(tx *chain.Tx, owner common.Address, amount *uint256.Int, claim bool) error {
	if claim {
		p.gauge.ClaimRewards(tx, owner)
	}
	return p.gauge.Withdraw(tx, owner, amount)
}

func (p gaugePosition) claim(tx *chain.Tx, owner common.Address) { p.gauge.ClaimRewards(tx, owner) }

func (p gaugePosition) slash(tx *chain.Tx, owner common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return p.gauge.Slash(tx, owner, amount)
}

type convexPosition struct {
	booster *yield.Booster
}

func (p convexPosition) staked(owner common.Address) *uint256.Int {
	return p.booster.Rewards().BalanceOf(owner)
}

func (p convexPosition) stake(tx *chain.Tx, owner common.Address, amount *uint256.Int) error {
	return p.booster.Deposit(tx, owner, amount, true)
}

func (p convexPosition) unstake(tx *chain.Tx, owner common.Address, amount *uint256.Int, claim bool) error {
	return p.booster.Rewards().WithdrawAndUnwrap(tx, owner, amount, claim)
}

func (p convexPosition) claim(tx *chain.Tx, owner common.Address) { p.booster.Rewards().GetReward(tx, owner) }

func (p convexPosition) slash(tx *chain.Tx, owner common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return p.booster.Rewards().Slash(tx, owner, amount)
}
