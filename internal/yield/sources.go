package yield

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/protocol"
	"github.com/roach88/strategyharness/internal/token"
)

// Gauge is a Curve liquidity gauge: LP tokens staked directly, paying CRV
// and optionally one extra reward token.
type Gauge struct {
	*StakingPool
}

// NewGauge registers a gauge for lp.
func NewGauge(c *chain.Chain, lp *token.Token, rewards []Reward) (*Gauge, error) {
	p, err := NewStakingPool(c, chain.AddressFor("gauge:"+lp.Address().Hex()), lp, rewards)
	if err != nil {
		return nil, err
	}
	return &Gauge{StakingPool: p}, nil
}

// Deposit stakes amount of account's LP.
func (g *Gauge) Deposit(tx *chain.Tx, account common.Address, amount *uint256.Int) error {
	return g.Stake(tx, account, amount)
}

// Withdraw returns staked LP to account.
func (g *Gauge) Withdraw(tx *chain.Tx, account common.Address, amount *uint256.Int) error {
	return g.Unstake(tx, account, account, amount)
}

// ClaimRewards pays out all rewards to account.
func (g *Gauge) ClaimRewards(tx *chain.Tx, account common.Address) map[common.Address]*uint256.Int {
	return g.Claim(tx, account, account)
}

// Booster is the Convex booster for one pool id. Depositing LP mints Convex
// deposit tokens one to one, optionally staked in the pool's reward contract.
type Booster struct {
	addr    common.Address
	pid     uint64
	lp      *token.Token
	deposit *token.Token
	rewards *ConvexRewards
}

// ConvexRewards is the BaseRewardPool staking Convex deposit tokens.
type ConvexRewards struct {
	*StakingPool
	booster *Booster
}

// NewBooster registers a booster and its reward pool. deposit must be the
// Convex deposit token for lp; the booster mints and burns it.
func NewBooster(c *chain.Chain, pid uint64, lp, deposit *token.Token, rewards []Reward) (*Booster, error) {
	b := &Booster{
		addr:    chain.AddressFor(fmt.Sprintf("convex:booster:%d", pid)),
		pid:     pid,
		lp:      lp,
		deposit: deposit,
	}
	if err := c.Register(b.addr, b); err != nil {
		return nil, err
	}
	pool, err := NewStakingPool(c, chain.AddressFor("convex:rewards:"+deposit.Address().Hex()), deposit, rewards)
	if err != nil {
		return nil, err
	}
	b.rewards = &ConvexRewards{StakingPool: pool, booster: b}
	return b, nil
}

// Address returns the booster address.
func (b *Booster) Address() common.Address { return b.addr }

// PID returns the Convex pool id.
func (b *Booster) PID() uint64 { return b.pid }

// Rewards returns the reward pool.
func (b *Booster) Rewards() *ConvexRewards { return b.rewards }

// DepositToken returns the Convex deposit token.
func (b *Booster) DepositToken() *token.Token { return b.deposit }

// Deposit wraps account's LP and, when stake is set, stakes the deposit
// tokens in the reward pool on account's behalf.
func (b *Booster) Deposit(tx *chain.Tx, account common.Address, amount *uint256.Int, stake bool) error {
	if amount.IsZero() {
		return nil
	}
	if err := b.lp.Move(tx, account, b.addr, amount); err != nil {
		return err
	}
	b.deposit.MintTo(tx, account, amount)
	if !stake {
		return nil
	}
	return b.rewards.StakeFor(tx, account, account, amount)
}

// GetReward pays out CRV, CVX and extras to account.
func (r *ConvexRewards) GetReward(tx *chain.Tx, account common.Address) map[common.Address]*uint256.Int {
	return r.Claim(tx, account, account)
}

// Withdraw unstakes deposit tokens back to account without unwrapping.
func (r *ConvexRewards) Withdraw(tx *chain.Tx, account common.Address, amount *uint256.Int, claim bool) error {
	if claim {
		r.GetReward(tx, account)
	}
	return r.Unstake(tx, account, account, amount)
}

// WithdrawAndUnwrap unstakes and burns deposit tokens, returning LP to account.
func (r *ConvexRewards) WithdrawAndUnwrap(tx *chain.Tx, account common.Address, amount *uint256.Int, claim bool) error {
	if claim {
		r.GetReward(tx, account)
	}
	if amount.IsZero() {
		return nil
	}
	b := r.booster
	if err := r.Unstake(tx, account, b.addr, amount); err != nil {
		return err
	}
	if err := b.deposit.BurnFrom(tx, b.addr, amount); err != nil {
		return err
	}
	return b.lp.Move(tx, b.addr, account, amount)
}

// Slash destroys staked deposit tokens and the LP backing them.
func (r *ConvexRewards) Slash(tx *chain.Tx, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	taken, err := r.StakingPool.Slash(tx, account, amount)
	if err != nil {
		return nil, err
	}
	if err := r.booster.lp.BurnFrom(tx, r.booster.addr, taken); err != nil {
		return nil, err
	}
	return taken, nil
}

// Router sells reward tokens for want at fixed prices. Sold tokens stay with
// the router; want is minted, as adding liquidity to the pool would.
type Router struct {
	addr        common.Address
	want        *token.Token
	prices      map[common.Address]*uint256.Int
	slippageBps uint64
}

// NewRouter creates a router paying out want. slippageBps is shaved off
// every swap.
func NewRouter(c *chain.Chain, want *token.Token, slippageBps uint64) (*Router, error) {
	r := &Router{
		addr:        chain.AddressFor("router:" + want.Address().Hex()),
		want:        want,
		prices:      make(map[common.Address]*uint256.Int),
		slippageBps: slippageBps,
	}
	if err := c.Register(r.addr, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Address returns the router address.
func (r *Router) Address() common.Address { return r.addr }

// SetPrice sets how much want 1e18 units of tok buy.
func (r *Router) SetPrice(tok common.Address, wantPerUnit *uint256.Int) {
	r.prices[tok] = new(uint256.Int).Set(wantPerUnit)
}

// Quote returns the want paid for amount of tok.
func (r *Router) Quote(tok common.Address, amount *uint256.Int) *uint256.Int {
	price, ok := r.prices[tok]
	if !ok || amount.IsZero() {
		return protocol.Zero()
	}
	out := protocol.MulDiv(amount, price, unit)
	if r.slippageBps > 0 {
		out = protocol.MulDiv(out, uint256.NewInt(protocol.MaxBPS-r.slippageBps), uint256.NewInt(protocol.MaxBPS))
	}
	return out
}

// Swap sells amount of in held by account and credits the want to account.
// Selling zero is a no-op.
func (r *Router) Swap(tx *chain.Tx, account common.Address, in *token.Token, amount *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return protocol.Zero(), nil
	}
	if _, ok := r.prices[in.Address()]; !ok {
		return nil, protocol.Revert("no route for %s", in.Address().Hex())
	}
	out := r.Quote(in.Address(), amount)
	if err := in.Move(tx, account, r.addr, amount); err != nil {
		return nil, err
	}
	if !out.IsZero() {
		r.want.MintTo(tx, account, out)
	}
	return out, nil
}

// Oracle converts native-token amounts into want.
type Oracle struct {
	wantPerEth *uint256.Int
}

// NewOracle returns an oracle quoting wantPerEth want for 1e18 wei.
func NewOracle(wantPerEth *uint256.Int) *Oracle {
	return &Oracle{wantPerEth: new(uint256.Int).Set(wantPerEth)}
}

// EthToWant converts amount wei into want.
func (o *Oracle) EthToWant(amount *uint256.Int) *uint256.Int {
	if amount.IsZero() {
		return protocol.Zero()
	}
	return protocol.MulDiv(amount, o.wantPerEth, unit)
}
