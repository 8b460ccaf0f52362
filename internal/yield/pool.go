// Package yield simulates the yield source a Curve/Convex strategy deploys
// into: Curve gauges, the Convex booster and its reward pools, the swap route
// used to sell rewards, and the price oracle.
//
// Rewards accrue linearly: every second, each 1e18 units staked earn Rate
// units of every reward token. Accrual is checkpointed lazily per account
// whenever its stake changes or it claims.
package yield

import (
	"maps"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/protocol"
	"github.com/roach88/strategyharness/internal/token"
)

var unit = protocol.Ether(1)

// Reward is one reward stream of a pool.
type Reward struct {
	Token *token.Token
	// Rate is paid per second per 1e18 staked.
	Rate *uint256.Int
}

type poolState struct {
	stakes map[common.Address]uint256.Int
	last   map[common.Address]uint64
	// owed[account][rewardToken]
	owed map[common.Address]map[common.Address]uint256.Int
}

func (s poolState) clone() poolState {
	c := poolState{
		stakes: maps.Clone(s.stakes),
		last:   maps.Clone(s.last),
		owed:   make(map[common.Address]map[common.Address]uint256.Int, len(s.owed)),
	}
	for a, m := range s.owed {
		c.owed[a] = maps.Clone(m)
	}
	return c
}

// StakingPool holds staked tokens and pays reward streams.
type StakingPool struct {
	addr    common.Address
	staked  *token.Token
	rewards []Reward
	st      poolState
}

// NewStakingPool registers a pool at addr.
func NewStakingPool(c *chain.Chain, addr common.Address, staked *token.Token, rewards []Reward) (*StakingPool, error) {
	p := &StakingPool{
		addr:    addr,
		staked:  staked,
		rewards: rewards,
		st: poolState{
			stakes: make(map[common.Address]uint256.Int),
			last:   make(map[common.Address]uint64),
			owed:   make(map[common.Address]map[common.Address]uint256.Int),
		},
	}
	if err := c.Register(addr, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *StakingPool) Checkpoint() any { return p.st.clone() }

func (p *StakingPool) Rollback(state any) { p.st = state.(poolState).clone() }

// Address returns the pool address.
func (p *StakingPool) Address() common.Address { return p.addr }

// StakedToken is the token the pool accepts.
func (p *StakingPool) StakedToken() *token.Token { return p.staked }

// BalanceOf returns the stake of account.
func (p *StakingPool) BalanceOf(account common.Address) *uint256.Int {
	s := p.st.stakes[account]
	return new(uint256.Int).Set(&s)
}

// Earned returns what account could claim of reward at time now.
func (p *StakingPool) Earned(account, reward common.Address, now uint64) *uint256.Int {
	owed := p.st.owed[account][reward]
	total := new(uint256.Int).Set(&owed)
	for _, r := range p.rewards {
		if r.Token.Address() == reward {
			total.Add(total, p.accrued(account, r, now))
		}
	}
	return total
}

func (p *StakingPool) accrued(account common.Address, r Reward, now uint64) *uint256.Int {
	stake := p.st.stakes[account]
	last := p.st.last[account]
	if stake.IsZero() || now <= last || r.Rate.IsZero() {
		return protocol.Zero()
	}
	dt := uint256.NewInt(now - last)
	perUnit := new(uint256.Int).Mul(r.Rate, dt)
	return protocol.MulDiv(&stake, perUnit, unit)
}

// settle moves accrued rewards into owed and resets the account's clock.
func (p *StakingPool) settle(account common.Address, now uint64) {
	m, ok := p.st.owed[account]
	if !ok {
		m = make(map[common.Address]uint256.Int)
		p.st.owed[account] = m
	}
	for _, r := range p.rewards {
		a := p.accrued(account, r, now)
		if a.IsZero() {
			continue
		}
		cur := m[r.Token.Address()]
		cur.Add(&cur, a)
		m[r.Token.Address()] = cur
	}
	p.st.last[account] = now
}

// Stake moves amount of the staked token from account into the pool.
func (p *StakingPool) Stake(tx *chain.Tx, account common.Address, amount *uint256.Int) error {
	return p.StakeFor(tx, account, account, amount)
}

// StakeFor credits a stake to beneficiary, funded by payer.
func (p *StakingPool) StakeFor(tx *chain.Tx, payer, beneficiary common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	p.settle(beneficiary, tx.Timestamp)
	if err := p.staked.Move(tx, payer, p.addr, amount); err != nil {
		return err
	}
	s := p.st.stakes[beneficiary]
	s.Add(&s, amount)
	p.st.stakes[beneficiary] = s
	return nil
}

// Unstake returns amount of account's stake to recipient.
func (p *StakingPool) Unstake(tx *chain.Tx, account, recipient common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	p.settle(account, tx.Timestamp)
	s := p.st.stakes[account]
	if s.Lt(amount) {
		return protocol.Revert(protocol.ReasonBalance)
	}
	s.Sub(&s, amount)
	p.st.stakes[account] = s
	return p.staked.Move(tx, p.addr, recipient, amount)
}

// Claim mints every reward owed to account and sends it to recipient.
// It returns the amount paid per reward token.
func (p *StakingPool) Claim(tx *chain.Tx, account, recipient common.Address) map[common.Address]*uint256.Int {
	p.settle(account, tx.Timestamp)
	paid := make(map[common.Address]*uint256.Int, len(p.rewards))
	m := p.st.owed[account]
	for _, r := range p.rewards {
		owed := m[r.Token.Address()]
		if owed.IsZero() {
			continue
		}
		amt := new(uint256.Int).Set(&owed)
		r.Token.MintTo(tx, recipient, amt)
		paid[r.Token.Address()] = amt
		delete(m, r.Token.Address())
	}
	return paid
}

// Slash destroys up to amount of account's stake and returns what was taken.
// It stands in for an exploit of the underlying pool.
func (p *StakingPool) Slash(tx *chain.Tx, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	p.settle(account, tx.Timestamp)
	s := p.st.stakes[account]
	taken := protocol.Min(&s, amount)
	s.Sub(&s, taken)
	p.st.stakes[account] = s
	if err := p.staked.BurnFrom(tx, p.addr, taken); err != nil {
		return nil, err
	}
	return taken, nil
}
