// Package token implements simulated ERC-20 tokens.
package token

import (
	"maps"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/protocol"
)

// Ledger is the balance sheet of an ERC-20: balances, allowances and supply.
// The vault embeds one for its shares.
//
// Values are stored by value so cloning the maps is a deep copy.
type Ledger struct {
	balances   map[common.Address]uint256.Int
	allowances map[common.Address]map[common.Address]uint256.Int
	supply     uint256.Int
}

// NewLedger returns an empty ledger.
func NewLedger() Ledger {
	return Ledger{
		balances:   make(map[common.Address]uint256.Int),
		allowances: make(map[common.Address]map[common.Address]uint256.Int),
	}
}

// Clone returns an independent copy.
func (l *Ledger) Clone() Ledger {
	c := Ledger{
		balances:   maps.Clone(l.balances),
		allowances: make(map[common.Address]map[common.Address]uint256.Int, len(l.allowances)),
		supply:     l.supply,
	}
	for owner, m := range l.allowances {
		c.allowances[owner] = maps.Clone(m)
	}
	return c
}

// BalanceOf returns a copy of the account balance.
func (l *Ledger) BalanceOf(account common.Address) *uint256.Int {
	b := l.balances[account]
	return new(uint256.Int).Set(&b)
}

// Allowance returns a copy of the owner's allowance for spender.
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	a := l.allowances[owner][spender]
	return new(uint256.Int).Set(&a)
}

// TotalSupply returns a copy of the supply.
func (l *Ledger) TotalSupply() *uint256.Int {
	return new(uint256.Int).Set(&l.supply)
}

// Approve sets an allowance and emits Approval.
func (l *Ledger) Approve(tx *chain.Tx, emitter, owner, spender common.Address, amount *uint256.Int) {
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[common.Address]uint256.Int)
		l.allowances[owner] = m
	}
	m[spender] = *amount
	tx.Emit(emitter, protocol.EventApproval, map[string]any{
		"owner":   owner,
		"spender": spender,
		"value":   new(uint256.Int).Set(amount),
	})
}

// Transfer moves amount from one account to another and emits Transfer.
func (l *Ledger) Transfer(tx *chain.Tx, emitter, from, to common.Address, amount *uint256.Int) error {
	bal := l.balances[from]
	if bal.Lt(amount) {
		return protocol.Revert(protocol.ReasonBalance)
	}
	bal.Sub(&bal, amount)
	l.balances[from] = bal
	dst := l.balances[to]
	dst.Add(&dst, amount)
	l.balances[to] = dst
	l.emitTransfer(tx, emitter, from, to, amount)
	return nil
}

// TransferFrom spends spender's allowance over from. An infinite allowance
// is never decremented.
func (l *Ledger) TransferFrom(tx *chain.Tx, emitter, spender, from, to common.Address, amount *uint256.Int) error {
	if spender != from {
		allowed := l.allowances[from][spender]
		if allowed.Lt(amount) {
			return protocol.Revert(protocol.ReasonAllowance)
		}
		if !protocol.IsMax(&allowed) {
			allowed.Sub(&allowed, amount)
			l.allowances[from][spender] = allowed
		}
	}
	return l.Transfer(tx, emitter, from, to, amount)
}

// Mint creates amount for to.
func (l *Ledger) Mint(tx *chain.Tx, emitter, to common.Address, amount *uint256.Int) {
	dst := l.balances[to]
	dst.Add(&dst, amount)
	l.balances[to] = dst
	l.supply.Add(&l.supply, amount)
	l.emitTransfer(tx, emitter, common.Address{}, to, amount)
}

// Burn destroys amount held by from.
func (l *Ledger) Burn(tx *chain.Tx, emitter, from common.Address, amount *uint256.Int) error {
	bal := l.balances[from]
	if bal.Lt(amount) {
		return protocol.Revert(protocol.ReasonBalance)
	}
	bal.Sub(&bal, amount)
	l.balances[from] = bal
	l.supply.Sub(&l.supply, amount)
	l.emitTransfer(tx, emitter, from, common.Address{}, amount)
	return nil
}

func (l *Ledger) emitTransfer(tx *chain.Tx, emitter, from, to common.Address, amount *uint256.Int) {
	tx.Emit(emitter, protocol.EventTransfer, map[string]any{
		"from":  from,
		"to":    to,
		"value": new(uint256.Int).Set(amount),
	})
}
