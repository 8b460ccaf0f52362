package token

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/protocol"
)

// Token is a simulated ERC-20 registered on a chain.
//
// The exported context-taking methods are external calls: each one runs as
// its own transaction. The tx-taking methods are internal calls made by other
// contracts inside an already running transaction.
type Token struct {
	chain    *chain.Chain
	addr     common.Address
	symbol   string
	decimals uint8
	ledger   Ledger
}

var _ protocol.Token = (*Token)(nil)

// New deploys a token at chain.AddressFor("token:"+symbol).
func New(c *chain.Chain, symbol string, decimals uint8) (*Token, error) {
	return NewAt(c, chain.AddressFor("token:"+symbol), symbol, decimals)
}

// NewAt deploys a token at a fixed address.
func NewAt(c *chain.Chain, addr common.Address, symbol string, decimals uint8) (*Token, error) {
	t := &Token{chain: c, addr: addr, symbol: symbol, decimals: decimals, ledger: NewLedger()}
	if err := c.Register(addr, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Token) Checkpoint() any { return t.ledger.Clone() }

func (t *Token) Rollback(state any) {
	l := state.(Ledger)
	t.ledger = l.Clone()
}

func (t *Token) Address() common.Address { return t.addr }

func (t *Token) Symbol(ctx context.Context) (string, error) { return t.symbol, ctx.Err() }

func (t *Token) Decimals(ctx context.Context) (uint8, error) { return t.decimals, ctx.Err() }

func (t *Token) BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return t.ledger.BalanceOf(account), ctx.Err()
}

// TotalSupply returns the circulating supply.
func (t *Token) TotalSupply(ctx context.Context) (*uint256.Int, error) {
	return t.ledger.TotalSupply(), ctx.Err()
}

// Allowance returns owner's allowance for spender.
func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	return t.ledger.Allowance(owner, spender), ctx.Err()
}

func (t *Token) Approve(ctx context.Context, from, spender common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return t.chain.Execute(ctx, from, func(tx *chain.Tx) error {
		t.ledger.Approve(tx, t.addr, from, spender, amount)
		return nil
	})
}

func (t *Token) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return t.chain.Execute(ctx, from, func(tx *chain.Tx) error {
		return t.ledger.Transfer(tx, t.addr, from, to, amount)
	})
}

// TransferFrom moves owner's tokens on behalf of from.
func (t *Token) TransferFrom(ctx context.Context, from, owner, to common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return t.chain.Execute(ctx, from, func(tx *chain.Tx) error {
		return t.ledger.TransferFrom(tx, t.addr, from, owner, to, amount)
	})
}

// Mint credits amount to an account. Used to fund whales.
func (t *Token) Mint(ctx context.Context, to common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return t.chain.Execute(ctx, t.addr, func(tx *chain.Tx) error {
		t.ledger.Mint(tx, t.addr, to, amount)
		return nil
	})
}

// Balance is BalanceOf for contracts inside a transaction.
func (t *Token) Balance(account common.Address) *uint256.Int {
	return t.ledger.BalanceOf(account)
}

// Move is an internal transfer.
func (t *Token) Move(tx *chain.Tx, from, to common.Address, amount *uint256.Int) error {
	return t.ledger.Transfer(tx, t.addr, from, to, amount)
}

// Pull is an internal transferFrom by spender.
func (t *Token) Pull(tx *chain.Tx, spender, from, to common.Address, amount *uint256.Int) error {
	return t.ledger.TransferFrom(tx, t.addr, spender, from, to, amount)
}

// MintTo is an internal mint.
func (t *Token) MintTo(tx *chain.Tx, to common.Address, amount *uint256.Int) {
	t.ledger.Mint(tx, t.addr, to, amount)
}

// BurnFrom is an internal burn.
func (t *Token) BurnFrom(tx *chain.Tx, from common.Address, amount *uint256.Int) error {
	return t.ledger.Burn(tx, t.addr, from, amount)
}
