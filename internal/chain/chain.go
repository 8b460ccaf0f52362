// Package chain implements the simulated chain the in-process contracts run on.
//
// The chain owns three things: a deterministic block clock, a registry of
// contracts, and the state journal that makes transactions atomic and test
// cases isolated.
//
// # Clock
//
// Time only moves when the harness says so. Sleep accumulates pending
// seconds; every mined block (an explicit Mine or the implicit block of each
// transaction) advances the timestamp by max(1, pending) and clears pending.
// Views are evaluated at Now() = latest timestamp + pending.
//
// # Transactions
//
// Execute runs a closure as one transaction. Every registered Stateful
// contract is checkpointed first; if the closure returns an error all of them
// roll back, so a revert never leaves partial effects behind. The block is
// still mined, as it would be on a real node.
//
// # Snapshots
//
// Snapshot/Revert follow ganache semantics: reverting to an id restores the
// state at that point and discards that snapshot and every later one.
// Contracts deployed after the snapshot are unregistered on revert.
//
// A Chain is not safe for concurrent use. The harness drives it from a single
// goroutine, one call at a time.
package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/roach88/strategyharness/internal/protocol"
)

// DefaultGenesisTime is 2022-01-01T00:00:00Z.
const DefaultGenesisTime uint64 = 1_640_995_200

// Stateful is implemented by every simulated contract.
// Checkpoint returns an independent copy of the contract's mutable state;
// Rollback replaces the current state with a value Checkpoint returned.
type Stateful interface {
	Checkpoint() any
	Rollback(state any)
}

// Tx is the context of the transaction being executed.
type Tx struct {
	From      common.Address
	Block     uint64
	Timestamp uint64

	events []protocol.Event
}

// Emit appends an event to the transaction's receipt.
func (tx *Tx) Emit(emitter common.Address, name string, fields map[string]any) {
	tx.events = append(tx.events, protocol.Event{Name: name, Emitter: emitter, Fields: fields})
}

// Events returns the events emitted so far.
func (tx *Tx) Events() []protocol.Event {
	return tx.events
}

type entry struct {
	addr     common.Address
	contract any
}

type snapshot struct {
	id        uint64
	block     uint64
	timestamp uint64
	pending   uint64
	entries   int
	states    []any
}

// Chain is the simulated chain.
type Chain struct {
	block     uint64
	timestamp uint64
	pending   uint64

	entries []entry
	byAddr  map[common.Address]int

	snapshots []snapshot
	nextID    uint64
	inTx      bool

	logger *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithGenesisTime sets the timestamp of block 0.
func WithGenesisTime(ts uint64) Option {
	return func(c *Chain) { c.timestamp = ts }
}

// WithLogger sets the logger used for block and snapshot messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// New creates a chain at block 0.
func New(opts ...Option) *Chain {
	c := &Chain{
		timestamp: DefaultGenesisTime,
		byAddr:    make(map[common.Address]int),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddressFor derives a deterministic address from a label.
func AddressFor(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(label))[12:])
}

// Register adds a contract at addr. Stateful contracts join the state journal.
func (c *Chain) Register(addr common.Address, contract any) error {
	if _, ok := c.byAddr[addr]; ok {
		return fmt.Errorf("contract already registered at %s", addr.Hex())
	}
	c.byAddr[addr] = len(c.entries)
	c.entries = append(c.entries, entry{addr: addr, contract: contract})
	return nil
}

// Contract looks up a registered contract.
func (c *Chain) Contract(addr common.Address) (any, bool) {
	i, ok := c.byAddr[addr]
	if !ok {
		return nil, false
	}
	return c.entries[i].contract, true
}

// Execute runs fn as a single atomic transaction sent by from.
func (c *Chain) Execute(ctx context.Context, from common.Address, fn func(tx *Tx) error) (*protocol.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.inTx {
		return nil, fmt.Errorf("chain: nested transaction")
	}

	saved := c.captureStates()
	c.mineBlock()
	tx := &Tx{From: from, Block: c.block, Timestamp: c.timestamp}

	c.inTx = true
	err := fn(tx)
	c.inTx = false

	if err != nil {
		c.restoreStates(saved)
		c.logger.Debug("transaction reverted", "block", tx.Block, "from", from.Hex(), "error", err)
		return nil, err
	}
	return &protocol.Receipt{
		Block:     tx.Block,
		Timestamp: tx.Timestamp,
		TxHash:    txHash(tx.Block, from),
		Events:    tx.events,
	}, nil
}

// Sleep implements protocol.Chain.
func (c *Chain) Sleep(ctx context.Context, seconds uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.pending += seconds
	return nil
}

// Mine implements protocol.Chain.
func (c *Chain) Mine(ctx context.Context, blocks uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := uint64(0); i < blocks; i++ {
		c.mineBlock()
	}
	return nil
}

// Now implements protocol.Chain.
func (c *Chain) Now(ctx context.Context) (uint64, error) {
	return c.Time(), ctx.Err()
}

// Time is Now without a context, for view functions.
func (c *Chain) Time() uint64 {
	return c.timestamp + c.pending
}

// BlockNumber implements protocol.Chain.
func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	return c.block, ctx.Err()
}

// Snapshot implements protocol.Chain.
func (c *Chain) Snapshot(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.nextID++
	c.snapshots = append(c.snapshots, snapshot{
		id:        c.nextID,
		block:     c.block,
		timestamp: c.timestamp,
		pending:   c.pending,
		entries:   len(c.entries),
		states:    c.captureStates(),
	})
	id := "0x" + strconv.FormatUint(c.nextID, 16)
	c.logger.Debug("snapshot taken", "id", id, "block", c.block)
	return id, nil
}

// Revert implements protocol.Chain.
func (c *Chain) Revert(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	want, err := strconv.ParseUint(strings.TrimPrefix(id, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("invalid snapshot id %q", id)
	}
	for i := len(c.snapshots) - 1; i >= 0; i-- {
		s := c.snapshots[i]
		if s.id != want {
			continue
		}
		for _, e := range c.entries[s.entries:] {
			delete(c.byAddr, e.addr)
		}
		c.entries = c.entries[:s.entries]
		c.restoreStates(s.states)
		c.block, c.timestamp, c.pending = s.block, s.timestamp, s.pending
		c.snapshots = c.snapshots[:i]
		c.logger.Debug("reverted to snapshot", "id", id, "block", c.block)
		return nil
	}
	return fmt.Errorf("unknown snapshot id %q", id)
}

func (c *Chain) mineBlock() {
	step := c.pending
	if step == 0 {
		step = 1
	}
	c.block++
	c.timestamp += step
	c.pending = 0
}

// captureStates checkpoints every Stateful entry, indexed like c.entries.
func (c *Chain) captureStates() []any {
	states := make([]any, len(c.entries))
	for i, e := range c.entries {
		if s, ok := e.contract.(Stateful); ok {
			states[i] = s.Checkpoint()
		}
	}
	return states
}

func (c *Chain) restoreStates(states []any) {
	for i, st := range states {
		if i >= len(c.entries) {
			break
		}
		if s, ok := c.entries[i].contract.(Stateful); ok {
			s.Rollback(st)
		}
	}
}

func txHash(block uint64, from common.Address) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	return crypto.Keccak256Hash(buf[:], from.Bytes())
}
