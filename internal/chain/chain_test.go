package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter is a minimal Stateful contract.
type counter struct {
	n int
}

func (c *counter) Checkpoint() any    { return c.n }
func (c *counter) Rollback(state any) { c.n = state.(int) }

func newTestChain() *Chain {
	return New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestClock(t *testing.T) {
	ctx := context.Background()
	c := newTestChain()

	now, err := c.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultGenesisTime, now)

	require.NoError(t, c.Sleep(ctx, 3600))
	now, _ = c.Now(ctx)
	assert.Equal(t, DefaultGenesisTime+3600, now, "views see pending time")

	require.NoError(t, c.Mine(ctx, 1))
	block, _ := c.BlockNumber(ctx)
	assert.Equal(t, uint64(1), block)
	now, _ = c.Now(ctx)
	assert.Equal(t, DefaultGenesisTime+3600, now)

	// empty blocks still move time forward
	require.NoError(t, c.Mine(ctx, 2))
	now, _ = c.Now(ctx)
	assert.Equal(t, DefaultGenesisTime+3602, now)
}

func TestExecute_CommitsAndEmits(t *testing.T) {
	ctx := context.Background()
	c := newTestChain()
	k := &counter{}
	addr := AddressFor("counter")
	require.NoError(t, c.Register(addr, k))

	from := AddressFor("alice")
	r, err := c.Execute(ctx, from, func(tx *Tx) error {
		k.n++
		tx.Emit(addr, "Bumped", map[string]any{"by": from})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, k.n)
	assert.Equal(t, uint64(1), r.Block)
	assert.Equal(t, DefaultGenesisTime+1, r.Timestamp)
	require.Len(t, r.Events, 1)
	assert.Equal(t, "Bumped", r.Events[0].Name)
	assert.Equal(t, addr, r.Events[0].Emitter)
	assert.NotEqual(t, common.Hash{}, r.TxHash)
}

func TestExecute_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	c := newTestChain()
	k := &counter{n: 5}
	require.NoError(t, c.Register(AddressFor("counter"), k))

	boom := errors.New("boom")
	_, err := c.Execute(ctx, AddressFor("alice"), func(tx *Tx) error {
		k.n = 100
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 5, k.n)

	block, _ := c.BlockNumber(ctx)
	assert.Equal(t, uint64(1), block, "reverted transactions are still mined")
}

func TestExecute_RejectsNested(t *testing.T) {
	ctx := context.Background()
	c := newTestChain()
	_, err := c.Execute(ctx, AddressFor("alice"), func(tx *Tx) error {
		_, err := c.Execute(ctx, AddressFor("bob"), func(*Tx) error { return nil })
		return err
	})
	assert.Error(t, err)
}

func TestExecute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestChain()
	called := false
	_, err := c.Execute(ctx, AddressFor("alice"), func(*Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestSnapshotRevert(t *testing.T) {
	ctx := context.Background()
	c := newTestChain()
	k := &counter{}
	require.NoError(t, c.Register(AddressFor("counter"), k))

	id1, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x1", id1)

	k.n = 1
	require.NoError(t, c.Sleep(ctx, 100))
	require.NoError(t, c.Mine(ctx, 1))

	id2, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x2", id2)

	late := &counter{n: 9}
	lateAddr := AddressFor("late")
	require.NoError(t, c.Register(lateAddr, late))
	k.n = 2

	require.NoError(t, c.Revert(ctx, id1))
	assert.Equal(t, 0, k.n)
	block, _ := c.BlockNumber(ctx)
	assert.Equal(t, uint64(0), block)
	now, _ := c.Now(ctx)
	assert.Equal(t, DefaultGenesisTime, now)

	_, ok := c.Contract(lateAddr)
	assert.False(t, ok, "contracts deployed after the snapshot are gone")

	assert.Error(t, c.Revert(ctx, id2), "later snapshots are discarded")
	assert.Error(t, c.Revert(ctx, id1), "the reverted snapshot is consumed")

	id3, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x3", id3, "ids are never reused")
}

func TestRevert_InvalidID(t *testing.T) {
	c := newTestChain()
	assert.Error(t, c.Revert(context.Background(), "zz"))
	assert.Error(t, c.Revert(context.Background(), "0x7"))
}

func TestRegister_Duplicate(t *testing.T) {
	c := newTestChain()
	addr := AddressFor("x")
	require.NoError(t, c.Register(addr, &counter{}))
	assert.Error(t, c.Register(addr, &counter{}))

	got, ok := c.Contract(addr)
	require.True(t, ok)
	assert.IsType(t, &counter{}, got)
}

func TestAddressFor(t *testing.T) {
	assert.Equal(t, AddressFor("vault"), AddressFor("vault"))
	assert.NotEqual(t, AddressFor("vault"), AddressFor("strategy"))
	assert.NotEqual(t, common.Address{}, AddressFor(""))
}
