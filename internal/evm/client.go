// Package evm drives live contracts on a forked node through go-ethereum's
// JSON-RPC client.
//
// The node must allow account impersonation (anvil or hardhat): every
// transaction is sent with eth_sendTransaction from an impersonated account,
// so no keys are involved. Time and isolation use the evm_* test RPCs.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/roach88/strategyharness/internal/protocol"
)

// DefaultPollInterval is how often receipts are polled.
const DefaultPollInterval = 200 * time.Millisecond

// Client is a connection to one forked node.
type Client struct {
	rpc  *rpc.Client
	eth  *ethclient.Client
	node string

	pollInterval time.Duration
	logger       *slog.Logger

	mu           sync.Mutex
	impersonated map[common.Address]bool
}

var _ protocol.Chain = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Dial connects to url. node is "anvil" or "hardhat".
func Dial(ctx context.Context, url, node string, opts ...Option) (*Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("rpc url required")
	}
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewClient(rc, node, opts...), nil
}

// NewClient wraps an existing RPC connection.
func NewClient(rc *rpc.Client, node string, opts ...Option) *Client {
	c := &Client{
		rpc:          rc,
		eth:          ethclient.NewClient(rc),
		node:         node,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		impersonated: make(map[common.Address]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the connection.
func (c *Client) Close() { c.rpc.Close() }

// Sleep implements protocol.Chain.
func (c *Client) Sleep(ctx context.Context, seconds uint64) error {
	return c.rpc.CallContext(ctx, nil, "evm_increaseTime", seconds)
}

// Mine implements protocol.Chain.
func (c *Client) Mine(ctx context.Context, blocks uint64) error {
	for i := uint64(0); i < blocks; i++ {
		if err := c.rpc.CallContext(ctx, nil, "evm_mine"); err != nil {
			return fmt.Errorf("evm_mine: %w", err)
		}
	}
	return nil
}

// Snapshot implements protocol.Chain.
func (c *Client) Snapshot(ctx context.Context) (string, error) {
	var id string
	if err := c.rpc.CallContext(ctx, &id, "evm_snapshot"); err != nil {
		return "", fmt.Errorf("evm_snapshot: %w", err)
	}
	return id, nil
}

// Revert implements protocol.Chain.
func (c *Client) Revert(ctx context.Context, id string) error {
	var ok bool
	if err := c.rpc.CallContext(ctx, &ok, "evm_revert", id); err != nil {
		return fmt.Errorf("evm_revert: %w", err)
	}
	if !ok {
		return fmt.Errorf("unknown snapshot id %q", id)
	}
	return nil
}

// Now implements protocol.Chain with the latest block timestamp.
func (c *Client) Now(ctx context.Context) (uint64, error) {
	return c.blockTime(ctx, "latest")
}

// blockTime reads the timestamp of the block at tag ("latest" or a hex number).
func (c *Client) blockTime(ctx context.Context, tag string) (uint64, error) {
	var head *struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := c.rpc.CallContext(ctx, &head, "eth_getBlockByNumber", tag, false); err != nil {
		return 0, fmt.Errorf("block %s: %w", tag, err)
	}
	if head == nil {
		return 0, fmt.Errorf("block %s: %w", tag, ethereum.NotFound)
	}
	return uint64(head.Timestamp), nil
}

// BlockNumber implements protocol.Chain.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// Impersonate unlocks account for eth_sendTransaction. It is idempotent.
func (c *Client) Impersonate(ctx context.Context, account common.Address) error {
	c.mu.Lock()
	done := c.impersonated[account]
	c.mu.Unlock()
	if done {
		return nil
	}
	method := c.node + "_impersonateAccount"
	if err := c.rpc.CallContext(ctx, nil, method, account); err != nil {
		return fmt.Errorf("%s %s: %w", method, account.Hex(), err)
	}
	c.mu.Lock()
	c.impersonated[account] = true
	c.mu.Unlock()
	return nil
}

// call runs a view and unpacks its outputs.
func (c *Client) call(ctx context.Context, to common.Address, contract *abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, asRevert(err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

type sendArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// send submits a transaction from an impersonated account and waits for it.
func (c *Client) send(ctx context.Context, from, to common.Address, contract *abi.ABI, method string, args ...any) (*protocol.Receipt, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.Impersonate(ctx, from); err != nil {
		return nil, err
	}
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendTransaction", sendArgs{From: from, To: to, Data: data}); err != nil {
		return nil, asRevert(err)
	}
	c.logger.Debug("transaction sent", "method", method, "from", from.Hex(), "to", to.Hex(), "tx", hash.Hex())

	receipt, err := c.waitMined(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &protocol.RevertError{}
	}
	return toReceipt(ctx, c, receipt)
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toReceipt(ctx context.Context, c *Client, r *types.Receipt) (*protocol.Receipt, error) {
	out := &protocol.Receipt{TxHash: r.TxHash}
	var (
		ts  uint64
		err error
	)
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
		ts, err = c.blockTime(ctx, hexutil.EncodeBig(r.BlockNumber))
	} else {
		ts, err = c.Now(ctx)
	}
	if err != nil {
		return nil, err
	}
	out.Timestamp = ts
	for _, l := range r.Logs {
		ev, ok, err := decodeLog(l)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Events = append(out.Events, ev)
		}
	}
	return out, nil
}

// asRevert turns a node's "execution reverted" error into a RevertError.
func asRevert(err error) error {
	msg := err.Error()
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return &protocol.RevertError{Reason: reason}
				}
			}
		}
	}
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i+len("execution reverted"):], ":")
		return &protocol.RevertError{Reason: strings.TrimSpace(reason)}
	}
	return err
}
