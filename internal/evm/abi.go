package evm

import (
	"bytes"
	"embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/protocol"
)

//go:embed abi/*.json
var abiFS embed.FS

// Minimal ABIs of the contracts the harness calls.
var (
	ERC20ABI    = mustABI("erc20")
	VaultABI    = mustABI("vault")
	StrategyABI = mustABI("strategy")
)

func mustABI(name string) *abi.ABI {
	data, err := abiFS.ReadFile("abi/" + name + ".json")
	if err != nil {
		panic(err)
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("parsing %s ABI: %v", name, err))
	}
	return &parsed
}

// decodeLog decodes a log emitted by any of the known contracts. Unknown
// logs are skipped.
func decodeLog(l *types.Log) (protocol.Event, bool, error) {
	if l == nil || len(l.Topics) == 0 {
		return protocol.Event{}, false, nil
	}
	for _, contract := range []*abi.ABI{StrategyABI, VaultABI, ERC20ABI} {
		ev, err := contract.EventByID(l.Topics[0])
		if err != nil {
			continue
		}
		raw := make(map[string]any)
		if len(l.Data) > 0 {
			if err := ev.Inputs.NonIndexed().UnpackIntoMap(raw, l.Data); err != nil {
				return protocol.Event{}, false, fmt.Errorf("decode %s: %w", ev.Name, err)
			}
		}
		var indexed abi.Arguments
		for _, in := range ev.Inputs {
			if in.Indexed {
				indexed = append(indexed, in)
			}
		}
		if err := abi.ParseTopicsIntoMap(raw, indexed, l.Topics[1:]); err != nil {
			return protocol.Event{}, false, fmt.Errorf("decode %s topics: %w", ev.Name, err)
		}
		return protocol.Event{Name: ev.Name, Emitter: l.Address, Fields: normalize(raw)}, true, nil
	}
	return protocol.Event{}, false, nil
}

// normalize converts ABI values into the field types of protocol.Event.
func normalize(raw map[string]any) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if b, ok := v.(*big.Int); ok {
			out[k] = toUint256(b)
			continue
		}
		out[k] = v
	}
	return out
}

func toUint256(b *big.Int) *uint256.Int {
	if b == nil || b.Sign() < 0 {
		return protocol.Zero()
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return protocol.MaxUint256()
	}
	return v
}

func amountArg(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
