package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/protocol"
	"github.com/roach88/strategyharness/internal/vault"
)

// contract is a deployed contract with one ABI.
type contract struct {
	client *Client
	addr   common.Address
	abi    *abi.ABI
}

func (k contract) Address() common.Address { return k.addr }

func (k contract) send(ctx context.Context, from common.Address, method string, args ...any) (*protocol.Receipt, error) {
	return k.client.send(ctx, from, k.addr, k.abi, method, args...)
}

func (k contract) amount(ctx context.Context, method string, args ...any) (*uint256.Int, error) {
	out, err := k.client.call(ctx, k.addr, k.abi, method, args...)
	if err != nil {
		return nil, err
	}
	b, ok := first(out).(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output %T", method, first(out))
	}
	return toUint256(b), nil
}

func (k contract) address(ctx context.Context, method string, args ...any) (common.Address, error) {
	out, err := k.client.call(ctx, k.addr, k.abi, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	a, ok := first(out).(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected output %T", method, first(out))
	}
	return a, nil
}

func (k contract) boolean(ctx context.Context, method string, args ...any) (bool, error) {
	out, err := k.client.call(ctx, k.addr, k.abi, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := first(out).(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected output %T", method, first(out))
	}
	return b, nil
}

func (k contract) str(ctx context.Context, method string) (string, error) {
	out, err := k.client.call(ctx, k.addr, k.abi, method)
	if err != nil {
		return "", err
	}
	s, ok := first(out).(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected output %T", method, first(out))
	}
	return s, nil
}

func first(out []any) any {
	if len(out) == 0 {
		return nil
	}
	return out[0]
}

// Token is an ERC-20 on the node.
type Token struct{ contract }

var _ protocol.Token = (*Token)(nil)

// NewToken binds an ERC-20 at addr.
func NewToken(c *Client, addr common.Address) *Token {
	return &Token{contract{client: c, addr: addr, abi: ERC20ABI}}
}

func (t *Token) Symbol(ctx context.Context) (string, error) { return t.str(ctx, "symbol") }

func (t *Token) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.client.call(ctx, t.addr, t.abi, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := first(out).(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected output %T", first(out))
	}
	return d, nil
}

func (t *Token) BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return t.amount(ctx, "balanceOf", account)
}

func (t *Token) Approve(ctx context.Context, from, spender common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return t.send(ctx, from, "approve", spender, amountArg(amount))
}

func (t *Token) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return t.send(ctx, from, "transfer", to, amountArg(amount))
}

// Vault is a Yearn v2 vault on the node.
type Vault struct{ contract }

var _ protocol.Vault = (*Vault)(nil)

// NewVault binds a vault at addr.
func NewVault(c *Client, addr common.Address) *Vault {
	return &Vault{contract{client: c, addr: addr, abi: VaultABI}}
}

func (v *Vault) Token(ctx context.Context) (common.Address, error) { return v.address(ctx, "token") }

func (v *Vault) Deposit(ctx context.Context, from common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return v.send(ctx, from, "deposit", amountArg(amount))
}

// Withdraw always calls the three-argument overload with vault defaults
// filled in.
func (v *Vault) Withdraw(ctx context.Context, from common.Address, req protocol.WithdrawRequest) (*protocol.Receipt, error) {
	shares := protocol.MaxUint256()
	if req.MaxShares != nil {
		shares = req.MaxShares
	}
	recipient := from
	if req.Recipient != nil {
		recipient = *req.Recipient
	}
	maxLoss := uint256.NewInt(protocol.DefaultMaxLossBps)
	if req.MaxLossBps != nil {
		maxLoss = req.MaxLossBps
	}
	return v.send(ctx, from, "withdraw", amountArg(shares), recipient, amountArg(maxLoss))
}

func (v *Vault) AddStrategy(ctx context.Context, from, strategy common.Address, p protocol.AddStrategyParams) (*protocol.Receipt, error) {
	return v.send(ctx, from, "addStrategy", strategy,
		amountArg(p.DebtRatio), amountArg(p.MinDebtPerHarvest), amountArg(p.MaxDebtPerHarvest), amountArg(p.PerformanceFee))
}

func (v *Vault) UpdateStrategyDebtRatio(ctx context.Context, from, strategy common.Address, debtRatio *uint256.Int) (*protocol.Receipt, error) {
	return v.send(ctx, from, "updateStrategyDebtRatio", strategy, amountArg(debtRatio))
}

func (v *Vault) MigrateStrategy(ctx context.Context, from, oldStrategy, newStrategy common.Address) (*protocol.Receipt, error) {
	return v.send(ctx, from, "migrateStrategy", oldStrategy, newStrategy)
}

func (v *Vault) RevokeStrategy(ctx context.Context, from, strategy common.Address) (*protocol.Receipt, error) {
	return v.send(ctx, from, "revokeStrategy", strategy)
}

func (v *Vault) RemoveStrategyFromQueue(ctx context.Context, from, strategy common.Address) (*protocol.Receipt, error) {
	return v.send(ctx, from, "removeStrategyFromQueue", strategy)
}

func (v *Vault) SetManagementFee(ctx context.Context, from common.Address, fee *uint256.Int) (*protocol.Receipt, error) {
	return v.send(ctx, from, "setManagementFee", amountArg(fee))
}

func (v *Vault) SetPerformanceFee(ctx context.Context, from common.Address, fee *uint256.Int) (*protocol.Receipt, error) {
	return v.send(ctx, from, "setPerformanceFee", amountArg(fee))
}

func (v *Vault) SetDepositLimit(ctx context.Context, from common.Address, limit *uint256.Int) (*protocol.Receipt, error) {
	return v.send(ctx, from, "setDepositLimit", amountArg(limit))
}

func (v *Vault) SetManagement(ctx context.Context, from, management common.Address) (*protocol.Receipt, error) {
	return v.send(ctx, from, "setManagement", management)
}

func (v *Vault) SetEmergencyShutdown(ctx context.Context, from common.Address, active bool) (*protocol.Receipt, error) {
	return v.send(ctx, from, "setEmergencyShutdown", active)
}

func (v *Vault) TotalAssets(ctx context.Context) (*uint256.Int, error) { return v.amount(ctx, "totalAssets") }

func (v *Vault) PricePerShare(ctx context.Context) (*uint256.Int, error) {
	return v.amount(ctx, "pricePerShare")
}

func (v *Vault) TotalSupply(ctx context.Context) (*uint256.Int, error) { return v.amount(ctx, "totalSupply") }

func (v *Vault) BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return v.amount(ctx, "balanceOf", account)
}

func (v *Vault) Strategies(ctx context.Context, strategy common.Address) (protocol.StrategyParams, error) {
	out, err := v.client.call(ctx, v.addr, v.abi, "strategies", strategy)
	if err != nil {
		return protocol.StrategyParams{}, err
	}
	if len(out) != 9 {
		return protocol.StrategyParams{}, fmt.Errorf("strategies: want 9 outputs, got %d", len(out))
	}
	n := make([]*uint256.Int, len(out))
	for i, o := range out {
		b, ok := o.(*big.Int)
		if !ok {
			return protocol.StrategyParams{}, fmt.Errorf("strategies: output %d is %T", i, o)
		}
		n[i] = toUint256(b)
	}
	return protocol.StrategyParams{
		PerformanceFee:    n[0],
		Activation:        n[1].Uint64(),
		DebtRatio:         n[2],
		MinDebtPerHarvest: n[3],
		MaxDebtPerHarvest: n[4],
		LastReport:        n[5].Uint64(),
		TotalDebt:         n[6],
		TotalGain:         n[7],
		TotalLoss:         n[8],
	}, nil
}

// WithdrawalQueue reads queue slots until the first empty one.
func (v *Vault) WithdrawalQueue(ctx context.Context) ([]common.Address, error) {
	var queue []common.Address
	for i := int64(0); i < vault.MaxStrategies; i++ {
		a, err := v.address(ctx, "withdrawalQueue", big.NewInt(i))
		if err != nil {
			return nil, err
		}
		if a == (common.Address{}) {
			break
		}
		queue = append(queue, a)
	}
	return queue, nil
}

func (v *Vault) DebtRatio(ctx context.Context) (*uint256.Int, error) { return v.amount(ctx, "debtRatio") }

func (v *Vault) TotalDebt(ctx context.Context) (*uint256.Int, error) { return v.amount(ctx, "totalDebt") }

func (v *Vault) DepositLimit(ctx context.Context) (*uint256.Int, error) {
	return v.amount(ctx, "depositLimit")
}

// Strategy is a BaseStrategy 0.4.x Curve/Convex strategy on the node.
type Strategy struct{ contract }

var _ protocol.Strategy = (*Strategy)(nil)

// NewStrategy binds a strategy at addr.
func NewStrategy(c *Client, addr common.Address) *Strategy {
	return &Strategy{contract{client: c, addr: addr, abi: StrategyABI}}
}

func (s *Strategy) Name(ctx context.Context) (string, error) { return s.str(ctx, "name") }

func (s *Strategy) Vault(ctx context.Context) (common.Address, error) { return s.address(ctx, "vault") }

func (s *Strategy) Want(ctx context.Context) (common.Address, error) { return s.address(ctx, "want") }

func (s *Strategy) Harvest(ctx context.Context, from common.Address) (*protocol.Receipt, error) {
	return s.send(ctx, from, "harvest")
}

func (s *Strategy) Tend(ctx context.Context, from common.Address) (*protocol.Receipt, error) {
	return s.send(ctx, from, "tend")
}

func (s *Strategy) SetEmergencyExit(ctx context.Context, from common.Address) (*protocol.Receipt, error) {
	return s.send(ctx, from, "setEmergencyExit")
}

func (s *Strategy) SetDoHealthCheck(ctx context.Context, from common.Address, enabled bool) (*protocol.Receipt, error) {
	return s.send(ctx, from, "setDoHealthCheck", enabled)
}

func (s *Strategy) SetClaimRewards(ctx context.Context, from common.Address, claim bool) (*protocol.Receipt, error) {
	return s.send(ctx, from, "setClaimRewards", claim)
}

func (s *Strategy) WithdrawToConvexDepositTokens(ctx context.Context, from common.Address) (*protocol.Receipt, error) {
	return s.send(ctx, from, "withdrawToConvexDepositTokens")
}

func (s *Strategy) Sweep(ctx context.Context, from, token common.Address) (*protocol.Receipt, error) {
	return s.send(ctx, from, "sweep", token)
}

func (s *Strategy) SetKeeper(ctx context.Context, from, keeper common.Address) (*protocol.Receipt, error) {
	return s.send(ctx, from, "setKeeper", keeper)
}

func (s *Strategy) Migrate(ctx context.Context, from, newStrategy common.Address) (*protocol.Receipt, error) {
	return s.send(ctx, from, "migrate", newStrategy)
}

func (s *Strategy) Withdraw(ctx context.Context, from common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return s.send(ctx, from, "withdraw", amountArg(amount))
}

func (s *Strategy) EstimatedTotalAssets(ctx context.Context) (*uint256.Int, error) {
	return s.amount(ctx, "estimatedTotalAssets")
}

func (s *Strategy) StakedBalance(ctx context.Context) (*uint256.Int, error) {
	return s.amount(ctx, "stakedBalance")
}

func (s *Strategy) EthToWant(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	return s.amount(ctx, "ethToWant", amountArg(amount))
}

func (s *Strategy) APIVersion(ctx context.Context) (string, error) { return s.str(ctx, "apiVersion") }

func (s *Strategy) IsActive(ctx context.Context) (bool, error) { return s.boolean(ctx, "isActive") }

func (s *Strategy) HarvestTrigger(ctx context.Context, callCost *uint256.Int) (bool, error) {
	return s.boolean(ctx, "harvestTrigger", amountArg(callCost))
}

func (s *Strategy) TendTrigger(ctx context.Context, callCost *uint256.Int) (bool, error) {
	return s.boolean(ctx, "tendTrigger", amountArg(callCost))
}

func (s *Strategy) EmergencyExit(ctx context.Context) (bool, error) {
	return s.boolean(ctx, "emergencyExit")
}

func (s *Strategy) DoHealthCheck(ctx context.Context) (bool, error) {
	return s.boolean(ctx, "doHealthCheck")
}
