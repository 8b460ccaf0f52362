// Package vault implements a simulated Yearn v2 (API 0.4.3) vault.
//
// The vault issues shares against free funds (total assets minus locked
// profit), lends to strategies according to their debt ratios and books the
// gains and losses they report. Accounting follows the reference Vyper
// contract; total assets are the vault's token balance plus outstanding
// strategy debt.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/protocol"
	"github.com/roach88/strategyharness/internal/token"
)

const (
	// APIVersion is the vault API this model implements.
	APIVersion = "0.4.3"

	// MaxStrategies bounds the withdrawal queue.
	MaxStrategies = 20

	// SecsPerYear is the year length used for management fees.
	SecsPerYear = 31_556_952

	// DefaultManagementFee and DefaultPerformanceFee are in basis points.
	DefaultManagementFee  = 200
	DefaultPerformanceFee = 1_000
)

var (
	// DefaultLockedProfitDegradation releases locked profit over about six hours.
	DefaultLockedProfitDegradation = uint256.NewInt(46e12)
	degradationCoefficient         = protocol.Ether(1)
	maxBPS                         = uint256.NewInt(protocol.MaxBPS)
)

// Revert reasons specific to the vault.
const (
	ReasonShutdown     = "shutdown"
	ReasonDepositLimit = "deposit limit"
	ReasonZeroAmount   = "zero amount"
	ReasonNotApproved  = "!approved"
	ReasonActivated    = "already activated"
	ReasonDebtRatio    = "debt ratio"
	ReasonQueueFull    = "queue full"
	ReasonFee          = "fee too high"
	ReasonMaxLoss      = "max loss"
	ReasonNotInQueue   = "not in queue"
)

// Strategy is what the vault calls on its strategies during a transaction.
// Strategies are looked up in the chain registry by address.
type Strategy interface {
	Address() common.Address
	VaultAddress() common.Address
	WantAddress() common.Address
	// WithdrawTo frees up to amount of want for the vault and returns the loss
	// realized doing so.
	WithdrawTo(tx *chain.Tx, caller common.Address, amount *uint256.Int) (*uint256.Int, error)
	// MigrateTo hands the whole position to newStrategy.
	MigrateTo(tx *chain.Tx, caller, newStrategy common.Address) error
	// TotalAssets is estimatedTotalAssets.
	TotalAssets() *uint256.Int
}

// Config names the vault roles.
type Config struct {
	Name       string
	Symbol     string
	Governance common.Address
	Management common.Address
	Guardian   common.Address
	Rewards    common.Address
}

type params struct {
	performanceFee    uint64
	activation        uint64
	debtRatio         uint64
	minDebtPerHarvest uint256.Int
	maxDebtPerHarvest uint256.Int
	lastReport        uint64
	totalDebt         uint256.Int
	totalGain         uint256.Int
	totalLoss         uint256.Int
}

type state struct {
	shares     token.Ledger
	strategies map[common.Address]params
	queue      []common.Address

	debtRatio         uint64
	totalDebt         uint256.Int
	depositLimit      uint256.Int
	managementFee     uint64
	performanceFee    uint64
	lockedProfit      uint256.Int
	lockedDegradation uint256.Int
	lastReport        uint64
	shutdown          bool

	governance common.Address
	management common.Address
	guardian   common.Address
	rewards    common.Address
}

func (s *state) clone() state {
	c := *s
	c.shares = s.shares.Clone()
	c.strategies = maps.Clone(s.strategies)
	c.queue = slices.Clone(s.queue)
	return c
}

// Vault is the simulated vault.
type Vault struct {
	chain    *chain.Chain
	addr     common.Address
	token    *token.Token
	name     string
	symbol   string
	decimals uint8
	logger   *slog.Logger
	st       state
}

var _ protocol.Vault = (*Vault)(nil)

// New deploys and initializes a vault for want at addr.
// The deposit limit starts at zero.
func New(c *chain.Chain, addr common.Address, want *token.Token, cfg Config, logger *slog.Logger) (*Vault, error) {
	dec, err := want.Decimals(context.Background())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := c.Time()
	v := &Vault{
		chain:    c,
		addr:     addr,
		token:    want,
		name:     cfg.Name,
		symbol:   cfg.Symbol,
		decimals: dec,
		logger:   logger.With("vault", addr.Hex()),
		st: state{
			shares:            token.NewLedger(),
			strategies:        make(map[common.Address]params),
			managementFee:     DefaultManagementFee,
			performanceFee:    DefaultPerformanceFee,
			lockedDegradation: *DefaultLockedProfitDegradation,
			lastReport:        now,
			governance:        cfg.Governance,
			management:        cfg.Management,
			guardian:          cfg.Guardian,
			rewards:           cfg.Rewards,
		},
	}
	if err := c.Register(addr, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Checkpoint implements chain.Stateful.
func (v *Vault) Checkpoint() any { return v.st.clone() }

// Rollback implements chain.Stateful.
func (v *Vault) Rollback(s any) {
	st := s.(state)
	v.st = st.clone()
}

// Address implements protocol.Vault.
func (v *Vault) Address() common.Address { return v.addr }

// Governance returns the governance role.
func (v *Vault) Governance() common.Address { return v.st.governance }

// Management returns the management role.
func (v *Vault) Management() common.Address { return v.st.management }

// Guardian returns the guardian role.
func (v *Vault) Guardian() common.Address { return v.st.guardian }

// Rewards returns the fee recipient.
func (v *Vault) Rewards() common.Address { return v.st.rewards }

// TokenAddress returns the vault's underlying token.
func (v *Vault) TokenAddress() common.Address { return v.token.Address() }

// Name returns the share token name.
func (v *Vault) Name() string { return v.name }

// EmergencyShutdown reports whether the vault is shut down.
func (v *Vault) EmergencyShutdown() bool { return v.st.shutdown }

func (v *Vault) strategy(addr common.Address) (Strategy, error) {
	c, ok := v.chain.Contract(addr)
	if !ok {
		return nil, protocol.Revert("no strategy at %s", addr.Hex())
	}
	s, ok := c.(Strategy)
	if !ok {
		return nil, protocol.Revert("%s is not a strategy", addr.Hex())
	}
	return s, nil
}

func (v *Vault) exec(ctx context.Context, from common.Address, fn func(tx *chain.Tx) error) (*protocol.Receipt, error) {
	return v.chain.Execute(ctx, from, fn)
}

func (v *Vault) requireGovernance(from common.Address) error {
	if from != v.st.governance {
		return protocol.Revert(protocol.ReasonNotAuthorized)
	}
	return nil
}

func (v *Vault) requireManagers(from common.Address) error {
	if from != v.st.governance && from != v.st.management {
		return protocol.Revert(protocol.ReasonNotAuthorized)
	}
	return nil
}

// Deposit implements protocol.Vault. Shares go to from.
func (v *Vault) Deposit(ctx context.Context, from common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		_, err := v.deposit(tx, from, from, amount)
		return err
	})
}

func (v *Vault) deposit(tx *chain.Tx, from, recipient common.Address, requested *uint256.Int) (*uint256.Int, error) {
	if v.st.shutdown {
		return nil, protocol.Revert(ReasonShutdown)
	}
	total := v.totalAssets()
	amount := new(uint256.Int).Set(requested)
	if protocol.IsMax(amount) {
		amount = protocol.Min(protocol.SubFloor(&v.st.depositLimit, total), v.token.Balance(from))
	} else {
		sum, overflow := new(uint256.Int).AddOverflow(total, amount)
		if overflow || sum.Gt(&v.st.depositLimit) {
			return nil, protocol.Revert(ReasonDepositLimit)
		}
	}
	if amount.IsZero() {
		return nil, protocol.Revert(ReasonZeroAmount)
	}

	shares, err := v.issueSharesForAmount(tx, recipient, amount)
	if err != nil {
		return nil, err
	}
	if err := v.token.Pull(tx, v.addr, from, v.addr, amount); err != nil {
		return nil, err
	}
	v.logger.Debug("deposit", "from", from.Hex(), "amount", amount.Dec(), "shares", shares.Dec())
	return shares, nil
}

// Withdraw implements protocol.Vault.
func (v *Vault) Withdraw(ctx context.Context, from common.Address, req protocol.WithdrawRequest) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		_, err := v.withdraw(tx, from, req)
		return err
	})
}

func (v *Vault) withdraw(tx *chain.Tx, from common.Address, req protocol.WithdrawRequest) (*uint256.Int, error) {
	maxLoss := uint256.NewInt(protocol.DefaultMaxLossBps)
	if req.MaxLossBps != nil {
		maxLoss = req.MaxLossBps
	}
	if maxLoss.Gt(maxBPS) {
		return nil, protocol.Revert(ReasonMaxLoss)
	}
	recipient := from
	if req.Recipient != nil {
		recipient = *req.Recipient
	}

	balance := v.st.shares.BalanceOf(from)
	shares := protocol.MaxUint256()
	if req.MaxShares != nil {
		shares = new(uint256.Int).Set(req.MaxShares)
	}
	if protocol.IsMax(shares) {
		shares = balance
	}
	if shares.Gt(balance) {
		return nil, protocol.Revert(protocol.ReasonShares)
	}
	if shares.IsZero() {
		return nil, protocol.Revert(ReasonZeroAmount)
	}

	value := v.shareValue(shares)
	vaultBalance := v.token.Balance(v.addr)
	totalLoss := protocol.Zero()

	if value.Gt(vaultBalance) {
		for _, addr := range slices.Clone(v.st.queue) {
			if !value.Gt(vaultBalance) {
				break
			}
			p := v.st.strategies[addr]
			needed := protocol.Min(new(uint256.Int).Sub(value, vaultBalance), &p.totalDebt)
			if needed.IsZero() {
				continue
			}
			s, err := v.strategy(addr)
			if err != nil {
				return nil, err
			}
			before := v.token.Balance(v.addr)
			loss, err := s.WithdrawTo(tx, v.addr, needed)
			if err != nil {
				return nil, fmt.Errorf("strategy %s withdraw: %w", addr.Hex(), err)
			}
			withdrawn := protocol.SubFloor(v.token.Balance(v.addr), before)
			vaultBalance.Add(vaultBalance, withdrawn)

			if !loss.IsZero() {
				value = protocol.SubFloor(value, loss)
				totalLoss.Add(totalLoss, loss)
				if err := v.reportLoss(addr, loss); err != nil {
					return nil, err
				}
			}
			p = v.st.strategies[addr]
			p.totalDebt = *protocol.SubFloor(&p.totalDebt, withdrawn)
			v.st.strategies[addr] = p
			v.st.totalDebt = *protocol.SubFloor(&v.st.totalDebt, withdrawn)
		}

		if value.Gt(vaultBalance) {
			value = vaultBalance
			shares = v.sharesForAmount(new(uint256.Int).Add(value, totalLoss))
		}
		limit := protocol.MulDiv(maxLoss, new(uint256.Int).Add(value, totalLoss), maxBPS)
		if totalLoss.Gt(limit) {
			return nil, protocol.Revert(ReasonMaxLoss)
		}
	}

	if err := v.st.shares.Burn(tx, v.addr, from, shares); err != nil {
		return nil, err
	}
	if err := v.token.Move(tx, v.addr, recipient, value); err != nil {
		return nil, err
	}
	v.logger.Debug("withdraw", "from", from.Hex(), "shares", shares.Dec(), "value", value.Dec(), "loss", totalLoss.Dec())
	return value, nil
}

// AddStrategy implements protocol.Vault.
func (v *Vault) AddStrategy(ctx context.Context, from, strategy common.Address, ap protocol.AddStrategyParams) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		if err := v.requireGovernance(from); err != nil {
			return err
		}
		if v.st.shutdown {
			return protocol.Revert(ReasonShutdown)
		}
		if len(v.st.queue) >= MaxStrategies {
			return protocol.Revert(ReasonQueueFull)
		}
		if v.st.strategies[strategy].activation != 0 {
			return protocol.Revert(ReasonActivated)
		}
		s, err := v.strategy(strategy)
		if err != nil {
			return err
		}
		if s.VaultAddress() != v.addr {
			return protocol.Revert(protocol.ReasonNotVault)
		}
		if s.WantAddress() != v.token.Address() {
			return protocol.Revert(protocol.ReasonWant)
		}
		dr, err := bps(ap.DebtRatio)
		if err != nil {
			return err
		}
		if v.st.debtRatio+dr > protocol.MaxBPS {
			return protocol.Revert(ReasonDebtRatio)
		}
		minDebt, maxDebt := orZero(ap.MinDebtPerHarvest), orZero(ap.MaxDebtPerHarvest)
		if minDebt.Gt(maxDebt) {
			return protocol.Revert("min debt > max debt")
		}
		fee, err := bps(ap.PerformanceFee)
		if err != nil {
			return err
		}
		if fee > protocol.MaxBPS/2 {
			return protocol.Revert(ReasonFee)
		}

		v.st.strategies[strategy] = params{
			performanceFee:    fee,
			activation:        tx.Timestamp,
			debtRatio:         dr,
			minDebtPerHarvest: *minDebt,
			maxDebtPerHarvest: *maxDebt,
			lastReport:        tx.Timestamp,
		}
		v.st.debtRatio += dr
		v.st.queue = append(v.st.queue, strategy)
		tx.Emit(v.addr, protocol.EventStrategyAdded, map[string]any{
			"strategy":          strategy,
			"debtRatio":         uint256.NewInt(dr),
			"minDebtPerHarvest": minDebt,
			"maxDebtPerHarvest": maxDebt,
			"performanceFee":    uint256.NewInt(fee),
		})
		return nil
	})
}

// UpdateStrategyDebtRatio implements protocol.Vault.
func (v *Vault) UpdateStrategyDebtRatio(ctx context.Context, from, strategy common.Address, debtRatio *uint256.Int) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		if err := v.requireManagers(from); err != nil {
			return err
		}
		p, ok := v.st.strategies[strategy]
		if !ok || p.activation == 0 {
			return protocol.Revert(ReasonNotApproved)
		}
		dr, err := bps(debtRatio)
		if err != nil {
			return err
		}
		total := v.st.debtRatio - p.debtRatio + dr
		if total > protocol.MaxBPS {
			return protocol.Revert(ReasonDebtRatio)
		}
		v.st.debtRatio = total
		p.debtRatio = dr
		v.st.strategies[strategy] = p
		tx.Emit(v.addr, protocol.EventDebtRatioUpdated, map[string]any{
			"strategy":  strategy,
			"debtRatio": uint256.NewInt(dr),
		})
		return nil
	})
}

// RevokeStrategy implements protocol.Vault.
func (v *Vault) RevokeStrategy(ctx context.Context, from, strategy common.Address) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		return v.Revoke(tx, from, strategy)
	})
}

// Revoke is revokeStrategy called from inside a transaction. The strategy
// itself, governance and the guardian may revoke.
func (v *Vault) Revoke(tx *chain.Tx, caller, strategy common.Address) error {
	if caller != strategy && caller != v.st.governance && caller != v.st.guardian {
		return protocol.Revert(protocol.ReasonNotAuthorized)
	}
	if v.st.strategies[strategy].debtRatio == 0 {
		return nil
	}
	v.revoke(tx, strategy)
	return nil
}

func (v *Vault) revoke(tx *chain.Tx, strategy common.Address) {
	p := v.st.strategies[strategy]
	v.st.debtRatio -= p.debtRatio
	p.debtRatio = 0
	v.st.strategies[strategy] = p
	tx.Emit(v.addr, protocol.EventStrategyRevoked, map[string]any{"strategy": strategy})
}

// RemoveStrategyFromQueue implements protocol.Vault.
func (v *Vault) RemoveStrategyFromQueue(ctx context.Context, from, strategy common.Address) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		if err := v.requireManagers(from); err != nil {
			return err
		}
		i := slices.Index(v.st.queue, strategy)
		if i < 0 {
			return protocol.Revert(ReasonNotInQueue)
		}
		v.st.queue = slices.Delete(v.st.queue, i, i+1)
		return nil
	})
}

// MigrateStrategy implements protocol.Vault.
func (v *Vault) MigrateStrategy(ctx context.Context, from, oldStrategy, newStrategy common.Address) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		if err := v.requireGovernance(from); err != nil {
			return err
		}
		if newStrategy == (common.Address{}) {
			return protocol.Revert("zero address")
		}
		old := v.st.strategies[oldStrategy]
		if old.activation == 0 {
			return protocol.Revert(ReasonNotApproved)
		}
		if v.st.strategies[newStrategy].activation != 0 {
			return protocol.Revert(ReasonActivated)
		}
		s, err := v.strategy(oldStrategy)
		if err != nil {
			return err
		}

		v.revoke(tx, oldStrategy)
		v.st.debtRatio += old.debtRatio

		moved := v.st.strategies[oldStrategy]
		moved.totalDebt = uint256.Int{}
		v.st.strategies[oldStrategy] = moved

		v.st.strategies[newStrategy] = params{
			performanceFee:    old.performanceFee,
			activation:        old.lastReport,
			debtRatio:         old.debtRatio,
			minDebtPerHarvest: old.minDebtPerHarvest,
			maxDebtPerHarvest: old.maxDebtPerHarvest,
			lastReport:        old.lastReport,
			totalDebt:         old.totalDebt,
		}

		if err := s.MigrateTo(tx, v.addr, newStrategy); err != nil {
			return err
		}
		tx.Emit(v.addr, protocol.EventStrategyMigrated, map[string]any{
			"oldVersion": oldStrategy,
			"newVersion": newStrategy,
		})
		if i := slices.Index(v.st.queue, oldStrategy); i >= 0 {
			v.st.queue[i] = newStrategy
		}
		return nil
	})
}

// SetManagementFee implements protocol.Vault.
func (v *Vault) SetManagementFee(ctx context.Context, from common.Address, fee *uint256.Int) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		if err := v.requireGovernance(from); err != nil {
			return err
		}
		f, err := bps(fee)
		if err != nil {
			return err
		}
		if f > protocol.MaxBPS/2 {
			return protocol.Revert(ReasonFee)
		}
		v.st.managementFee = f
		return nil
	})
}

// SetPerformanceFee implements protocol.Vault.
func (v *Vault) SetPerformanceFee(ctx context.Context, from common.Address, fee *uint256.Int) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		if err := v.requireGovernance(from); err != nil {
			return err
		}
		f, err := bps(fee)
		if err != nil {
			return err
		}
		if f > protocol.MaxBPS/2 {
			return protocol.Revert(ReasonFee)
		}
		v.st.performanceFee = f
		return nil
	})
}

// SetDepositLimit implements protocol.Vault.
func (v *Vault) SetDepositLimit(ctx context.Context, from common.Address, limit *uint256.Int) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		if err := v.requireGovernance(from); err != nil {
			return err
		}
		v.st.depositLimit = *limit
		return nil
	})
}

// SetManagement implements protocol.Vault.
func (v *Vault) SetManagement(ctx context.Context, from, management common.Address) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		if err := v.requireGovernance(from); err != nil {
			return err
		}
		v.st.management = management
		return nil
	})
}

// SetEmergencyShutdown implements protocol.Vault. The guardian may only
// activate shutdown; lifting it takes governance.
func (v *Vault) SetEmergencyShutdown(ctx context.Context, from common.Address, active bool) (*protocol.Receipt, error) {
	return v.exec(ctx, from, func(tx *chain.Tx) error {
		if active {
			if from != v.st.governance && from != v.st.guardian {
				return protocol.Revert(protocol.ReasonNotAuthorized)
			}
		} else if err := v.requireGovernance(from); err != nil {
			return err
		}
		v.st.shutdown = active
		return nil
	})
}

func bps(v *uint256.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsUint64() || v.Uint64() > protocol.MaxBPS {
		return 0, protocol.Revert("basis points out of range: %s", v.Dec())
	}
	return v.Uint64(), nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return protocol.Zero()
	}
	return new(uint256.Int).Set(v)
}
