// Package strategy implements a simulated Curve/Convex LP strategy with
// Yearn BaseStrategy 0.4.3 semantics.
//
// A strategy borrows want (the pool's LP token) from its vault, stakes it in
// a Curve gauge or through Convex, and on harvest sells its rewards back into
// want, reports profit or loss to the vault and redeploys what the vault
// lends it. Emergency exit is one-way: once set, harvest unwinds everything
// and nothing is ever staked again.
package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/healthcheck"
	"github.com/roach88/strategyharness/internal/protocol"
	"github.com/roach88/strategyharness/internal/token"
	"github.com/roach88/strategyharness/internal/vault"
	"github.com/roach88/strategyharness/internal/yield"
)

// APIVersion is the BaseStrategy API version.
const APIVersion = "0.4.3"

// Trigger defaults from BaseStrategy.
const (
	DefaultMinReportDelay = 0
	DefaultMaxReportDelay = 86_400
	DefaultProfitFactor   = 100
)

// ReasonUnsupported is returned by Convex-only calls on a Curve strategy.
const ReasonUnsupported = "!convex"

// Config wires a strategy to its collaborators.
type Config struct {
	Address common.Address
	Name    string
	Flavour Flavour
	Vault   *vault.Vault
	Want    *token.Token
	CRV     *token.Token
	// Rewards are sold for want on every harvest, CRV included.
	Rewards     []*token.Token
	Gauge       *yield.Gauge
	Booster     *yield.Booster
	Router      *yield.Router
	Oracle      *yield.Oracle
	HealthCheck *healthcheck.HealthCheck
	Voter       common.Address
	KeepCRVBps  uint64
	Strategist  common.Address
	Keeper      common.Address
	Logger      *slog.Logger
}

type state struct {
	emergencyExit  bool
	doHealthCheck  bool
	claimRewards   bool
	keeper         common.Address
	strategist     common.Address
	keepCRVBps     uint64
	minReportDelay uint64
	maxReportDelay uint64
	profitFactor   uint64
	debtThreshold  uint256.Int
}

// Strategy is the simulated strategy contract.
type Strategy struct {
	chain   *chain.Chain
	addr    common.Address
	name    string
	flavour Flavour
	vault   *vault.Vault
	want    *token.Token
	crv     *token.Token
	rewards []*token.Token
	pos     position
	booster *yield.Booster
	router  *yield.Router
	oracle  *yield.Oracle
	health  *healthcheck.HealthCheck
	voter   common.Address
	logger  *slog.Logger
	st      state
}

var (
	_ protocol.Strategy = (*Strategy)(nil)
	_ vault.Strategy    = (*Strategy)(nil)
)

// New deploys a strategy and approves its vault to pull want.
func New(ctx context.Context, c *chain.Chain, cfg Config) (*Strategy, error) {
	s := &Strategy{
		chain:   c,
		addr:    cfg.Address,
		name:    cfg.Name,
		flavour: cfg.Flavour,
		vault:   cfg.Vault,
		want:    cfg.Want,
		crv:     cfg.CRV,
		rewards: cfg.Rewards,
		router:  cfg.Router,
		oracle:  cfg.Oracle,
		health:  cfg.HealthCheck,
		voter:   cfg.Voter,
		logger:  cfg.Logger,
		st: state{
			doHealthCheck:  true,
			keeper:         cfg.Keeper,
			strategist:     cfg.Strategist,
			keepCRVBps:     cfg.KeepCRVBps,
			minReportDelay: DefaultMinReportDelay,
			maxReportDelay: DefaultMaxReportDelay,
			profitFactor:   DefaultProfitFactor,
		},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("strategy", cfg.Name, "address", cfg.Address.Hex())

	switch cfg.Flavour {
	case Curve:
		if cfg.Gauge == nil {
			return nil, fmt.Errorf("curve strategy %s needs a gauge", cfg.Name)
		}
		s.pos = gaugePosition{gauge: cfg.Gauge}
	case Convex:
		if cfg.Booster == nil {
			return nil, fmt.Errorf("convex strategy %s needs a booster", cfg.Name)
		}
		s.pos = convexPosition{booster: cfg.Booster}
		s.booster = cfg.Booster
	default:
		return nil, fmt.Errorf("unknown strategy flavour %q", cfg.Flavour)
	}
	if cfg.Vault == nil || cfg.Want == nil || cfg.Router == nil || cfg.Oracle == nil {
		return nil, fmt.Errorf("strategy %s: vault, want, router and oracle are required", cfg.Name)
	}

	if err := c.Register(s.addr, s); err != nil {
		return nil, err
	}
	if _, err := s.want.Approve(ctx, s.addr, s.vault.Address(), protocol.MaxUint256()); err != nil {
		return nil, fmt.Errorf("approve vault: %w", err)
	}
	return s, nil
}

// Checkpoint implements chain.Stateful.
func (s *Strategy) Checkpoint() any { return s.st }

// Rollback implements chain.Stateful.
func (s *Strategy) Rollback(st any) { s.st = st.(state) }

// Address implements protocol.Strategy.
func (s *Strategy) Address() common.Address { return s.addr }

// VaultAddress implements vault.Strategy.
func (s *Strategy) VaultAddress() common.Address { return s.vault.Address() }

// WantAddress implements vault.Strategy.
func (s *Strategy) WantAddress() common.Address { return s.want.Address() }

// Flavour returns the strategy flavour.
func (s *Strategy) Flavour() Flavour { return s.flavour }

// DepositToken returns the Convex deposit token, or nil for Curve.
func (s *Strategy) DepositToken() *token.Token {
	if s.booster == nil {
		return nil
	}
	return s.booster.DepositToken()
}

// TotalAssets implements vault.Strategy.
func (s *Strategy) TotalAssets() *uint256.Int {
	return new(uint256.Int).Add(s.want.Balance(s.addr), s.pos.staked(s.addr))
}

func (s *Strategy) governance() common.Address { return s.vault.Governance() }

func (s *Strategy) isKeeper(a common.Address) bool {
	return a == s.st.keeper || a == s.st.strategist || a == s.governance() ||
		a == s.vault.Guardian() || a == s.vault.Management()
}

func (s *Strategy) isVaultManager(a common.Address) bool {
	return a == s.governance() || a == s.vault.Management()
}

func (s *Strategy) isEmergencyAuthorized(a common.Address) bool {
	return a == s.st.strategist || a == s.governance() || a == s.vault.Guardian() || a == s.vault.Management()
}

func (s *Strategy) exec(ctx context.Context, from common.Address, fn func(tx *chain.Tx) error) (*protocol.Receipt, error) {
	return s.chain.Execute(ctx, from, fn)
}

func unauthorized() error { return protocol.Revert(protocol.ReasonNotAuthorized) }

// Harvest implements protocol.Strategy.
func (s *Strategy) Harvest(ctx context.Context, from common.Address) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		if !s.isKeeper(from) {
			return unauthorized()
		}
		return s.harvest(tx)
	})
}

func (s *Strategy) harvest(tx *chain.Tx) error {
	profit, loss, debtPayment := protocol.Zero(), protocol.Zero(), protocol.Zero()
	debtOutstanding := s.vault.DebtOutstanding(s.addr)

	if s.st.emergencyExit {
		freed, err := s.liquidateAll(tx)
		if err != nil {
			return err
		}
		switch {
		case freed.Lt(debtOutstanding):
			loss = new(uint256.Int).Sub(debtOutstanding, freed)
		case freed.Gt(debtOutstanding):
			profit = new(uint256.Int).Sub(freed, debtOutstanding)
		}
		debtPayment = new(uint256.Int).Sub(debtOutstanding, loss)
	} else {
		var err error
		profit, loss, debtPayment, err = s.prepareReturn(tx, debtOutstanding)
		if err != nil {
			return err
		}
	}

	totalDebt := s.vault.Params(s.addr).TotalDebt
	outstanding, err := s.vault.Report(tx, s.addr, profit, loss, debtPayment)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := s.adjustPosition(tx); err != nil {
		return err
	}

	if s.st.doHealthCheck && s.health != nil {
		if !s.health.Check(s.addr, profit, loss, debtPayment, outstanding, totalDebt) {
			return protocol.Revert(protocol.ReasonHealthCheck)
		}
	} else {
		s.st.doHealthCheck = true
		tx.Emit(s.addr, protocol.EventSetDoHealthCheck, map[string]any{"doHealthCheck": true})
	}

	tx.Emit(s.addr, protocol.EventHarvested, map[string]any{
		"profit":          profit,
		"loss":            loss,
		"debtPayment":     debtPayment,
		"debtOutstanding": outstanding,
	})
	s.logger.Debug("harvested",
		"profit", profit.Dec(), "loss", loss.Dec(),
		"debt_payment", debtPayment.Dec(), "debt_outstanding", outstanding.Dec())
	return nil
}

func (s *Strategy) prepareReturn(tx *chain.Tx, debtOutstanding *uint256.Int) (profit, loss, debtPayment *uint256.Int, err error) {
	profit, loss, debtPayment = protocol.Zero(), protocol.Zero(), protocol.Zero()

	if err = s.claimAndSell(tx); err != nil {
		return
	}

	if !debtOutstanding.IsZero() {
		if staked := s.pos.staked(s.addr); !staked.IsZero() {
			if err = s.pos.unstake(tx, s.addr, protocol.Min(staked, debtOutstanding), false); err != nil {
				return
			}
		}
		debtPayment = protocol.Min(debtOutstanding, s.want.Balance(s.addr))
	}

	assets := s.TotalAssets()
	debt := s.vault.Params(s.addr).TotalDebt
	if assets.Gt(debt) {
		profit = new(uint256.Int).Sub(assets, debt)
		need := new(uint256.Int).Add(profit, debtPayment)
		if need.Gt(s.want.Balance(s.addr)) {
			// only reachable after a donation to the strategy
			if _, err = s.liquidateAll(tx); err != nil {
				return
			}
		}
	} else {
		loss = new(uint256.Int).Sub(debt, assets)
	}
	return
}

// claimAndSell claims rewards, sends the keepCRV share to the voter and sells
// everything else for want.
func (s *Strategy) claimAndSell(tx *chain.Tx) error {
	s.pos.claim(tx, s.addr)

	if s.crv != nil && s.st.keepCRVBps > 0 {
		bal := s.crv.Balance(s.addr)
		keep := protocol.MulDiv(bal, uint256.NewInt(s.st.keepCRVBps), uint256.NewInt(protocol.MaxBPS))
		if !keep.IsZero() {
			if err := s.crv.Move(tx, s.addr, s.voter, keep); err != nil {
				return err
			}
		}
	}
	for _, r := range s.rewards {
		if _, err := s.router.Swap(tx, s.addr, r, r.Balance(s.addr)); err != nil {
			return fmt.Errorf("sell %s: %w", r.Address().Hex(), err)
		}
	}
	return nil
}

func (s *Strategy) adjustPosition(tx *chain.Tx) error {
	if s.st.emergencyExit {
		return nil
	}
	return s.pos.stake(tx, s.addr, s.want.Balance(s.addr))
}

func (s *Strategy) liquidateAll(tx *chain.Tx) (*uint256.Int, error) {
	if staked := s.pos.staked(s.addr); !staked.IsZero() {
		if err := s.pos.unstake(tx, s.addr, staked, s.st.claimRewards); err != nil {
			return nil, err
		}
	}
	return s.want.Balance(s.addr), nil
}

func (s *Strategy) liquidatePosition(tx *chain.Tx, needed *uint256.Int) (liquidated, loss *uint256.Int, err error) {
	bal := s.want.Balance(s.addr)
	if !needed.Gt(bal) {
		return new(uint256.Int).Set(needed), protocol.Zero(), nil
	}
	if staked := s.pos.staked(s.addr); !staked.IsZero() {
		short := new(uint256.Int).Sub(needed, bal)
		if err := s.pos.unstake(tx, s.addr, protocol.Min(staked, short), false); err != nil {
			return nil, nil, err
		}
	}
	liquidated = protocol.Min(needed, s.want.Balance(s.addr))
	return liquidated, new(uint256.Int).Sub(needed, liquidated), nil
}

// WithdrawTo implements vault.Strategy.
func (s *Strategy) WithdrawTo(tx *chain.Tx, caller common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if caller != s.vault.Address() {
		return nil, protocol.Revert(protocol.ReasonNotVault)
	}
	freed, loss, err := s.liquidatePosition(tx, amount)
	if err != nil {
		return nil, err
	}
	if err := s.want.Move(tx, s.addr, caller, freed); err != nil {
		return nil, err
	}
	return loss, nil
}

// MigrateTo implements vault.Strategy.
func (s *Strategy) MigrateTo(tx *chain.Tx, caller, newStrategy common.Address) error {
	if caller != s.vault.Address() {
		return protocol.Revert(protocol.ReasonNotVault)
	}
	c, ok := s.chain.Contract(newStrategy)
	if !ok {
		return protocol.Revert("no strategy at %s", newStrategy.Hex())
	}
	next, ok := c.(vault.Strategy)
	if !ok || next.VaultAddress() != s.vault.Address() {
		return protocol.Revert(protocol.ReasonNotVault)
	}

	if staked := s.pos.staked(s.addr); !staked.IsZero() {
		if err := s.pos.unstake(tx, s.addr, staked, true); err != nil {
			return err
		}
	}
	for _, r := range s.rewards {
		if bal := r.Balance(s.addr); !bal.IsZero() {
			if err := r.Move(tx, s.addr, newStrategy, bal); err != nil {
				return err
			}
		}
	}
	return s.want.Move(tx, s.addr, newStrategy, s.want.Balance(s.addr))
}

// Tend implements protocol.Strategy.
func (s *Strategy) Tend(ctx context.Context, from common.Address) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		if !s.isKeeper(from) {
			return unauthorized()
		}
		return s.adjustPosition(tx)
	})
}

// SetEmergencyExit implements protocol.Strategy.
func (s *Strategy) SetEmergencyExit(ctx context.Context, from common.Address) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		if !s.isEmergencyAuthorized(from) {
			return unauthorized()
		}
		s.st.emergencyExit = true
		if !s.vault.Params(s.addr).DebtRatio.IsZero() {
			if err := s.vault.Revoke(tx, s.addr, s.addr); err != nil {
				return err
			}
		}
		tx.Emit(s.addr, protocol.EventEmergencyExitEnabled, nil)
		s.logger.Info("emergency exit enabled", "by", from.Hex())
		return nil
	})
}

// SetDoHealthCheck implements protocol.Strategy.
func (s *Strategy) SetDoHealthCheck(ctx context.Context, from common.Address, enabled bool) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		if !s.isVaultManager(from) {
			return unauthorized()
		}
		s.st.doHealthCheck = enabled
		tx.Emit(s.addr, protocol.EventSetDoHealthCheck, map[string]any{"doHealthCheck": enabled})
		return nil
	})
}

// SetClaimRewards implements protocol.Strategy. Convex only.
func (s *Strategy) SetClaimRewards(ctx context.Context, from common.Address, claim bool) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		if s.flavour != Convex {
			return protocol.Revert(ReasonUnsupported)
		}
		if !s.isVaultManager(from) {
			return unauthorized()
		}
		s.st.claimRewards = claim
		return nil
	})
}

// WithdrawToConvexDepositTokens implements protocol.Strategy. The staked
// position is withdrawn as Convex deposit tokens and left in the strategy.
func (s *Strategy) WithdrawToConvexDepositTokens(ctx context.Context, from common.Address) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		if s.flavour != Convex {
			return protocol.Revert(ReasonUnsupported)
		}
		if !s.isVaultManager(from) {
			return unauthorized()
		}
		staked := s.pos.staked(s.addr)
		return s.booster.Rewards().Withdraw(tx, s.addr, staked, s.st.claimRewards)
	})
}

// Sweep implements protocol.Strategy. Want and vault shares cannot be swept.
func (s *Strategy) Sweep(ctx context.Context, from, tokenAddr common.Address) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		if from != s.governance() {
			return unauthorized()
		}
		if tokenAddr == s.want.Address() {
			return protocol.Revert(protocol.ReasonWant)
		}
		if tokenAddr == s.vault.Address() {
			return protocol.Revert(protocol.ReasonShares)
		}
		c, ok := s.chain.Contract(tokenAddr)
		if !ok {
			return protocol.Revert("no token at %s", tokenAddr.Hex())
		}
		t, ok := c.(*token.Token)
		if !ok {
			return protocol.Revert("%s is not a token", tokenAddr.Hex())
		}
		amount := t.Balance(s.addr)
		if err := t.Move(tx, s.addr, s.governance(), amount); err != nil {
			return err
		}
		tx.Emit(s.addr, protocol.EventSwept, map[string]any{"token": tokenAddr, "amount": amount})
		return nil
	})
}

// SetKeeper implements protocol.Strategy.
func (s *Strategy) SetKeeper(ctx context.Context, from, keeper common.Address) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		if from != s.st.strategist && from != s.governance() {
			return unauthorized()
		}
		s.st.keeper = keeper
		tx.Emit(s.addr, protocol.EventUpdatedKeeper, map[string]any{"newKeeper": keeper})
		return nil
	})
}

// Migrate implements protocol.Strategy. Only the vault may call it.
func (s *Strategy) Migrate(ctx context.Context, from, newStrategy common.Address) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		return s.MigrateTo(tx, from, newStrategy)
	})
}

// Withdraw implements protocol.Strategy. Only the vault may call it.
func (s *Strategy) Withdraw(ctx context.Context, from common.Address, amount *uint256.Int) (*protocol.Receipt, error) {
	return s.exec(ctx, from, func(tx *chain.Tx) error {
		_, err := s.WithdrawTo(tx, from, amount)
		return err
	})
}

// InjectLoss destroys up to amount of the staked position in the yield
// source, standing in for an exploit of the underlying pool.
func (s *Strategy) InjectLoss(ctx context.Context, amount *uint256.Int) (*protocol.Receipt, error) {
	return s.exec(ctx, chain.AddressFor("exploiter"), func(tx *chain.Tx) error {
		_, err := s.pos.slash(tx, s.addr, amount)
		return err
	})
}
