package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/fixture"
	"github.com/roach88/strategyharness/internal/healthcheck"
	"github.com/roach88/strategyharness/internal/protocol"
	"github.com/roach88/strategyharness/internal/strategy"
	"github.com/roach88/strategyharness/internal/token"
	"github.com/roach88/strategyharness/internal/vault"
	"github.com/roach88/strategyharness/internal/yield"
)

// ErrWhaleTooSmall is returned when the whale cannot fund two deposits.
var ErrWhaleTooSmall = errors.New("whale needs more funds")

type simulation struct {
	f        *fixture.Fixture
	logger   *slog.Logger
	chain    *chain.Chain
	accounts map[string]common.Address

	want, crv, cvx, extra, deposit *token.Token

	gauge   *yield.Gauge
	booster *yield.Booster
	router  *yield.Router
	oracle  *yield.Oracle
	health  *healthcheck.HealthCheck

	vault      *vault.Vault
	strategies map[string]*strategy.Strategy
}

// Simulated builds an in-process environment for f: tokens, the yield
// source, a vault with the strategy attached at full debt ratio, a second
// vault with its own strategy, and a funded whale.
func Simulated(ctx context.Context, f *fixture.Fixture, logger *slog.Logger) (*Environment, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &simulation{
		f:          f,
		logger:     logger,
		chain:      chain.New(chain.WithLogger(logger)),
		accounts:   accountsFor(f),
		strategies: make(map[string]*strategy.Strategy),
	}
	if err := s.deployTokens(); err != nil {
		return nil, fmt.Errorf("deploy tokens: %w", err)
	}
	if err := s.deployYieldSource(); err != nil {
		return nil, fmt.Errorf("deploy yield source: %w", err)
	}

	var err error
	vaultAddr := fixture.Address(f.VaultAddress, chain.AddressFor("vault:"+MainStrategy))
	if s.vault, err = s.deployVault(ctx, "Curve "+f.StrategyName, vaultAddr); err != nil {
		return nil, err
	}
	if _, err := s.vault.SetManagementFee(ctx, s.accounts["gov"], protocol.Zero()); err != nil {
		return nil, fmt.Errorf("set management fee: %w", err)
	}
	stratAddr := fixture.Address(f.StrategyAddress, chain.AddressFor("strategy:"+MainStrategy))
	if _, err := s.deployStrategy(ctx, MainStrategy, s.vault, stratAddr); err != nil {
		return nil, err
	}

	other, err := s.deployVault(ctx, "Other "+f.StrategyName, chain.AddressFor("vault:"+OtherVaultStrategy))
	if err != nil {
		return nil, err
	}
	otherAddr := fixture.Address(f.OtherVaultStrategy, chain.AddressFor("strategy:"+OtherVaultStrategy))
	if _, err := s.deployStrategy(ctx, OtherVaultStrategy, other, otherAddr); err != nil {
		return nil, err
	}

	if err := s.fund(ctx); err != nil {
		return nil, err
	}
	logger.Info("simulated environment ready",
		"fixture", f.Name,
		"flavour", s.flavour(),
		"vault", s.vault.Address().Hex(),
		"strategy", stratAddr.Hex(),
		"block", blockOf(s.chain))

	return s.environment(), nil
}

func blockOf(c *chain.Chain) uint64 {
	n, _ := c.BlockNumber(context.Background())
	return n
}

func (s *simulation) flavour() strategy.Flavour {
	if s.f.Toggles.IsConvex {
		return strategy.Convex
	}
	return strategy.Curve
}

func (s *simulation) deployTokens() error {
	f := s.f
	var err error
	if s.want, err = token.NewAt(s.chain, fixture.Address(f.TokenAddress, chain.AddressFor("token:LP")), "LP", 18); err != nil {
		return err
	}
	if s.crv, err = token.NewAt(s.chain, fixture.Address(f.CRVAddress, chain.AddressFor("token:CRV")), "CRV", 18); err != nil {
		return err
	}
	if s.cvx, err = token.NewAt(s.chain, fixture.Address(f.CVXAddress, chain.AddressFor("token:CVX")), "CVX", 18); err != nil {
		return err
	}
	if s.extra, err = token.New(s.chain, "REWARD", 18); err != nil {
		return err
	}
	s.deposit, err = token.New(s.chain, "cvxLP", 18)
	return err
}

// rate parses an emission rate; no_profit turns every stream off.
func (s *simulation) rate(v string) *uint256.Int {
	if s.f.Toggles.NoProfit {
		return protocol.Zero()
	}
	return protocol.MustParseAmount(v)
}

func (s *simulation) rewardTokens() []*token.Token {
	toks := []*token.Token{s.crv}
	if s.f.Toggles.IsConvex {
		toks = append(toks, s.cvx)
	}
	if s.f.Toggles.HasRewards {
		toks = append(toks, s.extra)
	}
	return toks
}

func (s *simulation) deployYieldSource() error {
	f, sim := s.f, s.f.Sim
	rewards := []yield.Reward{{Token: s.crv, Rate: s.rate(sim.CRVPerSecond)}}
	if f.Toggles.IsConvex {
		rewards = append(rewards, yield.Reward{Token: s.cvx, Rate: s.rate(sim.CVXPerSecond)})
	}
	if f.Toggles.HasRewards {
		rewards = append(rewards, yield.Reward{Token: s.extra, Rate: s.rate(sim.RewardsPerSecond)})
	}

	var err error
	if f.Toggles.IsConvex {
		if s.booster, err = yield.NewBooster(s.chain, f.PID, s.want, s.deposit, rewards); err != nil {
			return err
		}
	} else if s.gauge, err = yield.NewGauge(s.chain, s.want, rewards); err != nil {
		return err
	}

	if s.router, err = yield.NewRouter(s.chain, s.want, sim.SlippageBps); err != nil {
		return err
	}
	s.router.SetPrice(s.crv.Address(), protocol.MustParseAmount(sim.CRVPrice))
	s.router.SetPrice(s.cvx.Address(), protocol.MustParseAmount(sim.CVXPrice))
	s.router.SetPrice(s.extra.Address(), protocol.MustParseAmount(sim.RewardsPrice))
	s.oracle = yield.NewOracle(protocol.MustParseAmount(sim.WantPerETH))

	limits := healthcheck.Limits{ProfitLimitBps: sim.ProfitLimitBps, LossLimitBps: sim.LossLimitBps}
	s.health, err = healthcheck.New(s.chain, fixture.Address(f.HealthCheck, chain.AddressFor("healthcheck")), limits)
	return err
}

// deployVault mirrors the vault fixture: governance initializes with itself
// as management, hands management over, lifts the deposit limit, sets the
// performance fee and lets one block pass.
func (s *simulation) deployVault(ctx context.Context, name string, addr common.Address) (*vault.Vault, error) {
	gov := s.accounts["gov"]
	v, err := vault.New(s.chain, addr, s.want, vault.Config{
		Name:       name,
		Symbol:     "yvLP",
		Governance: gov,
		Management: gov,
		Guardian:   s.accounts["guardian"],
		Rewards:    s.accounts["rewards"],
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("deploy vault %s: %w", name, err)
	}
	steps := []func() error{
		func() error { _, err := v.SetManagement(ctx, gov, s.accounts["management"]); return err },
		func() error { _, err := v.SetDepositLimit(ctx, gov, protocol.MaxUint256()); return err },
		func() error {
			_, err := v.SetPerformanceFee(ctx, gov, uint256.NewInt(s.f.Sim.PerformanceFeeBps))
			return err
		},
		func() error { return s.chain.Sleep(ctx, 1) },
		func() error { return s.chain.Mine(ctx, 1) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, fmt.Errorf("set up vault %s: %w", name, err)
		}
	}
	return v, nil
}

// deployStrategy deploys a strategy with the strategist as its first keeper,
// hands keeping to the keeper account and, when v is given, adds it to v at
// full debt ratio.
func (s *simulation) deployStrategy(ctx context.Context, alias string, v *vault.Vault, addr common.Address) (*strategy.Strategy, error) {
	strategist := s.accounts["strategist"]
	st, err := strategy.New(ctx, s.chain, strategy.Config{
		Address:     addr,
		Name:        s.f.StrategyName,
		Flavour:     s.flavour(),
		Vault:       v,
		Want:        s.want,
		CRV:         s.crv,
		Rewards:     s.rewardTokens(),
		Gauge:       s.gauge,
		Booster:     s.booster,
		Router:      s.router,
		Oracle:      s.oracle,
		HealthCheck: s.health,
		Voter:       s.accounts["voter"],
		KeepCRVBps:  s.f.Sim.KeepCRVBps,
		Strategist:  strategist,
		Keeper:      strategist,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("deploy strategy %s: %w", alias, err)
	}
	if _, err := st.SetKeeper(ctx, strategist, s.accounts["keeper"]); err != nil {
		return nil, fmt.Errorf("set keeper of %s: %w", alias, err)
	}
	if alias == MainStrategy || alias == OtherVaultStrategy {
		params := protocol.AddStrategyParams{
			DebtRatio:         uint256.NewInt(protocol.MaxBPS),
			MinDebtPerHarvest: protocol.Zero(),
			MaxDebtPerHarvest: protocol.MaxUint256(),
			PerformanceFee:    protocol.Zero(),
		}
		if _, err := v.AddStrategy(ctx, s.accounts["gov"], addr, params); err != nil {
			return nil, fmt.Errorf("add strategy %s: %w", alias, err)
		}
	}
	s.strategies[alias] = st
	return st, nil
}

// fund mints the whale's want and the rewards whale's extra rewards.
func (s *simulation) fund(ctx context.Context) error {
	balance := protocol.MustParseAmount(s.f.Sim.WhaleBalance)
	if err := checkWhale(balance, s.f.AmountValue()); err != nil {
		return err
	}
	if _, err := s.want.Mint(ctx, s.accounts["whale"], balance); err != nil {
		return fmt.Errorf("fund whale: %w", err)
	}
	if s.f.Toggles.HasRewards {
		amount := protocol.MustParseAmount(s.f.RewardsAmount)
		if _, err := s.extra.Mint(ctx, s.accounts["rewards_whale"], amount); err != nil {
			return fmt.Errorf("fund rewards whale: %w", err)
		}
	}
	return nil
}

func (s *simulation) environment() *Environment {
	tokens := map[string]protocol.Token{
		TokenWant:       s.want,
		TokenCRV:        s.crv,
		TokenCVX:        s.cvx,
		TokenRewards:    s.extra,
		TokenCVXDeposit: s.deposit,
	}
	strategies := make(map[string]protocol.Strategy, len(s.strategies))
	for alias, st := range s.strategies {
		strategies[alias] = st
	}
	return &Environment{
		Fixture:    s.f,
		Backend:    fixture.BackendSim,
		Chain:      s.chain,
		Accounts:   s.accounts,
		Tokens:     tokens,
		Vault:      s.vault,
		Strategies: strategies,
		logger:     s.logger,
		deployer: func(ctx context.Context, alias string) (protocol.Strategy, error) {
			return s.deployStrategy(ctx, alias, s.vault, chain.AddressFor("strategy:"+alias))
		},
		injector: func(ctx context.Context, alias string, amount *uint256.Int) error {
			st, ok := s.strategies[alias]
			if !ok {
				return fmt.Errorf("strategy %q is not simulated", alias)
			}
			_, err := st.InjectLoss(ctx, amount)
			return err
		},
	}
}
