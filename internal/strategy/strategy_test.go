package strategy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strategyharness/internal/chain"
	"github.com/roach88/strategyharness/internal/healthcheck"
	"github.com/roach88/strategyharness/internal/protocol"
	"github.com/roach88/strategyharness/internal/token"
	"github.com/roach88/strategyharness/internal/vault"
	"github.com/roach88/strategyharness/internal/yield"
)

var (
	gov        = chain.AddressFor("gov")
	guardian   = chain.AddressFor("guardian")
	strategist = chain.AddressFor("strategist")
	keeper     = chain.AddressFor("keeper")
	voter      = chain.AddressFor("voter")
	whale      = chain.AddressFor("whale")
	nobody     = chain.AddressFor("nobody")
)

// crvRate pays 1e10 CRV per second per 1e18 staked.
var crvRate = uint256.NewInt(10_000_000_000)

type env struct {
	ctx     context.Context
	chain   *chain.Chain
	logger  *slog.Logger
	want    *token.Token
	crv     *token.Token
	cvx     *token.Token
	deposit *token.Token
	gauge   *yield.Gauge
	booster *yield.Booster
	router  *yield.Router
	oracle  *yield.Oracle
	health  *healthcheck.HealthCheck
	vault   *vault.Vault
	strat   *Strategy
}

func newEnv(t *testing.T, flavour Flavour, rate *uint256.Int) *env {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := chain.New(chain.WithLogger(logger))
	e := &env{ctx: ctx, chain: c, logger: logger}

	var err error
	e.want, err = token.New(c, "LP", 18)
	require.NoError(t, err)
	e.crv, err = token.New(c, "CRV", 18)
	require.NoError(t, err)
	e.cvx, err = token.New(c, "CVX", 18)
	require.NoError(t, err)
	e.deposit, err = token.New(c, "cvxLP", 18)
	require.NoError(t, err)

	e.gauge, err = yield.NewGauge(c, e.want, []yield.Reward{{Token: e.crv, Rate: rate}})
	require.NoError(t, err)
	e.booster, err = yield.NewBooster(c, 7, e.want, e.deposit, []yield.Reward{
		{Token: e.crv, Rate: rate},
		{Token: e.cvx, Rate: rate},
	})
	require.NoError(t, err)
	e.router, err = yield.NewRouter(c, e.want, 0)
	require.NoError(t, err)
	e.router.SetPrice(e.crv.Address(), protocol.Ether(1))
	e.router.SetPrice(e.cvx.Address(), protocol.Ether(1))
	e.oracle = yield.NewOracle(protocol.Ether(2))
	e.health, err = healthcheck.New(c, chain.AddressFor("healthcheck"), healthcheck.DefaultLimits())
	require.NoError(t, err)

	e.vault = e.newVault(t, "vault")
	e.strat = e.newStrategy(t, "strategy", flavour, e.vault)
	e.addStrategy(t, e.vault, e.strat)

	_, err = e.want.Mint(ctx, whale, protocol.Ether(10_000))
	require.NoError(t, err)
	_, err = e.want.Approve(ctx, whale, e.vault.Address(), protocol.MaxUint256())
	require.NoError(t, err)
	return e
}

func (e *env) newVault(t *testing.T, label string) *vault.Vault {
	t.Helper()
	v, err := vault.New(e.chain, chain.AddressFor(label), e.want, vault.Config{
		Name:       "LP yVault",
		Symbol:     "yvLP",
		Governance: gov,
		Management: gov,
		Guardian:   guardian,
		Rewards:    chain.AddressFor("treasury"),
	}, e.logger)
	require.NoError(t, err)
	_, err = v.SetDepositLimit(e.ctx, gov, protocol.MaxUint256())
	require.NoError(t, err)
	_, err = v.SetManagementFee(e.ctx, gov, protocol.Zero())
	require.NoError(t, err)
	return v
}

func (e *env) newStrategy(t *testing.T, label string, flavour Flavour, v *vault.Vault) *Strategy {
	t.Helper()
	rewards := []*token.Token{e.crv}
	if flavour == Convex {
		rewards = append(rewards, e.cvx)
	}
	s, err := New(e.ctx, e.chain, Config{
		Address:     chain.AddressFor(label),
		Name:        "StrategyCurve" + label,
		Flavour:     flavour,
		Vault:       v,
		Want:        e.want,
		CRV:         e.crv,
		Rewards:     rewards,
		Gauge:       e.gauge,
		Booster:     e.booster,
		Router:      e.router,
		Oracle:      e.oracle,
		HealthCheck: e.health,
		Voter:       voter,
		KeepCRVBps:  1_000,
		Strategist:  strategist,
		Keeper:      keeper,
		Logger:      e.logger,
	})
	require.NoError(t, err)
	return s
}

func (e *env) addStrategy(t *testing.T, v *vault.Vault, s *Strategy) {
	t.Helper()
	_, err := v.AddStrategy(e.ctx, gov, s.Address(), protocol.AddStrategyParams{
		DebtRatio:         uint256.NewInt(protocol.MaxBPS),
		MaxDebtPerHarvest: protocol.MaxUint256(),
	})
	require.NoError(t, err)
}

func (e *env) depositAndHarvest(t *testing.T, amount uint64) {
	t.Helper()
	_, err := e.vault.Deposit(e.ctx, whale, protocol.Ether(amount))
	require.NoError(t, err)
	_, err = e.strat.Harvest(e.ctx, keeper)
	require.NoError(t, err)
}

func (e *env) assets(t *testing.T, s *Strategy) *uint256.Int {
	t.Helper()
	a, err := s.EstimatedTotalAssets(e.ctx)
	require.NoError(t, err)
	return a
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, reason, protocol.RevertReason(err), "error: %v", err)
}

func TestNew_RejectsMissingYieldSource(t *testing.T) {
	c := chain.New()
	want, err := token.New(c, "LP", 18)
	require.NoError(t, err)
	_, err = New(context.Background(), c, Config{Name: "x", Flavour: Curve, Want: want})
	assert.ErrorContains(t, err, "needs a gauge")
	_, err = New(context.Background(), c, Config{Name: "x", Flavour: "balancer"})
	assert.ErrorContains(t, err, "unknown strategy flavour")
}

func TestHarvest_FirstHarvestStakesCredit(t *testing.T) {
	for _, flavour := range []Flavour{Curve, Convex} {
		t.Run(string(flavour), func(t *testing.T) {
			e := newEnv(t, flavour, crvRate)
			e.depositAndHarvest(t, 1_000)

			staked, err := e.strat.StakedBalance(e.ctx)
			require.NoError(t, err)
			assert.Equal(t, protocol.Ether(1_000), staked)
			assert.True(t, e.want.Balance(e.strat.Address()).IsZero())
			assert.Equal(t, protocol.Ether(1_000), e.vault.Params(e.strat.Address()).TotalDebt)
		})
	}
}

func TestHarvest_SellsRewardsAndKeepsCRV(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	e.depositAndHarvest(t, 1_000)

	require.NoError(t, e.chain.Sleep(e.ctx, 21_600))
	r, err := e.strat.Harvest(e.ctx, keeper)
	require.NoError(t, err)

	// 1000e18 staked * 1e10/s * 21600s = 2.16e17 CRV; 10% kept.
	report, err := protocol.HarvestReportFrom(r)
	require.NoError(t, err)
	assert.Equal(t, "194400000000000000", report.Profit.Dec())
	assert.True(t, report.Loss.IsZero())
	assert.Equal(t, "21600000000000000", e.crv.Balance(voter).Dec())
	assert.Equal(t, report.Profit, e.want.Balance(e.vault.Address()))
	assert.True(t, e.crv.Balance(e.strat.Address()).IsZero())

	require.NoError(t, e.chain.Sleep(e.ctx, 86_400))
	require.NoError(t, e.chain.Mine(e.ctx, 1))
	pps, err := e.vault.PricePerShare(e.ctx)
	require.NoError(t, err)
	assert.True(t, pps.Gt(protocol.Ether(1)), "pps %s", pps.Dec())
}

func TestHarvest_ConvexSellsCVX(t *testing.T) {
	e := newEnv(t, Convex, crvRate)
	e.depositAndHarvest(t, 1_000)

	require.NoError(t, e.chain.Sleep(e.ctx, 21_600))
	r, err := e.strat.Harvest(e.ctx, keeper)
	require.NoError(t, err)

	report, err := protocol.HarvestReportFrom(r)
	require.NoError(t, err)
	// 1.944e17 from CRV plus 2.16e17 from CVX.
	assert.Equal(t, "410400000000000000", report.Profit.Dec())
	assert.True(t, e.cvx.Balance(e.strat.Address()).IsZero())
}

func TestHarvest_OnlyKeepers(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	_, err := e.strat.Harvest(e.ctx, nobody)
	requireReason(t, err, protocol.ReasonNotAuthorized)

	for _, who := range []common.Address{keeper, strategist, gov, guardian} {
		_, err := e.strat.Harvest(e.ctx, who)
		assert.NoError(t, err)
	}
}

func TestTend_GuardianIsKeeper(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	e.depositAndHarvest(t, 1_000)

	_, err := e.strat.Tend(e.ctx, nobody)
	requireReason(t, err, protocol.ReasonNotAuthorized)

	before := e.assets(t, e.strat)
	_, err = e.strat.Tend(e.ctx, guardian)
	require.NoError(t, err)
	assert.Equal(t, before, e.assets(t, e.strat))
}

func TestHarvest_HealthCheckBlocksLargeProfit(t *testing.T) {
	e := newEnv(t, Curve, uint256.NewInt(0))
	e.depositAndHarvest(t, 1_000)

	// a 10% donation is above the 1% profit limit
	_, err := e.want.Mint(e.ctx, e.strat.Address(), protocol.Ether(100))
	require.NoError(t, err)
	_, err = e.strat.Harvest(e.ctx, keeper)
	requireReason(t, err, protocol.ReasonHealthCheck)

	_, err = e.strat.SetDoHealthCheck(e.ctx, nobody, false)
	requireReason(t, err, protocol.ReasonNotAuthorized)
	_, err = e.strat.SetDoHealthCheck(e.ctx, gov, false)
	require.NoError(t, err)

	r, err := e.strat.Harvest(e.ctx, keeper)
	require.NoError(t, err)
	report, err := protocol.HarvestReportFrom(r)
	require.NoError(t, err)
	assert.Equal(t, protocol.Ether(100), report.Profit)

	on, err := e.strat.DoHealthCheck(e.ctx)
	require.NoError(t, err)
	assert.True(t, on, "skipping the check re-enables it")
}

func TestHarvest_InjectedLossIsReported(t *testing.T) {
	e := newEnv(t, Convex, uint256.NewInt(0))
	e.depositAndHarvest(t, 1_000)

	_, err := e.strat.InjectLoss(e.ctx, protocol.Ether(10))
	require.NoError(t, err)
	assert.Equal(t, protocol.Ether(990), e.assets(t, e.strat))

	_, err = e.strat.Harvest(e.ctx, keeper)
	requireReason(t, err, protocol.ReasonHealthCheck)

	_, err = e.strat.SetDoHealthCheck(e.ctx, gov, false)
	require.NoError(t, err)
	r, err := e.strat.Harvest(e.ctx, keeper)
	require.NoError(t, err)
	report, err := protocol.HarvestReportFrom(r)
	require.NoError(t, err)
	assert.Equal(t, protocol.Ether(10), report.Loss)

	p := e.vault.Params(e.strat.Address())
	assert.Equal(t, protocol.Ether(10), p.TotalLoss)
	assert.Equal(t, protocol.Ether(990), p.TotalDebt)
}

func TestEmergencyExit_UnwindsToZero(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	e.depositAndHarvest(t, 1_000)
	require.NoError(t, e.chain.Sleep(e.ctx, 3_600))

	_, err := e.strat.SetEmergencyExit(e.ctx, nobody)
	requireReason(t, err, protocol.ReasonNotAuthorized)
	r, err := e.strat.SetEmergencyExit(e.ctx, strategist)
	require.NoError(t, err)
	_, ok := r.Find(protocol.EventEmergencyExitEnabled)
	assert.True(t, ok)
	assert.True(t, e.vault.Params(e.strat.Address()).DebtRatio.IsZero())

	_, err = e.strat.Harvest(e.ctx, keeper)
	require.NoError(t, err)
	assert.True(t, e.assets(t, e.strat).IsZero())
	assert.True(t, e.vault.Params(e.strat.Address()).TotalDebt.IsZero())
	assert.True(t, e.want.Balance(e.vault.Address()).Cmp(protocol.Ether(1_000)) >= 0)

	// further deposits and harvests never re-stake
	_, err = e.vault.Deposit(e.ctx, whale, protocol.Ether(100))
	require.NoError(t, err)
	_, err = e.strat.Tend(e.ctx, keeper)
	require.NoError(t, err)
	_, err = e.strat.Harvest(e.ctx, keeper)
	require.NoError(t, err)
	assert.True(t, e.assets(t, e.strat).IsZero())

	exit, err := e.strat.EmergencyExit(e.ctx)
	require.NoError(t, err)
	assert.True(t, exit)
	active, err := e.strat.IsActive(e.ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestHarvest_ZeroDebtRatioUnwinds(t *testing.T) {
	e := newEnv(t, Convex, crvRate)
	e.depositAndHarvest(t, 1_000)

	_, err := e.vault.UpdateStrategyDebtRatio(e.ctx, gov, e.strat.Address(), uint256.NewInt(0))
	require.NoError(t, err)
	_, err = e.strat.Harvest(e.ctx, keeper)
	require.NoError(t, err)

	assert.True(t, e.assets(t, e.strat).IsZero())
	debt, err := e.vault.TotalDebt(e.ctx)
	require.NoError(t, err)
	assert.True(t, debt.IsZero())
	assert.True(t, e.want.Balance(e.vault.Address()).Cmp(protocol.Ether(1_000)) >= 0)
}

func TestWithdraw_OnlyVault(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	e.depositAndHarvest(t, 1_000)

	_, err := e.strat.Withdraw(e.ctx, whale, protocol.Ether(1))
	requireReason(t, err, protocol.ReasonNotVault)
	_, err = e.strat.Migrate(e.ctx, gov, chain.AddressFor("elsewhere"))
	requireReason(t, err, protocol.ReasonNotVault)
}

func TestVaultWithdraw_PullsFromStake(t *testing.T) {
	e := newEnv(t, Convex, uint256.NewInt(0))
	e.depositAndHarvest(t, 1_000)

	_, err := e.vault.Withdraw(e.ctx, whale, protocol.WithdrawRequest{MaxShares: protocol.Ether(400)})
	require.NoError(t, err)
	assert.Equal(t, protocol.Ether(9_400), e.want.Balance(whale))
	assert.Equal(t, protocol.Ether(600), e.assets(t, e.strat))
}

func TestMigrate_MovesEverything(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	e.depositAndHarvest(t, 1_000)
	next := e.newStrategy(t, "strategy-v2", Curve, e.vault)

	_, err := e.vault.MigrateStrategy(e.ctx, gov, e.strat.Address(), next.Address())
	require.NoError(t, err)

	assert.True(t, e.assets(t, e.strat).IsZero())
	assert.Equal(t, protocol.Ether(1_000), e.assets(t, next))
	assert.Equal(t, protocol.Ether(1_000), e.vault.Params(next.Address()).TotalDebt)
	assert.False(t, e.crv.Balance(next.Address()).IsZero(), "claimed CRV moves with the position")

	_, err = next.Harvest(e.ctx, keeper)
	require.NoError(t, err)
	staked, err := next.StakedBalance(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Ether(1_000), staked)
}

func TestMigrate_RejectsOtherVault(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	e.depositAndHarvest(t, 1_000)
	other := e.newVault(t, "other-vault")
	stranger := e.newStrategy(t, "other-strategy", Curve, other)

	_, err := e.vault.MigrateStrategy(e.ctx, gov, e.strat.Address(), stranger.Address())
	requireReason(t, err, protocol.ReasonNotVault)
	assert.Equal(t, protocol.Ether(1_000), e.assets(t, e.strat))
	assert.Equal(t, uint256.NewInt(protocol.MaxBPS), e.vault.Params(e.strat.Address()).DebtRatio)
}

func TestConvex_WithdrawToDepositTokensAndSweep(t *testing.T) {
	e := newEnv(t, Convex, crvRate)
	e.depositAndHarvest(t, 1_000)

	_, err := e.strat.WithdrawToConvexDepositTokens(e.ctx, nobody)
	requireReason(t, err, protocol.ReasonNotAuthorized)
	_, err = e.strat.WithdrawToConvexDepositTokens(e.ctx, gov)
	require.NoError(t, err)

	staked, err := e.strat.StakedBalance(e.ctx)
	require.NoError(t, err)
	assert.True(t, staked.IsZero())
	assert.Equal(t, protocol.Ether(1_000), e.deposit.Balance(e.strat.Address()))

	_, err = e.strat.Sweep(e.ctx, strategist, e.deposit.Address())
	requireReason(t, err, protocol.ReasonNotAuthorized)
	_, err = e.strat.Sweep(e.ctx, gov, e.want.Address())
	requireReason(t, err, protocol.ReasonWant)
	_, err = e.strat.Sweep(e.ctx, gov, e.vault.Address())
	requireReason(t, err, protocol.ReasonShares)

	r, err := e.strat.Sweep(e.ctx, gov, e.deposit.Address())
	require.NoError(t, err)
	_, ok := r.Find(protocol.EventSwept)
	assert.True(t, ok)
	assert.Equal(t, protocol.Ether(1_000), e.deposit.Balance(gov))
	assert.True(t, e.assets(t, e.strat).IsZero())
}

func TestConvexOnlyCallsRevertOnCurve(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	_, err := e.strat.WithdrawToConvexDepositTokens(e.ctx, gov)
	requireReason(t, err, ReasonUnsupported)
	_, err = e.strat.SetClaimRewards(e.ctx, gov, true)
	requireReason(t, err, ReasonUnsupported)
}

func TestSetClaimRewards(t *testing.T) {
	e := newEnv(t, Convex, crvRate)
	_, err := e.strat.SetClaimRewards(e.ctx, gov, true)
	require.NoError(t, err)
	assert.True(t, e.strat.ClaimRewards())
}

func TestSetKeeper(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	_, err := e.strat.SetKeeper(e.ctx, nobody, nobody)
	requireReason(t, err, protocol.ReasonNotAuthorized)

	r, err := e.strat.SetKeeper(e.ctx, strategist, nobody)
	require.NoError(t, err)
	_, ok := r.Find(protocol.EventUpdatedKeeper)
	assert.True(t, ok)
	assert.Equal(t, nobody, e.strat.Keeper())

	_, err = e.strat.Tend(e.ctx, nobody)
	assert.NoError(t, err)
	_, err = e.strat.Tend(e.ctx, keeper)
	requireReason(t, err, protocol.ReasonNotAuthorized)
}

func TestHarvestTrigger(t *testing.T) {
	e := newEnv(t, Curve, crvRate)
	unadded := e.newStrategy(t, "unadded", Curve, e.vault)
	fire, err := unadded.HarvestTrigger(e.ctx, protocol.Zero())
	require.NoError(t, err)
	assert.False(t, fire, "not activated")

	_, err = e.vault.Deposit(e.ctx, whale, protocol.Ether(1_000))
	require.NoError(t, err)
	fire, err = e.strat.HarvestTrigger(e.ctx, protocol.Zero())
	require.NoError(t, err)
	assert.True(t, fire, "credit available")

	_, err = e.strat.Harvest(e.ctx, keeper)
	require.NoError(t, err)
	fire, err = e.strat.HarvestTrigger(e.ctx, protocol.Zero())
	require.NoError(t, err)
	assert.False(t, fire, "just harvested")

	require.NoError(t, e.chain.Sleep(e.ctx, DefaultMaxReportDelay))
	fire, err = e.strat.HarvestTrigger(e.ctx, protocol.Ether(1))
	require.NoError(t, err)
	assert.True(t, fire, "max report delay")
}

func TestViews(t *testing.T) {
	e := newEnv(t, Convex, crvRate)

	v, err := e.strat.APIVersion(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.4.3", v)

	got, err := e.strat.EthToWant(e.ctx, protocol.Zero())
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	got, err = e.strat.EthToWant(e.ctx, protocol.Ether(1))
	require.NoError(t, err)
	assert.Equal(t, protocol.Ether(2), got)

	tend, err := e.strat.TendTrigger(e.ctx, protocol.Zero())
	require.NoError(t, err)
	assert.False(t, tend)

	addr, err := e.strat.Vault(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, e.vault.Address(), addr)
	want, err := e.strat.Want(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, e.want.Address(), want)
	assert.Equal(t, e.deposit, e.strat.DepositToken())
}

func TestRevertedHarvestLeavesStateUntouched(t *testing.T) {
	e := newEnv(t, Curve, uint256.NewInt(0))
	e.depositAndHarvest(t, 1_000)
	_, err := e.strat.SetDoHealthCheck(e.ctx, gov, true)
	require.NoError(t, err)

	_, err = e.want.Mint(e.ctx, e.strat.Address(), protocol.Ether(500))
	require.NoError(t, err)
	_, err = e.strat.Harvest(e.ctx, keeper)
	require.Error(t, err)

	assert.Equal(t, protocol.Ether(500), e.want.Balance(e.strat.Address()))
	assert.Equal(t, protocol.Ether(1_000), e.vault.Params(e.strat.Address()).TotalDebt)
}
