package deploy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strategyharness/internal/fixture"
	"github.com/roach88/strategyharness/internal/protocol"
	"github.com/roach88/strategyharness/internal/strategy"
	"github.com/roach88/strategyharness/internal/vault"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func loadProfile(t *testing.T, name string) *fixture.Fixture {
	t.Helper()
	f, err := fixture.Resolve("", name)
	require.NoError(t, err)
	return f
}

func simulated(t *testing.T, f *fixture.Fixture) *Environment {
	t.Helper()
	env, err := New(context.Background(), f, discard())
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

func TestSimulated_Wiring(t *testing.T) {
	ctx := context.Background()
	f := loadProfile(t, "fantom-mim")
	env := simulated(t, f)

	assert.Equal(t, fixture.BackendSim, env.Backend)
	assert.Equal(t, common.HexToAddress(f.TokenAddress), env.Tokens[TokenWant].Address())

	params, err := env.Vault.Strategies(ctx, env.Strategies[MainStrategy].Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(protocol.MaxBPS), params.DebtRatio.Uint64())
	assert.True(t, protocol.IsMax(params.MaxDebtPerHarvest))

	limit, err := env.Vault.DepositLimit(ctx)
	require.NoError(t, err)
	assert.True(t, protocol.IsMax(limit))

	v := env.Vault.(*vault.Vault)
	assert.Equal(t, uint64(0), v.ManagementFee())
	assert.Equal(t, uint64(1_000), v.PerformanceFee())
	assert.Equal(t, env.Accounts["management"], v.Management())

	main := env.Strategies[MainStrategy].(*strategy.Strategy)
	assert.Equal(t, strategy.Curve, main.Flavour())
	assert.Equal(t, env.Accounts["keeper"], main.Keeper())

	other, err := env.Strategy(OtherVaultStrategy)
	require.NoError(t, err)
	otherVault, err := other.Vault(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, env.Vault.Address(), otherVault)

	bal, err := env.Tokens[TokenWant].BalanceOf(ctx, env.Accounts["whale"])
	require.NoError(t, err)
	assert.Equal(t, protocol.MustParseAmount("100_000e18"), bal)

	rewards, err := env.Tokens[TokenRewards].BalanceOf(ctx, env.Accounts["rewards_whale"])
	require.NoError(t, err)
	assert.True(t, rewards.IsZero(), "has_rewards is off")
}

func TestSimulated_Convex(t *testing.T) {
	f := loadProfile(t, "mainnet-convex")
	env := simulated(t, f)

	main := env.Strategies[MainStrategy].(*strategy.Strategy)
	assert.Equal(t, strategy.Convex, main.Flavour())
	assert.Equal(t, common.HexToAddress(f.VaultAddress), env.Vault.Address())
	assert.Equal(t, main.DepositToken().Address(), env.Tokens[TokenCVXDeposit].Address())
}

func TestSimulated_WhaleTooSmall(t *testing.T) {
	f := loadProfile(t, "fantom-mim")
	f.Sim.WhaleBalance = "69_999e18"

	_, err := Simulated(context.Background(), f, discard())
	assert.ErrorIs(t, err, ErrWhaleTooSmall)
	assert.ErrorContains(t, err, "whale needs more funds")
}

func TestSimulated_FundsRewardsWhale(t *testing.T) {
	f := loadProfile(t, "fantom-mim")
	f.Toggles.HasRewards = true
	env := simulated(t, f)

	bal, err := env.Tokens[TokenRewards].BalanceOf(context.Background(), env.Accounts["rewards_whale"])
	require.NoError(t, err)
	assert.Equal(t, protocol.MustParseAmount(f.RewardsAmount), bal)
}

func TestEnvironment_Resolve(t *testing.T) {
	env := simulated(t, loadProfile(t, "fantom-mim"))

	tests := []struct {
		name string
		want common.Address
	}{
		{"gov", common.HexToAddress("0xFEB4acf3df3cDEA7399794D0869ef76A6EfAff52")},
		{"whale", common.HexToAddress("0x8866414733F22295b7563f9C5299715D2D76CAf4")},
		{"vault", env.Vault.Address()},
		{"strategy", env.Strategies[MainStrategy].Address()},
		{"token", env.Tokens[TokenWant].Address()},
		{"0x000000000000000000000000000000000000dEaD", common.HexToAddress("0x000000000000000000000000000000000000dEaD")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.Resolve(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := env.Resolve("treasury")
	assert.ErrorContains(t, err, `unknown name "treasury"`)
	_, err = env.Strategy("nope")
	assert.ErrorContains(t, err, `unknown strategy "nope"`)
	_, err = env.Token("nope")
	assert.ErrorContains(t, err, `unknown token "nope"`)
}

func TestEnvironment_DeployStrategy(t *testing.T) {
	ctx := context.Background()
	env := simulated(t, loadProfile(t, "fantom-mim"))

	id, err := env.Chain.Snapshot(ctx)
	require.NoError(t, err)

	fresh, err := env.DeployStrategy(ctx, "new_strategy")
	require.NoError(t, err)
	assert.NotEqual(t, env.Strategies[MainStrategy].Address(), fresh.Address())
	vaultAddr, err := fresh.Vault(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.Vault.Address(), vaultAddr)

	params, err := env.Vault.Strategies(ctx, fresh.Address())
	require.NoError(t, err)
	assert.Zero(t, params.Activation, "fresh strategies are not added")

	_, err = env.DeployStrategy(ctx, "new_strategy")
	assert.ErrorContains(t, err, "already in use")

	require.NoError(t, env.Chain.Revert(ctx, id))
	env.ForgetStrategy("new_strategy")
	env.ForgetStrategy(MainStrategy)
	assert.NotContains(t, env.Strategies, "new_strategy")
	assert.Contains(t, env.Strategies, MainStrategy)

	_, err = env.DeployStrategy(ctx, "new_strategy")
	require.NoError(t, err, "the same alias deploys again after a revert")
}

func TestEnvironment_InjectLoss(t *testing.T) {
	ctx := context.Background()
	env := simulated(t, loadProfile(t, "fantom-mim"))
	whale, keeper := env.Accounts["whale"], env.Accounts["keeper"]
	amount := env.Fixture.AmountValue()

	_, err := env.Tokens[TokenWant].Approve(ctx, whale, env.Vault.Address(), protocol.MaxUint256())
	require.NoError(t, err)
	_, err = env.Vault.Deposit(ctx, whale, amount)
	require.NoError(t, err)
	s := env.Strategies[MainStrategy]
	_, err = s.Harvest(ctx, keeper)
	require.NoError(t, err)

	require.NoError(t, env.InjectLoss(ctx, MainStrategy, protocol.Ether(1_000)))
	assets, err := s.EstimatedTotalAssets(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MustParseAmount("34_000e18"), assets)

	assert.ErrorContains(t, env.InjectLoss(ctx, "ghost", protocol.Ether(1)), "unknown strategy")
}

func TestNew_UnknownBackend(t *testing.T) {
	f := &fixture.Fixture{Chain: fixture.Chain{Backend: "tenderly"}}
	_, err := New(context.Background(), f, discard())
	assert.ErrorContains(t, err, `unknown backend "tenderly"`)
}

func TestAttach_Errors(t *testing.T) {
	f := &fixture.Fixture{Chain: fixture.Chain{Backend: fixture.BackendRPC, Node: "anvil"}}
	_, err := Attach(context.Background(), f, discard())
	assert.ErrorContains(t, err, "rpc url required")

	_, err = attach(context.Background(), nil, f, discard())
	assert.ErrorContains(t, err, "needs vault_address and strategy_address")
}

func TestCheckWhale(t *testing.T) {
	assert.NoError(t, checkWhale(protocol.Ether(2_000), protocol.Ether(1_000)))

	err := checkWhale(protocol.Ether(1_999), protocol.Ether(1_000))
	assert.ErrorIs(t, err, ErrWhaleTooSmall)
	assert.ErrorContains(t, err, "need 2000")
}

// bindKnown resolves queued strategies among the environment's own.
func bindKnown(env *Environment) func(common.Address) protocol.Strategy {
	return func(a common.Address) protocol.Strategy {
		for _, s := range env.Strategies {
			if s.Address() == a {
				return s
			}
		}
		return nil
	}
}

func TestPrepare_RetiresQueuedStrategies(t *testing.T) {
	ctx := context.Background()
	f := loadProfile(t, "fantom-mim")
	env := simulated(t, f)
	gov, whale := env.Accounts["gov"], env.Accounts["whale"]
	old := env.Strategies[MainStrategy]

	amount := f.AmountValue()
	_, err := env.Tokens[TokenWant].Approve(ctx, whale, env.Vault.Address(), amount)
	require.NoError(t, err)
	_, err = env.Vault.Deposit(ctx, whale, amount)
	require.NoError(t, err)
	_, err = old.Harvest(ctx, gov)
	require.NoError(t, err)

	fresh, err := env.DeployStrategy(ctx, "fresh")
	require.NoError(t, err)
	_, err = fresh.SetKeeper(ctx, env.Accounts["strategist"], env.Accounts["strategist"])
	require.NoError(t, err)
	_, err = env.Vault.SetManagementFee(ctx, gov, uint256.NewInt(200))
	require.NoError(t, err)

	env.Strategies[MainStrategy] = fresh
	require.NoError(t, prepare(ctx, env, bindKnown(env)))

	queue, err := env.Vault.WithdrawalQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{fresh.Address()}, queue)

	retired, err := env.Vault.Strategies(ctx, old.Address())
	require.NoError(t, err)
	assert.True(t, retired.DebtRatio.IsZero())
	assert.True(t, retired.TotalDebt.IsZero())

	added, err := env.Vault.Strategies(ctx, fresh.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(protocol.MaxBPS), added.DebtRatio.Uint64())
	assert.True(t, protocol.IsMax(added.MaxDebtPerHarvest))

	assert.Equal(t, uint64(0), env.Vault.(*vault.Vault).ManagementFee())
	assert.Equal(t, env.Accounts["keeper"], fresh.(*strategy.Strategy).Keeper())
}

func TestPrepare_KeepsActiveMainStrategy(t *testing.T) {
	ctx := context.Background()
	env := simulated(t, loadProfile(t, "fantom-mim"))
	main := env.Strategies[MainStrategy]

	require.NoError(t, prepare(ctx, env, bindKnown(env)))

	queue, err := env.Vault.WithdrawalQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{main.Address()}, queue)
	params, err := env.Vault.Strategies(ctx, main.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(protocol.MaxBPS), params.DebtRatio.Uint64())
}

func TestAccountNames(t *testing.T) {
	names := AccountNames()
	assert.Contains(t, names, "whale")
	assert.Contains(t, names, "rewards_whale")
	names[0] = "mutated"
	assert.Equal(t, "gov", AccountNames()[0])
}
