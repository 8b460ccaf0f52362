package harness

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strategyharness/internal/protocol"
)

func TestEval_Arithmetic(t *testing.T) {
	sc := &scope{ctx: context.Background(), vars: map[string]any{"a": protocol.Ether(3)}}

	tests := []struct {
		src  string
		want *uint256.Int
	}{
		{"35_000e18 / 10", protocol.Ether(3_500)},
		{"$a * 2 + 1", new(uint256.Int).Add(protocol.Ether(6), uint256.NewInt(1))},
		{"(1 + 2) * 3", uint256.NewInt(9)},
		{"1 + 2 * 3", uint256.NewInt(7)},
		{"$a - 1e18", protocol.Ether(2)},
		{"max", protocol.MaxUint256()},
		{"  42\t", uint256.NewInt(42)},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := sc.amount(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEval_Errors(t *testing.T) {
	sc := &scope{ctx: context.Background(), vars: map[string]any{"a": protocol.Ether(3)}}

	tests := []struct {
		src     string
		wantErr string
	}{
		{"$a - 4e18", "is negative"},
		{"max + 1", "overflows"},
		{"max * 2", "overflows"},
		{"1 / 0", "division by zero"},
		{"$nope", "undefined variable $nope"},
		{"$", "expected a variable name"},
		{"1 +", "unexpected end of expression"},
		{"1 2", "unexpected"},
		{"(1 + 2", "expected ')'"},
		{"true + 1", "operator + needs amounts, got bool and amount"},
		{"#", "unexpected '#'"},
		{"1.5", ""},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := sc.eval(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEval_Kinds(t *testing.T) {
	sc := &scope{ctx: context.Background()}

	v, err := sc.eval("true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = sc.amount("false")
	assert.ErrorContains(t, err, "want an amount, got bool")

	_, err = sc.eval("result")
	assert.ErrorContains(t, err, "only defined for view actions")

	sc.result = "0.4.3"
	v, err = sc.eval("result")
	require.NoError(t, err)
	assert.Equal(t, "0.4.3", v)
}

func TestEval_Views(t *testing.T) {
	env := newEnv(t, "fantom-mim")
	sc := &scope{ctx: context.Background(), env: env, vars: fixtureVars(env.Fixture)}

	tests := []struct {
		src  string
		want any
	}{
		{"token.balanceOf(whale)", protocol.MustParseAmount("100_000e18")},
		{"token.decimals", uint256.NewInt(18)},
		{"token.symbol", "LP"},
		{"vault.totalAssets", protocol.Zero()},
		{"vault.balanceOf(whale)", protocol.Zero()},
		{"vault.depositLimit", protocol.MaxUint256()},
		{"vault.strategies(strategy).debtRatio", uint256.NewInt(protocol.MaxBPS)},
		{"vault.strategies(other_vault_strategy).activation", protocol.Zero()},
		{"strategy.apiVersion", "0.4.3"},
		{"strategy.isActive", true},
		{"strategy.emergencyExit", false},
		{"strategy.doHealthCheck", true},
		{"strategy.ethToWant(1e18)", protocol.MustParseAmount("3_000e18")},
		{"strategy.harvestTrigger(0)", false},
		{"$amount * 2", protocol.MustParseAmount("70_000e18")},
		{"$day", uint256.NewInt(86_400)},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := sc.eval(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for src, wantErr := range map[string]string{
		"treasury.balance":               `unknown name "treasury"`,
		"vault.rug":                      `unknown vault view "rug"`,
		"token.totalSupply":              `unknown token view "totalSupply"`,
		"strategy.keeper":                `unknown strategy view "keeper"`,
		"vault.strategies(strategy)":     "expected '.'",
		"vault.strategies(strategy).apr": `unknown strategy params field "apr"`,
		"chain.gas":                      `unknown chain view "gas"`,
		"event.Harvested.profit":         "step emitted no Harvested event",
		"token.balanceOf(nobody)":        `unknown name "nobody"`,
	} {
		_, err := sc.eval(src)
		assert.ErrorContains(t, err, wantErr, src)
	}
}

func TestEval_Events(t *testing.T) {
	env := newEnv(t, "fantom-mim")
	receipt := &protocol.Receipt{Events: []protocol.Event{{
		Name: "StrategyMigrated",
		Fields: map[string]any{
			"oldVersion": env.Strategies["strategy"].Address(),
			"amount":     uint256.NewInt(5),
			"flag":       true,
		},
	}}}
	sc := &scope{ctx: context.Background(), env: env, receipt: receipt}

	v, err := sc.eval("event.StrategyMigrated.oldVersion")
	require.NoError(t, err)
	assert.Equal(t, "strategy", v)

	v, err = sc.eval("event.StrategyMigrated.amount + 1")
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(6), v)

	v, err = sc.eval("event.StrategyMigrated.flag")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = sc.eval("event.StrategyMigrated.newVersion")
	assert.ErrorContains(t, err, `StrategyMigrated has no field "newVersion"`)
}

func TestNameOf(t *testing.T) {
	env := newEnv(t, "fantom-mim")
	sc := &scope{ctx: context.Background(), env: env}

	assert.Equal(t, "whale", sc.nameOf(env.Accounts["whale"]))
	assert.Equal(t, "vault", sc.nameOf(env.Vault.Address()))
	assert.Equal(t, "other_vault_strategy", sc.nameOf(env.Strategies["other_vault_strategy"].Address()))
	assert.Equal(t, "crv", sc.nameOf(env.Tokens["crv"].Address()))

	stranger := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	assert.Equal(t, stranger.Hex(), sc.nameOf(stranger))
}

func TestArgString(t *testing.T) {
	tests := []struct {
		in      any
		want    string
		wantErr string
	}{
		{"$amount / 2", "$amount / 2", ""},
		{true, "true", ""},
		{10_000, "10000", ""},
		{int64(-1), "-1", ""},
		{uint64(7), "7", ""},
		{float64(86_400), "86400", ""},
		{1e18, "", "quote it"},
		{1.5, "", "quote it"},
		{nil, "", "null"},
		{[]any{1}, "", "unsupported argument type"},
	}
	for _, tt := range tests {
		got, err := argString(tt.in)
		if tt.wantErr != "" {
			assert.ErrorContains(t, err, tt.wantErr)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
