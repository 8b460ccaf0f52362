package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: Deposit and harvest once.
invariants: [pps_non_decreasing]
flow:
  - action: vault.deposit
    from: whale
    args: { amount: "1_000e18" }
  - action: strategy.harvest
    from: gov
    capture: { profit: event.Harvested.profit }
assertions:
  - type: compare
    left: $profit
    op: ge
    right: "0"
`

func TestParseScenario_Minimal(t *testing.T) {
	sc, err := ParseScenario([]byte(minimalScenario), "minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, "minimal", sc.Name)
	assert.Equal(t, "minimal.yaml", sc.Source)
	assert.Equal(t, []string{InvariantPPSNonDecreasing}, sc.Invariants)
	require.Len(t, sc.Flow, 2)
	assert.Equal(t, "vault.deposit", sc.Flow[0].Action)
	assert.Equal(t, "whale", sc.Flow[0].From)
	assert.Equal(t, "1_000e18", sc.Flow[0].Args["amount"])
	assert.Nil(t, sc.Flow[0].Expect)
	assert.Equal(t, map[string]string{"profit": "event.Harvested.profit"}, sc.Flow[1].Capture)
	require.Len(t, sc.Assertions, 1)
	assert.Equal(t, AssertCompare, sc.Assertions[0].Type)
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario+"\nsetup: []\n"), "extra.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML in extra.yaml")
	assert.Contains(t, err.Error(), "setup")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nflow: [{action: chain.mine}]\ninvariants: [debt_ratio_bounded]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nflow: [{action: chain.mine}]\ninvariants: [debt_ratio_bounded]",
			wantErr: "description is required",
		},
		{
			name:    "empty flow",
			yaml:    "name: n\ndescription: d\nflow: []\ninvariants: [debt_ratio_bounded]",
			wantErr: "flow list is required",
		},
		{
			name:    "nothing to check",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine}]",
			wantErr: "at least one assertion or invariant",
		},
		{
			name:    "unknown toggle",
			yaml:    "name: n\ndescription: d\nrequires: [\"!is_cheap\"]\nflow: [{action: chain.mine}]\ninvariants: [debt_ratio_bounded]",
			wantErr: `requires[0]: unknown toggle "!is_cheap"`,
		},
		{
			name:    "unknown invariant",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine}]\ninvariants: [solvent]",
			wantErr: `invariants[0]: unknown invariant "solvent"`,
		},
		{
			name:    "unknown action",
			yaml:    "name: n\ndescription: d\nflow: [{action: vault.rug}]\ninvariants: [debt_ratio_bounded]",
			wantErr: `flow[0]: unknown action "vault.rug"`,
		},
		{
			name:    "transaction without from",
			yaml:    "name: n\ndescription: d\nflow: [{action: strategy.harvest}]\ninvariants: [debt_ratio_bounded]",
			wantErr: "strategy.harvest is a transaction and needs from",
		},
		{
			name:    "view with from",
			yaml:    "name: n\ndescription: d\nflow: [{action: strategy.apiVersion, from: gov}]\ninvariants: [debt_ratio_bounded]",
			wantErr: "strategy.apiVersion does not take from",
		},
		{
			name:    "unknown arg",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine, args: {days: 1}}]\ninvariants: [debt_ratio_bounded]",
			wantErr: `chain.mine does not take arg "days"`,
		},
		{
			name:    "missing required arg",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.sleep}]\ninvariants: [debt_ratio_bounded]",
			wantErr: `chain.sleep requires arg "seconds"`,
		},
		{
			name:    "unquoted large float",
			yaml:    "name: n\ndescription: d\nflow: [{action: vault.deposit, from: whale, args: {amount: 1e18}}]\ninvariants: [debt_ratio_bounded]",
			wantErr: "quote it",
		},
		{
			name:    "expect without case",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine, expect: {reason: x}}]\ninvariants: [debt_ratio_bounded]",
			wantErr: "case is required",
		},
		{
			name:    "bad case",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine, expect: {case: maybe}}]\ninvariants: [debt_ratio_bounded]",
			wantErr: `case must be success or revert, got "maybe"`,
		},
		{
			name:    "reason on success",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine, expect: {case: success, reason: x}}]\ninvariants: [debt_ratio_bounded]",
			wantErr: "reason needs case revert",
		},
		{
			name:    "result on revert",
			yaml:    "name: n\ndescription: d\nflow: [{action: strategy.isActive, expect: {case: revert, result: true}}]\ninvariants: [debt_ratio_bounded]",
			wantErr: "result needs case success",
		},
		{
			name:    "invalid capture name",
			yaml:    "name: n\ndescription: d\nflow: [{action: record, capture: {1st: chain.time}}]\ninvariants: [debt_ratio_bounded]",
			wantErr: `invalid variable name "1st"`,
		},
		{
			name:    "capture over fixture variable",
			yaml:    "name: n\ndescription: d\nflow: [{action: record, capture: {amount: chain.time}}]\ninvariants: [debt_ratio_bounded]",
			wantErr: `"amount" is a fixture variable`,
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine}]\nassertions: [{type: final_state}]",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "compare without right",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine}]\nassertions: [{type: compare, left: chain.time, op: ge}]",
			wantErr: "left and right are required",
		},
		{
			name:    "compare with unknown op",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine}]\nassertions: [{type: compare, left: chain.time, op: approx, right: \"0\"}]",
			wantErr: `op must be one of`,
		},
		{
			name:    "trace_order without actions",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine}]\nassertions: [{type: trace_order}]",
			wantErr: "actions list is required for trace_order",
		},
		{
			name:    "negative trace_count",
			yaml:    "name: n\ndescription: d\nflow: [{action: chain.mine}]\nassertions: [{type: trace_count, action: chain.mine, count: -1}]",
			wantErr: "count must be non-negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml), "test.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario test.yaml")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func writeScenario(t *testing.T, dir, file, name string) {
	t.Helper()
	body := "name: " + name + "\ndescription: d\nflow: [{action: chain.mine}]\ninvariants: [debt_ratio_bounded]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "exit_a.yaml", "exit_a")
	writeScenario(t, dir, "exit_b.yml", "exit_b")
	writeScenario(t, dir, "other.yaml", "other")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# not a scenario"), 0o644))

	all, err := LoadDir(dir, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	exits, err := LoadDir(dir, "exit_*")
	require.NoError(t, err)
	require.Len(t, exits, 2)
	assert.Equal(t, "exit_a", exits[0].Name)
	assert.Equal(t, "exit_b", exits[1].Name)

	_, err = LoadDir(dir, "[")
	assert.ErrorContains(t, err, "invalid filter pattern")
}

func TestLoadDir_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "one.yaml", "same")
	writeScenario(t, dir, "two.yaml", "same")

	_, err := LoadDir(dir, "")
	assert.ErrorContains(t, err, `scenario "same" defined in both`)
}

func TestBuiltins(t *testing.T) {
	all, err := Builtins()
	require.NoError(t, err)

	names := make([]string, 0, len(all))
	for _, sc := range all {
		names = append(names, sc.Name)
		assert.Contains(t, sc.Source, "builtin:")
	}
	for _, want := range []string{
		"lifecycle", "emergency_exit", "emergency_exit_with_loss", "emergency_withdraw_method_0",
		"odds_and_ends_migration", "weird_reverts", "healthcheck_revert", "zero_debt_unwind",
	} {
		assert.Contains(t, names, want)
	}

	sc, err := Builtin("weird_reverts")
	require.NoError(t, err)
	assert.Equal(t, "weird_reverts", sc.Name)

	_, err = Builtin("rug_pull")
	assert.ErrorContains(t, err, `no built-in scenario named "rug_pull"`)
}

func TestFilter(t *testing.T) {
	all, err := Builtins()
	require.NoError(t, err)

	same, err := Filter(all, "")
	require.NoError(t, err)
	assert.Len(t, same, len(all))

	exits, err := Filter(all, "emergency_*")
	require.NoError(t, err)
	require.NotEmpty(t, exits)
	for _, sc := range exits {
		assert.Regexp(t, `^emergency_`, sc.Name)
	}

	_, err = Filter(all, "[")
	assert.ErrorContains(t, err, "invalid filter pattern")
}
