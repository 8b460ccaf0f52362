package harness

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runBuiltin(t *testing.T, name string) *Result {
	t.Helper()
	sc, err := Builtin(name)
	require.NoError(t, err)
	res, err := NewRunner(newEnv(t, "fantom-mim")).Run(context.Background(), sc)
	require.NoError(t, err)
	require.True(t, res.Pass, res.Errors)
	return res
}

func TestGoldenBytes(t *testing.T) {
	res := runBuiltin(t, "lifecycle")

	data, err := GoldenBytes(res)
	require.NoError(t, err)
	require.True(t, json.Valid(data))

	var decoded struct {
		Scenario string           `json:"scenario"`
		Fixture  string           `json:"fixture"`
		Trace    []map[string]any `json:"trace"`
		Harvests []map[string]any `json:"harvests"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "lifecycle", decoded.Scenario)
	assert.Equal(t, "fantom-mim", decoded.Fixture)
	assert.Len(t, decoded.Trace, len(res.Trace))
	assert.Len(t, decoded.Harvests, len(res.Harvests))
	assert.Equal(t, "invocation", decoded.Trace[0]["type"])
	assert.NotContains(t, decoded.Trace[0], "case")
	assert.Contains(t, decoded.Trace[1], "case")
	assert.NotContains(t, string(data), "starting_whale", "variables are not part of the snapshot")

	again, err := GoldenBytes(res)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestGoldenName(t *testing.T) {
	assert.Equal(t, "mainnet-convex.weird_reverts", GoldenName(&Result{Scenario: "weird_reverts", Fixture: "mainnet-convex"}))
}

func TestTraceDigest(t *testing.T) {
	res := runBuiltin(t, "weird_reverts")

	a, err := TraceDigest(res)
	require.NoError(t, err)
	assert.Len(t, a, 64)

	res.Trace[0].Seq++
	b, err := TraceDigest(res)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAssertGolden(t *testing.T) {
	dir := t.TempDir()
	res := runBuiltin(t, "zero_debt_unwind")
	opts := []goldie.Option{goldie.WithFixtureDir(dir)}

	data, err := GoldenBytes(res)
	require.NoError(t, err)
	g := goldie.New(t, goldie.WithFixtureDir(dir), goldie.WithNameSuffix(".golden"))
	require.NoError(t, g.Update(t, GoldenName(res), data))

	stored, err := os.ReadFile(filepath.Join(dir, "fantom-mim.zero_debt_unwind.golden"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	AssertGolden(t, GoldenName(res), res, opts...)

	sc, err := Builtin("zero_debt_unwind")
	require.NoError(t, err)
	replayed := RunWithGolden(t, NewRunner(newEnv(t, "fantom-mim")), sc, opts...)
	assert.True(t, replayed.Pass)
}
