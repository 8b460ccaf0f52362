package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestCommandMissingArgs(t *testing.T) {
	_, _, err := execute(t, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentDir(t *testing.T) {
	_, _, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, _, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	out, _, err = execute(t, "--format", "json", "test", t.TempDir())
	require.NoError(t, err)
	resp := decode[Summary](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data.Scenarios)
	assert.Equal(t, 0, resp.Data.Total)
}

func TestTestCommandGoldenLifecycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deposit_harvest.yaml", depositHarvest)
	golden := filepath.Join(dir, "golden", "fantom-mim.deposit_harvest.golden")

	// No golden file yet: assertions only.
	out, _, err := execute(t, "--format", "json", "test", dir)
	require.NoError(t, err)
	resp := decode[Summary](t, out)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "missing", resp.Data.Scenarios[0].Golden)

	out, _, err = execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ deposit_harvest (golden updated)")
	require.FileExists(t, golden)

	out, _, err = execute(t, "--format", "json", "test", dir)
	require.NoError(t, err)
	resp = decode[Summary](t, out)
	assert.Equal(t, "match", resp.Data.Scenarios[0].Golden)

	require.NoError(t, os.WriteFile(golden, []byte(`{"trace":[]}`), 0o644))
	out, _, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ deposit_harvest")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandFilterAndFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deposit_harvest.yaml", depositHarvest)
	writeFile(t, dir, "wrong_debt.yaml", wrongDebt)

	out, _, err := execute(t, "test", dir, "--filter", "deposit_*")
	require.NoError(t, err)
	assert.Contains(t, out, "Summary: 1 passed, 0 skipped, 0 failed, 1 total")

	out, _, err = execute(t, "test", dir, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_debt")
	assert.NoFileExists(t, filepath.Join(dir, "golden", "fantom-mim.wrong_debt.golden"),
		"failing scenarios never get a golden file")
}

func TestTestCommandInvalidScenario(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: broken\nflow: []\nsetup: true\n")

	_, _, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load scenarios")
}
