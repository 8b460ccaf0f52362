package store

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strategyharness/internal/deploy"
	"github.com/roach88/strategyharness/internal/fixture"
	"github.com/roach88/strategyharness/internal/harness"
	"github.com/roach88/strategyharness/internal/testutil"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	ids := testutil.NewFixedIDGenerator("run")
	s, err := Open(filepath.Join(t.TempDir(), "history.db"),
		WithIDGenerator(ids.NewID),
		WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(scenario string, pass bool) *harness.Result {
	res := harness.NewResult(scenario, "fantom-mim")
	res.Trace = []harness.TraceEvent{
		{Type: harness.EventInvocation, Seq: 1, Step: 0, Action: "vault.deposit", From: "whale",
			Args: map[string]string{"amount": "35000000000000000000000"}},
		{Type: harness.EventCompletion, Seq: 2, Step: 0, Action: "vault.deposit", Case: harness.CaseSuccess, Block: 12,
			Events: []harness.EventRecord{{Name: "Transfer", Emitter: "vault", Fields: map[string]string{"to": "whale"}}}},
		{Type: harness.EventInvocation, Seq: 3, Step: 1, Action: "strategy.harvest", Target: "strategy", From: "gov"},
		{Type: harness.EventCompletion, Seq: 4, Step: 1, Action: "strategy.harvest", Case: harness.CaseRevert,
			Reason: "!healthcheck", Block: 13},
	}
	res.Harvests = []harness.HarvestRecord{
		{Step: 1, Strategy: "strategy", Block: 13, Profit: "0", Loss: "3500", DebtPayment: "0", DebtOutstanding: "0"},
	}
	res.Vars["loss"] = "3500"
	if !pass {
		res.AddError("step 1 (strategy.harvest): reverted: !healthcheck")
	}
	return res
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	for name, want := range map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
		"busy_timeout": "5000",
		"user_version": "1",
	} {
		got, err := s.pragma(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.WriteRun(context.Background(), fixture.BackendSim, sampleResult("lifecycle", true))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRuns(context.Background(), RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Len(t, runs[0].ID, 36, "default IDs are UUIDs")
}

func TestWriteRun_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	res := sampleResult("healthcheck_revert", false)

	run, err := s.WriteRun(ctx, fixture.BackendSim, res)
	require.NoError(t, err)
	assert.Equal(t, "run-0001", run.ID)
	assert.Equal(t, int64(1), run.Seq)

	got, err := s.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run, got)
	assert.Equal(t, "healthcheck_revert", got.Scenario)
	assert.Equal(t, "sim", got.Backend)
	assert.False(t, got.Pass)
	assert.Equal(t, res.Errors, got.Errors)
	assert.Equal(t, map[string]string{"loss": "3500"}, got.Vars)
	assert.Equal(t, fixedNow, got.CreatedAt)

	digest, err := harness.TraceDigest(res)
	require.NoError(t, err)
	assert.Equal(t, digest, got.Digest)

	steps, err := s.StepsForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Trace, steps)

	harvests, err := s.HarvestsForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Harvests, harvests)
}

func TestWriteRun_Skipped(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	res := harness.NewResult("emergency_withdraw_method_0", "fantom-mim")
	res.Skipped = true
	res.SkipReason = "fixture fantom-mim has is_convex=false"

	run, err := s.WriteRun(ctx, fixture.BackendSim, res)
	require.NoError(t, err)

	got, err := s.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Pass)
	assert.True(t, got.Skipped)
	assert.Equal(t, res.SkipReason, got.SkipReason)
	assert.Empty(t, got.Errors)

	steps, err := s.StepsForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
	harvests, err := s.HarvestsForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, harvests)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for _, name := range []string{"lifecycle", "weird_reverts", "lifecycle"} {
		_, err := s.WriteRun(ctx, fixture.BackendSim, sampleResult(name, true))
		require.NoError(t, err)
	}
	other := sampleResult("lifecycle", true)
	other.Fixture = "mainnet-convex"
	_, err := s.WriteRun(ctx, fixture.BackendRPC, other)
	require.NoError(t, err)

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	ids := []string{all[0].ID, all[1].ID, all[2].ID, all[3].ID}
	assert.Equal(t, []string{"run-0004", "run-0003", "run-0002", "run-0001"}, ids, "newest first")

	lifecycle, err := s.ListRuns(ctx, RunFilter{Scenario: "lifecycle", Fixture: "fantom-mim"})
	require.NoError(t, err)
	require.Len(t, lifecycle, 2)
	assert.Equal(t, "run-0003", lifecycle[0].ID)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "mainnet-convex", limited[0].Fixture)

	none, err := s.ListRuns(ctx, RunFilter{Scenario: "no_profit"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	latest, err := s.LatestRun(ctx, "lifecycle", "fantom-mim")
	require.NoError(t, err)
	assert.Equal(t, "run-0003", latest.ID)

	_, err = s.LatestRun(ctx, "no_profit", "fantom-mim")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunByID_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.RunByID(context.Background(), "run-9999")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, sql.ErrNoRows)
}

func TestWriteRun_DuplicateIDRollsBack(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	s.newID = func() string { return "same" }

	_, err := s.WriteRun(ctx, fixture.BackendSim, sampleResult("lifecycle", true))
	require.NoError(t, err)
	_, err = s.WriteRun(ctx, fixture.BackendSim, sampleResult("lifecycle", true))
	require.Error(t, err)

	steps, err := s.StepsForRun(ctx, "same")
	require.NoError(t, err)
	assert.Len(t, steps, 4, "the failed write left no extra steps")
}

func TestWriteRun_ScenarioRun(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	f, err := fixture.Resolve("", "fantom-mim")
	require.NoError(t, err)
	env, err := deploy.New(ctx, f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer env.Close()

	sc, err := harness.Builtin("zero_debt_unwind")
	require.NoError(t, err)
	res, err := harness.NewRunner(env).Run(ctx, sc)
	require.NoError(t, err)
	require.True(t, res.Pass, res.Errors)

	run, err := s.WriteRun(ctx, env.Backend, res)
	require.NoError(t, err)

	steps, err := s.StepsForRun(ctx, run.ID)
	require.NoError(t, err)
	harvests, err := s.HarvestsForRun(ctx, run.ID)
	require.NoError(t, err)

	stored := &harness.Result{Scenario: run.Scenario, Fixture: run.Fixture, Trace: steps, Harvests: harvests}
	digest, err := harness.TraceDigest(stored)
	require.NoError(t, err)
	assert.Equal(t, run.Digest, digest, "the stored trace replays to the same digest")
	assert.Len(t, harvests, 2)
}
