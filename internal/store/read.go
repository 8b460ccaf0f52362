package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/strategyharness/internal/harness"
)

const runColumns = `seq, id, scenario, fixture, backend, pass, skipped, skip_reason, digest, errors, vars, created_at`

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Scenario string
	Fixture  string
	Limit    int
}

// ListRuns returns stored runs, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	var where []string
	var args []any
	if f.Scenario != "" {
		where = append(where, "scenario = ?")
		args = append(args, f.Scenario)
	}
	if f.Fixture != "" {
		where = append(where, "fixture = ?")
		args = append(args, f.Fixture)
	}
	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// RunByID returns one run. It returns ErrNotFound for unknown IDs.
func (s *Store) RunByID(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// LatestRun returns the newest run of a scenario on a fixture.
func (s *Store) LatestRun(ctx context.Context, scenario, fixture string) (Run, error) {
	runs, err := s.ListRuns(ctx, RunFilter{Scenario: scenario, Fixture: fixture, Limit: 1})
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("%w: no run of %s on %s", ErrNotFound, scenario, fixture)
	}
	return runs[0], nil
}

// StepsForRun returns the stored trace of a run in seq order.
func (s *Store) StepsForRun(ctx context.Context, runID string) ([]harness.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, step, type, action, target, sender, args, output_case, reason, result, block, events
		FROM steps
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	trace := []harness.TraceEvent{}
	for rows.Next() {
		var ev harness.TraceEvent
		var argsJSON, eventsJSON string
		var block int64
		if err := rows.Scan(
			&ev.Seq, &ev.Step, &ev.Type, &ev.Action, &ev.Target, &ev.From,
			&argsJSON, &ev.Case, &ev.Reason, &ev.Result, &block, &eventsJSON,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		ev.Block = uint64(block)
		if ev.Args, err = unmarshalMap(argsJSON); err != nil {
			return nil, err
		}
		if len(ev.Args) == 0 {
			ev.Args = nil
		}
		if ev.Events, err = unmarshalEvents(eventsJSON); err != nil {
			return nil, err
		}
		trace = append(trace, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return trace, nil
}

// HarvestsForRun returns the harvest reports of a run in step order.
func (s *Store) HarvestsForRun(ctx context.Context, runID string) ([]harness.HarvestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, strategy, block, profit, loss, debt_payment, debt_outstanding
		FROM harvests
		WHERE run_id = ?
		ORDER BY step ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query harvests: %w", err)
	}
	defer rows.Close()

	harvests := []harness.HarvestRecord{}
	for rows.Next() {
		var h harness.HarvestRecord
		var block int64
		if err := rows.Scan(&h.Step, &h.Strategy, &block, &h.Profit, &h.Loss, &h.DebtPayment, &h.DebtOutstanding); err != nil {
			return nil, fmt.Errorf("scan harvest: %w", err)
		}
		h.Block = uint64(block)
		harvests = append(harvests, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate harvests: %w", err)
	}
	return harvests, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var errorsJSON, varsJSON, createdAt string
	if err := row.Scan(
		&run.Seq, &run.ID, &run.Scenario, &run.Fixture, &run.Backend, &run.Pass, &run.Skipped,
		&run.SkipReason, &run.Digest, &errorsJSON, &varsJSON, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if run.Errors, err = unmarshalStrings(errorsJSON); err != nil {
		return Run{}, err
	}
	if run.Vars, err = unmarshalMap(varsJSON); err != nil {
		return Run{}, err
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Run{}, fmt.Errorf("parse created_at of %s: %w", run.ID, err)
	}
	return run, nil
}
