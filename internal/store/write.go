package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/strategyharness/internal/harness"
)

// Run is one stored scenario run.
type Run struct {
	Seq        int64
	ID         string
	Scenario   string
	Fixture    string
	Backend    string
	Pass       bool
	Skipped    bool
	SkipReason string
	Digest     string
	Errors     []string
	Vars       map[string]string
	CreatedAt  time.Time
}

// WriteRun stores a result with its trace and harvest reports in one
// transaction and returns the stored run.
func (s *Store) WriteRun(ctx context.Context, backend string, res *harness.Result) (Run, error) {
	digest, err := harness.TraceDigest(res)
	if err != nil {
		return Run{}, fmt.Errorf("write run: %w", err)
	}
	errorsJSON, err := marshalStrings(res.Errors)
	if err != nil {
		return Run{}, fmt.Errorf("write run: %w", err)
	}
	varsJSON, err := marshalMap(res.Vars)
	if err != nil {
		return Run{}, fmt.Errorf("write run: %w", err)
	}

	run := Run{
		ID:         s.newID(),
		Scenario:   res.Scenario,
		Fixture:    res.Fixture,
		Backend:    backend,
		Pass:       res.Pass,
		Skipped:    res.Skipped,
		SkipReason: res.SkipReason,
		Digest:     digest,
		Errors:     append([]string{}, res.Errors...),
		Vars:       res.Vars,
		CreatedAt:  s.now().UTC().Truncate(time.Second),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("write run: begin: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, scenario, fixture, backend, pass, skipped, skip_reason, digest, errors, vars, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Scenario,
		run.Fixture,
		run.Backend,
		run.Pass,
		run.Skipped,
		run.SkipReason,
		run.Digest,
		errorsJSON,
		varsJSON,
		run.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Run{}, fmt.Errorf("write run: %w", err)
	}
	if run.Seq, err = r.LastInsertId(); err != nil {
		return Run{}, fmt.Errorf("write run: %w", err)
	}

	for _, ev := range res.Trace {
		if err := writeStep(ctx, tx, run.ID, ev); err != nil {
			return Run{}, err
		}
	}
	for _, h := range res.Harvests {
		if err := writeHarvest(ctx, tx, run.ID, h); err != nil {
			return Run{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("write run: commit: %w", err)
	}
	return run, nil
}

func writeStep(ctx context.Context, tx *sql.Tx, runID string, ev harness.TraceEvent) error {
	argsJSON, err := marshalMap(ev.Args)
	if err != nil {
		return fmt.Errorf("write step %d: %w", ev.Seq, err)
	}
	eventsJSON, err := marshalEvents(ev.Events)
	if err != nil {
		return fmt.Errorf("write step %d: %w", ev.Seq, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps
		(run_id, seq, step, type, action, target, sender, args, output_case, reason, result, block, events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		ev.Seq,
		ev.Step,
		ev.Type,
		ev.Action,
		ev.Target,
		ev.From,
		argsJSON,
		ev.Case,
		ev.Reason,
		ev.Result,
		int64(ev.Block),
		eventsJSON,
	)
	if err != nil {
		return fmt.Errorf("write step %d: %w", ev.Seq, err)
	}
	return nil
}

func writeHarvest(ctx context.Context, tx *sql.Tx, runID string, h harness.HarvestRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO harvests
		(run_id, step, strategy, block, profit, loss, debt_payment, debt_outstanding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		h.Step,
		h.Strategy,
		int64(h.Block),
		h.Profit,
		h.Loss,
		h.DebtPayment,
		h.DebtOutstanding,
	)
	if err != nil {
		return fmt.Errorf("write harvest of step %d: %w", h.Step, err)
	}
	return nil
}
