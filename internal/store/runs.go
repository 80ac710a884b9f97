// Copyright 2025 The Sandcastle Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sandcastle-hq/sandcastle/pkg/errors"
)

const runColumns = `id, workflow, workflow_version, input, outputs, total_cost,
	status, error, max_cost, idempotency_key, parent_run_id, replay_from_step,
	fork_changes, depth, tenant, started_at, completed_at, created_at`

// CreateRun inserts a run. When the run carries an idempotency key and a
// run with the same (tenant, key) already exists, the existing run is
// returned instead and created is false.
func (s *Store) CreateRun(ctx context.Context, run *Run) (created bool, existing *Run, err error) {
	if run.IdempotencyKey != "" {
		prior, err := s.runByIdempotencyKey(ctx, run.Tenant, run.IdempotencyKey)
		if err != nil {
			return false, nil, err
		}
		if prior != nil {
			return false, prior, nil
		}
	}

	input, err := marshalJSON(run.Input)
	if err != nil {
		return false, nil, err
	}
	outputs, err := marshalJSON(run.Outputs)
	if err != nil {
		return false, nil, err
	}
	forkChanges, err := marshalJSON(run.ForkChanges)
	if err != nil {
		return false, nil, err
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Workflow, run.WorkflowVersion, input, outputs, run.TotalCost,
		string(run.Status), nullString(run.Error), run.MaxCost,
		nullString(run.IdempotencyKey), nullString(run.ParentRunID),
		nullString(run.ReplayFromStep), forkChanges, run.Depth, run.Tenant,
		nullTime(run.StartedAt), nullTime(run.CompletedAt),
		run.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		// A concurrent insert can win the unique-index race; resolve
		// to the run that got there first.
		if run.IdempotencyKey != "" {
			prior, lookupErr := s.runByIdempotencyKey(ctx, run.Tenant, run.IdempotencyKey)
			if lookupErr == nil && prior != nil {
				return false, prior, nil
			}
		}
		return false, nil, fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return true, nil, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return run, err
}

// ListRuns returns runs for a workflow (or all workflows when name is
// empty), newest first.
func (s *Store) ListRuns(ctx context.Context, workflowName string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if workflowName != "" {
		query += ` WHERE workflow = ?`
		args = append(args, workflowName)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ChildRuns returns the runs spawned by a parent run.
func (s *Store) ChildRuns(ctx context.Context, parentRunID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE parent_run_id = ? ORDER BY created_at`,
		parentRunID)
	if err != nil {
		return nil, fmt.Errorf("listing child runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunStarted transitions a run to running and stamps started_at.
func (s *Store) MarkRunStarted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(RunRunning), now(), id, string(RunQueued), string(RunAwaitingApproval))
	if err != nil {
		return fmt.Errorf("starting run %s: %w", id, err)
	}
	return s.requireAffected(ctx, res, id)
}

// FinishRun writes the terminal state of a run. Terminal runs are
// immutable except for a same-status write: a run that CancelRun already
// marked cancelled still gets its outputs and total cost from the engine.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, outputs map[string]any, totalCost float64, runErr string) error {
	out, err := marshalJSON(outputs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, outputs = ?, total_cost = ?, error = ?, completed_at = ?
		 WHERE id = ? AND (status = ? OR status NOT IN (`+terminalStatusList+`))`,
		string(status), out, totalCost, nullString(runErr), now(), id, string(status))
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	return s.requireAffected(ctx, res, id)
}

// PauseRun marks a run awaiting approval.
func (s *Store) PauseRun(ctx context.Context, id string, totalCost float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, total_cost = ?
		 WHERE id = ? AND status NOT IN (`+terminalStatusList+`)`,
		string(RunAwaitingApproval), totalCost, id)
	if err != nil {
		return fmt.Errorf("pausing run %s: %w", id, err)
	}
	return s.requireAffected(ctx, res, id)
}

// CancelRun requests cancellation of a non-terminal run. Cancelling an
// already-terminal run is a no-op reported via the returned bool.
func (s *Store) CancelRun(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN (`+terminalStatusList+`)`,
		string(RunCancelled), now(), id)
	if err != nil {
		return false, fmt.Errorf("cancelling run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "already terminal" from "no such run".
		if _, err := s.GetRun(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// UpdateRunCost persists the accumulated cost of an in-flight run.
func (s *Store) UpdateRunCost(ctx context.Context, id string, totalCost float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET total_cost = ? WHERE id = ? AND status NOT IN (`+terminalStatusList+`)`,
		totalCost, id)
	if err != nil {
		return fmt.Errorf("updating run cost %s: %w", id, err)
	}
	return nil
}

// terminalStatusList is inlined into immutability guards.
const terminalStatusList = `'completed', 'failed', 'partial', 'cancelled', 'budget_exceeded'`

func (s *Store) runByIdempotencyKey(ctx context.Context, tenant, key string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant = ? AND idempotency_key = ?`,
		tenant, key)
	run, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// requireAffected turns a zero-row update into a typed error: either the
// run does not exist or it is already terminal.
func (s *Store) requireAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s is %s and cannot be updated", id, run.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                             Run
		input, outputs, forkChanges     sql.NullString
		errMsg, idemKey, parent, replay sql.NullString
		startedAt, completedAt          sql.NullString
		status, createdAt               string
	)
	err := row.Scan(&run.ID, &run.Workflow, &run.WorkflowVersion, &input, &outputs,
		&run.TotalCost, &status, &errMsg, &run.MaxCost, &idemKey, &parent, &replay,
		&forkChanges, &run.Depth, &run.Tenant, &startedAt, &completedAt, &createdAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	run.Status = RunStatus(status)
	run.Error = errMsg.String
	run.IdempotencyKey = idemKey.String
	run.ParentRunID = parent.String
	run.ReplayFromStep = replay.String
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		run.CreatedAt = t
	}
	if err := unmarshalJSON(input, &run.Input); err != nil {
		return nil, fmt.Errorf("decoding run input: %w", err)
	}
	if err := unmarshalJSON(outputs, &run.Outputs); err != nil {
		return nil, fmt.Errorf("decoding run outputs: %w", err)
	}
	if err := unmarshalJSON(forkChanges, &run.ForkChanges); err != nil {
		return nil, fmt.Errorf("decoding run fork changes: %w", err)
	}
	return &run, nil
}
