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
)

// SaveCheckpoint persists the run context snapshot after a completed
// stage. Stage N requires a checkpoint for stage N-1 to already exist,
// so replay never sees a gap.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.StageIndex > 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM run_checkpoints WHERE run_id = ? AND stage_index = ?`,
			cp.RunID, cp.StageIndex-1).Scan(&exists)
		if stderrors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checkpoint for stage %d of run %s requires stage %d first",
				cp.StageIndex, cp.RunID, cp.StageIndex-1)
		}
		if err != nil {
			return fmt.Errorf("checking prior checkpoint: %w", err)
		}
	}

	outputs, err := marshalJSON(cp.StepOutputs)
	if err != nil {
		return err
	}
	costs, err := marshalJSON(cp.Costs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO run_checkpoints
		(run_id, stage_index, step_outputs, costs, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, stage_index) DO UPDATE SET
			step_outputs = excluded.step_outputs,
			costs = excluded.costs,
			created_at = excluded.created_at`,
		cp.RunID, cp.StageIndex, outputs, costs, now())
	if err != nil {
		return fmt.Errorf("saving checkpoint %s/%d: %w", cp.RunID, cp.StageIndex, err)
	}
	return nil
}

// GetCheckpoint loads one checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, runID string, stageIndex int) (*Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, stage_index, step_outputs, costs, created_at
		 FROM run_checkpoints WHERE run_id = ? AND stage_index = ?`,
		runID, stageIndex)
	return scanCheckpoint(row)
}

// LatestCheckpoint loads the highest-stage checkpoint of a run.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, stage_index, step_outputs, costs, created_at
		 FROM run_checkpoints WHERE run_id = ?
		 ORDER BY stage_index DESC LIMIT 1`, runID)
	return scanCheckpoint(row)
}

func scanCheckpoint(row rowScanner) (*Checkpoint, bool, error) {
	var (
		cp             Checkpoint
		outputs, costs sql.NullString
		createdAt      sql.NullString
	)
	err := row.Scan(&cp.RunID, &cp.StageIndex, &outputs, &costs, &createdAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scanning checkpoint: %w", err)
	}
	if err := unmarshalJSON(outputs, &cp.StepOutputs); err != nil {
		return nil, false, fmt.Errorf("decoding checkpoint outputs: %w", err)
	}
	if err := unmarshalJSON(costs, &cp.Costs); err != nil {
		return nil, false, fmt.Errorf("decoding checkpoint costs: %w", err)
	}
	if t := parseTime(createdAt); t != nil {
		cp.CreatedAt = *t
	}
	return &cp, true, nil
}
