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
)

const stepColumns = `id, run_id, step_id, parallel_index, status, prompt, model,
	output, cost_usd, duration_seconds, attempt, error, sub_run_ids,
	violation_count, action_history, started_at, completed_at`

// CreateStep inserts a run step and returns its row id.
func (s *Store) CreateStep(ctx context.Context, step *RunStep) (int64, error) {
	output, err := marshalJSON(step.Output)
	if err != nil {
		return 0, err
	}
	subRuns, err := marshalJSON(step.SubRunIDs)
	if err != nil {
		return 0, err
	}
	actions, err := marshalJSON(step.ActionHistory)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO run_steps
		(run_id, step_id, parallel_index, status, prompt, model, output, cost_usd,
		 duration_seconds, attempt, error, sub_run_ids, violation_count,
		 action_history, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.StepID, nullInt(step.ParallelIndex), string(step.Status),
		nullString(step.Prompt), nullString(step.Model), output, step.CostUSD,
		step.DurationSeconds, step.Attempt, nullString(step.Error), subRuns,
		step.ViolationCount, actions, nullTime(step.StartedAt), nullTime(step.CompletedAt))
	if err != nil {
		return 0, fmt.Errorf("inserting step %s/%s: %w", step.RunID, step.StepID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	step.ID = id
	return id, nil
}

// UpdateStep overwrites the mutable fields of a run step.
func (s *Store) UpdateStep(ctx context.Context, step *RunStep) error {
	output, err := marshalJSON(step.Output)
	if err != nil {
		return err
	}
	subRuns, err := marshalJSON(step.SubRunIDs)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(step.ActionHistory)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `UPDATE run_steps SET
		status = ?, prompt = ?, model = ?, output = ?, cost_usd = ?,
		duration_seconds = ?, attempt = ?, error = ?, sub_run_ids = ?,
		violation_count = ?, action_history = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(step.Status), nullString(step.Prompt), nullString(step.Model), output,
		step.CostUSD, step.DurationSeconds, step.Attempt, nullString(step.Error),
		subRuns, step.ViolationCount, actions, nullTime(step.StartedAt),
		nullTime(step.CompletedAt), step.ID)
	if err != nil {
		return fmt.Errorf("updating step %d: %w", step.ID, err)
	}
	return nil
}

// StepsForRun loads all steps of a run in insertion order.
func (s *Store) StepsForRun(ctx context.Context, runID string) ([]*RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanStep(row rowScanner) (*RunStep, error) {
	var (
		step                     RunStep
		parallelIndex            sql.NullInt64
		prompt, model, errMsg    sql.NullString
		output, subRuns, actions sql.NullString
		startedAt, completedAt   sql.NullString
		status                   string
	)
	err := row.Scan(&step.ID, &step.RunID, &step.StepID, &parallelIndex, &status,
		&prompt, &model, &output, &step.CostUSD, &step.DurationSeconds, &step.Attempt,
		&errMsg, &subRuns, &step.ViolationCount, &actions, &startedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning step: %w", err)
	}
	step.Status = StepStatus(status)
	step.ParallelIndex = parseInt(parallelIndex)
	step.Prompt = prompt.String
	step.Model = model.String
	step.Error = errMsg.String
	step.StartedAt = parseTime(startedAt)
	step.CompletedAt = parseTime(completedAt)
	if err := unmarshalJSON(output, &step.Output); err != nil {
		return nil, fmt.Errorf("decoding step output: %w", err)
	}
	if err := unmarshalJSON(subRuns, &step.SubRunIDs); err != nil {
		return nil, fmt.Errorf("decoding sub run ids: %w", err)
	}
	if err := unmarshalJSON(actions, &step.ActionHistory); err != nil {
		return nil, fmt.Errorf("decoding action history: %w", err)
	}
	return &step, nil
}

// GetCacheEntry returns the cached output for a key and bumps hit_count.
// Expired entries are treated as misses and deleted opportunistically.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, output, cost_usd, hit_count, expires_at, created_at
		 FROM step_cache WHERE cache_key = ?`, key)

	var (
		entry                CacheEntry
		output               sql.NullString
		expiresAt, createdAt sql.NullString
	)
	err := row.Scan(&entry.CacheKey, &output, &entry.CostUSD, &entry.HitCount,
		&expiresAt, &createdAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}
	entry.ExpiresAt = parseTime(expiresAt)
	if t := parseTime(createdAt); t != nil {
		entry.CreatedAt = *t
	}
	if err := unmarshalJSON(output, &entry.Output); err != nil {
		return nil, false, fmt.Errorf("decoding cache output: %w", err)
	}

	if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM step_cache WHERE cache_key = ?`, key)
		return nil, false, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE step_cache SET hit_count = hit_count + 1 WHERE cache_key = ?`, key); err != nil {
		return nil, false, fmt.Errorf("bumping cache hit count: %w", err)
	}
	entry.HitCount++
	return &entry, true, nil
}

// PutCacheEntry upserts a cache entry, resetting its hit count.
func (s *Store) PutCacheEntry(ctx context.Context, entry CacheEntry) error {
	output, err := marshalJSON(entry.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO step_cache
		(cache_key, output, cost_usd, hit_count, expires_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			output = excluded.output,
			cost_usd = excluded.cost_usd,
			hit_count = 0,
			expires_at = excluded.expires_at`,
		entry.CacheKey, output, entry.CostUSD, nullTime(entry.ExpiresAt), now())
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// PurgeExpiredCache deletes expired cache rows, returning how many.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM step_cache WHERE expires_at IS NOT NULL AND expires_at < ?`, now())
	if err != nil {
		return 0, fmt.Errorf("purging cache: %w", err)
	}
	return res.RowsAffected()
}

// AddDeadLetter records an unrecoverable step failure.
func (s *Store) AddDeadLetter(ctx context.Context, item *DeadLetterItem) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO dead_letter_queue
		(run_id, step_id, parallel_index, input, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.RunID, item.StepID, nullInt(item.ParallelIndex),
		nullString(item.Input), item.Error, item.Attempts, now())
	if err != nil {
		return 0, fmt.Errorf("inserting dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	item.ID = id
	return id, nil
}

// UnresolvedDeadLetters lists dead letters still awaiting triage.
func (s *Store) UnresolvedDeadLetters(ctx context.Context, limit int) ([]*DeadLetterItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, parallel_index, input, error, attempts,
			resolved_at, resolved_by, created_at
		 FROM dead_letter_queue WHERE resolved_at IS NULL
		 ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var items []*DeadLetterItem
	for rows.Next() {
		var (
			item                             DeadLetterItem
			parallelIndex                    sql.NullInt64
			input, resolvedAt, by, createdAt sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.RunID, &item.StepID, &parallelIndex,
			&input, &item.Error, &item.Attempts, &resolvedAt, &by, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		item.ParallelIndex = parseInt(parallelIndex)
		item.Input = input.String
		item.ResolvedAt = parseTime(resolvedAt)
		item.ResolvedBy = by.String
		if t := parseTime(createdAt); t != nil {
			item.CreatedAt = *t
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// ResolveDeadLetter marks a dead letter handled.
func (s *Store) ResolveDeadLetter(ctx context.Context, id int64, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND resolved_at IS NULL`,
		now(), resolvedBy, id)
	if err != nil {
		return fmt.Errorf("resolving dead letter %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("dead letter %d not found or already resolved", id)
	}
	return nil
}
