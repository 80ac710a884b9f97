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

	"github.com/sandcastle-hq/sandcastle/pkg/autopilot"
	"github.com/sandcastle-hq/sandcastle/pkg/optimizer"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// The store doubles as the experimenter's persistence and the
// optimizer's history source.
var (
	_ autopilot.Store       = (*Store)(nil)
	_ optimizer.StatsSource = (*Store)(nil)
)

// FindRunning returns the running experiment for a (workflow, step)
// pair, or nil when none exists.
func (s *Store) FindRunning(ctx context.Context, workflowName, stepID string) (*autopilot.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, step_id, status, optimize_for, variants, min_samples,
			auto_deploy, quality_threshold, winner, created_at
		 FROM autopilot_experiments
		 WHERE workflow = ? AND step_id = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		workflowName, stepID, string(autopilot.StatusRunning))

	var (
		exp                 autopilot.Experiment
		optimizeFor, winner sql.NullString
		variants            sql.NullString
		status, createdAt   string
	)
	err := row.Scan(&exp.ID, &exp.Workflow, &exp.StepID, &status, &optimizeFor,
		&variants, &exp.MinSamples, &exp.AutoDeploy, &exp.QualityThreshold,
		&winner, &createdAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning experiment: %w", err)
	}
	exp.Status = autopilot.Status(status)
	exp.OptimizeFor = optimizeFor.String
	exp.Winner = winner.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		exp.CreatedAt = t
	}
	if err := unmarshalJSON(variants, &exp.Variants); err != nil {
		return nil, fmt.Errorf("decoding experiment variants: %w", err)
	}
	return &exp, nil
}

// Create inserts a new experiment.
func (s *Store) Create(ctx context.Context, exp *autopilot.Experiment) error {
	variants, err := marshalJSON(exp.Variants)
	if err != nil {
		return err
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO autopilot_experiments
		(id, workflow, step_id, status, optimize_for, variants, min_samples,
		 auto_deploy, quality_threshold, winner, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Workflow, exp.StepID, string(exp.Status),
		nullString(exp.OptimizeFor), variants, exp.MinSamples, exp.AutoDeploy,
		exp.QualityThreshold, nullString(exp.Winner),
		exp.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting experiment %s: %w", exp.ID, err)
	}
	return nil
}

// AddSample persists one variant execution.
func (s *Store) AddSample(ctx context.Context, sample autopilot.Sample) error {
	output, err := marshalJSON(sample.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO autopilot_samples
		(id, experiment_id, variant_id, output, quality, cost_usd,
		 duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.ID, sample.ExperimentID, sample.VariantID, output, sample.Quality,
		sample.CostUSD, sample.Duration.Seconds(),
		sample.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting sample %s: %w", sample.ID, err)
	}
	return nil
}

// SampleCounts returns per-variant sample counts for an experiment.
func (s *Store) SampleCounts(ctx context.Context, experimentID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, COUNT(*) FROM autopilot_samples
		 WHERE experiment_id = ? GROUP BY variant_id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("counting samples: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var variantID string
		var count int
		if err := rows.Scan(&variantID, &count); err != nil {
			return nil, fmt.Errorf("scanning sample count: %w", err)
		}
		counts[variantID] = count
	}
	return counts, rows.Err()
}

// VariantStats aggregates samples per variant for an experiment.
func (s *Store) VariantStats(ctx context.Context, experimentID string) ([]autopilot.VariantStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, AVG(quality), AVG(cost_usd), AVG(duration_seconds), COUNT(*)
		 FROM autopilot_samples WHERE experiment_id = ?
		 GROUP BY variant_id ORDER BY variant_id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("aggregating variant stats: %w", err)
	}
	defer rows.Close()

	var stats []autopilot.VariantStats
	for rows.Next() {
		var st autopilot.VariantStats
		if err := rows.Scan(&st.VariantID, &st.AvgQuality, &st.AvgCost,
			&st.AvgLatency, &st.Samples); err != nil {
			return nil, fmt.Errorf("scanning variant stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Complete marks an experiment finished with its winning variant.
func (s *Store) Complete(ctx context.Context, experimentID, winner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE autopilot_experiments SET status = ?, winner = ?
		 WHERE id = ? AND status = ?`,
		string(autopilot.StatusCompleted), winner, experimentID,
		string(autopilot.StatusRunning))
	if err != nil {
		return fmt.Errorf("completing experiment %s: %w", experimentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("experiment %s not found or not running", experimentID)
	}
	return nil
}

// ModelStats aggregates completed run steps into per-model performance
// for the optimizer. Quality comes from experiment samples when the step
// has any; otherwise completed steps count as quality 1 and failed as 0.
func (s *Store) ModelStats(ctx context.Context, workflowName, stepID string) ([]optimizer.ModelStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rs.model,
			AVG(CASE WHEN rs.status = 'completed' THEN 1.0 ELSE 0.0 END),
			AVG(rs.cost_usd),
			AVG(rs.duration_seconds),
			COUNT(*)
		 FROM run_steps rs
		 JOIN runs r ON r.id = rs.run_id
		 WHERE r.workflow = ? AND rs.step_id = ?
			AND rs.model IS NOT NULL AND rs.model != ''
			AND rs.status IN ('completed', 'failed')
		 GROUP BY rs.model`, workflowName, stepID)
	if err != nil {
		return nil, fmt.Errorf("aggregating model stats: %w", err)
	}
	defer rows.Close()

	var stats []optimizer.ModelStats
	for rows.Next() {
		var st optimizer.ModelStats
		if err := rows.Scan(&st.Model, &st.AvgQuality, &st.AvgCost,
			&st.AvgLatency, &st.Samples); err != nil {
			return nil, fmt.Errorf("scanning model stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// RecordRoutingDecision audits one optimizer decision.
func (s *Store) RecordRoutingDecision(ctx context.Context, runID, stepID, variantID string, decision *optimizer.Decision, slo *workflow.SLOConfig) error {
	alternatives, err := marshalJSON(decision.Alternatives)
	if err != nil {
		return err
	}
	sloJSON, err := marshalJSON(slo)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO routing_decisions
		(run_id, step_id, selected_model, variant_id, reason, budget_pressure,
		 confidence, alternatives, slo, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, stepID, decision.Selected.Model, nullString(variantID),
		decision.Reason, decision.BudgetPressure, decision.Confidence,
		alternatives, sloJSON, now())
	if err != nil {
		return fmt.Errorf("recording routing decision: %w", err)
	}
	return nil
}

// RecordPolicyViolation persists one policy firing for the audit trail.
func (s *Store) RecordPolicyViolation(ctx context.Context, v PolicyViolationRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO policy_violations
		(run_id, step_id, policy_id, severity, action, detail, modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.RunID, v.StepID, v.PolicyID, nullString(v.Severity),
		nullString(v.Action), nullString(v.Detail), v.Modified, now())
	if err != nil {
		return fmt.Errorf("recording policy violation: %w", err)
	}
	return nil
}

// ViolationsForRun lists policy violations recorded during a run.
func (s *Store) ViolationsForRun(ctx context.Context, runID string) ([]PolicyViolationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, policy_id, severity, action, detail, modified, created_at
		 FROM policy_violations WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing policy violations: %w", err)
	}
	defer rows.Close()

	var out []PolicyViolationRecord
	for rows.Next() {
		var (
			v                        PolicyViolationRecord
			severity, action, detail sql.NullString
			createdAt                sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.RunID, &v.StepID, &v.PolicyID, &severity,
			&action, &detail, &v.Modified, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning policy violation: %w", err)
		}
		v.Severity = severity.String
		v.Action = action.String
		v.Detail = detail.String
		if t := parseTime(createdAt); t != nil {
			v.CreatedAt = *t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
