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

package engine

import (
	"context"
	"time"

	"github.com/sandcastle-hq/sandcastle/internal/store"
	"github.com/sandcastle-hq/sandcastle/pkg/workflow"
)

// SweepApprovals resolves pending approvals whose timeout has passed.
// Gates with on_timeout=abort fail their run immediately; on_timeout=skip
// leaves the run resumable and returns its id so the caller can resume.
func (e *Engine) SweepApprovals(ctx context.Context) (resumable []string, err error) {
	expired, err := e.store.ExpiredApprovals(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	for _, req := range expired {
		_, changed, err := e.store.ResolveApproval(ctx, req.ID, store.ApprovalTimedOut, "", "timed out", nil)
		if err != nil {
			e.logger.Error("resolving expired approval", "approval_id", req.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		e.logger.Info("approval timed out",
			"approval_id", req.ID,
			"run_id", req.RunID,
			"on_timeout", req.OnTimeout,
		)

		if req.OnTimeout == string(workflow.TimeoutSkip) {
			resumable = append(resumable, req.RunID)
			continue
		}
		run, err := e.store.GetRun(ctx, req.RunID)
		if err != nil {
			e.logger.Error("loading run after approval timeout", "run_id", req.RunID, "error", err)
			continue
		}
		if err := e.store.FinishRun(ctx, req.RunID, store.RunFailed, run.Outputs, run.TotalCost,
			"approval "+req.ID+" timed out"); err != nil {
			e.logger.Error("failing run after approval timeout", "run_id", req.RunID, "error", err)
		}
	}
	return resumable, nil
}

// RunSweeper periodically sweeps expired approvals until the context is
// cancelled. Runs whose gate skipped on timeout are resumed via resume.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration, resume func(ctx context.Context, runID string)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runIDs, err := e.SweepApprovals(ctx)
			if err != nil {
				e.logger.Error("approval sweep failed", "error", err)
				continue
			}
			if resume != nil {
				for _, runID := range runIDs {
					resume(ctx, runID)
				}
			}
		}
	}
}
