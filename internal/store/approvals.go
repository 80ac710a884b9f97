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

const approvalColumns = `id, run_id, step_id, status, message, request_data,
	reviewer_id, comment, edited_data, allow_edit, on_timeout, timeout_at,
	created_at, resolved_at`

// CreateApproval inserts a pending approval request.
func (s *Store) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	requestData, err := marshalJSON(req.RequestData)
	if err != nil {
		return err
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = ApprovalPending
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO approval_requests
		(id, run_id, step_id, status, message, request_data, allow_edit,
		 on_timeout, timeout_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, req.StepID, string(req.Status), nullString(req.Message),
		requestData, req.AllowEdit, req.OnTimeout,
		req.TimeoutAt.UTC().Format(time.RFC3339Nano),
		req.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting approval %s: %w", req.ID, err)
	}
	return nil
}

// GetApproval loads an approval request by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanApproval(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "approval", ID: id}
	}
	return req, err
}

// PendingApprovalForRun returns the pending approval of a run, if any.
func (s *Store) PendingApprovalForRun(ctx context.Context, runID string) (*ApprovalRequest, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE run_id = ? AND status = ? ORDER BY created_at LIMIT 1`,
		runID, string(ApprovalPending))
	req, err := scanApproval(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return req, true, nil
}

// ResolveApproval transitions a pending approval to a decision.
// Resolving is idempotent: resolving an already-terminal request leaves
// it untouched and returns the stored state with changed=false.
func (s *Store) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, reviewerID, comment string, editedData any) (*ApprovalRequest, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("cannot resolve approval %s to non-terminal status %s", id, status)
	}
	edited, err := marshalJSON(editedData)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE approval_requests SET
		status = ?, reviewer_id = ?, comment = ?, edited_data = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		string(status), nullString(reviewerID), nullString(comment), edited,
		now(), id, string(ApprovalPending))
	if err != nil {
		return nil, false, fmt.Errorf("resolving approval %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	req, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return req, n > 0, nil
}

// ApprovalsForRun lists every approval request of a run in creation order.
func (s *Store) ApprovalsForRun(ctx context.Context, runID string) ([]*ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing approvals for run %s: %w", runID, err)
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ExpiredApprovals lists pending approvals whose timeout has passed. The
// timeout sweeper resolves them per their on_timeout action.
func (s *Store) ExpiredApprovals(ctx context.Context, asOf time.Time) ([]*ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE status = ? AND timeout_at <= ? ORDER BY timeout_at`,
		string(ApprovalPending), asOf.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("listing expired approvals: %w", err)
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	var (
		req                        ApprovalRequest
		message, reviewer, comment sql.NullString
		requestData, editedData    sql.NullString
		timeoutAt, createdAt       string
		resolvedAt                 sql.NullString
		status                     string
	)
	err := row.Scan(&req.ID, &req.RunID, &req.StepID, &status, &message,
		&requestData, &reviewer, &comment, &editedData, &req.AllowEdit,
		&req.OnTimeout, &timeoutAt, &createdAt, &resolvedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning approval: %w", err)
	}
	req.Status = ApprovalStatus(status)
	req.Message = message.String
	req.ReviewerID = reviewer.String
	req.Comment = comment.String
	req.ResolvedAt = parseTime(resolvedAt)
	if t, err := time.Parse(time.RFC3339Nano, timeoutAt); err == nil {
		req.TimeoutAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		req.CreatedAt = t
	}
	if err := unmarshalJSON(requestData, &req.RequestData); err != nil {
		return nil, fmt.Errorf("decoding approval request data: %w", err)
	}
	if err := unmarshalJSON(editedData, &req.EditedData); err != nil {
		return nil, fmt.Errorf("decoding approval edited data: %w", err)
	}
	return &req, nil
}
