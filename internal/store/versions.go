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

// CreateVersion inserts a new workflow version. The version number is
// assigned as max+1 for the workflow name.
func (s *Store) CreateVersion(ctx context.Context, name, content, checksum string) (*WorkflowVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_versions WHERE name = ?`,
		name).Scan(&next); err != nil {
		return nil, fmt.Errorf("computing next version: %w", err)
	}

	v := &WorkflowVersion{
		Name:      name,
		Version:   next,
		Status:    VersionDraft,
		Content:   content,
		Checksum:  checksum,
		CreatedAt: time.Now().UTC(),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO workflow_versions
		(name, version, status, content, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.Name, v.Version, string(v.Status), v.Content, v.Checksum,
		v.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting version %s v%d: %w", name, next, err)
	}
	if v.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing version: %w", err)
	}
	return v, nil
}

// PromoteVersion moves a version to production, archiving whichever
// version held production before. At most one production version exists
// per workflow name.
func (s *Store) PromoteVersion(ctx context.Context, name string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_versions SET status = ? WHERE name = ? AND version = ?`,
		string(VersionProduction), name, version)
	if err != nil {
		return fmt.Errorf("promoting %s v%d: %w", name, version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "workflow version", ID: fmt.Sprintf("%s v%d", name, version)}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_versions SET status = ?
		 WHERE name = ? AND status = ? AND version != ?`,
		string(VersionArchived), name, string(VersionProduction), version); err != nil {
		return fmt.Errorf("archiving prior production: %w", err)
	}
	return tx.Commit()
}

// ProductionVersion returns the live version of a workflow.
func (s *Store) ProductionVersion(ctx context.Context, name string) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, status, content, checksum, created_at
		 FROM workflow_versions WHERE name = ? AND status = ?`,
		name, string(VersionProduction))
	v, err := scanVersion(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return v, err
}

// GetVersion loads a specific workflow version.
func (s *Store) GetVersion(ctx context.Context, name string, version int) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, status, content, checksum, created_at
		 FROM workflow_versions WHERE name = ? AND version = ?`, name, version)
	v, err := scanVersion(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "workflow version", ID: fmt.Sprintf("%s v%d", name, version)}
	}
	return v, err
}

// ListVersions returns every version of a workflow, newest first.
func (s *Store) ListVersions(ctx context.Context, name string) ([]*WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, status, content, checksum, created_at
		 FROM workflow_versions WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	var versions []*WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanVersion(row rowScanner) (*WorkflowVersion, error) {
	var (
		v         WorkflowVersion
		status    string
		createdAt string
	)
	err := row.Scan(&v.ID, &v.Name, &v.Version, &status, &v.Content, &v.Checksum, &createdAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning version: %w", err)
	}
	v.Status = VersionStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		v.CreatedAt = t
	}
	return &v, nil
}

// UpsertSchedule creates or updates a cron schedule.
func (s *Store) UpsertSchedule(ctx context.Context, sched *Schedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedules
		(id, workflow, cron, enabled, last_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workflow = excluded.workflow,
			cron = excluded.cron,
			enabled = excluded.enabled`,
		sched.ID, sched.Workflow, sched.Cron, sched.Enabled,
		nullTime(sched.LastRunAt), sched.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting schedule %s: %w", sched.ID, err)
	}
	return nil
}

// EnabledSchedules lists schedules eligible for triggering.
func (s *Store) EnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow, cron, enabled, last_run_at, created_at
		 FROM schedules WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		var (
			sched                Schedule
			lastRunAt, createdAt sql.NullString
		)
		if err := rows.Scan(&sched.ID, &sched.Workflow, &sched.Cron,
			&sched.Enabled, &lastRunAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		sched.LastRunAt = parseTime(lastRunAt)
		if t := parseTime(createdAt); t != nil {
			sched.CreatedAt = *t
		}
		schedules = append(schedules, &sched)
	}
	return schedules, rows.Err()
}

// TouchSchedule stamps a schedule's last trigger time.
func (s *Store) TouchSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("touching schedule %s: %w", id, err)
	}
	return nil
}

// CreateAPIKey stores a hashed API key.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys
		(id, name, key_hash, tenant, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.Tenant,
		key.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting api key %s: %w", key.ID, err)
	}
	return nil
}

// APIKeyByHash resolves a key hash to its record, stamping last_used_at.
// Revoked keys are not returned.
func (s *Store) APIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, tenant, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL`, hash)

	var (
		key                              APIKey
		createdAt, lastUsedAt, revokedAt sql.NullString
	)
	err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &key.Tenant,
		&createdAt, &lastUsedAt, &revokedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "api key", ID: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api key: %w", err)
	}
	if t := parseTime(createdAt); t != nil {
		key.CreatedAt = *t
	}
	key.LastUsedAt = parseTime(lastUsedAt)
	key.RevokedAt = parseTime(revokedAt)

	_, _ = s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now(), key.ID)
	return &key, nil
}

// RevokeAPIKey disables an API key.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		now(), id)
	if err != nil {
		return fmt.Errorf("revoking api key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "api key", ID: id}
	}
	return nil
}

// SetSetting upserts a key/value setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now())
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// GetSetting reads a setting; ok is false when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading setting %s: %w", key, err)
	}
	return value, true, nil
}
