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

// Package store persists runs, steps, checkpoints, approvals, caches,
// experiments, and the rest of the execution core's relational state in
// SQLite. Each logical operation uses a short-lived statement on a
// single-writer connection pool; nothing holds a transaction across I/O.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite persistence layer.
type Store struct {
	db *sql.DB
}

// Config configures the store.
type Config struct {
	// Path is the database file path; ":memory:" for tests
	Path string

	// WAL enables write-ahead logging for concurrent readers
	WAL bool
}

// Open opens the database, applies pragmas, and runs migrations.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serializes writes; one connection avoids lock thrash.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			workflow_version INTEGER DEFAULT 0,
			input TEXT,
			outputs TEXT,
			total_cost REAL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT,
			max_cost REAL DEFAULT 0,
			idempotency_key TEXT,
			parent_run_id TEXT,
			replay_from_step TEXT,
			fork_changes TEXT,
			depth INTEGER DEFAULT 0,
			tenant TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency
			ON runs(tenant, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			parallel_index INTEGER,
			status TEXT NOT NULL,
			prompt TEXT,
			model TEXT,
			output TEXT,
			cost_usd REAL DEFAULT 0,
			duration_seconds REAL DEFAULT 0,
			attempt INTEGER DEFAULT 1,
			error TEXT,
			sub_run_ids TEXT,
			violation_count INTEGER DEFAULT 0,
			action_history TEXT,
			started_at TEXT,
			completed_at TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_model ON run_steps(step_id, model, status)`,
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id TEXT NOT NULL,
			stage_index INTEGER NOT NULL,
			step_outputs TEXT NOT NULL,
			costs TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, stage_index),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			request_data TEXT,
			reviewer_id TEXT,
			comment TEXT,
			edited_data TEXT,
			allow_edit INTEGER DEFAULT 0,
			on_timeout TEXT NOT NULL DEFAULT 'abort',
			timeout_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approval_requests(status, timeout_at)`,
		`CREATE TABLE IF NOT EXISTS step_cache (
			cache_key TEXT PRIMARY KEY,
			output TEXT,
			cost_usd REAL DEFAULT 0,
			hit_count INTEGER DEFAULT 0,
			expires_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS autopilot_experiments (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			optimize_for TEXT,
			variants TEXT NOT NULL,
			min_samples INTEGER DEFAULT 0,
			auto_deploy INTEGER DEFAULT 0,
			quality_threshold REAL DEFAULT 0,
			winner TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_pair ON autopilot_experiments(workflow, step_id, status)`,
		`CREATE TABLE IF NOT EXISTS autopilot_samples (
			id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			output TEXT,
			quality REAL DEFAULT 0,
			cost_usd REAL DEFAULT 0,
			duration_seconds REAL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (experiment_id) REFERENCES autopilot_experiments(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_experiment ON autopilot_samples(experiment_id)`,
		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			selected_model TEXT NOT NULL,
			variant_id TEXT,
			reason TEXT,
			budget_pressure REAL DEFAULT 0,
			confidence REAL DEFAULT 0,
			alternatives TEXT,
			slo TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS policy_violations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			severity TEXT,
			action TEXT,
			detail TEXT,
			modified INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			parallel_index INTEGER,
			input TEXT,
			error TEXT,
			attempts INTEGER DEFAULT 1,
			resolved_at TEXT,
			resolved_by TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			content TEXT NOT NULL,
			checksum TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (name, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_status ON workflow_versions(name, status)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			cron TEXT NOT NULL,
			enabled INTEGER DEFAULT 1,
			last_run_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			tenant TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			revoked_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// marshalJSON encodes a value for a TEXT column, nil becoming NULL.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling json column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalJSON decodes a TEXT column into target; NULL leaves it zero.
func unmarshalJSON(ns sql.NullString, target any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), target)
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime formats a time pointer as RFC 3339, nil becoming NULL.
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// parseTime parses a nullable RFC 3339 column.
func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullInt maps a nil int pointer to NULL.
func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func parseInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// now returns the canonical timestamp format for TEXT columns.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
