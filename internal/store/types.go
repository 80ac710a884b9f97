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

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued           RunStatus = "queued"
	RunRunning          RunStatus = "running"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunPartial          RunStatus = "partial"
	RunCancelled        RunStatus = "cancelled"
	RunBudgetExceeded   RunStatus = "budget_exceeded"
	RunAwaitingApproval RunStatus = "awaiting_approval"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunPartial, RunCancelled, RunBudgetExceeded:
		return true
	}
	return false
}

// Run is one workflow execution.
type Run struct {
	ID              string
	Workflow        string
	WorkflowVersion int
	Input           map[string]any
	Outputs         map[string]any
	TotalCost       float64
	Status          RunStatus
	Error           string
	MaxCost         float64
	IdempotencyKey  string
	ParentRunID     string
	ReplayFromStep  string
	ForkChanges     map[string]any
	Depth           int
	Tenant          string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// StepStatus is the lifecycle state of a run step.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
	StepAwaitingApproval StepStatus = "awaiting_approval"
)

// RunStep is one step execution within a run.
type RunStep struct {
	ID              int64
	RunID           string
	StepID          string
	ParallelIndex   *int
	Status          StepStatus
	Prompt          string
	Model           string
	Output          any
	CostUSD         float64
	DurationSeconds float64
	Attempt         int
	Error           string
	SubRunIDs       []string
	ViolationCount  int
	ActionHistory   []string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Checkpoint snapshots run context after a completed stage.
type Checkpoint struct {
	RunID       string
	StageIndex  int
	StepOutputs map[string]any
	Costs       []float64
	CreatedAt   time.Time
}

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalSkipped  ApprovalStatus = "skipped"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// Terminal reports whether the approval can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest pauses a run until a reviewer decides.
type ApprovalRequest struct {
	ID          string
	RunID       string
	StepID      string
	Status      ApprovalStatus
	Message     string
	RequestData any
	ReviewerID  string
	Comment     string
	EditedData  any
	AllowEdit   bool
	OnTimeout   string
	TimeoutAt   time.Time
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// CacheEntry is one step-cache row.
type CacheEntry struct {
	CacheKey  string
	Output    any
	CostUSD   float64
	HitCount  int
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// RoutingDecision audits one optimizer invocation.
type RoutingDecision struct {
	ID             int64
	RunID          string
	StepID         string
	SelectedModel  string
	VariantID      string
	Reason         string
	BudgetPressure float64
	Confidence     float64
	Alternatives   []string
	SLO            map[string]any
	CreatedAt      time.Time
}

// PolicyViolationRecord denormalizes one policy firing.
type PolicyViolationRecord struct {
	ID        int64
	RunID     string
	StepID    string
	PolicyID  string
	Severity  string
	Action    string
	Detail    string
	Modified  bool
	CreatedAt time.Time
}

// DeadLetterItem retains an unrecoverable step failure for triage.
type DeadLetterItem struct {
	ID            int64
	RunID         string
	StepID        string
	ParallelIndex *int
	Input         string
	Error         string
	Attempts      int
	ResolvedAt    *time.Time
	ResolvedBy    string
	CreatedAt     time.Time
}

// VersionStatus is the lifecycle of a workflow version.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionStaging    VersionStatus = "staging"
	VersionProduction VersionStatus = "production"
	VersionArchived   VersionStatus = "archived"
)

// WorkflowVersion is one immutable workflow revision.
type WorkflowVersion struct {
	ID        int64
	Name      string
	Version   int
	Status    VersionStatus
	Content   string
	Checksum  string
	CreatedAt time.Time
}

// Schedule runs a workflow on a cron expression.
type Schedule struct {
	ID        string
	Workflow  string
	Cron      string
	Enabled   bool
	LastRunAt *time.Time
	CreatedAt time.Time
}

// APIKey authenticates external callers.
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	Tenant     string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Setting is one key/value configuration row.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
