// Package repository provides data access for the engine's entities. All
// concurrency-sensitive status changes go through compare-and-swap methods
// that report whether the caller won the transition; handlers branch on that
// before publishing downstream side effects.
//
// Two implementations exist: the Postgres one on pgx, and an in-memory one
// used by the scheduler and orchestrator tests.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict is returned when an insert hits a unique constraint.
var ErrConflict = errors.New("repository: conflict")

// Runbooks persists runbook versions.
type Runbooks interface {
	// CreateVersion inserts a new version row and deactivates every lower
	// version of the same name in one transaction.
	CreateVersion(ctx context.Context, rb *model.Runbook) error
	GetByID(ctx context.Context, id int64) (*model.Runbook, error)
	GetActiveByName(ctx context.Context, name string) (*model.Runbook, error)
	GetByNameVersion(ctx context.Context, name string, version int) (*model.Runbook, error)
	ListActive(ctx context.Context) ([]model.Runbook, error)
	ListVersions(ctx context.Context, name string) ([]model.Runbook, error)
	LatestVersion(ctx context.Context, name string) (int, error)
	DeactivateVersion(ctx context.Context, name string, version int) error
}

// Automation persists per-runbook-name automation toggles. A missing row
// reads as enabled.
type Automation interface {
	Get(ctx context.Context, runbookName string) (*model.AutomationSetting, error)
	Set(ctx context.Context, runbookName string, enabled bool, actor string) error
}

// BatchFilter narrows batch listings.
type BatchFilter struct {
	RunbookName string
	Status      model.BatchStatus
	Limit       int
	Offset      int
}

// Batches persists batches.
type Batches interface {
	Create(ctx context.Context, b *model.Batch) error
	GetByID(ctx context.Context, id int64) (*model.Batch, error)
	// FindScheduled looks a scheduled batch up by runbook name and start
	// time; the look-up is by name, never by version-specific id.
	FindScheduled(ctx context.Context, runbookName string, start time.Time) (*model.Batch, error)
	ListActiveByRunbookName(ctx context.Context, runbookName string) ([]model.Batch, error)
	List(ctx context.Context, f BatchFilter) ([]model.Batch, error)
	UpdateStatus(ctx context.Context, id int64, from, to model.BatchStatus) (bool, error)
	SetStartTime(ctx context.Context, id int64, start time.Time) error
	SetInitDispatched(ctx context.Context, id int64, at time.Time) error
	SetCurrentPhase(ctx context.Context, id int64, phaseName string) error
	SetRunbookID(ctx context.Context, id int64, runbookID int64) error
}

// Members persists batch members.
type Members interface {
	Insert(ctx context.Context, m *model.BatchMember) error
	GetByID(ctx context.Context, id int64) (*model.BatchMember, error)
	ListByBatch(ctx context.Context, batchID int64) ([]model.BatchMember, error)
	ListActiveByBatch(ctx context.Context, batchID int64) ([]model.BatchMember, error)
	UpdateStatus(ctx context.Context, id int64, from, to model.MemberStatus) (bool, error)
	MarkRemoved(ctx context.Context, id int64, at time.Time) (bool, error)
	// MergeWorkerData merges updates into worker_data_json under row
	// locking; new keys win over stored ones.
	MergeWorkerData(ctx context.Context, id int64, updates map[string]string) error
	SetAddDispatched(ctx context.Context, id int64, at time.Time) error
	SetRemoveDispatched(ctx context.Context, id int64, at time.Time) error
	ListUndispatched(ctx context.Context, batchID int64) (adds, removes []model.BatchMember, err error)
	// ActiveKeys returns the member keys currently active in any
	// non-terminal batch of the runbook name; immediate batching filters
	// source rows against it.
	ActiveKeys(ctx context.Context, runbookName string) (map[string]bool, error)
}

// Phases persists phase executions.
type Phases interface {
	// InsertMany inserts rows, skipping any that collide on
	// (batch_id, phase_name, runbook_version).
	InsertMany(ctx context.Context, rows []model.PhaseExecution) error
	GetByID(ctx context.Context, id int64) (*model.PhaseExecution, error)
	ListByBatch(ctx context.Context, batchID int64) ([]model.PhaseExecution, error)
	ListDue(ctx context.Context, batchID int64, now time.Time) ([]model.PhaseExecution, error)
	MarkDispatched(ctx context.Context, id int64, at time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id int64, from, to model.PhaseStatus, at time.Time) (bool, error)
	SupersedePending(ctx context.Context, batchID int64, version int) (int64, error)
	// MaxVersion reports the highest runbook version stamped on the
	// batch's phase rows; zero when the batch has none.
	MaxVersion(ctx context.Context, batchID int64) (int, error)
	SetDueAt(ctx context.Context, id int64, due time.Time) error
}

// Steps persists per-member step executions.
type Steps interface {
	// InsertMany inserts rows, skipping collisions on
	// (phase_execution_id, batch_member_id, step_index).
	InsertMany(ctx context.Context, rows []model.StepExecution) error
	GetByID(ctx context.Context, id int64) (*model.StepExecution, error)
	ListByPhase(ctx context.Context, phaseExecutionID int64) ([]model.StepExecution, error)
	ListByPhaseMember(ctx context.Context, phaseExecutionID, memberID int64) ([]model.StepExecution, error)
	MarkDispatched(ctx context.Context, id int64, from model.StepStatus, jobID string, paramsJSON []byte, at time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, id int64, from model.StepStatus, resultJSON []byte, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, from model.StepStatus, errMsg string, at time.Time) (bool, error)
	// MarkPolling moves the row to polling, stamps poll_started_at on the
	// first transition, updates last_polled_at and bumps poll_count.
	MarkPolling(ctx context.Context, id int64, from model.StepStatus, at time.Time) (bool, error)
	MarkPollTimeout(ctx context.Context, id int64, at time.Time) (bool, error)
	// ScheduleRetry moves a live row back to pending, bumping retry_count
	// and stamping retry_after.
	ScheduleRetry(ctx context.Context, id int64, from model.StepStatus, retryAfter time.Time, at time.Time) (bool, error)
	CancelPendingForMember(ctx context.Context, memberID int64) (int64, error)
	CancelNonTerminalForMember(ctx context.Context, memberID int64) (int64, error)
}

// Inits persists batch-level init executions; same shape as steps but keyed
// by (batch_id, runbook_version, step_index) and strictly sequential.
type Inits interface {
	InsertMany(ctx context.Context, rows []model.InitExecution) error
	ExistsForBatch(ctx context.Context, batchID int64, version int) (bool, error)
	GetByID(ctx context.Context, id int64) (*model.InitExecution, error)
	ListByBatch(ctx context.Context, batchID int64, version int) ([]model.InitExecution, error)
	FirstPending(ctx context.Context, batchID int64, version int) (*model.InitExecution, error)
	MarkDispatched(ctx context.Context, id int64, from model.StepStatus, jobID string, paramsJSON []byte, at time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, id int64, from model.StepStatus, resultJSON []byte, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, from model.StepStatus, errMsg string, at time.Time) (bool, error)
	MarkPolling(ctx context.Context, id int64, from model.StepStatus, at time.Time) (bool, error)
	MarkPollTimeout(ctx context.Context, id int64, at time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id int64, from model.StepStatus, retryAfter time.Time, at time.Time) (bool, error)
}

// Store bundles every repository behind one handle.
type Store struct {
	Runbooks   Runbooks
	Automation Automation
	Batches    Batches
	Members    Members
	Phases     Phases
	Steps      Steps
	Inits      Inits
}
