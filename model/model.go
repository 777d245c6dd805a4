// Package model defines the persisted entities of the migration-workflow
// engine and the status vocabularies their state machines move through.
// All runtime state lives in the relational store; these structs double as
// the gorm migration source and as scan targets for the pgx repositories.
package model

import "time"

// OverdueBehavior controls what a version transition does with phases whose
// due time has already passed when the new version is published.
type OverdueBehavior string

const (
	OverdueRerun  OverdueBehavior = "rerun"
	OverdueIgnore OverdueBehavior = "ignore"
)

// Runbook is one published version of a named runbook. Publishing version N
// deactivates every version below N; at most one row per name is active.
type Runbook struct {
	ID              int64           `gorm:"primaryKey;autoIncrement"`
	Name            string          `gorm:"index:idx_runbooks_name_version,unique,priority:1;size:200;not null"`
	Version         int             `gorm:"index:idx_runbooks_name_version,unique,priority:2;not null"`
	Document        string          `gorm:"type:text;not null"`
	DataTableName   string          `gorm:"size:200"`
	IsActive        bool            `gorm:"index"`
	OverdueBehavior OverdueBehavior `gorm:"size:20;default:rerun"`
	RerunInit       bool
	CreatedAt       time.Time
}

// AutomationSetting gates scheduler processing for a runbook name. Keyed by
// name, not version id, so toggles survive republishing.
type AutomationSetting struct {
	RunbookName string `gorm:"primaryKey;size:200"`
	Enabled     bool
	UpdatedBy   string `gorm:"size:200"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BatchStatus values. Completed and failed are sinks.
type BatchStatus string

const (
	BatchDetected       BatchStatus = "detected"
	BatchInitDispatched BatchStatus = "init_dispatched"
	BatchActive         BatchStatus = "active"
	BatchCompleted      BatchStatus = "completed"
	BatchFailed         BatchStatus = "failed"
)

// IsTerminal reports whether the batch status is a sink.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// Batch is one execution group of members discovered for a runbook version.
// Scheduled batches are unique per (runbook name, batch_start_time); the
// start time of a manual batch stays null until it is advanced.
type Batch struct {
	ID               int64 `gorm:"primaryKey;autoIncrement"`
	RunbookID        int64 `gorm:"index;not null"`
	RunbookName      string `gorm:"index;size:200;not null"`
	BatchStartTime   *time.Time
	Status           BatchStatus `gorm:"size:30;index;not null"`
	IsManual         bool
	CreatedBy        string `gorm:"size:200"`
	CurrentPhase     string `gorm:"size:200"`
	DetectedAt       time.Time
	InitDispatchedAt *time.Time
}

// MemberStatus values.
type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberRemoved MemberStatus = "removed"
	MemberFailed  MemberStatus = "failed"
)

// BatchMember is one target entity inside a batch. DataJSON is the frozen
// point-in-time snapshot of the source row; WorkerDataJSON accumulates step
// outputs (new keys win on merge).
type BatchMember struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	BatchID            int64  `gorm:"index:idx_members_batch_key,unique,priority:1;not null"`
	MemberKey          string `gorm:"index:idx_members_batch_key,unique,priority:2;size:400;not null"`
	Status             MemberStatus `gorm:"size:20;index;not null"`
	DataJSON           []byte `gorm:"type:jsonb"`
	WorkerDataJSON     []byte `gorm:"type:jsonb"`
	AddedAt            time.Time
	RemovedAt          *time.Time
	AddDispatchedAt    *time.Time
	RemoveDispatchedAt *time.Time
}

// PhaseStatus values. Terminal: completed, skipped, failed, superseded.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseDispatched PhaseStatus = "dispatched"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseSkipped    PhaseStatus = "skipped"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSuperseded PhaseStatus = "superseded"
)

// IsTerminal reports whether the phase status is terminal.
func (s PhaseStatus) IsTerminal() bool {
	switch s {
	case PhaseCompleted, PhaseSkipped, PhaseFailed, PhaseSuperseded:
		return true
	}
	return false
}

// PhaseExecution is one phase of a batch under one runbook version. DueAt is
// batch_start_time minus the offset; null for manual batches that have not
// been advanced.
type PhaseExecution struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	BatchID        int64  `gorm:"index:idx_phases_batch_name_version,unique,priority:1;not null"`
	PhaseName      string `gorm:"index:idx_phases_batch_name_version,unique,priority:2;size:200;not null"`
	RunbookVersion int    `gorm:"index:idx_phases_batch_name_version,unique,priority:3;not null"`
	OffsetMinutes  int
	DueAt          *time.Time
	Status         PhaseStatus `gorm:"size:20;index;not null"`
	DispatchedAt   *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// StepStatus values. Terminal: succeeded, failed, poll_timeout, cancelled.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepDispatched  StepStatus = "dispatched"
	StepPolling     StepStatus = "polling"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepPollTimeout StepStatus = "poll_timeout"
	StepCancelled   StepStatus = "cancelled"
)

// IsTerminal reports whether the step status is terminal.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepPollTimeout, StepCancelled:
		return true
	}
	return false
}

// StepExecution is one function call for one member within one phase
// execution. JobID is deterministic, derived from the row id and retry/poll
// state, so bus-level duplicate suppression catches double dispatch.
type StepExecution struct {
	ID               int64 `gorm:"primaryKey;autoIncrement"`
	PhaseExecutionID int64 `gorm:"index:idx_steps_phase_member_index,unique,priority:1;not null"`
	BatchMemberID    int64 `gorm:"index:idx_steps_phase_member_index,unique,priority:2;not null"`
	StepIndex        int   `gorm:"index:idx_steps_phase_member_index,unique,priority:3;not null"`
	StepName         string `gorm:"size:200;not null"`
	WorkerID         string `gorm:"size:200;not null"`
	FunctionName     string `gorm:"size:200;not null"`
	ParamsJSON       []byte `gorm:"type:jsonb"`
	ResultJSON       []byte `gorm:"type:jsonb"`
	Status           StepStatus `gorm:"size:20;index;not null"`
	IsPollStep       bool
	PollIntervalSec  int
	PollTimeoutSec   int
	PollStartedAt    *time.Time
	LastPolledAt     *time.Time
	PollCount        int
	OnFailure        string `gorm:"size:200"`
	MaxRetries       int
	RetryCount       int
	RetryIntervalSec int
	RetryAfter       *time.Time
	JobID            string `gorm:"size:120"`
	ErrorMessage     string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InitExecution has the shape of a step execution but attaches to the batch
// and runs strictly sequentially by StepIndex, before any phase fires.
type InitExecution struct {
	ID               int64 `gorm:"primaryKey;autoIncrement"`
	BatchID          int64 `gorm:"index:idx_inits_batch_version_index,unique,priority:1;not null"`
	RunbookVersion   int   `gorm:"index:idx_inits_batch_version_index,unique,priority:2;not null"`
	StepIndex        int   `gorm:"index:idx_inits_batch_version_index,unique,priority:3;not null"`
	StepName         string `gorm:"size:200;not null"`
	WorkerID         string `gorm:"size:200;not null"`
	FunctionName     string `gorm:"size:200;not null"`
	ParamsJSON       []byte `gorm:"type:jsonb"`
	ResultJSON       []byte `gorm:"type:jsonb"`
	Status           StepStatus `gorm:"size:20;index;not null"`
	IsPollStep       bool
	PollIntervalSec  int
	PollTimeoutSec   int
	PollStartedAt    *time.Time
	LastPolledAt     *time.Time
	PollCount        int
	OnFailure        string `gorm:"size:200"`
	MaxRetries       int
	RetryCount       int
	RetryIntervalSec int
	RetryAfter       *time.Time
	JobID            string `gorm:"size:120"`
	ErrorMessage     string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// All returns every migratable entity, in dependency order.
func All() []interface{} {
	return []interface{}{
		&Runbook{},
		&AutomationSetting{},
		&Batch{},
		&BatchMember{},
		&PhaseExecution{},
		&StepExecution{},
		&InitExecution{},
	}
}
