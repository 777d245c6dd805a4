// Package queue carries all engine traffic over RabbitMQ: control events
// between the scheduler and the orchestrator, job dispatch to workers routed
// by worker id, and worker results coming back. Delayed redelivery rides on
// per-interval TTL queues that dead-letter into the control queue.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates bus payloads. On the wire it rides the
// MessageType application property, never the body.
type MessageType string

const (
	TypeBatchInit     MessageType = "batch-init"
	TypePhaseDue      MessageType = "phase-due"
	TypeMemberAdded   MessageType = "member-added"
	TypeMemberRemoved MessageType = "member-removed"
	TypePollCheck     MessageType = "poll-check"
	TypeRetryCheck    MessageType = "retry-check"
	TypeWorkerJob     MessageType = "worker-job"
	TypeWorkerResult  MessageType = "worker-result"
)

// Envelope pairs a delivery's MessageType property with its body.
type Envelope struct {
	Type    MessageType
	Payload json.RawMessage
}

// NewEnvelope encodes payload under the given type.
func NewEnvelope(t MessageType, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// BatchInit asks the orchestrator to run the init sequence of a batch under
// one runbook version.
type BatchInit struct {
	RunbookName    string     `json:"runbook_name"`
	RunbookVersion int        `json:"runbook_version"`
	BatchID        int64      `json:"batch_id"`
	BatchStartTime *time.Time `json:"batch_start_time,omitempty"`
	MemberCount    int        `json:"member_count"`
}

// PhaseDue fires one phase execution.
type PhaseDue struct {
	PhaseExecutionID int64      `json:"phase_execution_id"`
	PhaseName        string     `json:"phase_name"`
	BatchID          int64      `json:"batch_id"`
	RunbookName      string     `json:"runbook_name"`
	RunbookVersion   int        `json:"runbook_version"`
	OffsetMinutes    int        `json:"offset_minutes"`
	DueAt            *time.Time `json:"due_at,omitempty"`
	MemberIDs        []int64    `json:"member_ids"`
}

// MemberChange announces a member joining or leaving a batch.
type MemberChange struct {
	RunbookName    string `json:"runbook_name"`
	RunbookVersion int    `json:"runbook_version"`
	BatchID        int64  `json:"batch_id"`
	BatchMemberID  int64  `json:"batch_member_id"`
	MemberKey      string `json:"member_key"`
}

// PollCheck is the delayed self-message that drives one poll cycle of a
// polling step or init execution. PollCount pins the cycle it was scheduled
// for; a count that no longer matches the row means the check is stale.
type PollCheck struct {
	StepExecutionID int64 `json:"step_execution_id,omitempty"`
	InitExecutionID int64 `json:"init_execution_id,omitempty"`
	PollCount       int   `json:"poll_count"`
}

// RetryCheck is the delayed self-message that redispatches an execution
// scheduled for retry. RetryCount pins the attempt; a mismatch means the
// row was cancelled or superseded after the check was scheduled.
type RetryCheck struct {
	StepExecutionID int64 `json:"step_execution_id,omitempty"`
	InitExecutionID int64 `json:"init_execution_id,omitempty"`
	RetryCount      int   `json:"retry_count"`
}

// JobCorrelationData rides opaquely on every worker job and comes back
// unchanged on the result; it is the only link from a result to its
// execution row.
type JobCorrelationData struct {
	StepExecutionID  int64  `json:"step_execution_id,omitempty"`
	InitExecutionID  int64  `json:"init_execution_id,omitempty"`
	IsInitStep       bool   `json:"is_init_step"`
	RunbookName      string `json:"runbook_name"`
	RunbookVersion   int    `json:"runbook_version"`
	BatchID          int64  `json:"batch_id"`
	PhaseExecutionID int64  `json:"phase_execution_id,omitempty"`
	BatchMemberID    int64  `json:"batch_member_id,omitempty"`
	Rollback         bool   `json:"rollback,omitempty"`
}

// Valid reports whether the correlation identifies an execution row.
func (c JobCorrelationData) Valid() bool {
	if c.IsInitStep {
		return c.InitExecutionID > 0
	}
	return c.StepExecutionID > 0
}

// WorkerJob is the dispatch contract published to the jobs exchange. Workers
// route on the WorkerId header, execute FunctionName with Parameters, and
// echo JobID and Correlation back on the result.
type WorkerJob struct {
	JobID        string             `json:"job_id"`
	BatchID      int64              `json:"batch_id"`
	WorkerID     string             `json:"worker_id"`
	FunctionName string             `json:"function_name"`
	Parameters   map[string]string  `json:"parameters"`
	Correlation  JobCorrelationData `json:"correlation_data"`
	DispatchedAt time.Time          `json:"dispatched_at"`
}

// Worker result statuses.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// WorkerError is the failure detail workers attach to a failed result.
type WorkerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WorkerResult is what workers publish when a job finishes. Result carries
// the function's output object; poll functions report `{complete, data}`
// inside it.
type WorkerResult struct {
	JobID       string             `json:"job_id"`
	Status      string             `json:"status"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Error       *WorkerError       `json:"error,omitempty"`
	Correlation JobCorrelationData `json:"correlation_data"`
}

// ErrorMessage returns the attached failure message, empty when none.
func (r WorkerResult) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// PollOutcome is the shape poll functions report inside WorkerResult.Result.
type PollOutcome struct {
	Complete bool            `json:"complete"`
	Data     json.RawMessage `json:"data,omitempty"`
}
