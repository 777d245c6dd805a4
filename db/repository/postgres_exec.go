package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
)

// PostgresPhases implements Phases on pgx.
type PostgresPhases struct {
	pool *pgxpool.Pool
}

const phaseCols = `id, batch_id, phase_name, runbook_version, offset_minutes, due_at, status, dispatched_at, completed_at, created_at`

func scanPhase(row pgx.Row) (*model.PhaseExecution, error) {
	var p model.PhaseExecution
	err := row.Scan(&p.ID, &p.BatchID, &p.PhaseName, &p.RunbookVersion, &p.OffsetMinutes,
		&p.DueAt, &p.Status, &p.DispatchedAt, &p.CompletedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan phase execution: %w", err)
	}
	return &p, nil
}

func (r *PostgresPhases) InsertMany(ctx context.Context, rows []model.PhaseExecution) error {
	for _, p := range rows {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO phase_executions (batch_id, phase_name, runbook_version, offset_minutes, due_at, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (batch_id, phase_name, runbook_version) DO NOTHING`,
			p.BatchID, p.PhaseName, p.RunbookVersion, p.OffsetMinutes, p.DueAt, p.Status, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert phase execution %q: %w", p.PhaseName, err)
		}
	}
	return nil
}

func (r *PostgresPhases) GetByID(ctx context.Context, id int64) (*model.PhaseExecution, error) {
	return scanPhase(r.pool.QueryRow(ctx,
		`SELECT `+phaseCols+` FROM phase_executions WHERE id = $1`, id))
}

func (r *PostgresPhases) listWhere(ctx context.Context, where string, args ...interface{}) ([]model.PhaseExecution, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+phaseCols+` FROM phase_executions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list phase executions: %w", err)
	}
	defer rows.Close()

	var out []model.PhaseExecution
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PostgresPhases) ListByBatch(ctx context.Context, batchID int64) ([]model.PhaseExecution, error) {
	return r.listWhere(ctx, `WHERE batch_id = $1 ORDER BY id`, batchID)
}

func (r *PostgresPhases) ListDue(ctx context.Context, batchID int64, now time.Time) ([]model.PhaseExecution, error) {
	return r.listWhere(ctx,
		`WHERE batch_id = $1 AND status = 'pending' AND due_at IS NOT NULL AND due_at <= $2 ORDER BY due_at, id`,
		batchID, now)
}

func (r *PostgresPhases) MarkDispatched(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE phase_executions SET status = 'dispatched', dispatched_at = $1
		WHERE id = $2 AND status = 'pending'`, at, id)
	if err != nil {
		return false, fmt.Errorf("phase dispatch cas: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresPhases) UpdateStatus(ctx context.Context, id int64, from, to model.PhaseStatus, at time.Time) (bool, error) {
	var completedAt *time.Time
	if to.IsTerminal() {
		completedAt = &at
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE phase_executions SET status = $1, completed_at = COALESCE($2, completed_at)
		WHERE id = $3 AND status = $4`, to, completedAt, id, from)
	if err != nil {
		return false, fmt.Errorf("phase status cas: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresPhases) SupersedePending(ctx context.Context, batchID int64, version int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE phase_executions SET status = 'superseded'
		WHERE batch_id = $1 AND runbook_version = $2 AND status = 'pending'`, batchID, version)
	if err != nil {
		return 0, fmt.Errorf("supersede phases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresPhases) MaxVersion(ctx context.Context, batchID int64) (int, error) {
	var v int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(runbook_version), 0) FROM phase_executions WHERE batch_id = $1`, batchID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max phase version: %w", err)
	}
	return v, nil
}

func (r *PostgresPhases) SetDueAt(ctx context.Context, id int64, due time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE phase_executions SET due_at = $1 WHERE id = $2`, due, id)
	return err
}

// executions carries the status-transition SQL shared by step and init
// execution rows; the two tables differ only in their parent-key columns.
type executions struct {
	pool  *pgxpool.Pool
	table string
}

func (r executions) MarkDispatched(ctx context.Context, id int64, from model.StepStatus, jobID string, paramsJSON []byte, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE `+r.table+` SET status = 'dispatched', job_id = $1, params_json = $2, updated_at = $3
		WHERE id = $4 AND status = $5`, jobID, paramsJSON, at, id, from)
	if err != nil {
		return false, fmt.Errorf("%s dispatch cas: %w", r.table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r executions) MarkSucceeded(ctx context.Context, id int64, from model.StepStatus, resultJSON []byte, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE `+r.table+` SET status = 'succeeded', result_json = $1, updated_at = $2
		WHERE id = $3 AND status = $4`, resultJSON, at, id, from)
	if err != nil {
		return false, fmt.Errorf("%s succeed cas: %w", r.table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r executions) MarkFailed(ctx context.Context, id int64, from model.StepStatus, errMsg string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE `+r.table+` SET status = 'failed', error_message = $1, updated_at = $2
		WHERE id = $3 AND status = $4`, errMsg, at, id, from)
	if err != nil {
		return false, fmt.Errorf("%s fail cas: %w", r.table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r executions) MarkPolling(ctx context.Context, id int64, from model.StepStatus, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE `+r.table+` SET status = 'polling',
			poll_started_at = COALESCE(poll_started_at, $1),
			last_polled_at = $1, poll_count = poll_count + 1, updated_at = $1
		WHERE id = $2 AND status = $3`, at, id, from)
	if err != nil {
		return false, fmt.Errorf("%s poll cas: %w", r.table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r executions) MarkPollTimeout(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE `+r.table+` SET status = 'poll_timeout', updated_at = $1
		WHERE id = $2 AND status = 'polling'`, at, id)
	if err != nil {
		return false, fmt.Errorf("%s poll timeout cas: %w", r.table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r executions) ScheduleRetry(ctx context.Context, id int64, from model.StepStatus, retryAfter time.Time, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE `+r.table+` SET status = 'pending', retry_count = retry_count + 1,
			retry_after = $1, updated_at = $2
		WHERE id = $3 AND status = $4`, retryAfter, at, id, from)
	if err != nil {
		return false, fmt.Errorf("%s retry cas: %w", r.table, err)
	}
	return tag.RowsAffected() == 1, nil
}

const stepCommonCols = `step_name, worker_id, function_name, params_json, result_json, status,
	is_poll_step, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count,
	on_failure, max_retries, retry_count, retry_interval_sec, retry_after, job_id, error_message,
	created_at, updated_at`

// PostgresSteps implements Steps on pgx.
type PostgresSteps struct {
	executions
}

func scanStep(row pgx.Row) (*model.StepExecution, error) {
	var s model.StepExecution
	err := row.Scan(&s.ID, &s.PhaseExecutionID, &s.BatchMemberID, &s.StepIndex,
		&s.StepName, &s.WorkerID, &s.FunctionName, &s.ParamsJSON, &s.ResultJSON, &s.Status,
		&s.IsPollStep, &s.PollIntervalSec, &s.PollTimeoutSec, &s.PollStartedAt, &s.LastPolledAt, &s.PollCount,
		&s.OnFailure, &s.MaxRetries, &s.RetryCount, &s.RetryIntervalSec, &s.RetryAfter, &s.JobID, &s.ErrorMessage,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step execution: %w", err)
	}
	return &s, nil
}

func (r *PostgresSteps) InsertMany(ctx context.Context, rows []model.StepExecution) error {
	for _, s := range rows {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO step_executions (phase_execution_id, batch_member_id, step_index, `+stepCommonCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
			ON CONFLICT (phase_execution_id, batch_member_id, step_index) DO NOTHING`,
			s.PhaseExecutionID, s.BatchMemberID, s.StepIndex,
			s.StepName, s.WorkerID, s.FunctionName, s.ParamsJSON, s.ResultJSON, s.Status,
			s.IsPollStep, s.PollIntervalSec, s.PollTimeoutSec, s.PollStartedAt, s.LastPolledAt, s.PollCount,
			s.OnFailure, s.MaxRetries, s.RetryCount, s.RetryIntervalSec, s.RetryAfter, s.JobID, s.ErrorMessage,
			s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert step execution %q: %w", s.StepName, err)
		}
	}
	return nil
}

func (r *PostgresSteps) GetByID(ctx context.Context, id int64) (*model.StepExecution, error) {
	return scanStep(r.pool.QueryRow(ctx, `
		SELECT id, phase_execution_id, batch_member_id, step_index, `+stepCommonCols+`
		FROM step_executions WHERE id = $1`, id))
}

func (r *PostgresSteps) listWhere(ctx context.Context, where string, args ...interface{}) ([]model.StepExecution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, phase_execution_id, batch_member_id, step_index, `+stepCommonCols+`
		FROM step_executions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	var out []model.StepExecution
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PostgresSteps) ListByPhase(ctx context.Context, phaseExecutionID int64) ([]model.StepExecution, error) {
	return r.listWhere(ctx, `WHERE phase_execution_id = $1 ORDER BY batch_member_id, step_index`, phaseExecutionID)
}

func (r *PostgresSteps) ListByPhaseMember(ctx context.Context, phaseExecutionID, memberID int64) ([]model.StepExecution, error) {
	return r.listWhere(ctx,
		`WHERE phase_execution_id = $1 AND batch_member_id = $2 ORDER BY step_index`,
		phaseExecutionID, memberID)
}

func (r *PostgresSteps) CancelPendingForMember(ctx context.Context, memberID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE step_executions SET status = 'cancelled'
		WHERE batch_member_id = $1 AND status = 'pending'`, memberID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending steps: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresSteps) CancelNonTerminalForMember(ctx context.Context, memberID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE step_executions SET status = 'cancelled'
		WHERE batch_member_id = $1 AND status IN ('pending', 'dispatched', 'polling')`, memberID)
	if err != nil {
		return 0, fmt.Errorf("cancel steps: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresInits implements Inits on pgx.
type PostgresInits struct {
	executions
}

func scanInit(row pgx.Row) (*model.InitExecution, error) {
	var s model.InitExecution
	err := row.Scan(&s.ID, &s.BatchID, &s.RunbookVersion, &s.StepIndex,
		&s.StepName, &s.WorkerID, &s.FunctionName, &s.ParamsJSON, &s.ResultJSON, &s.Status,
		&s.IsPollStep, &s.PollIntervalSec, &s.PollTimeoutSec, &s.PollStartedAt, &s.LastPolledAt, &s.PollCount,
		&s.OnFailure, &s.MaxRetries, &s.RetryCount, &s.RetryIntervalSec, &s.RetryAfter, &s.JobID, &s.ErrorMessage,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan init execution: %w", err)
	}
	return &s, nil
}

func (r *PostgresInits) InsertMany(ctx context.Context, rows []model.InitExecution) error {
	for _, s := range rows {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO init_executions (batch_id, runbook_version, step_index, `+stepCommonCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
			ON CONFLICT (batch_id, runbook_version, step_index) DO NOTHING`,
			s.BatchID, s.RunbookVersion, s.StepIndex,
			s.StepName, s.WorkerID, s.FunctionName, s.ParamsJSON, s.ResultJSON, s.Status,
			s.IsPollStep, s.PollIntervalSec, s.PollTimeoutSec, s.PollStartedAt, s.LastPolledAt, s.PollCount,
			s.OnFailure, s.MaxRetries, s.RetryCount, s.RetryIntervalSec, s.RetryAfter, s.JobID, s.ErrorMessage,
			s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert init execution %q: %w", s.StepName, err)
		}
	}
	return nil
}

func (r *PostgresInits) ExistsForBatch(ctx context.Context, batchID int64, version int) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM init_executions WHERE batch_id = $1 AND runbook_version = $2)`,
		batchID, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("init exists: %w", err)
	}
	return exists, nil
}

func (r *PostgresInits) GetByID(ctx context.Context, id int64) (*model.InitExecution, error) {
	return scanInit(r.pool.QueryRow(ctx, `
		SELECT id, batch_id, runbook_version, step_index, `+stepCommonCols+`
		FROM init_executions WHERE id = $1`, id))
}

func (r *PostgresInits) ListByBatch(ctx context.Context, batchID int64, version int) ([]model.InitExecution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, batch_id, runbook_version, step_index, `+stepCommonCols+`
		FROM init_executions WHERE batch_id = $1 AND runbook_version = $2 ORDER BY step_index`,
		batchID, version)
	if err != nil {
		return nil, fmt.Errorf("list init executions: %w", err)
	}
	defer rows.Close()

	var out []model.InitExecution
	for rows.Next() {
		s, err := scanInit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PostgresInits) FirstPending(ctx context.Context, batchID int64, version int) (*model.InitExecution, error) {
	return scanInit(r.pool.QueryRow(ctx, `
		SELECT id, batch_id, runbook_version, step_index, `+stepCommonCols+`
		FROM init_executions
		WHERE batch_id = $1 AND runbook_version = $2 AND status = 'pending'
		ORDER BY step_index LIMIT 1`, batchID, version))
}
