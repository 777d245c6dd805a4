package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
)

// NewPostgresStore wires every repository onto one pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Runbooks:   &PostgresRunbooks{pool: pool},
		Automation: &PostgresAutomation{pool: pool},
		Batches:    &PostgresBatches{pool: pool},
		Members:    &PostgresMembers{pool: pool},
		Phases:     &PostgresPhases{pool: pool},
		Steps:      &PostgresSteps{executions{pool: pool, table: "step_executions"}},
		Inits:      &PostgresInits{executions{pool: pool, table: "init_executions"}},
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PostgresRunbooks implements Runbooks on pgx.
type PostgresRunbooks struct {
	pool *pgxpool.Pool
}

const runbookCols = `id, name, version, document, data_table_name, is_active, overdue_behavior, rerun_init, created_at`

func scanRunbook(row pgx.Row) (*model.Runbook, error) {
	var rb model.Runbook
	err := row.Scan(&rb.ID, &rb.Name, &rb.Version, &rb.Document, &rb.DataTableName,
		&rb.IsActive, &rb.OverdueBehavior, &rb.RerunInit, &rb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan runbook: %w", err)
	}
	return &rb, nil
}

func (r *PostgresRunbooks) CreateVersion(ctx context.Context, rb *model.Runbook) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE runbooks SET is_active = false WHERE name = $1 AND version < $2`,
		rb.Name, rb.Version); err != nil {
		return fmt.Errorf("deactivate prior versions: %w", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO runbooks (name, version, document, data_table_name, is_active, overdue_behavior, rerun_init, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rb.Name, rb.Version, rb.Document, rb.DataTableName, rb.IsActive,
		rb.OverdueBehavior, rb.RerunInit, rb.CreatedAt).Scan(&rb.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert runbook: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRunbooks) GetByID(ctx context.Context, id int64) (*model.Runbook, error) {
	return scanRunbook(r.pool.QueryRow(ctx,
		`SELECT `+runbookCols+` FROM runbooks WHERE id = $1`, id))
}

func (r *PostgresRunbooks) GetActiveByName(ctx context.Context, name string) (*model.Runbook, error) {
	return scanRunbook(r.pool.QueryRow(ctx,
		`SELECT `+runbookCols+` FROM runbooks WHERE name = $1 AND is_active ORDER BY version DESC LIMIT 1`, name))
}

func (r *PostgresRunbooks) GetByNameVersion(ctx context.Context, name string, version int) (*model.Runbook, error) {
	return scanRunbook(r.pool.QueryRow(ctx,
		`SELECT `+runbookCols+` FROM runbooks WHERE name = $1 AND version = $2`, name, version))
}

func (r *PostgresRunbooks) listWhere(ctx context.Context, where string, args ...interface{}) ([]model.Runbook, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+runbookCols+` FROM runbooks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list runbooks: %w", err)
	}
	defer rows.Close()

	var out []model.Runbook
	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rb)
	}
	return out, rows.Err()
}

func (r *PostgresRunbooks) ListActive(ctx context.Context) ([]model.Runbook, error) {
	return r.listWhere(ctx, `WHERE is_active ORDER BY name`)
}

func (r *PostgresRunbooks) ListVersions(ctx context.Context, name string) ([]model.Runbook, error) {
	return r.listWhere(ctx, `WHERE name = $1 ORDER BY version`, name)
}

func (r *PostgresRunbooks) LatestVersion(ctx context.Context, name string) (int, error) {
	var v int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM runbooks WHERE name = $1`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

func (r *PostgresRunbooks) DeactivateVersion(ctx context.Context, name string, version int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE runbooks SET is_active = false WHERE name = $1 AND version = $2`, name, version)
	if err != nil {
		return fmt.Errorf("deactivate runbook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PostgresAutomation implements Automation on pgx.
type PostgresAutomation struct {
	pool *pgxpool.Pool
}

func (r *PostgresAutomation) Get(ctx context.Context, runbookName string) (*model.AutomationSetting, error) {
	var s model.AutomationSetting
	err := r.pool.QueryRow(ctx, `
		SELECT runbook_name, enabled, updated_by, created_at, updated_at
		FROM automation_settings WHERE runbook_name = $1`, runbookName).
		Scan(&s.RunbookName, &s.Enabled, &s.UpdatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get automation setting: %w", err)
	}
	return &s, nil
}

func (r *PostgresAutomation) Set(ctx context.Context, runbookName string, enabled bool, actor string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO automation_settings (runbook_name, enabled, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (runbook_name) DO UPDATE
		SET enabled = EXCLUDED.enabled, updated_by = EXCLUDED.updated_by, updated_at = NOW()`,
		runbookName, enabled, actor)
	if err != nil {
		return fmt.Errorf("set automation setting: %w", err)
	}
	return nil
}

// PostgresBatches implements Batches on pgx.
type PostgresBatches struct {
	pool *pgxpool.Pool
}

const batchCols = `id, runbook_id, runbook_name, batch_start_time, status, is_manual, created_by, current_phase, detected_at, init_dispatched_at`

func scanBatch(row pgx.Row) (*model.Batch, error) {
	var b model.Batch
	err := row.Scan(&b.ID, &b.RunbookID, &b.RunbookName, &b.BatchStartTime, &b.Status,
		&b.IsManual, &b.CreatedBy, &b.CurrentPhase, &b.DetectedAt, &b.InitDispatchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return &b, nil
}

func (r *PostgresBatches) Create(ctx context.Context, b *model.Batch) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO batches (runbook_id, runbook_name, batch_start_time, status, is_manual, created_by, current_phase, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		b.RunbookID, b.RunbookName, b.BatchStartTime, b.Status, b.IsManual,
		b.CreatedBy, b.CurrentPhase, b.DetectedAt).Scan(&b.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (r *PostgresBatches) GetByID(ctx context.Context, id int64) (*model.Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchCols+` FROM batches WHERE id = $1`, id))
}

func (r *PostgresBatches) FindScheduled(ctx context.Context, runbookName string, start time.Time) (*model.Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx,
		`SELECT `+batchCols+` FROM batches WHERE runbook_name = $1 AND batch_start_time = $2 AND NOT is_manual`,
		runbookName, start))
}

func (r *PostgresBatches) ListActiveByRunbookName(ctx context.Context, runbookName string) ([]model.Batch, error) {
	return r.listWhere(ctx,
		`WHERE runbook_name = $1 AND status NOT IN ('completed', 'failed') ORDER BY id`, runbookName)
}

func (r *PostgresBatches) List(ctx context.Context, f BatchFilter) ([]model.Batch, error) {
	where := `WHERE TRUE`
	args := []interface{}{}
	if f.RunbookName != "" {
		args = append(args, f.RunbookName)
		where += fmt.Sprintf(` AND runbook_name = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	where += ` ORDER BY id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		where += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		where += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	return r.listWhere(ctx, where, args...)
}

func (r *PostgresBatches) listWhere(ctx context.Context, where string, args ...interface{}) ([]model.Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchCols+` FROM batches `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *PostgresBatches) UpdateStatus(ctx context.Context, id int64, from, to model.BatchStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE batches SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("batch status cas: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresBatches) SetStartTime(ctx context.Context, id int64, start time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE batches SET batch_start_time = $1 WHERE id = $2`, start, id)
	return err
}

func (r *PostgresBatches) SetInitDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE batches SET init_dispatched_at = $1 WHERE id = $2`, at, id)
	return err
}

func (r *PostgresBatches) SetCurrentPhase(ctx context.Context, id int64, phaseName string) error {
	_, err := r.pool.Exec(ctx, `UPDATE batches SET current_phase = $1 WHERE id = $2`, phaseName, id)
	return err
}

func (r *PostgresBatches) SetRunbookID(ctx context.Context, id int64, runbookID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE batches SET runbook_id = $1 WHERE id = $2`, runbookID, id)
	return err
}

// PostgresMembers implements Members on pgx.
type PostgresMembers struct {
	pool *pgxpool.Pool
}

const memberCols = `id, batch_id, member_key, status, data_json, worker_data_json, added_at, removed_at, add_dispatched_at, remove_dispatched_at`

func scanMember(row pgx.Row) (*model.BatchMember, error) {
	var m model.BatchMember
	err := row.Scan(&m.ID, &m.BatchID, &m.MemberKey, &m.Status, &m.DataJSON, &m.WorkerDataJSON,
		&m.AddedAt, &m.RemovedAt, &m.AddDispatchedAt, &m.RemoveDispatchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return &m, nil
}

func (r *PostgresMembers) Insert(ctx context.Context, m *model.BatchMember) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO batch_members (batch_id, member_key, status, data_json, worker_data_json, added_at, add_dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		m.BatchID, m.MemberKey, m.Status, m.DataJSON, m.WorkerDataJSON, m.AddedAt, m.AddDispatchedAt).
		Scan(&m.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (r *PostgresMembers) GetByID(ctx context.Context, id int64) (*model.BatchMember, error) {
	return scanMember(r.pool.QueryRow(ctx, `SELECT `+memberCols+` FROM batch_members WHERE id = $1`, id))
}

func (r *PostgresMembers) listWhere(ctx context.Context, where string, args ...interface{}) ([]model.BatchMember, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+memberCols+` FROM batch_members `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []model.BatchMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *PostgresMembers) ListByBatch(ctx context.Context, batchID int64) ([]model.BatchMember, error) {
	return r.listWhere(ctx, `WHERE batch_id = $1 ORDER BY id`, batchID)
}

func (r *PostgresMembers) ListActiveByBatch(ctx context.Context, batchID int64) ([]model.BatchMember, error) {
	return r.listWhere(ctx, `WHERE batch_id = $1 AND status = 'active' ORDER BY id`, batchID)
}

func (r *PostgresMembers) UpdateStatus(ctx context.Context, id int64, from, to model.MemberStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE batch_members SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("member status cas: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresMembers) MarkRemoved(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE batch_members SET status = 'removed', removed_at = $1 WHERE id = $2 AND status = 'active'`, at, id)
	if err != nil {
		return false, fmt.Errorf("member remove cas: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresMembers) MergeWorkerData(ctx context.Context, id int64, updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT worker_data_json FROM batch_members WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock member row: %w", err)
	}

	merged := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return fmt.Errorf("decode worker data: %w", err)
		}
	}
	for k, v := range updates {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode worker data: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE batch_members SET worker_data_json = $1 WHERE id = $2`, out, id); err != nil {
		return fmt.Errorf("update worker data: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresMembers) SetAddDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE batch_members SET add_dispatched_at = $1 WHERE id = $2`, at, id)
	return err
}

func (r *PostgresMembers) SetRemoveDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE batch_members SET remove_dispatched_at = $1 WHERE id = $2`, at, id)
	return err
}

func (r *PostgresMembers) ListUndispatched(ctx context.Context, batchID int64) ([]model.BatchMember, []model.BatchMember, error) {
	adds, err := r.listWhere(ctx,
		`WHERE batch_id = $1 AND status = 'active' AND add_dispatched_at IS NULL ORDER BY id`, batchID)
	if err != nil {
		return nil, nil, err
	}
	removes, err := r.listWhere(ctx,
		`WHERE batch_id = $1 AND status = 'removed' AND remove_dispatched_at IS NULL ORDER BY id`, batchID)
	if err != nil {
		return nil, nil, err
	}
	return adds, removes, nil
}

func (r *PostgresMembers) ActiveKeys(ctx context.Context, runbookName string) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT m.member_key
		FROM batch_members m
		JOIN batches b ON b.id = m.batch_id
		WHERE b.runbook_name = $1 AND m.status = 'active' AND b.status NOT IN ('completed', 'failed')`,
		runbookName)
	if err != nil {
		return nil, fmt.Errorf("active keys: %w", err)
	}
	defer rows.Close()

	keys := map[string]bool{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = true
	}
	return keys, rows.Err()
}
