package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
)

// SQLiteStore is an embedded Store for single-node deployments and tests.
// Same semantics as the postgres store; timestamps are stored as unix
// microseconds and JSON documents as TEXT.
type SQLiteStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dsn. Use ":memory:"
// for a throwaway store in tests.
func NewSQLiteStore(dsn string, log *logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// SQLite supports one writer; a single pooled connection also keeps
	// ":memory:" databases from silently splitting per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db, log: log}, nil
}

var _ Store = (*SQLiteStore)(nil)

// Init creates the schema if it does not exist
func (s *SQLiteStore) Init(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.log.Info("sqlite schema ready")
	return nil
}

// Health pings the database
func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// micros converts an optional time to a nullable unix-microsecond column.
func micros(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func microsValue(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func textDoc(v interface{}) (interface{}, error) {
	data, err := marshalDoc(v)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return string(data), nil
}

// --- runs ---

const sqliteRunColumns = `tenant_id, run_id, workflow_id, workflow_version, mode, input,
	status, error_message, worker_id, claim_epoch, claimed_at, heartbeat_at,
	cancel_requested, started_at, ended_at, created_at, metadata`

// CreateRun inserts a new PENDING run
func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	input, err := textDoc(run.Input)
	if err != nil {
		return err
	}
	metadata, err := textDoc(run.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_runs (` + sqliteRunColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.TenantID, run.ID, run.WorkflowID, run.WorkflowVersion, run.Mode, input,
		run.Status, run.ErrorMessage, run.WorkerID, run.ClaimEpoch, micros(run.ClaimedAt), micros(run.HeartbeatAt),
		boolInt(run.CancelRequested), micros(run.StartedAt), micros(run.EndedAt), microsValue(run.CreatedAt), metadata,
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("run %s: %w", run.ID, fault.ErrConflict)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type sqlRow interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteRun(row sqlRow) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{}
	var input, metadata sql.NullString
	var claimedAt, heartbeatAt, startedAt, endedAt sql.NullInt64
	var createdAt int64
	var cancelRequested int
	err := row.Scan(
		&run.TenantID, &run.ID, &run.WorkflowID, &run.WorkflowVersion, &run.Mode, &input,
		&run.Status, &run.ErrorMessage, &run.WorkerID, &run.ClaimEpoch, &claimedAt, &heartbeatAt,
		&cancelRequested, &startedAt, &endedAt, &createdAt, &metadata,
	)
	if err != nil {
		return nil, err
	}
	run.CancelRequested = cancelRequested != 0
	run.ClaimedAt = fromMicros(claimedAt)
	run.HeartbeatAt = fromMicros(heartbeatAt)
	run.StartedAt = fromMicros(startedAt)
	run.EndedAt = fromMicros(endedAt)
	run.CreatedAt = time.UnixMicro(createdAt).UTC()
	if input.Valid {
		if err := unmarshalDoc([]byte(input.String), &run.Input); err != nil {
			return nil, err
		}
	}
	if metadata.Valid {
		if err := unmarshalDoc([]byte(metadata.String), &run.Metadata); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// GetRun loads one run
func (s *SQLiteStore) GetRun(ctx context.Context, tenantID, runID string) (*models.WorkflowRun, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM workflow_runs WHERE tenant_id = ? AND run_id = ?`
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx, query, tenantID, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.WorkflowRun, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM workflow_runs WHERE 1=1`
	var args []interface{}

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC, run_id LIMIT ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	return s.queryRuns(ctx, query, args...)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*models.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ClaimRun atomically claims a PENDING run or seizes a stale RUNNING one
func (s *SQLiteStore) ClaimRun(ctx context.Context, tenantID, runID, workerID string, staleBefore time.Time) (*models.WorkflowRun, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?,
		    worker_id = ?,
		    claim_epoch = claim_epoch + 1,
		    claimed_at = ?,
		    heartbeat_at = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE tenant_id = ? AND run_id = ?
		  AND (status = ? OR (status = ? AND heartbeat_at < ?))
	`, models.StatusRunning, workerID, microsValue(now), microsValue(now), microsValue(now),
		tenantID, runID, models.StatusPending, models.StatusRunning, microsValue(staleBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}

	query := `SELECT ` + sqliteRunColumns + ` FROM workflow_runs WHERE tenant_id = ? AND run_id = ?`
	run, err := scanSQLiteRun(tx.QueryRowContext(ctx, query, tenantID, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	if affected == 0 {
		return nil, fmt.Errorf("run %s not claimable: %w", runID, fault.ErrConflict)
	}
	s.log.Debug("claimed run", "run_id", runID, "worker_id", workerID, "epoch", run.ClaimEpoch)
	return run, nil
}

// Heartbeat refreshes the claim lease
func (s *SQLiteStore) Heartbeat(ctx context.Context, tenantID, runID string, epoch int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET heartbeat_at = ?
		WHERE tenant_id = ? AND run_id = ? AND claim_epoch = ? AND status = ?
	`, microsValue(time.Now().UTC()), tenantID, runID, epoch, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to heartbeat run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read heartbeat result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("heartbeat for run %s at epoch %d: %w", runID, epoch, fault.ErrFenced)
	}
	return nil
}

// FinishRun moves a run to a terminal status
func (s *SQLiteStore) FinishRun(ctx context.Context, tenantID, runID string, epoch int64, status models.RunStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish with non-terminal status %s", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, error_message = ?, ended_at = ?
		WHERE tenant_id = ? AND run_id = ?
		  AND (? = 0 OR claim_epoch = ?)
		  AND status IN (?, ?)
	`, status, errorMessage, microsValue(time.Now().UTC()),
		tenantID, runID, epoch, epoch,
		models.StatusPending, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finish result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	run, getErr := s.GetRun(ctx, tenantID, runID)
	if getErr != nil {
		return getErr
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s already %s: %w", runID, run.Status, fault.ErrConflict)
	}
	return fmt.Errorf("finish run %s at epoch %d: %w", runID, epoch, fault.ErrFenced)
}

// RequestCancel sets the durable cancel flag
func (s *SQLiteStore) RequestCancel(ctx context.Context, tenantID, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET cancel_requested = 1
		WHERE tenant_id = ? AND run_id = ? AND status IN (?, ?)
	`, tenantID, runID, models.StatusPending, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel result: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.GetRun(ctx, tenantID, runID); err != nil {
		return false, err
	}
	return false, nil
}

// CancelRequested reads the durable cancel flag
func (s *SQLiteStore) CancelRequested(ctx context.Context, tenantID, runID string) (bool, error) {
	var requested int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM workflow_runs WHERE tenant_id = ? AND run_id = ?`,
		tenantID, runID,
	).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested != 0, nil
}

// ListStalePending returns PENDING runs created before the cutoff
func (s *SQLiteStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT ` + sqliteRunColumns + ` FROM workflow_runs
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`
	return s.queryRuns(ctx, query, models.StatusPending, microsValue(olderThan), limit)
}

// ListStaleRunning returns RUNNING runs with a heartbeat older than the cutoff
func (s *SQLiteStore) ListStaleRunning(ctx context.Context, heartbeatBefore time.Time, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT ` + sqliteRunColumns + ` FROM workflow_runs
		WHERE status = ? AND heartbeat_at < ?
		ORDER BY heartbeat_at
		LIMIT ?
	`
	return s.queryRuns(ctx, query, models.StatusRunning, microsValue(heartbeatBefore), limit)
}

// --- node results ---

// RecordNodeResult upserts a node's execution record, fenced by claim epoch
func (s *SQLiteStore) RecordNodeResult(ctx context.Context, tenantID string, epoch int64, result *models.NodeExecutionResult) error {
	input, err := textDoc(result.Input)
	if err != nil {
		return err
	}
	output, err := textDoc(result.Output)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO node_results (tenant_id, run_id, node_id, status, attempt, input, output,
			error_message, started_at, ended_at, duration_ms)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (
			SELECT 1 FROM workflow_runs r
			WHERE r.tenant_id = ? AND r.run_id = ? AND (? = 0 OR r.claim_epoch = ?)
		)
		ON CONFLICT (tenant_id, run_id, node_id) DO UPDATE SET
			status = excluded.status,
			attempt = excluded.attempt,
			input = excluded.input,
			output = excluded.output,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms
	`,
		tenantID, result.RunID, result.NodeID, result.Status, result.Attempt, input, output,
		result.ErrorMessage, microsValue(result.StartedAt), microsValue(result.EndedAt), result.DurationMs,
		tenantID, result.RunID, epoch, epoch,
	)
	if err != nil {
		return fmt.Errorf("failed to record node result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read record result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("record result for run %s node %s at epoch %d: %w",
			result.RunID, result.NodeID, epoch, fault.ErrFenced)
	}
	return nil
}

// GetNodeResults returns all node records of a run in start order
func (s *SQLiteStore) GetNodeResults(ctx context.Context, tenantID, runID string) ([]*models.NodeExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, node_id, status, attempt, input, output, error_message,
			started_at, ended_at, duration_ms
		FROM node_results
		WHERE tenant_id = ? AND run_id = ?
		ORDER BY started_at, node_id
	`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get node results: %w", err)
	}
	defer rows.Close()

	var results []*models.NodeExecutionResult
	for rows.Next() {
		r := &models.NodeExecutionResult{}
		var input, output sql.NullString
		var startedAt, endedAt int64
		err := rows.Scan(
			&r.RunID, &r.NodeID, &r.Status, &r.Attempt, &input, &output,
			&r.ErrorMessage, &startedAt, &endedAt, &r.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}
		r.StartedAt = time.UnixMicro(startedAt).UTC()
		r.EndedAt = time.UnixMicro(endedAt).UTC()
		if input.Valid {
			if err := unmarshalDoc([]byte(input.String), &r.Input); err != nil {
				return nil, err
			}
		}
		if output.Valid {
			if err := unmarshalDoc([]byte(output.String), &r.Output); err != nil {
				return nil, err
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node results: %w", err)
	}
	return results, nil
}

// --- workflows ---

// PutWorkflow inserts one immutable workflow version
func (s *SQLiteStore) PutWorkflow(ctx context.Context, wf *models.Workflow) error {
	definition, err := textDoc(wf)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (tenant_id, workflow_id, version, name, definition, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, wf.TenantID, wf.ID, wf.Version, wf.Name, definition, microsValue(time.Now().UTC()))
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("workflow %s version %d: %w", wf.ID, wf.Version, fault.ErrConflict)
		}
		return fmt.Errorf("failed to put workflow: %w", err)
	}

	var maxVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM workflows WHERE tenant_id = ? AND workflow_id = ?
	`, wf.TenantID, wf.ID).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("failed to read max version: %w", err)
	}
	if wf.Version == maxVersion {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM workflow_triggers WHERE tenant_id = ? AND workflow_id = ?
		`, wf.TenantID, wf.ID); err != nil {
			return fmt.Errorf("failed to clear triggers: %w", err)
		}
		for _, trig := range wf.Triggers {
			if !trig.Enabled || trig.CronSpec == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_triggers (tenant_id, workflow_id, version, node_id, cron_spec)
				VALUES (?, ?, ?, ?, ?)
			`, wf.TenantID, wf.ID, wf.Version, trig.NodeID, trig.CronSpec); err != nil {
				return fmt.Errorf("failed to put trigger: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads one workflow version
func (s *SQLiteStore) GetWorkflow(ctx context.Context, tenantID, workflowID string, version int) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT definition FROM workflows
		WHERE tenant_id = ? AND workflow_id = ? AND version = ?
	`, tenantID, workflowID, version)
	return scanSQLiteWorkflow(row, workflowID)
}

// LatestWorkflow returns the highest version of a workflow
func (s *SQLiteStore) LatestWorkflow(ctx context.Context, tenantID, workflowID string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT definition FROM workflows
		WHERE tenant_id = ? AND workflow_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, tenantID, workflowID)
	return scanSQLiteWorkflow(row, workflowID)
}

func scanSQLiteWorkflow(row sqlRow, workflowID string) (*models.Workflow, error) {
	var definition string
	if err := row.Scan(&definition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	wf := &models.Workflow{}
	if err := unmarshalDoc([]byte(definition), wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListScheduledTriggers returns enabled cron bindings of latest versions
func (s *SQLiteStore) ListScheduledTriggers(ctx context.Context) ([]*ScheduledTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, workflow_id, version, node_id, cron_spec FROM workflow_triggers
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*ScheduledTrigger
	for rows.Next() {
		t := &ScheduledTrigger{}
		if err := rows.Scan(&t.TenantID, &t.WorkflowID, &t.Version, &t.NodeID, &t.CronSpec); err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}
	return triggers, nil
}

// --- credentials ---

// PutCredential inserts or replaces a credential
func (s *SQLiteStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	metadata, err := textDoc(cred.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, credential_id, name, type, data, metadata, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, credential_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			data = excluded.data,
			metadata = excluded.metadata,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, cred.TenantID, cred.ID, cred.Name, cred.Type, cred.Data, metadata,
		micros(cred.ExpiresAt), microsValue(createdAt), microsValue(now))
	if err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}
	return nil
}

// GetCredential loads one credential
func (s *SQLiteStore) GetCredential(ctx context.Context, tenantID, credentialID string) (*models.Credential, error) {
	cred := &models.Credential{}
	var metadata sql.NullString
	var expiresAt sql.NullInt64
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, credential_id, name, type, data, metadata, expires_at, created_at, updated_at
		FROM credentials
		WHERE tenant_id = ? AND credential_id = ?
	`, tenantID, credentialID).Scan(
		&cred.TenantID, &cred.ID, &cred.Name, &cred.Type, &cred.Data, &metadata,
		&expiresAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", credentialID, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	cred.ExpiresAt = fromMicros(expiresAt)
	cred.CreatedAt = time.UnixMicro(createdAt).UTC()
	cred.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	if metadata.Valid {
		if err := unmarshalDoc([]byte(metadata.String), &cred.Metadata); err != nil {
			return nil, err
		}
	}
	return cred, nil
}
