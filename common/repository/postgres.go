package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowmesh/flowmesh/common/db"
	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
)

const pgUniqueViolation = "23505"

const runColumns = `tenant_id, run_id, workflow_id, workflow_version, mode, input,
	status, error_message, worker_id, claim_epoch, claimed_at, heartbeat_at,
	cancel_requested, started_at, ended_at, created_at, metadata`

const resultColumns = `run_id, node_id, status, attempt, input, output,
	error_message, started_at, ended_at, duration_ms`

// PostgresStore is the production Store backed by pgx.
type PostgresStore struct {
	db  *db.DB
	log *logger.Logger
}

// NewPostgresStore creates a postgres-backed store
func NewPostgresStore(database *db.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: database, log: log}
}

var _ Store = (*PostgresStore)(nil)

// Init creates the schema if it does not exist
func (s *PostgresStore) Init(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.log.Info("postgres schema ready")
	return nil
}

// Health pings the database
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- runs ---

// CreateRun inserts a new PENDING run
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	input, err := marshalDoc(run.Input)
	if err != nil {
		return err
	}
	metadata, err := marshalDoc(run.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = s.db.Exec(ctx, query,
		run.TenantID, run.ID, run.WorkflowID, run.WorkflowVersion, run.Mode, input,
		run.Status, run.ErrorMessage, run.WorkerID, run.ClaimEpoch, run.ClaimedAt, run.HeartbeatAt,
		run.CancelRequested, run.StartedAt, run.EndedAt, run.CreatedAt, metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s: %w", run.ID, fault.ErrConflict)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

type pgRow interface {
	Scan(dest ...interface{}) error
}

func scanRun(row pgRow) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{}
	var input, metadata []byte
	err := row.Scan(
		&run.TenantID, &run.ID, &run.WorkflowID, &run.WorkflowVersion, &run.Mode, &input,
		&run.Status, &run.ErrorMessage, &run.WorkerID, &run.ClaimEpoch, &run.ClaimedAt, &run.HeartbeatAt,
		&run.CancelRequested, &run.StartedAt, &run.EndedAt, &run.CreatedAt, &metadata,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalDoc(input, &run.Input); err != nil {
		return nil, err
	}
	if err := unmarshalDoc(metadata, &run.Metadata); err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun loads one run
func (s *PostgresStore) GetRun(ctx context.Context, tenantID, runID string) (*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE tenant_id = $1 AND run_id = $2`
	run, err := scanRun(s.db.QueryRow(ctx, query, tenantID, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first
func (s *PostgresStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	var args []interface{}

	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		query += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
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
func (s *PostgresStore) ClaimRun(ctx context.Context, tenantID, runID, workerID string, staleBefore time.Time) (*models.WorkflowRun, error) {
	now := time.Now().UTC()
	query := `
		UPDATE workflow_runs
		SET status = $3,
		    worker_id = $4,
		    claim_epoch = claim_epoch + 1,
		    claimed_at = $5,
		    heartbeat_at = $5,
		    started_at = COALESCE(started_at, $5)
		WHERE tenant_id = $1 AND run_id = $2
		  AND (status = $6 OR (status = $3 AND heartbeat_at < $7))
		RETURNING ` + runColumns

	run, err := scanRun(s.db.QueryRow(ctx, query,
		tenantID, runID, models.StatusRunning, workerID, now, models.StatusPending, staleBefore,
	))
	if err == nil {
		s.log.Debug("claimed run", "run_id", runID, "worker_id", workerID, "epoch", run.ClaimEpoch)
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	// No row matched: either the run does not exist, is terminal, or is
	// validly owned by a live worker.
	if _, getErr := s.GetRun(ctx, tenantID, runID); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("run %s not claimable: %w", runID, fault.ErrConflict)
}

// Heartbeat refreshes the claim lease
func (s *PostgresStore) Heartbeat(ctx context.Context, tenantID, runID string, epoch int64) error {
	query := `
		UPDATE workflow_runs SET heartbeat_at = $4
		WHERE tenant_id = $1 AND run_id = $2 AND claim_epoch = $3 AND status = $5
	`
	tag, err := s.db.Exec(ctx, query, tenantID, runID, epoch, time.Now().UTC(), models.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to heartbeat run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat for run %s at epoch %d: %w", runID, epoch, fault.ErrFenced)
	}
	return nil
}

// FinishRun moves a run to a terminal status
func (s *PostgresStore) FinishRun(ctx context.Context, tenantID, runID string, epoch int64, status models.RunStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish with non-terminal status %s", status)
	}
	query := `
		UPDATE workflow_runs
		SET status = $4, error_message = $5, ended_at = $6
		WHERE tenant_id = $1 AND run_id = $2
		  AND ($3 = 0 OR claim_epoch = $3)
		  AND status IN ($7, $8)
	`
	tag, err := s.db.Exec(ctx, query,
		tenantID, runID, epoch, status, errorMessage, time.Now().UTC(),
		models.StatusPending, models.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() > 0 {
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
func (s *PostgresStore) RequestCancel(ctx context.Context, tenantID, runID string) (bool, error) {
	query := `
		UPDATE workflow_runs SET cancel_requested = TRUE
		WHERE tenant_id = $1 AND run_id = $2 AND status IN ($3, $4)
	`
	tag, err := s.db.Exec(ctx, query, tenantID, runID, models.StatusPending, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetRun(ctx, tenantID, runID); err != nil {
		return false, err
	}
	return false, nil
}

// CancelRequested reads the durable cancel flag
func (s *PostgresStore) CancelRequested(ctx context.Context, tenantID, runID string) (bool, error) {
	var requested bool
	query := `SELECT cancel_requested FROM workflow_runs WHERE tenant_id = $1 AND run_id = $2`
	err := s.db.QueryRow(ctx, query, tenantID, runID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// ListStalePending returns PENDING runs created before the cutoff
func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + ` FROM workflow_runs
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	return s.listRunsBy(ctx, query, models.StatusPending, olderThan, limit)
}

// ListStaleRunning returns RUNNING runs with a heartbeat older than the cutoff
func (s *PostgresStore) ListStaleRunning(ctx context.Context, heartbeatBefore time.Time, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + ` FROM workflow_runs
		WHERE status = $1 AND heartbeat_at < $2
		ORDER BY heartbeat_at
		LIMIT $3
	`
	return s.listRunsBy(ctx, query, models.StatusRunning, heartbeatBefore, limit)
}

func (s *PostgresStore) listRunsBy(ctx context.Context, query string, args ...interface{}) ([]*models.WorkflowRun, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
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

// --- node results ---

// RecordNodeResult upserts a node's execution record, fenced by claim epoch
func (s *PostgresStore) RecordNodeResult(ctx context.Context, tenantID string, epoch int64, result *models.NodeExecutionResult) error {
	input, err := marshalDoc(result.Input)
	if err != nil {
		return err
	}
	output, err := marshalDoc(result.Output)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO node_results (tenant_id, ` + resultColumns + `)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		WHERE EXISTS (
			SELECT 1 FROM workflow_runs r
			WHERE r.tenant_id = $1 AND r.run_id = $2 AND ($12 = 0 OR r.claim_epoch = $12)
		)
		ON CONFLICT (tenant_id, run_id, node_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms
	`
	tag, err := s.db.Exec(ctx, query,
		tenantID, result.RunID, result.NodeID, result.Status, result.Attempt,
		input, output, result.ErrorMessage, result.StartedAt, result.EndedAt, result.DurationMs,
		epoch,
	)
	if err != nil {
		return fmt.Errorf("failed to record node result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record result for run %s node %s at epoch %d: %w",
			result.RunID, result.NodeID, epoch, fault.ErrFenced)
	}
	return nil
}

// GetNodeResults returns all node records of a run in start order
func (s *PostgresStore) GetNodeResults(ctx context.Context, tenantID, runID string) ([]*models.NodeExecutionResult, error) {
	query := `
		SELECT ` + resultColumns + ` FROM node_results
		WHERE tenant_id = $1 AND run_id = $2
		ORDER BY started_at, node_id
	`
	rows, err := s.db.Query(ctx, query, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get node results: %w", err)
	}
	defer rows.Close()

	var results []*models.NodeExecutionResult
	for rows.Next() {
		r := &models.NodeExecutionResult{}
		var input, output []byte
		err := rows.Scan(
			&r.RunID, &r.NodeID, &r.Status, &r.Attempt, &input, &output,
			&r.ErrorMessage, &r.StartedAt, &r.EndedAt, &r.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}
		if err := unmarshalDoc(input, &r.Input); err != nil {
			return nil, err
		}
		if err := unmarshalDoc(output, &r.Output); err != nil {
			return nil, err
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
func (s *PostgresStore) PutWorkflow(ctx context.Context, wf *models.Workflow) error {
	definition, err := marshalDoc(wf)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workflows (tenant_id, workflow_id, version, name, definition, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, wf.TenantID, wf.ID, wf.Version, wf.Name, definition, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("workflow %s version %d: %w", wf.ID, wf.Version, fault.ErrConflict)
		}
		return fmt.Errorf("failed to put workflow: %w", err)
	}

	// Trigger bindings track the latest version only.
	var maxVersion int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM workflows WHERE tenant_id = $1 AND workflow_id = $2
	`, wf.TenantID, wf.ID).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("failed to read max version: %w", err)
	}
	if wf.Version == maxVersion {
		if _, err := tx.Exec(ctx, `
			DELETE FROM workflow_triggers WHERE tenant_id = $1 AND workflow_id = $2
		`, wf.TenantID, wf.ID); err != nil {
			return fmt.Errorf("failed to clear triggers: %w", err)
		}
		for _, trig := range wf.Triggers {
			if !trig.Enabled || trig.CronSpec == "" {
				continue
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO workflow_triggers (tenant_id, workflow_id, version, node_id, cron_spec)
				VALUES ($1, $2, $3, $4, $5)
			`, wf.TenantID, wf.ID, wf.Version, trig.NodeID, trig.CronSpec); err != nil {
				return fmt.Errorf("failed to put trigger: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads one workflow version
func (s *PostgresStore) GetWorkflow(ctx context.Context, tenantID, workflowID string, version int) (*models.Workflow, error) {
	query := `
		SELECT definition FROM workflows
		WHERE tenant_id = $1 AND workflow_id = $2 AND version = $3
	`
	return s.scanWorkflow(s.db.QueryRow(ctx, query, tenantID, workflowID, version), workflowID)
}

// LatestWorkflow returns the highest version of a workflow
func (s *PostgresStore) LatestWorkflow(ctx context.Context, tenantID, workflowID string) (*models.Workflow, error) {
	query := `
		SELECT definition FROM workflows
		WHERE tenant_id = $1 AND workflow_id = $2
		ORDER BY version DESC
		LIMIT 1
	`
	return s.scanWorkflow(s.db.QueryRow(ctx, query, tenantID, workflowID), workflowID)
}

func (s *PostgresStore) scanWorkflow(row pgRow, workflowID string) (*models.Workflow, error) {
	var definition []byte
	if err := row.Scan(&definition); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	wf := &models.Workflow{}
	if err := unmarshalDoc(definition, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListScheduledTriggers returns enabled cron bindings of latest versions
func (s *PostgresStore) ListScheduledTriggers(ctx context.Context) ([]*ScheduledTrigger, error) {
	rows, err := s.db.Query(ctx, `
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
func (s *PostgresStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	metadata, err := marshalDoc(cred.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO credentials (tenant_id, credential_id, name, type, data, metadata, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, credential_id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			data = EXCLUDED.data,
			metadata = EXCLUDED.metadata,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	now := time.Now().UTC()
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.Exec(ctx, query,
		cred.TenantID, cred.ID, cred.Name, cred.Type, cred.Data, metadata, cred.ExpiresAt, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}
	return nil
}

// GetCredential loads one credential
func (s *PostgresStore) GetCredential(ctx context.Context, tenantID, credentialID string) (*models.Credential, error) {
	query := `
		SELECT tenant_id, credential_id, name, type, data, metadata, expires_at, created_at, updated_at
		FROM credentials
		WHERE tenant_id = $1 AND credential_id = $2
	`
	cred := &models.Credential{}
	var metadata []byte
	err := s.db.QueryRow(ctx, query, tenantID, credentialID).Scan(
		&cred.TenantID, &cred.ID, &cred.Name, &cred.Type, &cred.Data, &metadata,
		&cred.ExpiresAt, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", credentialID, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if err := unmarshalDoc(metadata, &cred.Metadata); err != nil {
		return nil, err
	}
	return cred, nil
}
