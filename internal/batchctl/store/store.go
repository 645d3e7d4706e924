// Package store provides a SQLite-backed persistence layer for the batch
// inference control plane: files, batch jobs, the worker heartbeat, and
// the webhook dead-letter queue, including schema migrations, the job
// state-transition guard, and priority-scheduling helpers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"batchctl/pkg/batch"
)

const (
	defaultBusyTimeout = 5 * time.Second
	schemaVersionKey   = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = batch.ErrNotFound

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error, the
// transaction is rolled back; otherwise it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false, Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}
	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	const target = 1
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}
	if cur != target {
		// Future migrations go here.
	}
	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
  file_id    TEXT PRIMARY KEY,
  filename   TEXT NOT NULL,
  bytes      INTEGER NOT NULL,
  purpose    TEXT NOT NULL CHECK (purpose IN ('batch','batch_output')),
  created_at INTEGER NOT NULL,
  path       TEXT NOT NULL,
  deleted    INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS batch_jobs (
  batch_id                   TEXT PRIMARY KEY,
  input_file_id              TEXT NOT NULL REFERENCES files(file_id) ON DELETE RESTRICT,
  output_file_id              TEXT NULL REFERENCES files(file_id) ON DELETE RESTRICT,
  endpoint                    TEXT NOT NULL,
  completion_window           TEXT NOT NULL,
  status                      TEXT NOT NULL CHECK (status IN ('validating','in_progress','finalizing','completed','failed','expired','cancelling','cancelled')),
  created_at                  INTEGER NOT NULL,
  expires_at                  INTEGER NOT NULL,
  in_progress_at              INTEGER NULL,
  finalizing_at               INTEGER NULL,
  completed_at                INTEGER NULL,
  failed_at                   INTEGER NULL,
  expired_at                  INTEGER NULL,
  cancelling_at               INTEGER NULL,
  cancelled_at                INTEGER NULL,
  total_requests              INTEGER NOT NULL DEFAULT 0,
  completed_requests          INTEGER NOT NULL DEFAULT 0,
  failed_requests             INTEGER NOT NULL DEFAULT 0,
  priority                    INTEGER NOT NULL DEFAULT 0,
  model                       TEXT NOT NULL,
  metadata_json               TEXT NULL,
  errors_json                 TEXT NULL,
  tokens_processed            INTEGER NOT NULL DEFAULT 0,
  last_progress_update        INTEGER NULL,
  estimated_completion_time   INTEGER NULL,
  webhook_url                 TEXT NOT NULL DEFAULT '',
  webhook_secret               TEXT NOT NULL DEFAULT '',
  webhook_max_retries         INTEGER NOT NULL DEFAULT 3,
  webhook_timeout             INTEGER NOT NULL DEFAULT 30,
  webhook_events              TEXT NOT NULL DEFAULT '',
  webhook_status              TEXT NOT NULL DEFAULT '',
  webhook_attempts            INTEGER NOT NULL DEFAULT 0,
  webhook_last_attempt        INTEGER NULL,
  webhook_error               TEXT NOT NULL DEFAULT ''
);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_jobs_priority_created ON batch_jobs(priority DESC, created_at ASC);`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeat (
  id                 INTEGER PRIMARY KEY CHECK (id = 1),
  status             TEXT NOT NULL,
  current_job_id     TEXT NULL,
  loaded_model       TEXT NULL,
  model_loaded_at    INTEGER NULL,
  worker_pid         INTEGER NOT NULL DEFAULT 0,
  worker_started_at  INTEGER NOT NULL DEFAULT 0,
  gpu_memory_percent REAL NOT NULL DEFAULT 0,
  gpu_temperature    REAL NOT NULL DEFAULT 0,
  last_seen          INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS webhook_dead_letter (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id        TEXT NOT NULL,
  webhook_url     TEXT NOT NULL,
  payload         TEXT NOT NULL,
  error_message   TEXT NOT NULL,
  attempts        INTEGER NOT NULL,
  last_attempt_at INTEGER NOT NULL,
  created_at      INTEGER NOT NULL,
  retried_at      INTEGER NULL,
  retry_success   INTEGER NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letter_batch ON webhook_dead_letter(batch_id);`,
		`CREATE TABLE IF NOT EXISTS failed_requests (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id   TEXT NOT NULL,
  custom_id  TEXT NOT NULL,
  error      TEXT NOT NULL,
  created_at INTEGER NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Files ---------------

// CreateFile inserts a new File row. The caller must set f.ID.
func (s *Store) CreateFile(ctx context.Context, f *batch.File) error {
	return s.createFileTx(ctx, s.db, f)
}

func (s *Store) createFileTx(ctx context.Context, ex execer, f *batch.File) error {
	const ins = `INSERT INTO files(file_id, filename, bytes, purpose, created_at, path, deleted) VALUES(?, ?, ?, ?, ?, ?, 0)`
	_, err := ex.ExecContext(ctx, ins, f.ID, f.Filename, f.Bytes, string(f.Purpose), f.CreatedAt, f.Path)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetFile retrieves a file by ID.
func (s *Store) GetFile(ctx context.Context, id string) (*batch.File, error) {
	const q = `SELECT file_id, filename, bytes, purpose, created_at, path, deleted FROM files WHERE file_id=?`
	var f batch.File
	var deleted int
	err := s.db.QueryRowContext(ctx, q, id).Scan(&f.ID, &f.Filename, &f.Bytes, &f.Purpose, &f.CreatedAt, &f.Path, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	f.Deleted = deleted != 0
	return &f, nil
}

// MarkFileDeleted sets the soft-delete flag on a file row.
func (s *Store) MarkFileDeleted(ctx context.Context, id string) error {
	const upd = `UPDATE files SET deleted=1 WHERE file_id=?`
	res, err := s.db.ExecContext(ctx, upd, id)
	if err != nil {
		return fmt.Errorf("mark file deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- Batch jobs ---------------

// CreateJobWithFile inserts the File and BatchJob rows in a single
// transaction, so a failure partway leaves no visible state.
func (s *Store) CreateJobWithFile(ctx context.Context, f *batch.File, job *batch.BatchJob) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.createFileTx(ctx, tx, f); err != nil {
			return err
		}
		return s.insertJobTx(ctx, tx, job)
	})
}

// CreateJob inserts a BatchJob row referencing a File that was already
// persisted by an earlier POST /v1/files call.
func (s *Store) CreateJob(ctx context.Context, job *batch.BatchJob) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.insertJobTx(ctx, tx, job)
	})
}

func (s *Store) insertJobTx(ctx context.Context, tx *sql.Tx, j *batch.BatchJob) error {
	const ins = `INSERT INTO batch_jobs (
  batch_id, input_file_id, output_file_id, endpoint, completion_window, status,
  created_at, expires_at, in_progress_at, finalizing_at, completed_at, failed_at,
  expired_at, cancelling_at, cancelled_at, total_requests, completed_requests,
  failed_requests, priority, model, metadata_json, errors_json, tokens_processed,
  last_progress_update, estimated_completion_time, webhook_url, webhook_secret,
  webhook_max_retries, webhook_timeout, webhook_events, webhook_status,
  webhook_attempts, webhook_last_attempt, webhook_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, ins,
		j.ID, j.InputFileID, nullStrPtr(j.OutputFileID), j.Endpoint, j.CompletionWindow, string(j.Status),
		j.CreatedAt, j.ExpiresAt, nullIntPtr(j.InProgressAt), nullIntPtr(j.FinalizingAt), nullIntPtr(j.CompletedAt), nullIntPtr(j.FailedAt),
		nullIntPtr(j.ExpiredAt), nullIntPtr(j.CancellingAt), nullIntPtr(j.CancelledAt), j.TotalRequests, j.CompletedRequests,
		j.FailedRequests, int(j.Priority), j.Model, nullIfEmptyBytes(j.MetadataJSON), nullIfEmptyBytes(j.ErrorsJSON), j.TokensProcessed,
		nullIntPtr(j.LastProgressUpdate), nullIntPtr(j.EstimatedCompletionTime), j.WebhookURL, j.WebhookSecret,
		j.WebhookMaxRetries, j.WebhookTimeout, j.WebhookEvents, string(j.WebhookStatus),
		j.WebhookAttempts, nullIntPtr(j.WebhookLastAttempt), j.WebhookError,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `batch_id, input_file_id, output_file_id, endpoint, completion_window, status,
  created_at, expires_at, in_progress_at, finalizing_at, completed_at, failed_at,
  expired_at, cancelling_at, cancelled_at, total_requests, completed_requests,
  failed_requests, priority, model, metadata_json, errors_json, tokens_processed,
  last_progress_update, estimated_completion_time, webhook_url, webhook_secret,
  webhook_max_retries, webhook_timeout, webhook_events, webhook_status,
  webhook_attempts, webhook_last_attempt, webhook_error`

func scanJob(row rowScanner) (*batch.BatchJob, error) {
	var j batch.BatchJob
	var outputFileID, metadataJSON, errorsJSON sql.NullString
	var inProgressAt, finalizingAt, completedAt, failedAt, expiredAt, cancellingAt, cancelledAt sql.NullInt64
	var lastProgressUpdate, estimatedCompletionTime, webhookLastAttempt sql.NullInt64
	var status string
	var priority int
	var webhookStatus string

	err := row.Scan(
		&j.ID, &j.InputFileID, &outputFileID, &j.Endpoint, &j.CompletionWindow, &status,
		&j.CreatedAt, &j.ExpiresAt, &inProgressAt, &finalizingAt, &completedAt, &failedAt,
		&expiredAt, &cancellingAt, &cancelledAt, &j.TotalRequests, &j.CompletedRequests,
		&j.FailedRequests, &priority, &j.Model, &metadataJSON, &errorsJSON, &j.TokensProcessed,
		&lastProgressUpdate, &estimatedCompletionTime, &j.WebhookURL, &j.WebhookSecret,
		&j.WebhookMaxRetries, &j.WebhookTimeout, &j.WebhookEvents, &webhookStatus,
		&j.WebhookAttempts, &webhookLastAttempt, &j.WebhookError,
	)
	if err != nil {
		return nil, err
	}
	j.Status = batch.JobStatus(status)
	j.Priority = batch.Priority(priority)
	j.WebhookStatus = batch.WebhookDeliveryStatus(webhookStatus)
	j.OutputFileID = fromNullStringPtr(outputFileID)
	j.InProgressAt = fromNullIntPtr(inProgressAt)
	j.FinalizingAt = fromNullIntPtr(finalizingAt)
	j.CompletedAt = fromNullIntPtr(completedAt)
	j.FailedAt = fromNullIntPtr(failedAt)
	j.ExpiredAt = fromNullIntPtr(expiredAt)
	j.CancellingAt = fromNullIntPtr(cancellingAt)
	j.CancelledAt = fromNullIntPtr(cancelledAt)
	j.LastProgressUpdate = fromNullIntPtr(lastProgressUpdate)
	j.EstimatedCompletionTime = fromNullIntPtr(estimatedCompletionTime)
	if metadataJSON.Valid {
		j.MetadataJSON = []byte(metadataJSON.String)
	}
	if errorsJSON.Valid {
		j.ErrorsJSON = []byte(errorsJSON.String)
	}
	return &j, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*batch.BatchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE batch_id=?`
	j, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs optionally filtered by status, newest first, capped
// at limit (0 means no cap).
func (s *Store) ListJobs(ctx context.Context, status *batch.JobStatus, limit int) ([]*batch.BatchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs`
	var args []any
	if status != nil {
		q += ` WHERE status=?`
		args = append(args, string(*status))
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*batch.BatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SelectNextPending returns the validating job with the highest priority,
// oldest created_at winning ties, or ErrNotFound if none are eligible.
// Single GPU worker deployments have no concurrent claimants, so unlike a
// multi-worker lease this is a plain read; the Scheduler transitions the
// returned job to in_progress itself before invoking the Runner.
func (s *Store) SelectNextPending(ctx context.Context) (*batch.BatchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE status='validating' ORDER BY priority DESC, created_at ASC LIMIT 1`
	j, err := scanJob(s.db.QueryRowContext(ctx, q))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select next pending: %w", err)
	}
	return j, nil
}

// ListJobsByStatus returns jobs matching a single status ordered by
// creation time ascending.
func (s *Store) ListJobsByStatus(ctx context.Context, status batch.JobStatus) ([]*batch.BatchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE status=? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	var out []*batch.BatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AdmissionCounts returns the number of jobs in {validating, in_progress,
// finalizing} and the sum of (total_requests - completed_requests) across
// them, for Intake's queue-depth and queued-request admission gates.
func (s *Store) AdmissionCounts(ctx context.Context) (activeJobs int, queuedRequests int, err error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(total_requests - completed_requests), 0)
FROM batch_jobs WHERE status IN ('validating','in_progress','finalizing')`
	err = s.db.QueryRowContext(ctx, q).Scan(&activeJobs, &queuedRequests)
	if err != nil {
		return 0, 0, fmt.Errorf("admission counts: %w", err)
	}
	return activeJobs, queuedRequests, nil
}

// UpdateJob reads the job inside a transaction, applies mutate, validates
// the implied status transition against the state machine guard (if the
// status changed), and writes the full row back. This is the single choke
// point through which every BatchJob mutation in the system passes.
func (s *Store) UpdateJob(ctx context.Context, id string, mutate func(j *batch.BatchJob) error) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE batch_id=?`
		j, err := scanJob(tx.QueryRowContext(ctx, q, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job for update: %w", err)
		}
		before := j.Status
		if err := mutate(j); err != nil {
			return err
		}
		if j.Status != before {
			if err := batch.ValidateTransition(before, j.Status); err != nil {
				return fmt.Errorf("%s -> %s: %w", before, j.Status, err)
			}
		}
		return s.updateJobTx(ctx, tx, j)
	})
}

func (s *Store) updateJobTx(ctx context.Context, tx *sql.Tx, j *batch.BatchJob) error {
	const upd = `UPDATE batch_jobs SET
  output_file_id=?, status=?, in_progress_at=?, finalizing_at=?, completed_at=?, failed_at=?,
  expired_at=?, cancelling_at=?, cancelled_at=?, total_requests=?, completed_requests=?,
  failed_requests=?, priority=?, model=?, metadata_json=?, errors_json=?, tokens_processed=?,
  last_progress_update=?, estimated_completion_time=?, webhook_url=?, webhook_secret=?,
  webhook_max_retries=?, webhook_timeout=?, webhook_events=?, webhook_status=?,
  webhook_attempts=?, webhook_last_attempt=?, webhook_error=?
WHERE batch_id=?`
	_, err := tx.ExecContext(ctx, upd,
		nullStrPtr(j.OutputFileID), string(j.Status), nullIntPtr(j.InProgressAt), nullIntPtr(j.FinalizingAt), nullIntPtr(j.CompletedAt), nullIntPtr(j.FailedAt),
		nullIntPtr(j.ExpiredAt), nullIntPtr(j.CancellingAt), nullIntPtr(j.CancelledAt), j.TotalRequests, j.CompletedRequests,
		j.FailedRequests, int(j.Priority), j.Model, nullIfEmptyBytes(j.MetadataJSON), nullIfEmptyBytes(j.ErrorsJSON), j.TokensProcessed,
		nullIntPtr(j.LastProgressUpdate), nullIntPtr(j.EstimatedCompletionTime), j.WebhookURL, j.WebhookSecret,
		j.WebhookMaxRetries, j.WebhookTimeout, j.WebhookEvents, string(j.WebhookStatus),
		j.WebhookAttempts, nullIntPtr(j.WebhookLastAttempt), j.WebhookError,
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// MarkJobStatus is a convenience wrapper for pure status transitions;
// every transition stamps its matching *_at timestamp.
func (s *Store) MarkJobStatus(ctx context.Context, id string, status batch.JobStatus, now time.Time) error {
	ts := now.Unix()
	return s.UpdateJob(ctx, id, func(j *batch.BatchJob) error {
		j.Status = status
		switch status {
		case batch.StatusInProgress:
			j.InProgressAt = &ts
		case batch.StatusFinalizing:
			j.FinalizingAt = &ts
		case batch.StatusCompleted:
			j.CompletedAt = &ts
		case batch.StatusFailed:
			j.FailedAt = &ts
		case batch.StatusExpired:
			j.ExpiredAt = &ts
		case batch.StatusCancelling:
			j.CancellingAt = &ts
		case batch.StatusCancelled:
			j.CancelledAt = &ts
		}
		return nil
	})
}

// ReselectInProgressJobs returns jobs stuck in_progress across a restart,
// so the caller can resume them via the Runner's resume point instead of
// leaving their output files orphaned.
func (s *Store) ReselectInProgressJobs(ctx context.Context) ([]*batch.BatchJob, error) {
	return s.ListJobsByStatus(ctx, batch.StatusInProgress)
}

// ExpireOverdueJobs transitions every non-terminal job whose expires_at has
// passed to expired, and returns how many rows were changed.
func (s *Store) ExpireOverdueJobs(ctx context.Context, now time.Time) (int64, error) {
	const q = `SELECT batch_id FROM batch_jobs WHERE expires_at < ? AND status IN ('validating','in_progress','finalizing','cancelling')`
	rows, err := s.db.QueryContext(ctx, q, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("find overdue jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan overdue job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		if err := s.MarkJobStatus(ctx, id, batch.StatusExpired, now); err != nil {
			return n, fmt.Errorf("expire job %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// --------------- Heartbeat ---------------

// UpsertHeartbeat reads the singleton heartbeat row (creating a zero-value
// one if absent), applies mutate, and writes it back.
func (s *Store) UpsertHeartbeat(ctx context.Context, mutate func(h *batch.WorkerHeartbeat)) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		h, err := getHeartbeatTx(ctx, tx)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if h == nil {
			h = &batch.WorkerHeartbeat{}
		}
		mutate(h)
		const upsert = `INSERT INTO worker_heartbeat
  (id, status, current_job_id, loaded_model, model_loaded_at, worker_pid, worker_started_at, gpu_memory_percent, gpu_temperature, last_seen)
VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status, current_job_id=excluded.current_job_id, loaded_model=excluded.loaded_model,
  model_loaded_at=excluded.model_loaded_at, worker_pid=excluded.worker_pid, worker_started_at=excluded.worker_started_at,
  gpu_memory_percent=excluded.gpu_memory_percent, gpu_temperature=excluded.gpu_temperature, last_seen=excluded.last_seen;`
		_, err = tx.ExecContext(ctx, upsert,
			h.Status, nullStrPtr(h.CurrentJobID), nullStrPtr(h.LoadedModel), nullIntPtr(h.ModelLoadedAt),
			h.WorkerPID, h.WorkerStartedAt, h.GPUMemoryPercent, h.GPUTemperature, h.LastSeen)
		if err != nil {
			return fmt.Errorf("upsert heartbeat: %w", err)
		}
		return nil
	})
}

func getHeartbeatTx(ctx context.Context, tx *sql.Tx) (*batch.WorkerHeartbeat, error) {
	const q = `SELECT status, current_job_id, loaded_model, model_loaded_at, worker_pid, worker_started_at, gpu_memory_percent, gpu_temperature, last_seen FROM worker_heartbeat WHERE id=1`
	var h batch.WorkerHeartbeat
	var currentJobID, loadedModel sql.NullString
	var modelLoadedAt sql.NullInt64
	err := tx.QueryRowContext(ctx, q).Scan(&h.Status, &currentJobID, &loadedModel, &modelLoadedAt, &h.WorkerPID, &h.WorkerStartedAt, &h.GPUMemoryPercent, &h.GPUTemperature, &h.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	h.CurrentJobID = fromNullStringPtr(currentJobID)
	h.LoadedModel = fromNullStringPtr(loadedModel)
	h.ModelLoadedAt = fromNullIntPtr(modelLoadedAt)
	return &h, nil
}

// GetHeartbeat returns the singleton heartbeat row.
func (s *Store) GetHeartbeat(ctx context.Context) (*batch.WorkerHeartbeat, error) {
	const q = `SELECT status, current_job_id, loaded_model, model_loaded_at, worker_pid, worker_started_at, gpu_memory_percent, gpu_temperature, last_seen FROM worker_heartbeat WHERE id=1`
	var h batch.WorkerHeartbeat
	var currentJobID, loadedModel sql.NullString
	var modelLoadedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, q).Scan(&h.Status, &currentJobID, &loadedModel, &modelLoadedAt, &h.WorkerPID, &h.WorkerStartedAt, &h.GPUMemoryPercent, &h.GPUTemperature, &h.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	h.CurrentJobID = fromNullStringPtr(currentJobID)
	h.LoadedModel = fromNullStringPtr(loadedModel)
	h.ModelLoadedAt = fromNullIntPtr(modelLoadedAt)
	return &h, nil
}

// --------------- Webhook dead-letter ---------------

// EnqueueDeadLetter inserts a permanently-failed delivery record and
// assigns its ID.
func (s *Store) EnqueueDeadLetter(ctx context.Context, e *batch.WebhookDeadLetter) error {
	const ins = `INSERT INTO webhook_dead_letter (batch_id, webhook_url, payload, error_message, attempts, last_attempt_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, ins, e.BatchID, e.WebhookURL, e.Payload, e.ErrorMessage, e.Attempts, e.LastAttemptAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("dead letter id: %w", err)
	}
	e.ID = id
	return nil
}

// GetDeadLetter retrieves a dead-letter entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (*batch.WebhookDeadLetter, error) {
	const q = `SELECT id, batch_id, webhook_url, payload, error_message, attempts, last_attempt_at, created_at, retried_at, retry_success FROM webhook_dead_letter WHERE id=?`
	return scanDeadLetter(s.db.QueryRowContext(ctx, q, id))
}

// ListDeadLetter returns dead-letter entries newest first, capped at limit
// (0 means no cap).
func (s *Store) ListDeadLetter(ctx context.Context, limit int) ([]*batch.WebhookDeadLetter, error) {
	q := `SELECT id, batch_id, webhook_url, payload, error_message, attempts, last_attempt_at, created_at, retried_at, retry_success FROM webhook_dead_letter ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}
	defer rows.Close()
	var out []*batch.WebhookDeadLetter
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanDeadLetter(row rowScanner) (*batch.WebhookDeadLetter, error) {
	var e batch.WebhookDeadLetter
	var retriedAt sql.NullInt64
	var retrySuccess sql.NullBool
	err := row.Scan(&e.ID, &e.BatchID, &e.WebhookURL, &e.Payload, &e.ErrorMessage, &e.Attempts, &e.LastAttemptAt, &e.CreatedAt, &retriedAt, &retrySuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.RetriedAt = fromNullIntPtr(retriedAt)
	if retrySuccess.Valid {
		v := retrySuccess.Bool
		e.RetrySuccess = &v
	}
	return &e, nil
}

// MarkDeadLetterRetry records the outcome of an administrative retry.
func (s *Store) MarkDeadLetterRetry(ctx context.Context, id int64, success bool, now time.Time) error {
	const upd = `UPDATE webhook_dead_letter SET retried_at=?, retry_success=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, now.Unix(), success, id)
	if err != nil {
		return fmt.Errorf("mark dead letter retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- helpers ---------------

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullStrPtr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullIntPtr(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullIfEmptyBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullIntPtr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}
