package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  owner_user_id TEXT,
  guest_id TEXT,
  code TEXT NOT NULL,
  language TEXT NOT NULL,
  filename TEXT,
  file_size INTEGER NOT NULL,
  priority INTEGER NOT NULL,
  status TEXT NOT NULL,
  result TEXT,
  error_message TEXT,
  processing_time_ms INTEGER,
  started_at INTEGER,
  completed_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  CHECK ((owner_user_id IS NULL) <> (guest_id IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_user ON jobs (owner_user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_guest ON jobs (guest_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_priority ON jobs (status, priority, created_at);
CREATE TABLE IF NOT EXISTS api_keys (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  name TEXT NOT NULL,
  key_hash TEXT NOT NULL UNIQUE,
  key_prefix TEXT NOT NULL,
  last_used_at INTEGER,
  deleted_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys (key_prefix);
`

const sqliteJobColumns = `id, owner_user_id, guest_id, code, language, filename, file_size, priority, status,
  result, error_message, processing_time_ms, started_at, completed_at, created_at, updated_at`

// SQLiteStore implements Store on an embedded SQLite file. Used for local
// development and tests; times are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := job.Owner.Validate(); err != nil {
		return err
	}
	var userID sql.NullString
	if job.Owner.UserID != nil {
		userID = sql.NullString{String: job.Owner.UserID.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner_user_id, guest_id, code, language, filename, file_size, priority, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), userID, job.Owner.GuestID, job.Code, job.Language, job.Filename,
		job.FileSize, job.Priority, models.JobStatusPending,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		if isSQLiteUniqueError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
		return fmt.Errorf("create job: %w", err)
	}
	job.Status = models.JobStatusPending
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id.String())
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	from, err := allowedFrom(status)
	if err != nil {
		return err
	}

	now := time.Now().UTC().UnixMilli()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{status, now}

	if status == models.JobStatusProcessing {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if models.IsTerminal(status) {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if params.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *params.ErrorMessage)
	} else if params.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if params.Result != nil {
		raw, err := json.Marshal(params.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(raw))
	}
	if params.ProcessingTimeMs != nil {
		sets = append(sets, "processing_time_ms = ?")
		args = append(args, *params.ProcessingTimeMs)
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ") + ")"
	args = append(args, id.String())
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return resolveUnapplied(current, status)
}

func (s *SQLiteStore) SetResult(ctx context.Context, id uuid.UUID, result *models.ReviewResult, processingTimeMs int64) error {
	return s.UpdateJobStatus(ctx, id, models.JobStatusCompleted,
		WithResult(result), WithProcessingTime(processingTimeMs))
}

func (s *SQLiteStore) SetError(ctx context.Context, id uuid.UUID, message string, opts ...JobUpdateOption) error {
	return s.UpdateJobStatus(ctx, id, models.JobStatusFailed,
		append([]JobUpdateOption{WithErrorMessage(message)}, opts...)...)
}

func (s *SQLiteStore) ListJobsByOwner(ctx context.Context, owner models.OwnerRef, limit int) ([]*models.Job, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	column, value := "guest_id", ""
	if owner.UserID != nil {
		column, value = "owner_user_id", owner.UserID.String()
	} else {
		value = *owner.GuestID
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE `+column+` = ? ORDER BY created_at DESC LIMIT ?`,
		value, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs by owner: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT ?`,
		status, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, filter PurgeFilter) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND completed_at < ?`,
		filter.CompletedBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, last_used_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = ? AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var (
			k                    models.APIKey
			id, userID           string
			lastUsed             sql.NullInt64
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&id, &userID, &k.Name, &k.KeyHash, &k.KeyPrefix, &lastUsed, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if k.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse api key id: %w", err)
		}
		if k.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("parse api key user id: %w", err)
		}
		k.LastUsedAt = millisPtr(lastUsed)
		k.CreatedAt = time.UnixMilli(createdMs).UTC()
		k.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ?, updated_at = ? WHERE id = ?`, now, now, id.String())
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID.String(), key.UserID.String(), key.Name, key.KeyHash, key.KeyPrefix,
		key.CreatedAt.UnixMilli(), key.UpdatedAt.UnixMilli())
	if err != nil {
		if isSQLiteUniqueError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var (
		j                         models.Job
		id                        string
		userID, guestID, filename sql.NullString
		result, errorMessage      sql.NullString
		processingTime            sql.NullInt64
		startedAt, completedAt    sql.NullInt64
		createdMs, updatedMs      int64
	)
	if err := row.Scan(&id, &userID, &guestID, &j.Code, &j.Language, &filename, &j.FileSize, &j.Priority,
		&j.Status, &result, &errorMessage, &processingTime, &startedAt, &completedAt,
		&createdMs, &updatedMs); err != nil {
		return nil, err
	}

	var err error
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	if userID.Valid {
		uid, err := uuid.Parse(userID.String)
		if err != nil {
			return nil, fmt.Errorf("parse owner id: %w", err)
		}
		j.Owner = models.UserOwner(uid)
	} else if guestID.Valid {
		j.Owner = models.GuestOwner(guestID.String)
	}
	if filename.Valid {
		j.Filename = &filename.String
	}
	if errorMessage.Valid {
		j.ErrorMessage = &errorMessage.String
	}
	if processingTime.Valid {
		j.ProcessingTimeMs = &processingTime.Int64
	}
	if result.Valid && result.String != "" {
		var r models.ReviewResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		j.Result = &r
	}
	j.StartedAt = millisPtr(startedAt)
	j.CompletedAt = millisPtr(completedAt)
	j.CreatedAt = time.UnixMilli(createdMs).UTC()
	j.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &j, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func isSQLiteUniqueError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
