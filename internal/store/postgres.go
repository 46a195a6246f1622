package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

const jobColumns = `id, owner_user_id, guest_id, code, language, filename, file_size, priority, status,
	result, error_message, processing_time_ms, started_at, completed_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := job.Owner.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_user_id, guest_id, code, language, filename, file_size, priority, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Owner.UserID, job.Owner.GuestID, job.Code, job.Language, job.Filename,
		job.FileSize, job.Priority, models.JobStatusPending, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
		return fmt.Errorf("create job: %w", err)
	}
	job.Status = models.JobStatusPending
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	from, err := allowedFrom(status)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.JobStatusProcessing {
		query += fmt.Sprintf(", started_at = COALESCE(started_at, $%d)", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.IsTerminal(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	} else if params.ClearError {
		query += ", error_message = NULL"
	}
	if params.Result != nil {
		raw, err := json.Marshal(params.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, raw)
		argIdx++
	}
	if params.ProcessingTimeMs != nil {
		query += fmt.Sprintf(", processing_time_ms = $%d", argIdx)
		args = append(args, *params.ProcessingTimeMs)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, from)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return resolveUnapplied(current, status)
}

func (s *PostgresStore) SetResult(ctx context.Context, id uuid.UUID, result *models.ReviewResult, processingTimeMs int64) error {
	return s.UpdateJobStatus(ctx, id, models.JobStatusCompleted,
		WithResult(result), WithProcessingTime(processingTimeMs))
}

func (s *PostgresStore) SetError(ctx context.Context, id uuid.UUID, message string, opts ...JobUpdateOption) error {
	return s.UpdateJobStatus(ctx, id, models.JobStatusFailed,
		append([]JobUpdateOption{WithErrorMessage(message)}, opts...)...)
}

func (s *PostgresStore) ListJobsByOwner(ctx context.Context, owner models.OwnerRef, limit int) ([]*models.Job, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var err error
	if owner.UserID != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE owner_user_id = $1 ORDER BY created_at DESC LIMIT $2`,
			*owner.UserID, normalizeLimit(limit))
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE guest_id = $1 ORDER BY created_at DESC LIMIT $2`,
			*owner.GuestID, normalizeLimit(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs by owner: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY priority DESC, created_at ASC LIMIT $2`,
		status, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, filter PurgeFilter) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND completed_at < $1`,
		filter.CompletedBefore)
	if err != nil {
		return 0, fmt.Errorf("purge expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j         models.Job
		rawResult []byte
	)
	if err := row.Scan(&j.ID, &j.Owner.UserID, &j.Owner.GuestID, &j.Code, &j.Language, &j.Filename,
		&j.FileSize, &j.Priority, &j.Status, &rawResult, &j.ErrorMessage, &j.ProcessingTimeMs,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if len(rawResult) > 0 {
		var r models.ReviewResult
		if err := json.Unmarshal(rawResult, &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		j.Result = &r
	}
	return &j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
