package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrDuplicateJob = errors.New("duplicate job id")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
//
// Every job write is a single conditional UPDATE, so concurrent writers to the
// same job never interleave partial updates. Terminal writes are idempotent:
// repeating the write that produced the current terminal state is a no-op.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SetResult(ctx context.Context, id uuid.UUID, result *models.ReviewResult, processingTimeMs int64) error
	SetError(ctx context.Context, id uuid.UUID, message string, opts ...JobUpdateOption) error
	ListJobsByOwner(ctx context.Context, owner models.OwnerRef, limit int) ([]*models.Job, error)
	ListJobsByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error)
	PurgeExpired(ctx context.Context, filter PurgeFilter) (int64, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// PurgeFilter selects terminal jobs eligible for retention cleanup.
// Non-terminal jobs are never purged.
type PurgeFilter struct {
	CompletedBefore time.Time
}

type jobUpdateParams struct {
	ErrorMessage     *string
	ClearError       bool
	Result           *models.ReviewResult
	ProcessingTimeMs *int64
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithResult(r *models.ReviewResult) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = r
		p.ClearError = true
	}
}

func WithProcessingTime(ms int64) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ProcessingTimeMs = &ms
	}
}

// allowedFrom lists the statuses a job may be in for a write to status to apply.
// processing -> processing is allowed so a redelivered attempt can re-enter the pipeline.
func allowedFrom(status string) ([]string, error) {
	switch status {
	case models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed:
		return []string{models.JobStatusPending, models.JobStatusProcessing}, nil
	default:
		return nil, fmt.Errorf("%w: cannot move a job to %q", ErrInvalidTransition, status)
	}
}

// resolveUnapplied explains why a conditional update touched no rows.
// A repeated terminal write is not an error.
func resolveUnapplied(current, target string) error {
	if current == target && models.IsTerminal(target) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
