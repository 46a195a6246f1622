// Package status serves read-only job status lookups, immediate and long-poll.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

const (
	DefaultTimeout  = 30 * time.Second
	MaxTimeout      = 60 * time.Second
	DefaultInterval = 2 * time.Second
)

// ErrNotOwner is returned when a caller asks for someone else's job.
var ErrNotOwner = errors.New("job belongs to another owner")

// Mirror is the read side of the job status cache the workers keep.
type Mirror interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
}

// Service reads job state from the store. It never writes.
type Service struct {
	store    store.Store
	mirror   Mirror
	interval time.Duration
}

type Option func(*Service)

// WithPollInterval overrides the 2s long-poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMirror lets long-polls skip store reads while the cached status
// matches the last view. A missing entry or a cache error falls back to the store.
func WithMirror(m Mirror) Option {
	return func(s *Service) {
		s.mirror = m
	}
}

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, interval: DefaultInterval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetStatus is a single read. Returns store.ErrNotFound for unknown jobs.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*models.JobView, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

// GetOwnedStatus is GetStatus restricted to jobs submitted by owner.
func (s *Service) GetOwnedStatus(ctx context.Context, id uuid.UUID, owner models.OwnerRef) (*models.JobView, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckOwner(job, owner); err != nil {
		return nil, err
	}
	return job.View(), nil
}

// AwaitStatus polls until the job is terminal or timeout elapses, then
// returns the last view it saw. The timeout is clamped to (0, MaxTimeout];
// zero or negative means DefaultTimeout. The last sleep is cut short to the
// remaining budget, so the call returns shortly after timeout at the latest.
// If ctx ends first, the last view is returned along with ctx.Err().
func (s *Service) AwaitStatus(ctx context.Context, id uuid.UUID, timeout time.Duration) (*models.JobView, error) {
	deadline := time.Now().Add(ClampTimeout(timeout))

	view, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}

	stale := false
	for !models.IsTerminal(view.Status) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := s.interval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return view, ctx.Err()
		case <-timer.C:
		}

		if s.unchanged(ctx, id, view.Status) {
			stale = true
			continue
		}
		next, err := s.GetStatus(ctx, id)
		if err != nil {
			return view, err
		}
		view, stale = next, false
	}
	if stale {
		// Same status, but the error message or timestamps may have moved.
		if next, err := s.GetStatus(ctx, id); err == nil {
			view = next
		}
	}
	return view, nil
}

// unchanged reports whether the mirror still holds status for the job.
func (s *Service) unchanged(ctx context.Context, id uuid.UUID, status string) bool {
	if s.mirror == nil {
		return false
	}
	cached, ok, err := s.mirror.GetJobStatus(ctx, id)
	return err == nil && ok && cached == status
}

// ListForOwner returns the owner's most recent jobs, newest first.
func (s *Service) ListForOwner(ctx context.Context, owner models.OwnerRef, limit int) ([]*models.JobView, error) {
	jobs, err := s.store.ListJobsByOwner(ctx, owner, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*models.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	return views, nil
}

// CheckOwner returns ErrNotOwner unless job was submitted by owner.
func CheckOwner(job *models.Job, owner models.OwnerRef) error {
	if !job.Owner.Equal(owner) {
		return ErrNotOwner
	}
	return nil
}

// ClampTimeout maps a requested long-poll timeout into (0, MaxTimeout].
func ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}
