// Package queue delivers review tasks to workers through two priority lanes
// with per-job de-duplication, bounded retries and bounded history.
package queue

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownDelivery is returned when acking or nacking a task the backend no longer tracks.
	ErrUnknownDelivery = errors.New("unknown delivery")
	// ErrDeliveryExhausted is recorded on tasks dead-lettered after their last attempt.
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")
)

// Lane is a logical partition of the queue. The priority lane is always drained first.
type Lane string

const (
	LanePriority Lane = "priority"
	LaneStandard Lane = "standard"
)

// Lanes lists every lane in dequeue preference order.
var Lanes = []Lane{LanePriority, LaneStandard}

// Task is the queued payload for one review job.
type Task struct {
	JobID      uuid.UUID `json:"job_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a task handed to a worker, with its attempt accounting.
type Delivery struct {
	Task
	Lane        Lane
	Attempt     int // 1-based
	MaxAttempts int
	LastError   string
}

// Final reports whether a failure of this delivery dead-letters the task.
func (d *Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts
}

// Outcome describes what Nack did with a failed delivery.
type Outcome struct {
	Retried bool
	Delay   time.Duration
}

// HistoryEntry is a finished task kept for operational inspection.
type HistoryEntry struct {
	Task
	Lane       Lane      `json:"lane"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Priority  int64 `json:"priority"`
	Standard  int64 `json:"standard"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Backend is the queue transport shared by producers and workers.
type Backend interface {
	// Enqueue adds a task to its lane. It returns false when a task with the
	// same job ID is already waiting, active or delayed.
	Enqueue(ctx context.Context, task Task) (bool, error)
	// Dequeue blocks up to wait for the next task. It returns nil, nil when
	// nothing arrived in time.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack schedules a retry with backoff, or dead-letters the task once
	// MaxAttempts is reached.
	Nack(ctx context.Context, d *Delivery, cause error) (Outcome, error)
	// Release puts an active delivery back at the head of its lane without
	// counting the attempt. Used when a worker is interrupted, not failed.
	Release(ctx context.Context, d *Delivery) error
	// Forget drops a job's task from every lane, the active set and the
	// delayed set. It reports whether the backend was tracking the job.
	Forget(ctx context.Context, jobID uuid.UUID) (bool, error)
	// PromoteDue moves retries whose backoff elapsed to the tail of their lane.
	PromoteDue(ctx context.Context) (int, error)

	Stats(ctx context.Context) (Stats, error)
	LaneLength(ctx context.Context, lane Lane) (int64, error)
	Dead(ctx context.Context, limit int) ([]HistoryEntry, error)
	// Tracked reports whether a task for jobID is waiting, active or delayed.
	Tracked(ctx context.Context, jobID uuid.UUID) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// RetryPolicy bounds attempts and spaces retries exponentially.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Backoff returns the delay before the retry that follows a failed attempt:
// BaseDelay * 2^(attempt-1), so 2s, 4s, 8s for a 2s base.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, float64(attempt-1))
	return time.Duration(factor) * p.BaseDelay
}

// Options configures a backend. Zero values fall back to the defaults.
type Options struct {
	Policy            RetryPolicy
	PriorityThreshold int
	KeepCompleted     int
	KeepFailed        int
	// Prefix namespaces every Redis key.
	Prefix string
	// Now is the clock used for backoff scheduling.
	Now func() time.Time
}

// DefaultOptions returns 3 attempts with a 2s base, priority lane from 10,
// and history bounded at 100 completed and 50 failed.
func DefaultOptions() Options {
	return Options{
		Policy:            RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second},
		PriorityThreshold: 10,
		KeepCompleted:     100,
		KeepFailed:        50,
		Prefix:            "reviewpipe:",
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Policy.MaxAttempts <= 0 {
		o.Policy.MaxAttempts = d.Policy.MaxAttempts
	}
	if o.Policy.BaseDelay <= 0 {
		o.Policy.BaseDelay = d.Policy.BaseDelay
	}
	if o.PriorityThreshold <= 0 {
		o.PriorityThreshold = d.PriorityThreshold
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = d.KeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = d.KeepFailed
	}
	if o.Prefix == "" {
		o.Prefix = d.Prefix
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// LaneFor routes a priority to its lane.
func (o Options) LaneFor(priority int) Lane {
	if priority >= o.PriorityThreshold {
		return LanePriority
	}
	return LaneStandard
}

func causeMessage(cause error) string {
	if cause == nil {
		return "task failed"
	}
	return cause.Error()
}
