package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type taskState int

const (
	stateWaiting taskState = iota
	stateActive
	stateDelayed
)

type memTask struct {
	task      Task
	lane      Lane
	state     taskState
	attempts  int
	lastError string
	dueAt     time.Time
}

// MemoryBackend is a single-process Backend for tests and local development.
type MemoryBackend struct {
	opts Options

	mu        sync.Mutex
	lanes     map[Lane][]uuid.UUID
	tasks     map[uuid.UUID]*memTask
	completed []HistoryEntry
	failed    []HistoryEntry
	// notify is closed and replaced whenever a task becomes waiting.
	notify chan struct{}
	closed bool
}

// NewMemoryBackend creates an empty in-memory queue.
func NewMemoryBackend(opts Options) *MemoryBackend {
	return &MemoryBackend{
		opts:   opts.withDefaults(),
		lanes:  map[Lane][]uuid.UUID{LanePriority: nil, LaneStandard: nil},
		tasks:  make(map[uuid.UUID]*memTask),
		notify: make(chan struct{}),
	}
}

func (b *MemoryBackend) Enqueue(_ context.Context, task Task) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, fmt.Errorf("enqueue: backend closed")
	}
	if _, exists := b.tasks[task.JobID]; exists {
		return false, nil
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = b.opts.Now().UTC()
	}

	lane := b.opts.LaneFor(task.Priority)
	b.tasks[task.JobID] = &memTask{task: task, lane: lane, state: stateWaiting}
	b.lanes[lane] = append(b.lanes[lane], task.JobID)
	b.signalLocked()
	return true, nil
}

func (b *MemoryBackend) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("dequeue: backend closed")
		}
		if d := b.popLocked(); d != nil {
			b.mu.Unlock()
			return d, nil
		}
		notify := b.notify
		b.mu.Unlock()

		if timer == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, nil
		case <-notify:
		}
	}
}

func (b *MemoryBackend) popLocked() *Delivery {
	for _, lane := range Lanes {
		ids := b.lanes[lane]
		if len(ids) == 0 {
			continue
		}
		id := ids[0]
		b.lanes[lane] = ids[1:]

		t := b.tasks[id]
		t.state = stateActive
		t.attempts++
		return &Delivery{
			Task:        t.task,
			Lane:        t.lane,
			Attempt:     t.attempts,
			MaxAttempts: b.opts.Policy.MaxAttempts,
			LastError:   t.lastError,
		}
	}
	return nil
}

func (b *MemoryBackend) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[d.JobID]
	if !ok || t.state != stateActive {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.JobID)
	}
	delete(b.tasks, d.JobID)
	b.completed = pushBounded(b.completed, HistoryEntry{
		Task:       t.task,
		Lane:       t.lane,
		Attempts:   t.attempts,
		FinishedAt: b.opts.Now().UTC(),
	}, b.opts.KeepCompleted)
	return nil
}

func (b *MemoryBackend) Nack(_ context.Context, d *Delivery, cause error) (Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[d.JobID]
	if !ok || t.state != stateActive {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownDelivery, d.JobID)
	}
	t.lastError = causeMessage(cause)

	if t.attempts >= b.opts.Policy.MaxAttempts {
		delete(b.tasks, d.JobID)
		b.failed = pushBounded(b.failed, HistoryEntry{
			Task:       t.task,
			Lane:       t.lane,
			Attempts:   t.attempts,
			Error:      fmt.Sprintf("%s: %s", ErrDeliveryExhausted, t.lastError),
			FinishedAt: b.opts.Now().UTC(),
		}, b.opts.KeepFailed)
		return Outcome{}, nil
	}

	delay := b.opts.Policy.Backoff(t.attempts)
	t.state = stateDelayed
	t.dueAt = b.opts.Now().Add(delay)
	return Outcome{Retried: true, Delay: delay}, nil
}

func (b *MemoryBackend) Release(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[d.JobID]
	if !ok || t.state != stateActive {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.JobID)
	}
	t.state = stateWaiting
	if t.attempts > 0 {
		t.attempts--
	}
	b.lanes[t.lane] = append([]uuid.UUID{d.JobID}, b.lanes[t.lane]...)
	b.signalLocked()
	return nil
}

func (b *MemoryBackend) Forget(_ context.Context, jobID uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[jobID]
	if !ok {
		return false, nil
	}
	delete(b.tasks, jobID)
	if t.state == stateWaiting {
		ids := b.lanes[t.lane]
		for i, id := range ids {
			if id == jobID {
				b.lanes[t.lane] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
	return true, nil
}

func (b *MemoryBackend) PromoteDue(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, nil
	}
	now := b.opts.Now()
	var due []*memTask
	for _, t := range b.tasks {
		if t.state == stateDelayed && !t.dueAt.After(now) {
			due = append(due, t)
		}
	}
	// Promote in due order so earlier retries stay ahead within a lane.
	sort.Slice(due, func(i, j int) bool { return due[i].dueAt.Before(due[j].dueAt) })
	for _, t := range due {
		t.state = stateWaiting
		b.lanes[t.lane] = append(b.lanes[t.lane], t.task.JobID)
	}
	if len(due) > 0 {
		b.signalLocked()
	}
	return len(due), nil
}

func (b *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Priority:  int64(len(b.lanes[LanePriority])),
		Standard:  int64(len(b.lanes[LaneStandard])),
		Completed: int64(len(b.completed)),
		Failed:    int64(len(b.failed)),
	}
	for _, t := range b.tasks {
		switch t.state {
		case stateActive:
			s.Active++
		case stateDelayed:
			s.Delayed++
		}
	}
	return s, nil
}

func (b *MemoryBackend) LaneLength(_ context.Context, lane Lane) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids, ok := b.lanes[lane]
	if !ok {
		return 0, fmt.Errorf("unknown lane %q", lane)
	}
	return int64(len(ids)), nil
}

// Dead returns the most recent dead-lettered tasks, newest first.
func (b *MemoryBackend) Dead(_ context.Context, limit int) ([]HistoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return newestFirst(b.failed, limit), nil
}

// Completed returns the most recent acked tasks, newest first.
func (b *MemoryBackend) Completed(limit int) []HistoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return newestFirst(b.completed, limit)
}

func (b *MemoryBackend) Tracked(_ context.Context, jobID uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tasks[jobID]
	return ok, nil
}

func (b *MemoryBackend) Ping(_ context.Context) error { return nil }

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.notify)
	}
	return nil
}

func (b *MemoryBackend) signalLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func pushBounded(list []HistoryEntry, e HistoryEntry, keep int) []HistoryEntry {
	list = append(list, e)
	if len(list) > keep {
		list = list[len(list)-keep:]
	}
	return list
}

func newestFirst(list []HistoryEntry, limit int) []HistoryEntry {
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]HistoryEntry, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out
}

var _ Backend = (*MemoryBackend)(nil)
