// Package worker drains the review queue: it runs a fixed number of
// consumers, promotes due retries and purges expired jobs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/reviewpipe/internal/metrics"
	"github.com/kiranshivaraju/reviewpipe/internal/queue"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"golang.org/x/sync/errgroup"
)

// Processor handles one delivery. A nil error acks it; any error nacks it.
type Processor interface {
	Process(ctx context.Context, d *queue.Delivery) error
}

type Config struct {
	Concurrency  int
	DequeueWait  time.Duration
	PromoteEvery time.Duration
	// DrainTimeout bounds how long in-flight jobs may run after shutdown starts.
	DrainTimeout time.Duration
	// Retention of zero disables the janitor.
	Retention  time.Duration
	SweepEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = 5 * time.Second
	}
	if c.PromoteEvery <= 0 {
		c.PromoteEvery = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Hour
	}
	return c
}

// Pool owns the worker goroutines for one process.
type Pool struct {
	backend   queue.Backend
	processor Processor
	store     store.Store
	cfg       Config
	now       func() time.Time
}

func New(backend queue.Backend, processor Processor, st store.Store, cfg Config) *Pool {
	return &Pool{
		backend:   backend,
		processor: processor,
		store:     st,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled and every in-flight job has settled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 1; i <= p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.consume(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.promoteLoop(gctx)
		return nil
	})
	if p.cfg.Retention > 0 {
		g.Go(func() error {
			p.sweepLoop(gctx)
			return nil
		})
	}

	slog.Info("worker pool started",
		"concurrency", p.cfg.Concurrency,
		"retention", p.cfg.Retention.String())
	err := g.Wait()
	slog.Info("worker pool stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, id int) {
	log := slog.With("worker", id)
	for ctx.Err() == nil {
		d, err := p.backend.Dequeue(ctx, p.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if d == nil {
			continue
		}
		p.handle(ctx, log, d)
	}
}

// handle processes d and settles it with the backend. Processing outlives a
// shutdown signal by at most DrainTimeout so the queue is not left holding
// half-finished work.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, d *queue.Delivery) {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		select {
		case <-time.After(p.cfg.DrainTimeout):
			cancel()
		case <-procCtx.Done():
		}
	})
	defer stop()

	log = log.With("job_id", d.JobID, "attempt", d.Attempt)
	procErr := p.processor.Process(procCtx, d)

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer settleCancel()

	if procErr == nil {
		if err := p.backend.Ack(settleCtx, d); err != nil {
			log.Error("ack failed", "error", err)
		}
		return
	}

	// procCtx is only cancelled by the drain timeout. An attempt cut short
	// by shutdown goes back to its lane uncharged and the job stays processing.
	if procCtx.Err() != nil {
		if err := p.backend.Release(settleCtx, d); err != nil {
			log.Error("release failed", "error", err)
			return
		}
		log.Warn("job interrupted by shutdown, returned to queue", "error", procErr)
		return
	}

	outcome, err := p.backend.Nack(settleCtx, d, procErr)
	if err != nil {
		log.Error("nack failed", "error", err)
		return
	}
	if outcome.Retried {
		metrics.QueueRetriesTotal.WithLabelValues(string(d.Lane)).Inc()
		log.Warn("job attempt failed, retry scheduled", "error", procErr, "delay", outcome.Delay.String())
		return
	}

	metrics.QueueDeadTotal.WithLabelValues(string(d.Lane)).Inc()
	log.Error("job attempts exhausted", "error", procErr)
	// The processor normally records the failure itself on the final attempt.
	// SetError is a no-op then; this covers runs where that write never happened.
	if err := p.store.SetError(settleCtx, d.JobID, procErr.Error()); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		log.Error("failed to record exhausted job", "error", err)
	}
}

func (p *Pool) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PromoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.promote(ctx)
		}
	}
}

// promote moves due retries back into their lanes and refreshes the queue gauges.
func (p *Pool) promote(ctx context.Context) {
	n, err := p.backend.PromoteDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("promote due retries failed", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Debug("promoted retries", "count", n)
	}

	stats, err := p.backend.Stats(ctx)
	if err != nil {
		return
	}
	metrics.QueueLength.WithLabelValues("priority").Set(float64(stats.Priority))
	metrics.QueueLength.WithLabelValues("standard").Set(float64(stats.Standard))
	metrics.QueueLength.WithLabelValues("active").Set(float64(stats.Active))
	metrics.QueueLength.WithLabelValues("delayed").Set(float64(stats.Delayed))
}

func (p *Pool) sweepLoop(ctx context.Context) {
	p.sweep(ctx)
	ticker := time.NewTicker(p.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep deletes terminal jobs that finished before the retention window.
func (p *Pool) sweep(ctx context.Context) {
	cutoff := p.now().Add(-p.cfg.Retention)
	n, err := p.store.PurgeExpired(ctx, store.PurgeFilter{CompletedBefore: cutoff})
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("retention sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Info("purged expired jobs", "count", n, "cutoff", cutoff)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
