// Package pipeline runs one review job through static analysis and AI
// analysis and records the terminal outcome in the job store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/internal/cache"
	"github.com/kiranshivaraju/reviewpipe/internal/metrics"
	"github.com/kiranshivaraju/reviewpipe/internal/queue"
	"github.com/kiranshivaraju/reviewpipe/internal/staticanalysis"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

const statusCacheTTL = 30 * time.Minute

// Pipeline is the handler invoked for every queue delivery.
type Pipeline struct {
	store         store.Store
	analyzer      staticanalysis.Analyzer
	reviewer      models.AIProvider
	cache         cache.Cache
	staticTimeout time.Duration
	now           func() time.Time
}

// New creates a Pipeline. reviewer is normally an *ai.Reviewer so the AI
// stage carries its own timeout and truncation. ca may be nil.
func New(st store.Store, analyzer staticanalysis.Analyzer, reviewer models.AIProvider, ca cache.Cache, staticTimeout time.Duration) *Pipeline {
	return &Pipeline{
		store:         st,
		analyzer:      analyzer,
		reviewer:      reviewer,
		cache:         ca,
		staticTimeout: staticTimeout,
		now:           time.Now,
	}
}

// Process runs the state machine Dequeued -> StaticAnalysis -> AIAnalysis -> Terminal
// for one delivery. A nil return means the delivery can be acked: the job
// completed, or it was already terminal. Any error means the queue should
// retry; on the final attempt the job is written as failed first. A failure
// before the final attempt leaves the job processing with the error message
// recorded. A cancelled attempt writes nothing.
func (p *Pipeline) Process(ctx context.Context, d *queue.Delivery) error {
	start := p.now()
	log := slog.With("job_id", d.JobID, "lane", d.Lane, "attempt", d.Attempt)

	job, err := p.store.GetJob(ctx, d.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("dropping task for unknown job")
		return nil
	}
	if err != nil {
		return &StageError{Stage: StageDequeued, Kind: KindStore, Err: err}
	}
	if models.IsTerminal(job.Status) {
		log.Info("job already terminal, skipping redelivery", "status", job.Status)
		return nil
	}

	if err := p.store.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Info("job became terminal before processing started")
			return nil
		}
		return &StageError{Stage: StageDequeued, Kind: KindStore, Err: err}
	}
	p.mirror(ctx, job.ID, models.JobStatusProcessing)
	log.Info("job processing started")

	report, err := p.runStatic(ctx, job)
	if err != nil {
		return p.fail(ctx, log, d, err, start)
	}

	result, err := p.runAI(ctx, job, report)
	if err != nil {
		return p.fail(ctx, log, d, err, start)
	}
	result.StaticFindings = report.Findings

	elapsed := p.now().Sub(start).Milliseconds()
	if err := p.store.SetResult(ctx, job.ID, &result, elapsed); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn("job reached a different terminal state first", "error", err)
			return nil
		}
		return &StageError{Stage: StageTerminal, Kind: KindStore, Err: err}
	}
	p.mirror(ctx, job.ID, models.JobStatusCompleted)
	metrics.JobsFinishedTotal.WithLabelValues(models.JobStatusCompleted, string(StageTerminal)).Inc()
	log.Info("job completed",
		"processing_time_ms", elapsed,
		"static_findings", len(report.Findings),
		"provider", result.Provider)
	return nil
}

func (p *Pipeline) runStatic(ctx context.Context, job *models.Job) (report staticanalysis.Report, err error) {
	defer observe(StageStatic, time.Now())
	defer recoverStage(StageStatic, &err)

	staticCtx := ctx
	if p.staticTimeout > 0 {
		var cancel context.CancelFunc
		staticCtx, cancel = context.WithTimeout(ctx, p.staticTimeout)
		defer cancel()
	}

	report, err = p.analyzer.Analyze(staticCtx, staticanalysis.Input{
		Code:     job.Code,
		Language: job.Language,
		Filename: derefString(job.Filename),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return staticanalysis.Report{}, &StageError{Stage: StageStatic, Kind: KindCanceled, Err: ctxErr}
		}
		if !errors.Is(err, staticanalysis.ErrToolFailure) {
			err = fmt.Errorf("%w: %v", staticanalysis.ErrToolFailure, err)
		}
		return staticanalysis.Report{}, &StageError{Stage: StageStatic, Kind: KindToolFailure, Err: err}
	}
	return report, nil
}

func (p *Pipeline) runAI(ctx context.Context, job *models.Job, report staticanalysis.Report) (result models.ReviewResult, err error) {
	defer observe(StageAI, time.Now())
	defer recoverStage(StageAI, &err)

	result, err = p.reviewer.Review(ctx, models.ReviewRequest{
		Code:           job.Code,
		Language:       job.Language,
		Filename:       derefString(job.Filename),
		StaticFindings: report.Findings,
	})
	if err != nil {
		return models.ReviewResult{}, &StageError{Stage: StageAI, Kind: aiKind(err), Err: err}
	}
	return result, nil
}

// fail records a stage failure. The final attempt writes the terminal failed
// state; earlier attempts keep the job processing with the last error so the
// queue's retry can pick it up again.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, d *queue.Delivery, err error, start time.Time) error {
	var stageErr *StageError
	if errors.As(err, &stageErr) && stageErr.Kind == KindCanceled {
		log.Warn("job interrupted", "stage", stageErr.Stage)
		return err
	}

	stage := StageDequeued
	if stageErr != nil {
		stage = stageErr.Stage
	}
	msg := err.Error()
	elapsed := p.now().Sub(start).Milliseconds()

	if !d.Final() {
		log.Warn("job attempt failed, will retry", "stage", stage, "error", msg)
		if werr := p.store.UpdateJobStatus(ctx, d.JobID, models.JobStatusProcessing, store.WithErrorMessage(msg)); werr != nil {
			log.Error("recording attempt failure", "error", werr)
		}
		return err
	}

	log.Error("job failed", "stage", stage, "error", msg)
	if werr := p.store.SetError(ctx, d.JobID, msg, store.WithProcessingTime(elapsed)); werr != nil {
		if !errors.Is(werr, store.ErrInvalidTransition) {
			return fmt.Errorf("%w (recording failure: %v)", err, werr)
		}
		log.Warn("job reached a different terminal state first", "error", werr)
		return err
	}
	p.mirror(ctx, d.JobID, models.JobStatusFailed)
	metrics.JobsFinishedTotal.WithLabelValues(models.JobStatusFailed, string(stage)).Inc()
	return err
}

// mirror copies the status into the cache. Failures are logged and ignored.
func (p *Pipeline) mirror(ctx context.Context, id uuid.UUID, status string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetJobStatus(ctx, id, status, statusCacheTTL); err != nil {
		slog.Warn("mirroring job status to cache", "job_id", id, "status", status, "error", err)
	}
}

// recoverStage turns a panic inside a stage into a StageError.
func recoverStage(stage Stage, err *error) {
	if r := recover(); r != nil {
		slog.Error("panic in pipeline stage", "stage", stage, "panic", r, "stack", string(debug.Stack()))
		*err = &StageError{Stage: stage, Kind: KindPanic, Err: fmt.Errorf("panic: %v", r)}
	}
}

func observe(stage Stage, start time.Time) {
	metrics.StageDurationSeconds.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
