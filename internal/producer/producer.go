// Package producer validates review submissions, records them and puts them on the queue.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/internal/metrics"
	"github.com/kiranshivaraju/reviewpipe/internal/queue"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

const (
	MinCodeBytes   = 10
	MaxCodeBytes   = 1 << 20
	MaxCodeLines   = 10000
	maxFilenameLen = 255
	maxLanguageLen = 32
)

// ErrEnqueueFailed means the job was stored but never reached the queue. It
// stays pending until an operator requeues it; see `reviewctl jobs stuck`.
var ErrEnqueueFailed = errors.New("job stored but could not be enqueued")

// ValidationError lists every constraint a submission violated.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// SubmitRequest is one review submission. Language, Filename and Priority are optional.
type SubmitRequest struct {
	Owner    models.OwnerRef
	Code     string
	Filename string
	Language string
	Priority int
}

type SubmitResponse struct {
	JobID         uuid.UUID `json:"job_id"`
	Status        string    `json:"status"`
	EstimatedTime int       `json:"estimated_time"`
}

// Producer is the synchronous submission entry point.
type Producer struct {
	store store.Store
	queue queue.Backend
	lanes queue.Options
	now   func() time.Time
}

// New creates a Producer. priorityThreshold only labels metrics; the
// backend does its own lane routing.
func New(st store.Store, q queue.Backend, priorityThreshold int) *Producer {
	return &Producer{
		store: st,
		queue: q,
		lanes: queue.Options{PriorityThreshold: priorityThreshold},
		now:   time.Now,
	}
}

// Submit validates req, writes a pending job and enqueues it under the same ID.
// Nothing is persisted when validation fails.
func (p *Producer) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	priority, err := Validate(req)
	if err != nil {
		return nil, err
	}

	language := NormalizeLanguage(req.Language, req.Filename)
	now := p.now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		Owner:     req.Owner,
		Code:      req.Code,
		Language:  language,
		FileSize:  len(req.Code),
		Priority:  priority,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Filename != "" {
		name := req.Filename
		job.Filename = &name
	}

	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	added, err := p.queue.Enqueue(ctx, queue.Task{JobID: job.ID, Priority: priority, EnqueuedAt: now})
	if err != nil {
		slog.Error("enqueue failed after job was stored", "job_id", job.ID, "error", err)
		return nil, fmt.Errorf("%w: job %s: %v", ErrEnqueueFailed, job.ID, err)
	}
	if !added {
		slog.Warn("task already queued", "job_id", job.ID)
	}

	lane := p.lanes.LaneFor(priority)
	metrics.JobsSubmittedTotal.WithLabelValues(string(lane)).Inc()
	slog.Info("job submitted",
		"job_id", job.ID,
		"owner", req.Owner.String(),
		"language", language,
		"file_size", job.FileSize,
		"priority", priority,
		"lane", lane)

	return &SubmitResponse{
		JobID:         job.ID,
		Status:        models.JobStatusPending,
		EstimatedTime: EstimateSeconds(req.Code, language),
	}, nil
}

// Validate checks every submission constraint and returns the effective
// priority. All violations are reported together.
func Validate(req SubmitRequest) (int, error) {
	var violations []string

	code := req.Code
	switch {
	case len(code) < MinCodeBytes:
		violations = append(violations, fmt.Sprintf("code must be at least %d bytes", MinCodeBytes))
	case len(code) > MaxCodeBytes:
		violations = append(violations, fmt.Sprintf("code must be at most %d bytes", MaxCodeBytes))
	}
	if len(code) > 0 && strings.TrimSpace(code) == "" {
		violations = append(violations, "code must not be blank")
	}
	if !utf8.ValidString(code) || strings.ContainsRune(code, 0) {
		violations = append(violations, "code must be UTF-8 text")
	}
	if lines := CountLines(code); lines > MaxCodeLines {
		violations = append(violations, fmt.Sprintf("code must have at most %d lines, got %d", MaxCodeLines, lines))
	}

	if req.Filename != "" {
		if len(req.Filename) > maxFilenameLen {
			violations = append(violations, fmt.Sprintf("filename must be at most %d characters", maxFilenameLen))
		}
		if !models.AllowedExtension(req.Filename) {
			violations = append(violations, fmt.Sprintf("filename extension is not allowed; must be one of %s",
				strings.Join(models.AllowedExtensions(), ", ")))
		}
	}
	if len(strings.TrimSpace(req.Language)) > maxLanguageLen {
		violations = append(violations, fmt.Sprintf("language must be at most %d characters", maxLanguageLen))
	}

	priority := req.Priority
	if priority == 0 {
		priority = models.DefaultPriority
	}
	if priority < models.MinPriority || priority > models.MaxPriority {
		violations = append(violations, fmt.Sprintf("priority must be between %d and %d", models.MinPriority, models.MaxPriority))
	}

	if err := req.Owner.Validate(); err != nil {
		violations = append(violations, "owner is required: either a user or a guest id")
	}

	if len(violations) > 0 {
		return 0, &ValidationError{Violations: violations}
	}
	return priority, nil
}

// NormalizeLanguage prefers an explicit language, then the filename
// extension, then "other".
func NormalizeLanguage(language, filename string) string {
	if l := strings.ToLower(strings.TrimSpace(language)); l != "" {
		return l
	}
	return models.LanguageFromFilename(filename)
}

// CountLines counts lines the way an editor does: a trailing newline does not start a new line.
func CountLines(code string) int {
	if code == "" {
		return 0
	}
	n := strings.Count(code, "\n")
	if !strings.HasSuffix(code, "\n") {
		n++
	}
	return n
}

var languageMultipliers = map[string]float64{
	"cpp":        1.3,
	"c":          1.2,
	"java":       1.2,
	"rust":       1.2,
	"csharp":     1.1,
	"kotlin":     1.1,
	"swift":      1.1,
	"typescript": 1.1,
}

// EstimateSeconds is an advisory processing-time estimate:
// (5 + 0.01 per line + 0.0005 per byte) scaled by a language multiplier, rounded up.
func EstimateSeconds(code, language string) int {
	multiplier, ok := languageMultipliers[language]
	if !ok {
		multiplier = 1.0
	}
	est := (5 + 0.01*float64(CountLines(code)) + 0.0005*float64(len(code))) * multiplier
	return int(math.Ceil(est))
}
