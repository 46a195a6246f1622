package producer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/internal/queue"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCode = "def add(a, b):\n    return a + b\n"

type failingQueue struct {
	queue.Backend
}

func (q failingQueue) Enqueue(_ context.Context, _ queue.Task) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func setup(t *testing.T) (*Producer, *store.SQLiteStore, *queue.MemoryBackend) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "producer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.NewMemoryBackend(queue.DefaultOptions())
	t.Cleanup(func() { _ = q.Close() })

	return New(st, q, 10), st, q
}

func guest() models.OwnerRef { return models.GuestOwner("guest-123") }

func TestSubmit_CreatesPendingJobAndEnqueues(t *testing.T) {
	p, st, q := setup(t)
	ctx := context.Background()

	resp, err := p.Submit(ctx, SubmitRequest{Owner: guest(), Code: validCode, Filename: "math.py"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, resp.JobID)
	assert.Equal(t, models.JobStatusPending, resp.Status)
	assert.Positive(t, resp.EstimatedTime)

	job, err := st.GetJob(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "python", job.Language)
	assert.Equal(t, len(validCode), job.FileSize)
	assert.Equal(t, models.DefaultPriority, job.Priority)
	require.NotNil(t, job.Filename)
	assert.Equal(t, "math.py", *job.Filename)

	tracked, err := q.Tracked(ctx, resp.JobID)
	require.NoError(t, err)
	assert.True(t, tracked)

	n, err := q.LaneLength(ctx, queue.LaneStandard)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmit_HighPriorityUsesPriorityLane(t *testing.T) {
	p, _, q := setup(t)
	ctx := context.Background()

	_, err := p.Submit(ctx, SubmitRequest{Owner: guest(), Code: validCode, Priority: 10})
	require.NoError(t, err)

	n, err := q.LaneLength(ctx, queue.LanePriority)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	d, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 10, d.Priority)
}

func TestSubmit_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     SubmitRequest
		wantMsg string
	}{
		{
			name:    "too short",
			req:     SubmitRequest{Owner: guest(), Code: "x=1"},
			wantMsg: "code must be at least 10 bytes",
		},
		{
			name:    "too large",
			req:     SubmitRequest{Owner: guest(), Code: strings.Repeat("a", MaxCodeBytes+1)},
			wantMsg: "code must be at most 1048576 bytes",
		},
		{
			name:    "too many lines",
			req:     SubmitRequest{Owner: guest(), Code: strings.Repeat("x\n", MaxCodeLines+1)},
			wantMsg: "code must have at most 10000 lines, got 10001",
		},
		{
			name:    "blank",
			req:     SubmitRequest{Owner: guest(), Code: strings.Repeat(" \n\t", 10)},
			wantMsg: "code must not be blank",
		},
		{
			name:    "binary",
			req:     SubmitRequest{Owner: guest(), Code: "\xff\xfe\x00\x01binary-data"},
			wantMsg: "code must be UTF-8 text",
		},
		{
			name:    "disallowed extension",
			req:     SubmitRequest{Owner: guest(), Code: validCode, Filename: "setup.exe"},
			wantMsg: "filename extension is not allowed",
		},
		{
			name:    "priority too high",
			req:     SubmitRequest{Owner: guest(), Code: validCode, Priority: 11},
			wantMsg: "priority must be between 1 and 10",
		},
		{
			name:    "negative priority",
			req:     SubmitRequest{Owner: guest(), Code: validCode, Priority: -1},
			wantMsg: "priority must be between 1 and 10",
		},
		{
			name:    "missing owner",
			req:     SubmitRequest{Code: validCode},
			wantMsg: "owner is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, st, q := setup(t)
			ctx := context.Background()

			resp, err := p.Submit(ctx, tt.req)
			require.Error(t, err)
			assert.Nil(t, resp)

			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Contains(t, strings.Join(vErr.Violations, "\n"), tt.wantMsg)

			// Nothing is persisted or queued on rejection.
			jobs, err := st.ListJobsByStatus(ctx, models.JobStatusPending, 10)
			require.NoError(t, err)
			assert.Empty(t, jobs)
			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Zero(t, stats.Standard+stats.Priority)
		})
	}
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	_, err := Validate(SubmitRequest{Code: "short", Filename: "a.exe", Priority: 42})

	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Len(t, vErr.Violations, 4)
	assert.Contains(t, err.Error(), "validation failed: ")
}

func TestValidate_Defaults(t *testing.T) {
	priority, err := Validate(SubmitRequest{Owner: guest(), Code: validCode})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultPriority, priority)

	priority, err = Validate(SubmitRequest{Owner: models.UserOwner(uuid.New()), Code: validCode, Filename: "notes.txt", Priority: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, priority)
}

func TestSubmit_EnqueueFailureLeavesJobPending(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "producer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	p := New(st, failingQueue{}, 10)
	ctx := context.Background()

	resp, err := p.Submit(ctx, SubmitRequest{Owner: guest(), Code: validCode})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrEnqueueFailed)

	jobs, err := st.ListJobsByOwner(ctx, guest(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusPending, jobs[0].Status)
	assert.Contains(t, err.Error(), jobs[0].ID.String())
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "python", NormalizeLanguage(" Python ", "main.go"))
	assert.Equal(t, "go", NormalizeLanguage("", "main.go"))
	assert.Equal(t, "typescript", NormalizeLanguage("", "App.TSX"))
	assert.Equal(t, models.LanguageOther, NormalizeLanguage("", "notes.txt"))
	assert.Equal(t, models.LanguageOther, NormalizeLanguage("", ""))
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, CountLines(""))
	assert.Equal(t, 1, CountLines("a"))
	assert.Equal(t, 1, CountLines("a\n"))
	assert.Equal(t, 2, CountLines("a\nb"))
	assert.Equal(t, 3, CountLines("a\n\nb\n"))
}

func TestEstimateSeconds(t *testing.T) {
	// 100 lines, 1000 bytes: 5 + 1 + 0.5 = 6.5 seconds before the multiplier.
	code := strings.Repeat("123456789\n", 100)

	assert.Equal(t, 7, EstimateSeconds(code, "python"))
	assert.Equal(t, 9, EstimateSeconds(code, "cpp"))
	assert.Equal(t, 8, EstimateSeconds(code, "java"))
	assert.Equal(t, 7, EstimateSeconds(code, models.LanguageOther))
	assert.Equal(t, 5, EstimateSeconds("", "python"))
}
