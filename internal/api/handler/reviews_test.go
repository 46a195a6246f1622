package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/internal/api/handler"
	mw "github.com/kiranshivaraju/reviewpipe/internal/api/middleware"
	"github.com/kiranshivaraju/reviewpipe/internal/producer"
	"github.com/kiranshivaraju/reviewpipe/internal/queue"
	"github.com/kiranshivaraju/reviewpipe/internal/status"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fixtures ---

type fixture struct {
	store   *store.SQLiteStore
	queue   *queue.MemoryBackend
	router  http.Handler
	alice   models.OwnerRef
	mallory models.OwnerRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.NewMemoryBackend(queue.DefaultOptions())
	t.Cleanup(func() { _ = q.Close() })

	statusSvc := status.NewService(st, status.WithPollInterval(10*time.Millisecond))
	return &fixture{
		store:   st,
		queue:   q,
		router:  routes(producer.New(st, q, 10), statusSvc),
		alice:   models.GuestOwner("alice-guest-1"),
		mallory: models.GuestOwner("mallory-guest-1"),
	}
}

func routes(sub handler.Submitter, reader handler.StatusReader) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/reviews", handler.NewSubmitHandler(sub))
	r.Get("/api/v1/reviews", handler.NewListHandler(reader))
	r.Get("/api/v1/reviews/{jobID}", handler.NewGetHandler(reader))
	return r
}

func (f *fixture) do(t *testing.T, owner *models.OwnerRef, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if owner != nil {
		req = req.WithContext(mw.SetOwner(req.Context(), *owner))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) submit(t *testing.T, owner models.OwnerRef) uuid.UUID {
	t.Helper()
	w := f.do(t, &owner, "POST", "/api/v1/reviews", `{"code":"def add(a, b):\n    return a + b\n","filename":"add.py"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]any)
	id, err := uuid.Parse(data["job_id"].(string))
	require.NoError(t, err)
	return id
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode(t, w)["error"].(map[string]any)["code"].(string)
}

// --- submit ---

func TestSubmit_AcceptsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, &f.alice, "POST", "/api/v1/reviews",
		`{"code":"console.log('hello world')","language":"javascript","priority":10}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
	assert.Greater(t, data["estimated_time"].(float64), float64(0))

	id, err := uuid.Parse(data["job_id"].(string))
	require.NoError(t, err)

	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.True(t, job.Owner.Equal(f.alice))

	n, err := f.queue.LaneLength(context.Background(), queue.LanePriority)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmit_ValidationFailureListsViolations(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, &f.alice, "POST", "/api/v1/reviews", `{"code":"x","filename":"evil.exe","priority":11}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_FAILED", errObj["code"])
	assert.GreaterOrEqual(t, len(errObj["details"].([]any)), 3)

	jobs, err := f.store.ListJobsByOwner(context.Background(), f.alice, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmit_InvalidJSON(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, &f.alice, "POST", "/api/v1/reviews", `{"code":`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
}

func TestSubmit_BodyTooLarge(t *testing.T) {
	f := newFixture(t)
	body := `{"code":"` + strings.Repeat("a", producer.MaxCodeBytes+128<<10) + `"}`
	w := f.do(t, &f.alice, "POST", "/api/v1/reviews", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSubmit_MissingOwner(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, nil, "POST", "/api/v1/reviews", `{"code":"print('hello')"}`)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type failingSubmitter struct{ err error }

func (s failingSubmitter) Submit(context.Context, producer.SubmitRequest) (*producer.SubmitResponse, error) {
	return nil, s.err
}

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"enqueue failed", producer.ErrEnqueueFailed, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE"},
		{"store failure", errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.router = routes(failingSubmitter{err: tt.err}, status.NewService(f.store))

			w := f.do(t, &f.alice, "POST", "/api/v1/reviews", `{"code":"print('hello')"}`)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, errCode(t, w))
		})
	}
}

// --- get ---

func TestGet_ImmediateStatus(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, f.alice)

	w := f.do(t, &f.alice, "GET", "/api/v1/reviews/"+id.String(), "")

	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, id.String(), data["job_id"])
	assert.Equal(t, "pending", data["status"])
	assert.NotContains(t, data, "code")
}

func TestGet_OtherOwnerSeesNotFound(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, f.alice)

	w := f.do(t, &f.mallory, "GET", "/api/v1/reviews/"+id.String(), "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(t, w))
}

func TestGet_UnknownAndMalformedIDs(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, &f.alice, "GET", "/api/v1/reviews/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, &f.alice, "GET", "/api/v1/reviews/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_JOB_ID", errCode(t, w))
}

func TestGet_LongPollReturnsOnCompletion(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, f.alice)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = f.store.UpdateJobStatus(context.Background(), id, models.JobStatusProcessing)
		_ = f.store.SetResult(context.Background(), id, &models.ReviewResult{Summary: "fine"}, 42)
	}()

	start := time.Now()
	w := f.do(t, &f.alice, "GET", "/api/v1/reviews/"+id.String()+"?wait=true&timeout_ms=5000", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, "fine", data["result"].(map[string]any)["summary"])
}

func TestGet_LongPollTimesOutWithCurrentStatus(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, f.alice)

	start := time.Now()
	w := f.do(t, &f.alice, "GET", "/api/v1/reviews/"+id.String()+"?wait=true&timeout_ms=100", "")

	require.Equal(t, http.StatusOK, w.Code)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, "pending", decode(t, w)["data"].(map[string]any)["status"])
}

func TestGet_InvalidWaitParams(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, f.alice)

	for _, q := range []string{"?wait=maybe", "?wait=true&timeout_ms=-5", "?wait=true&timeout_ms=abc"} {
		w := f.do(t, &f.alice, "GET", "/api/v1/reviews/"+id.String()+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

// --- list ---

func TestList_OnlyCallersJobs(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, f.alice)
	second := f.submit(t, f.alice)
	f.submit(t, f.mallory)

	w := f.do(t, &f.alice, "GET", "/api/v1/reviews?limit=10", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	data := body["data"].([]any)
	require.Len(t, data, 2)
	ids := []string{data[0].(map[string]any)["job_id"].(string), data[1].(map[string]any)["job_id"].(string)}
	assert.ElementsMatch(t, []string{first.String(), second.String()}, ids)
	assert.Equal(t, float64(2), body["meta"].(map[string]any)["count"])
}

func TestList_InvalidLimit(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, &f.alice, "GET", "/api/v1/reviews?limit=500", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
