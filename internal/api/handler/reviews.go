// Package handler holds the HTTP handlers for review submission and status.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/reviewpipe/internal/api/middleware"
	"github.com/kiranshivaraju/reviewpipe/internal/api/response"
	"github.com/kiranshivaraju/reviewpipe/internal/producer"
	"github.com/kiranshivaraju/reviewpipe/internal/status"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

// maxBodyBytes leaves room for the JSON envelope around the largest accepted code.
const maxBodyBytes = producer.MaxCodeBytes + 64<<10

// Submitter is the producer surface the submit handler needs.
type Submitter interface {
	Submit(ctx context.Context, req producer.SubmitRequest) (*producer.SubmitResponse, error)
}

// StatusReader is the status surface the read handlers need.
type StatusReader interface {
	GetOwnedStatus(ctx context.Context, id uuid.UUID, owner models.OwnerRef) (*models.JobView, error)
	AwaitStatus(ctx context.Context, id uuid.UUID, timeout time.Duration) (*models.JobView, error)
	ListForOwner(ctx context.Context, owner models.OwnerRef, limit int) ([]*models.JobView, error)
}

type submitBody struct {
	Code     string `json:"code"`
	Filename string `json:"filename"`
	Language string `json:"language"`
	Priority int    `json:"priority"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/reviews.
func NewSubmitHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing owner", nil)
			return
		}

		var body submitBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		resp, err := svc.Submit(r.Context(), producer.SubmitRequest{
			Owner:    owner,
			Code:     body.Code,
			Filename: body.Filename,
			Language: body.Language,
			Priority: body.Priority,
		})
		if err != nil {
			var verr *producer.ValidationError
			switch {
			case errors.As(err, &verr):
				response.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", "Submission is invalid", verr.Violations)
			case errors.Is(err, producer.ErrEnqueueFailed):
				response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "Job could not be queued, try again later", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit review", nil)
			}
			return
		}

		response.Accepted(w, resp)
	}
}

// NewGetHandler returns an http.HandlerFunc for GET /api/v1/reviews/{jobID}.
// With ?wait=true it long-polls until the job is terminal or timeout_ms elapses,
// then returns whatever status the job has.
func NewGetHandler(svc StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing owner", nil)
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "jobID must be a UUID", nil)
			return
		}

		wait, timeout, err := parseWait(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		view, err := svc.GetOwnedStatus(r.Context(), id, owner)
		if err != nil {
			writeLookupError(w, err)
			return
		}

		if wait && !models.IsTerminal(view.Status) {
			polled, err := svc.AwaitStatus(r.Context(), id, timeout)
			if err != nil {
				if r.Context().Err() != nil {
					return
				}
				writeLookupError(w, err)
				return
			}
			view = polled
		}

		response.JSON(w, view)
	}
}

// NewListHandler returns an http.HandlerFunc for GET /api/v1/reviews.
func NewListHandler(svc StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing owner", nil)
			return
		}

		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 100 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 100", nil)
				return
			}
			limit = n
		}

		views, err := svc.ListForOwner(r.Context(), owner, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list reviews", nil)
			return
		}
		response.Collection(w, views, response.ListMeta{Count: len(views), Limit: limit})
	}
}

func parseWait(r *http.Request) (bool, time.Duration, error) {
	q := r.URL.Query()
	wait := false
	if raw := q.Get("wait"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return false, 0, errors.New("wait must be a boolean")
		}
		wait = b
	}

	timeout := status.DefaultTimeout
	if raw := q.Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return false, 0, errors.New("timeout_ms must be a non-negative integer")
		}
		timeout = status.ClampTimeout(time.Duration(ms) * time.Millisecond)
	}
	return wait, timeout, nil
}

// writeLookupError hides other owners' jobs behind the same 404 as unknown ones.
func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, status.ErrNotOwner) {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Review job not found", nil)
		return
	}
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read review status", nil)
}
