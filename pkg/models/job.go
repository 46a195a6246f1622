package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ErrMissingOwner is returned when a job has neither a user nor a guest owner.
var ErrMissingOwner = errors.New("job owner is required")

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// OwnerRef identifies who submitted a job: an authenticated user or a guest.
// Exactly one of UserID and GuestID is set.
type OwnerRef struct {
	UserID  *uuid.UUID `json:"user_id,omitempty"`
	GuestID *string    `json:"guest_id,omitempty"`
}

// UserOwner returns an OwnerRef for an authenticated user.
func UserOwner(id uuid.UUID) OwnerRef {
	return OwnerRef{UserID: &id}
}

// GuestOwner returns an OwnerRef for a guest identity.
func GuestOwner(id string) OwnerRef {
	return OwnerRef{GuestID: &id}
}

func (o OwnerRef) Validate() error {
	hasUser := o.UserID != nil && *o.UserID != uuid.Nil
	hasGuest := o.GuestID != nil && strings.TrimSpace(*o.GuestID) != ""
	if hasUser == hasGuest {
		return ErrMissingOwner
	}
	return nil
}

// Equal reports whether both refs point at the same owner.
func (o OwnerRef) Equal(other OwnerRef) bool {
	switch {
	case o.UserID != nil && other.UserID != nil:
		return *o.UserID == *other.UserID
	case o.GuestID != nil && other.GuestID != nil:
		return *o.GuestID == *other.GuestID
	default:
		return false
	}
}

// String renders the owner as "user:<id>" or "guest:<id>", used for rate-limit keys.
func (o OwnerRef) String() string {
	if o.UserID != nil {
		return "user:" + o.UserID.String()
	}
	if o.GuestID != nil {
		return "guest:" + *o.GuestID
	}
	return ""
}

// Job is one submitted code review request and its lifecycle record.
// Status moves pending -> processing -> completed|failed and never leaves a terminal state.
type Job struct {
	ID               uuid.UUID     `db:"id"                 json:"id"`
	Owner            OwnerRef      `db:"-"                  json:"owner"`
	Code             string        `db:"code"               json:"code"`
	Language         string        `db:"language"           json:"language"`
	Filename         *string       `db:"filename"           json:"filename,omitempty"`
	FileSize         int           `db:"file_size"          json:"file_size"`
	Priority         int           `db:"priority"           json:"priority"`
	Status           string        `db:"status"             json:"status"`
	Result           *ReviewResult `db:"result"             json:"result,omitempty"`
	ErrorMessage     *string       `db:"error_message"      json:"error_message,omitempty"`
	ProcessingTimeMs *int64        `db:"processing_time_ms" json:"processing_time_ms,omitempty"`
	StartedAt        *time.Time    `db:"started_at"         json:"started_at,omitempty"`
	CompletedAt      *time.Time    `db:"completed_at"       json:"completed_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"         json:"updated_at"`
}

// JobView is the client-facing projection of a Job. It never carries the code or the owner.
type JobView struct {
	JobID            uuid.UUID     `json:"job_id"`
	Status           string        `json:"status"`
	Result           *ReviewResult `json:"result,omitempty"`
	Error            *string       `json:"error,omitempty"`
	ProcessingTimeMs *int64        `json:"processing_time,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// View projects the job for clients. Result and Error only appear for the matching terminal state.
func (j *Job) View() *JobView {
	v := &JobView{
		JobID:     j.ID,
		Status:    j.Status,
		CreatedAt: j.CreatedAt,
	}
	switch j.Status {
	case JobStatusCompleted:
		v.Result = j.Result
		v.ProcessingTimeMs = j.ProcessingTimeMs
		v.CompletedAt = j.CompletedAt
	case JobStatusFailed:
		v.Error = j.ErrorMessage
		v.ProcessingTimeMs = j.ProcessingTimeMs
		v.CompletedAt = j.CompletedAt
	}
	return v
}
