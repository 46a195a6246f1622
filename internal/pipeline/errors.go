package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/kiranshivaraju/reviewpipe/internal/ai"
	"github.com/kiranshivaraju/reviewpipe/internal/staticanalysis"
)

// Stage names a step of the job state machine.
type Stage string

const (
	StageDequeued Stage = "dequeued"
	StageStatic   Stage = "static_analysis"
	StageAI       Stage = "ai_analysis"
	StageTerminal Stage = "terminal"
)

// Kind classifies why a stage failed.
type Kind string

const (
	KindStore       Kind = "store"
	KindToolFailure Kind = "tool_failure"
	KindTimeout     Kind = "timeout"
	KindMalformed   Kind = "malformed_output"
	KindUnavailable Kind = "provider_unavailable"
	KindPanic       Kind = "panic"
	KindCanceled    Kind = "canceled"
)

// StageError is the failure of one pipeline transition.
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	switch e.Stage {
	case StageStatic:
		// "static analysis failed: tool crashed: ..." reads better than
		// repeating the sentinel text.
		msg := strings.TrimPrefix(e.Err.Error(), staticanalysis.ErrToolFailure.Error()+": ")
		return "static analysis failed: " + msg
	case StageAI:
		return "ai analysis failed: " + e.Err.Error()
	case StageTerminal:
		return "recording result: " + e.Err.Error()
	default:
		return "starting job: " + e.Err.Error()
	}
}

func (e *StageError) Unwrap() error { return e.Err }

// aiKind maps an AI stage error onto its Kind.
func aiKind(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ai.ErrMalformedOutput):
		return KindMalformed
	case errors.Is(err, ai.ErrInferenceTimeout):
		return KindTimeout
	default:
		return KindUnavailable
	}
}
