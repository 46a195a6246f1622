// Package models contains shared data models used across the reviewpipe codebase.
package models

import "context"

// AIProvider is the core interface that all AI integrations must implement.
// Never call specific AI providers directly; always inject this interface.
type AIProvider interface {
	// Review produces a structured code review. Malformed model output must be
	// reported as an error, never as a partial result.
	Review(ctx context.Context, req ReviewRequest) (ReviewResult, error)
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
}

// ReviewRequest is the input to the AI stage.
type ReviewRequest struct {
	Code           string
	Language       string
	Filename       string
	StaticFindings []StaticFinding
	// Truncated is set when Code was cut down to fit the model's input budget.
	Truncated bool
}
