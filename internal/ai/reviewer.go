package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

// Reviewer is the AI stage of the pipeline. It bounds the provider call by
// the inference timeout, fits the code into the input budget and makes sure
// every failure carries one of the package's sentinel errors.
type Reviewer struct {
	provider  models.AIProvider
	timeout   time.Duration
	maxTokens int
}

// NewReviewer creates a Reviewer. maxTokens <= 0 disables truncation.
func NewReviewer(provider models.AIProvider, timeout time.Duration, maxTokens int) *Reviewer {
	return &Reviewer{
		provider:  provider,
		timeout:   timeout,
		maxTokens: maxTokens,
	}
}

func (r *Reviewer) Name() string { return r.provider.Name() }

// Review runs the provider. A cancelled parent context is returned as is so
// callers can tell shutdown apart from an inference timeout.
func (r *Reviewer) Review(ctx context.Context, req models.ReviewRequest) (models.ReviewResult, error) {
	code, truncated := TruncateCode(req.Code, r.maxTokens)
	if truncated {
		slog.Info("code truncated for ai review",
			"filename", req.Filename,
			"original_tokens", EstimateTokens(req.Code),
			"max_tokens", r.maxTokens)
	}
	req.Code = code
	req.Truncated = req.Truncated || truncated

	reviewCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		reviewCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.provider.Review(reviewCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return models.ReviewResult{}, ctx.Err()
		}
		switch {
		case errors.Is(err, ErrMalformedOutput), errors.Is(err, ErrInferenceTimeout), errors.Is(err, ErrProviderUnavailable):
			return models.ReviewResult{}, err
		case reviewCtx.Err() != nil:
			return models.ReviewResult{}, fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
		default:
			return models.ReviewResult{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
	}

	result.ApplyDefaults()
	if result.Provider == "" {
		result.Provider = r.provider.Name()
	}
	return result, nil
}

var _ models.AIProvider = (*Reviewer)(nil)
