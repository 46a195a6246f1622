package mock

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/reviewpipe/internal/ai"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing and local runs.
type MockProvider struct {
	Name_      string
	ReviewFunc func(ctx context.Context, req models.ReviewRequest) (models.ReviewResult, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Review(ctx context.Context, req models.ReviewRequest) (models.ReviewResult, error) {
	if m.ReviewFunc != nil {
		return m.ReviewFunc(ctx, req)
	}
	return models.ReviewResult{}, nil
}

// NewMockProvider returns a MockProvider whose review is derived only from
// the request, so the same code always produces the same result.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		ReviewFunc: func(_ context.Context, req models.ReviewRequest) (models.ReviewResult, error) {
			lines := strings.Count(req.Code, "\n") + 1
			result := models.ReviewResult{
				Summary:  fmt.Sprintf("Mock review of %d lines of %s", lines, req.Language),
				Provider: "mock",
				Model:    "mock-v1",
				BestPractices: []models.Finding{{
					Title:       "Add unit tests",
					Description: "No tests were submitted alongside this code.",
					Severity:    models.SeverityInfo,
				}},
				Maintainability: models.Maintainability{Score: 80},
				Complexity: models.ComplexityMetrics{
					Cyclomatic:  1,
					Cognitive:   1,
					LinesOfCode: lines,
				},
				Documentation:          models.DocumentationCoverage{Percentage: 50},
				TestingRecommendations: []string{"Cover the happy path with a unit test"},
			}
			result.ApplyDefaults()
			return result, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		ReviewFunc: func(_ context.Context, _ models.ReviewRequest) (models.ReviewResult, error) {
			return models.ReviewResult{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		ReviewFunc: func(ctx context.Context, _ models.ReviewRequest) (models.ReviewResult, error) {
			<-ctx.Done()
			return models.ReviewResult{}, ai.ErrInferenceTimeout
		},
	}
}

// NewMalformedProvider returns a MockProvider whose model "replies" with raw,
// run through the same parser the real providers use.
func NewMalformedProvider(raw string) *MockProvider {
	return &MockProvider{
		Name_: "mock-malformed",
		ReviewFunc: func(_ context.Context, _ models.ReviewRequest) (models.ReviewResult, error) {
			return ai.ParseReviewResult(raw)
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
