package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

// requiredKeys must be present and non-null in every model response.
var requiredKeys = []string{
	"summary",
	"best_practices",
	"refactoring_suggestions",
	"vulnerabilities",
	"performance",
	"maintainability",
	"complexity",
	"documentation",
	"testing_recommendations",
}

// ParseReviewResult decodes raw model output into a ReviewResult. Markdown
// code fences around the JSON are stripped. Unknown keys, missing required
// keys, wrong types and trailing data all return ErrMalformedOutput; a
// partial result is never returned.
func ParseReviewResult(raw string) (models.ReviewResult, error) {
	body := stripFences(raw)
	if body == "" {
		return models.ReviewResult{}, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &keys); err != nil {
		return models.ReviewResult{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	var missing []string
	for _, k := range requiredKeys {
		v, ok := keys[k]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return models.ReviewResult{}, fmt.Errorf("%w: missing keys %s", ErrMalformedOutput, strings.Join(missing, ", "))
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var result models.ReviewResult
	if err := dec.Decode(&result); err != nil {
		return models.ReviewResult{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if dec.More() {
		return models.ReviewResult{}, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedOutput)
	}
	if strings.TrimSpace(result.Summary) == "" {
		return models.ReviewResult{}, fmt.Errorf("%w: empty summary", ErrMalformedOutput)
	}

	result.ApplyDefaults()
	return result, nil
}

// stripFences removes a surrounding ```json ... ``` block, including any
// prose the model put before the opening fence.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return s
	}
	body = body[nl+1:]
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
