package models

// Severity levels shared by static findings and AI findings.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Location points at a position in the submitted source.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column,omitempty"`
}

// StaticFinding is one rule hit reported by the static analysis stage.
type StaticFinding struct {
	RuleID   string   `json:"rule_id"`
	Message  string   `json:"message"`
	Severity string   `json:"severity"`
	Location Location `json:"location"`
}

// Finding is a single AI-reported issue in one of the review categories.
type Finding struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Line        *int   `json:"line,omitempty"`
	Suggestion  string `json:"suggestion,omitempty"`
}

type RefactoringSuggestion struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Before      string `json:"before,omitempty"`
	After       string `json:"after,omitempty"`
}

type Maintainability struct {
	Score  int      `json:"score"`
	Issues []string `json:"issues"`
}

type ComplexityMetrics struct {
	Cyclomatic  int `json:"cyclomatic"`
	Cognitive   int `json:"cognitive"`
	LinesOfCode int `json:"lines_of_code"`
	Functions   int `json:"functions"`
}

type DocumentationCoverage struct {
	Percentage int      `json:"percentage"`
	Missing    []string `json:"missing"`
}

// ReviewResult is the structured output of a completed review. All fields are
// explicit; ApplyDefaults fills empty collections and clamps scores.
type ReviewResult struct {
	Summary                string                  `json:"summary"`
	BestPractices          []Finding               `json:"best_practices"`
	RefactoringSuggestions []RefactoringSuggestion `json:"refactoring_suggestions"`
	Vulnerabilities        []Finding               `json:"vulnerabilities"`
	Performance            []Finding               `json:"performance"`
	Maintainability        Maintainability         `json:"maintainability"`
	Complexity             ComplexityMetrics       `json:"complexity"`
	Documentation          DocumentationCoverage   `json:"documentation"`
	TestingRecommendations []string                `json:"testing_recommendations"`
	StaticFindings         []StaticFinding         `json:"static_findings"`
	Provider               string                  `json:"provider,omitempty"`
	Model                  string                  `json:"model,omitempty"`
}

// ApplyDefaults normalizes a decoded result so every collection is non-nil and
// every bounded score is in range.
func (r *ReviewResult) ApplyDefaults() {
	if r.BestPractices == nil {
		r.BestPractices = []Finding{}
	}
	if r.RefactoringSuggestions == nil {
		r.RefactoringSuggestions = []RefactoringSuggestion{}
	}
	if r.Vulnerabilities == nil {
		r.Vulnerabilities = []Finding{}
	}
	if r.Performance == nil {
		r.Performance = []Finding{}
	}
	if r.Maintainability.Issues == nil {
		r.Maintainability.Issues = []string{}
	}
	if r.Documentation.Missing == nil {
		r.Documentation.Missing = []string{}
	}
	if r.TestingRecommendations == nil {
		r.TestingRecommendations = []string{}
	}
	if r.StaticFindings == nil {
		r.StaticFindings = []StaticFinding{}
	}
	r.Maintainability.Score = clamp(r.Maintainability.Score, 0, 100)
	r.Documentation.Percentage = clamp(r.Documentation.Percentage, 0, 100)
	for _, list := range [][]Finding{r.BestPractices, r.Vulnerabilities, r.Performance} {
		for i := range list {
			list[i].Severity = NormalizeSeverity(list[i].Severity)
		}
	}
}

// NormalizeSeverity maps free-form severities onto error/warning/info.
func NormalizeSeverity(s string) string {
	switch s {
	case SeverityError, "critical", "high":
		return SeverityError
	case SeverityWarning, "medium", "warn":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
