package staticanalysis

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

const maxLineLength = 120

// rule is a single-line pattern check. An empty languages list applies to every language.
type rule struct {
	id        string
	severity  string
	message   string
	pattern   *regexp.Regexp
	languages []string
}

func (r rule) appliesTo(language string) bool {
	if len(r.languages) == 0 {
		return true
	}
	for _, l := range r.languages {
		if l == language {
			return true
		}
	}
	return false
}

// Rules compiled once at package init.
var builtinRules = []rule{
	{
		id:       "hardcoded-secret",
		severity: models.SeverityError,
		message:  "possible hardcoded credential",
		pattern:  regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|access[_-]?token)\b\s*[:=]\s*["'][^"']{4,}["']`),
	},
	{
		id:        "eval-usage",
		severity:  models.SeverityError,
		message:   "eval executes arbitrary code",
		pattern:   regexp.MustCompile(`\beval\s*\(`),
		languages: []string{"javascript", "typescript", "python", "php", "ruby"},
	},
	{
		id:        "shell-injection",
		severity:  models.SeverityError,
		message:   "subprocess call with shell=True",
		pattern:   regexp.MustCompile(`subprocess\.\w+\(.*shell\s*=\s*True`),
		languages: []string{"python"},
	},
	{
		id:        "unsafe-c-string",
		severity:  models.SeverityError,
		message:   "unbounded string function, prefer a length-checked variant",
		pattern:   regexp.MustCompile(`\b(strcpy|strcat|gets|sprintf)\s*\(`),
		languages: []string{"c", "cpp"},
	},
	{
		id:       "sql-string-concat",
		severity: models.SeverityWarning,
		message:  "SQL built by string concatenation",
		pattern:  regexp.MustCompile(`(?i)["'].*\b(select|insert|update|delete)\b.*["']\s*\+\s*\w+`),
	},
	{
		id:       "weak-hash",
		severity: models.SeverityWarning,
		message:  "MD5/SHA-1 are not collision resistant",
		pattern:  regexp.MustCompile(`(?i)\b(md5|sha1)\b\s*\(`),
	},
	{
		id:        "bare-except",
		severity:  models.SeverityWarning,
		message:   "bare except swallows every exception",
		pattern:   regexp.MustCompile(`^\s*except\s*:`),
		languages: []string{"python"},
	},
	{
		id:        "empty-catch",
		severity:  models.SeverityWarning,
		message:   "empty catch block",
		pattern:   regexp.MustCompile(`catch\s*(\([^)]*\))?\s*\{\s*\}`),
		languages: []string{"javascript", "typescript", "java", "csharp", "kotlin", "dart", "php"},
	},
	{
		id:        "debug-print",
		severity:  models.SeverityInfo,
		message:   "debug output left in code",
		pattern:   regexp.MustCompile(`\b(console\.log|System\.out\.println|fmt\.Println|var_dump)\s*\(|^\s*print\(`),
		languages: []string{"javascript", "typescript", "java", "go", "php", "python"},
	},
	{
		id:       "todo-comment",
		severity: models.SeverityInfo,
		message:  "unresolved TODO/FIXME",
		pattern:  regexp.MustCompile(`\b(TODO|FIXME|XXX)\b`),
	},
}

// BuiltinAnalyzer runs a fixed regexp rule set line by line. It never shells out.
type BuiltinAnalyzer struct {
	rules []rule
}

func NewBuiltinAnalyzer() *BuiltinAnalyzer {
	return &BuiltinAnalyzer{rules: builtinRules}
}

func (a *BuiltinAnalyzer) Name() string { return "builtin" }

// Analyze reports at most one finding per rule per line, sorted by severity DESC then line.
// Returns an empty (never nil) findings slice when nothing matches.
func (a *BuiltinAnalyzer) Analyze(ctx context.Context, in Input) (Report, error) {
	language := strings.ToLower(in.Language)
	if language == "" || language == models.LanguageOther {
		language = models.LanguageFromFilename(in.Filename)
	}

	active := make([]rule, 0, len(a.rules))
	for _, r := range a.rules {
		if r.appliesTo(language) {
			active = append(active, r)
		}
	}

	findings := []models.StaticFinding{}
	lines := strings.Split(in.Code, "\n")
	for i, line := range lines {
		if i%500 == 0 {
			if err := ctx.Err(); err != nil {
				return Report{}, fmt.Errorf("%w: %v", ErrToolFailure, err)
			}
		}

		for _, r := range active {
			loc := r.pattern.FindStringIndex(line)
			if loc == nil {
				continue
			}
			findings = append(findings, models.StaticFinding{
				RuleID:   r.id,
				Message:  r.message,
				Severity: r.severity,
				Location: models.Location{Line: i + 1, Column: loc[0] + 1},
			})
		}

		if n := len([]rune(strings.TrimRight(line, "\r"))); n > maxLineLength {
			findings = append(findings, models.StaticFinding{
				RuleID:   "line-too-long",
				Message:  fmt.Sprintf("line is %d characters, limit is %d", n, maxLineLength),
				Severity: models.SeverityInfo,
				Location: models.Location{Line: i + 1, Column: maxLineLength + 1},
			})
		}
	}

	sortFindings(findings)
	return Report{Findings: findings, ToolErrors: []string{}}, nil
}

var _ Analyzer = (*BuiltinAnalyzer)(nil)
