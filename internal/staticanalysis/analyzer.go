// Package staticanalysis runs rule-based checks over submitted code before the AI stage.
package staticanalysis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kiranshivaraju/reviewpipe/internal/config"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

// ErrToolFailure means the analyzer could not produce a report at all: it
// crashed, timed out or emitted output that could not be parsed. A report
// with zero findings is a success, never this error.
var ErrToolFailure = errors.New("static analysis tool failure")

// Input is the code under analysis.
type Input struct {
	Code     string
	Language string
	Filename string
}

// Report is the advisory output of a successful analysis run.
type Report struct {
	Findings []models.StaticFinding `json:"findings"`
	// ToolErrors are non-fatal problems the tool reported alongside its findings.
	ToolErrors []string `json:"tool_errors"`
}

// Analyzer is implemented by every static analysis backend.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (Report, error)
	Name() string
}

// New constructs the analyzer selected by config.
func New(cfg config.StaticConfig) (Analyzer, error) {
	switch cfg.Analyzer {
	case "builtin", "":
		return NewBuiltinAnalyzer(), nil
	case "command":
		return NewCommandAnalyzer(cfg.Command, cfg.Args), nil
	default:
		return nil, fmt.Errorf("unknown static analyzer %q: must be one of builtin, command", cfg.Analyzer)
	}
}

// SeverityRank orders severities for sorting, most severe highest.
func SeverityRank(severity string) int {
	switch severity {
	case models.SeverityError:
		return 2
	case models.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// sortFindings orders by severity DESC, then line, then rule.
func sortFindings(findings []models.StaticFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if SeverityRank(a.Severity) != SeverityRank(b.Severity) {
			return SeverityRank(a.Severity) > SeverityRank(b.Severity)
		}
		if a.Location.Line != b.Location.Line {
			return a.Location.Line < b.Location.Line
		}
		return a.RuleID < b.RuleID
	})
}
