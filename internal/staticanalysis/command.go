package staticanalysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

const maxStderrBytes = 2000

// CommandAnalyzer runs an external tool against a temp file holding the code.
// The tool must print a semgrep-style JSON document on stdout:
//
//	{"results":[{"check_id":"...","start":{"line":1,"col":1},"extra":{"message":"...","severity":"ERROR"}}],
//	 "errors":[{"message":"..."}]}
//
// The temp file path is appended as the last argument.
type CommandAnalyzer struct {
	command string
	args    []string
}

func NewCommandAnalyzer(command string, args []string) *CommandAnalyzer {
	return &CommandAnalyzer{command: command, args: args}
}

func (a *CommandAnalyzer) Name() string { return "command:" + filepath.Base(a.command) }

type toolOutput struct {
	Results []struct {
		CheckID string `json:"check_id"`
		Start   struct {
			Line int `json:"line"`
			Col  int `json:"col"`
		} `json:"start"`
		Extra struct {
			Message  string `json:"message"`
			Severity string `json:"severity"`
		} `json:"extra"`
	} `json:"results"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (a *CommandAnalyzer) Analyze(ctx context.Context, in Input) (Report, error) {
	dir, err := os.MkdirTemp("", "reviewpipe-static-")
	if err != nil {
		return Report{}, fmt.Errorf("%w: create workspace: %v", ErrToolFailure, err)
	}
	defer os.RemoveAll(dir)

	name := "source" + models.ExtensionForLanguage(in.Language)
	if in.Filename != "" {
		name = filepath.Base(in.Filename)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(in.Code), 0o600); err != nil {
		return Report{}, fmt.Errorf("%w: write source: %v", ErrToolFailure, err)
	}

	args := append(append([]string{}, a.args...), path)
	cmd := exec.CommandContext(ctx, a.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Report{}, fmt.Errorf("%w: timed out: %v", ErrToolFailure, ctxErr)
	}

	var out toolOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		if runErr != nil {
			return Report{}, fmt.Errorf("%w: tool crashed: %v: %s", ErrToolFailure, runErr, truncateString(stderr.String(), maxStderrBytes))
		}
		return Report{}, fmt.Errorf("%w: unparseable output: %v", ErrToolFailure, err)
	}

	// Linters commonly exit non-zero when they find something; only a
	// missing binary or a signal counts as a crash once output parsed.
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return Report{}, fmt.Errorf("%w: tool crashed: %v", ErrToolFailure, runErr)
	}

	report := Report{Findings: []models.StaticFinding{}, ToolErrors: []string{}}
	for _, r := range out.Results {
		report.Findings = append(report.Findings, models.StaticFinding{
			RuleID:   r.CheckID,
			Message:  truncateString(r.Extra.Message, 500),
			Severity: models.NormalizeSeverity(strings.ToLower(r.Extra.Severity)),
			Location: models.Location{Line: r.Start.Line, Column: r.Start.Col},
		})
	}
	for _, e := range out.Errors {
		report.ToolErrors = append(report.ToolErrors, truncateString(e.Message, 500))
	}
	report.Findings = Dedupe(report.Findings)
	sortFindings(report.Findings)
	return report, nil
}

var _ Analyzer = (*CommandAnalyzer)(nil)
