package staticanalysis

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/reviewpipe/internal/config"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ruleIDs(findings []models.StaticFinding) []string {
	ids := make([]string, 0, len(findings))
	for _, f := range findings {
		ids = append(ids, f.RuleID)
	}
	return ids
}

func TestBuiltinAnalyzer_Rules(t *testing.T) {
	tests := []struct {
		name     string
		language string
		code     string
		wantRule string
		wantLine int
	}{
		{
			name:     "hardcoded secret",
			language: "python",
			code:     "import os\npassword = \"hunter22\"\n",
			wantRule: "hardcoded-secret",
			wantLine: 2,
		},
		{
			name:     "eval in javascript",
			language: "javascript",
			code:     "const x = eval(input);",
			wantRule: "eval-usage",
			wantLine: 1,
		},
		{
			name:     "shell injection in python",
			language: "python",
			code:     "subprocess.run(cmd, shell=True)",
			wantRule: "shell-injection",
			wantLine: 1,
		},
		{
			name:     "unsafe strcpy in c",
			language: "c",
			code:     "int main() {\n  strcpy(dst, src);\n}",
			wantRule: "unsafe-c-string",
			wantLine: 2,
		},
		{
			name:     "bare except",
			language: "python",
			code:     "try:\n    run()\nexcept:\n    pass",
			wantRule: "bare-except",
			wantLine: 3,
		},
		{
			name:     "empty catch in java",
			language: "java",
			code:     "try { run(); } catch (Exception e) {}",
			wantRule: "empty-catch",
			wantLine: 1,
		},
		{
			name:     "console.log",
			language: "javascript",
			code:     "console.log(1)",
			wantRule: "debug-print",
			wantLine: 1,
		},
		{
			name:     "todo comment",
			language: "go",
			code:     "package main\n\n// TODO: handle errors\nfunc main() {}",
			wantRule: "todo-comment",
			wantLine: 3,
		},
	}

	a := NewBuiltinAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := a.Analyze(context.Background(), Input{Code: tt.code, Language: tt.language})
			require.NoError(t, err)

			var found *models.StaticFinding
			for i := range report.Findings {
				if report.Findings[i].RuleID == tt.wantRule {
					found = &report.Findings[i]
					break
				}
			}
			require.NotNil(t, found, "expected rule %s in %v", tt.wantRule, ruleIDs(report.Findings))
			assert.Equal(t, tt.wantLine, found.Location.Line)
		})
	}
}

func TestBuiltinAnalyzer_LanguageScopedRulesDoNotLeak(t *testing.T) {
	a := NewBuiltinAnalyzer()

	report, err := a.Analyze(context.Background(), Input{
		Code:     "strcpy(a, b)",
		Language: "python",
	})
	require.NoError(t, err)
	assert.NotContains(t, ruleIDs(report.Findings), "unsafe-c-string")
}

func TestBuiltinAnalyzer_InfersLanguageFromFilename(t *testing.T) {
	a := NewBuiltinAnalyzer()

	report, err := a.Analyze(context.Background(), Input{
		Code:     "x = eval(y)",
		Filename: "script.py",
	})
	require.NoError(t, err)
	assert.Contains(t, ruleIDs(report.Findings), "eval-usage")
}

func TestBuiltinAnalyzer_CleanCodeHasZeroFindings(t *testing.T) {
	a := NewBuiltinAnalyzer()

	report, err := a.Analyze(context.Background(), Input{
		Code:     "def add(a, b):\n    return a + b\n",
		Language: "python",
	})
	require.NoError(t, err)
	assert.NotNil(t, report.Findings)
	assert.Empty(t, report.Findings)
}

func TestBuiltinAnalyzer_SortsBySeverityThenLine(t *testing.T) {
	a := NewBuiltinAnalyzer()
	code := strings.Join([]string{
		"// TODO: tidy",
		"console.log(x)",
		"const y = eval(z)",
	}, "\n")

	report, err := a.Analyze(context.Background(), Input{Code: code, Language: "javascript"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(report.Findings), 3)

	assert.Equal(t, models.SeverityError, report.Findings[0].Severity)
	assert.Equal(t, 3, report.Findings[0].Location.Line)
	for i := 1; i < len(report.Findings); i++ {
		assert.GreaterOrEqual(t, SeverityRank(report.Findings[i-1].Severity), SeverityRank(report.Findings[i].Severity))
	}
}

func TestBuiltinAnalyzer_LongLine(t *testing.T) {
	a := NewBuiltinAnalyzer()

	report, err := a.Analyze(context.Background(), Input{
		Code:     "x = \"" + strings.Repeat("a", 200) + "\"",
		Language: "python",
	})
	require.NoError(t, err)
	assert.Contains(t, ruleIDs(report.Findings), "line-too-long")
}

func TestBuiltinAnalyzer_CancelledContextIsToolFailure(t *testing.T) {
	a := NewBuiltinAnalyzer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Analyze(ctx, Input{Code: "print(1)", Language: "python"})
	assert.ErrorIs(t, err, ErrToolFailure)
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestCommandAnalyzer_ParsesFindings(t *testing.T) {
	sh := requireShell(t)
	// Exit 1 with valid output mirrors linters that signal "findings present".
	script := `echo '{"results":[{"check_id":"no-eval","start":{"line":4,"col":2},"extra":{"message":"eval is bad","severity":"ERROR"}}],"errors":[{"message":"partial parse"}]}'; exit 1`
	a := NewCommandAnalyzer(sh, []string{"-c", script, "sh"})

	report, err := a.Analyze(context.Background(), Input{Code: "eval(x)", Language: "javascript"})
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "no-eval", report.Findings[0].RuleID)
	assert.Equal(t, models.SeverityError, report.Findings[0].Severity)
	assert.Equal(t, 4, report.Findings[0].Location.Line)
	assert.Equal(t, []string{"partial parse"}, report.ToolErrors)
}

func TestCommandAnalyzer_ReceivesSourceFile(t *testing.T) {
	sh := requireShell(t)
	// Echo a finding only if the temp file holds the submitted code.
	script := `if grep -q needle "$1"; then echo '{"results":[{"check_id":"seen","start":{"line":1,"col":1},"extra":{"message":"m","severity":"INFO"}}]}'; else echo '{"results":[]}'; fi`
	a := NewCommandAnalyzer(sh, []string{"-c", script, "sh"})

	report, err := a.Analyze(context.Background(), Input{Code: "the needle is here", Filename: "main.go"})
	require.NoError(t, err)
	assert.Equal(t, []string{"seen"}, ruleIDs(report.Findings))
}

func TestCommandAnalyzer_CollapsesDuplicateFindings(t *testing.T) {
	sh := requireShell(t)
	script := `echo '{"results":[` +
		`{"check_id":"dup","start":{"line":2,"col":5},"extra":{"message":"magic number (3)","severity":"INFO"}},` +
		`{"check_id":"dup","start":{"line":2,"col":9},"extra":{"message":"magic number (4)","severity":"WARNING"}}]}'`
	a := NewCommandAnalyzer(sh, []string{"-c", script, "sh"})

	report, err := a.Analyze(context.Background(), Input{Code: "x = 3 + 4", Language: "python"})
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, models.SeverityWarning, report.Findings[0].Severity)
	assert.Equal(t, 5, report.Findings[0].Location.Column)
}

func TestCommandAnalyzer_ZeroFindingsIsNotFailure(t *testing.T) {
	sh := requireShell(t)
	a := NewCommandAnalyzer(sh, []string{"-c", `echo '{"results":[]}'`, "sh"})

	report, err := a.Analyze(context.Background(), Input{Code: "ok", Language: "go"})
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestCommandAnalyzer_Failures(t *testing.T) {
	sh := requireShell(t)

	tests := []struct {
		name    string
		command string
		args    []string
		timeout time.Duration
		wantMsg string
	}{
		{
			name:    "crash without output",
			command: sh,
			args:    []string{"-c", "echo boom >&2; exit 2", "sh"},
			wantMsg: "tool crashed",
		},
		{
			name:    "unparseable output",
			command: sh,
			args:    []string{"-c", "echo not-json", "sh"},
			wantMsg: "unparseable output",
		},
		{
			name:    "timeout",
			command: sh,
			args:    []string{"-c", "exec sleep 5", "sh"},
			timeout: 100 * time.Millisecond,
			wantMsg: "timed out",
		},
		{
			name:    "missing binary",
			command: "/nonexistent/reviewpipe-linter",
			wantMsg: "tool crashed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}

			a := NewCommandAnalyzer(tt.command, tt.args)
			_, err := a.Analyze(ctx, Input{Code: "print(1)", Language: "python"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrToolFailure)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestNew(t *testing.T) {
	a, err := New(config.StaticConfig{Analyzer: "builtin"})
	require.NoError(t, err)
	assert.Equal(t, "builtin", a.Name())

	a, err = New(config.StaticConfig{Analyzer: "command", Command: "/usr/bin/semgrep"})
	require.NoError(t, err)
	assert.Equal(t, "command:semgrep", a.Name())

	_, err = New(config.StaticConfig{Analyzer: "pylint"})
	assert.Error(t, err)
}
