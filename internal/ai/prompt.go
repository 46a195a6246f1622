package ai

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

// maxPromptFindings bounds how many static findings are quoted back to the model.
const maxPromptFindings = 50

const systemPrompt = `You are a senior code reviewer. Review the submitted code and respond with a single JSON object and nothing else.
The object must have exactly these keys:
{
  "summary": string,
  "best_practices": [{"title": string, "description": string, "severity": "error"|"warning"|"info", "line": number|null, "suggestion": string}],
  "refactoring_suggestions": [{"title": string, "description": string, "before": string, "after": string}],
  "vulnerabilities": [{"title": string, "description": string, "severity": "error"|"warning"|"info", "line": number|null, "suggestion": string}],
  "performance": [{"title": string, "description": string, "severity": "error"|"warning"|"info", "line": number|null, "suggestion": string}],
  "maintainability": {"score": integer 0-100, "issues": [string]},
  "complexity": {"cyclomatic": integer, "cognitive": integer, "lines_of_code": integer, "functions": integer},
  "documentation": {"percentage": integer 0-100, "missing": [string]},
  "testing_recommendations": [string]
}
Use empty arrays when a category has no entries. Do not wrap the JSON in markdown.`

// BuildPrompt renders the system and user messages for a review request.
func BuildPrompt(req models.ReviewRequest) (system, user string) {
	var b strings.Builder

	language := req.Language
	if language == "" {
		language = models.LanguageOther
	}
	fmt.Fprintf(&b, "Language: %s\n", language)
	if req.Filename != "" {
		fmt.Fprintf(&b, "Filename: %s\n", req.Filename)
	}
	if req.Truncated {
		b.WriteString("Note: the code was truncated to fit the input budget; review only what is shown.\n")
	}

	if len(req.StaticFindings) > 0 {
		b.WriteString("\nStatic analysis already reported:\n")
		for i, f := range req.StaticFindings {
			if i == maxPromptFindings {
				fmt.Fprintf(&b, "- ... and %d more\n", len(req.StaticFindings)-maxPromptFindings)
				break
			}
			fmt.Fprintf(&b, "- line %d [%s] %s: %s\n", f.Location.Line, f.Severity, f.RuleID, f.Message)
		}
	}

	b.WriteString("\nCode:\n```")
	b.WriteString(language)
	b.WriteString("\n")
	b.WriteString(req.Code)
	if !strings.HasSuffix(req.Code, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n")

	return systemPrompt, b.String()
}
