package service

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/easeaico/adk-repair-agent/internal/memory"
)

// maxObservation bounds verification output quoted back to the model.
const maxObservation = 8000

var promptFuncs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"trim": strings.TrimSpace,
	"tail": tail,
}

var systemPromptTmpl = template.Must(template.New("system").Funcs(promptFuncs).Parse(
	`You have access to a small bank of distilled strategies from prior repair attempts.
Before acting, briefly state whether each retrieved item is relevant to this issue, then continue.
Items marked [failure] describe approaches that did not work; avoid repeating them.
{{- if .Items }}

Retrieved:
{{- range $i, $r := .Items }}

[Memory {{ inc $i }}] [{{ $r.Item.Outcome }}] {{ trim $r.Item.Title }}
{{ trim $r.Item.Content }}
{{- end }}
{{- else }}

(No relevant memory retrieved.)
{{- end }}
`))

var userPromptTmpl = template.Must(template.New("user").Funcs(promptFuncs).Parse(
	`Issue:
{{ trim .Issue }}

Repo summary:
{{ .RepoSummary }}
{{- if .VerifyCommand }}

Verification command:
{{ .VerifyCommand }}
{{- end }}

Task:
Propose a minimal code patch (unified diff) that resolves the issue and makes tests pass.
- Only output the patch, nothing else.
- If the repo needs additional tests or small refactors, include them.
- Keep changes focused.
`))

var refinePromptTmpl = template.Must(template.New("refine").Funcs(promptFuncs).Parse(
	`{{ .Instruction }}

Issue:
{{ trim .Issue }}

Previous patch:
{{ if .PreviousPatch }}{{ .PreviousPatch }}{{ else }}(none){{ end }}

Outcome of the previous round: {{ .Reason }}
{{- if .Observation }}

Observation:
{{ tail .Observation }}
{{- end }}

The workspace will be reset to the original code before your answer is applied,
so return the complete corrected patch, not an incremental one.
`))

// refineInstructions are used for the first and for every later refine round.
var refineInstructions = [2]string{
	`First check: carefully re-examine your previous reasoning and patch.
Verify: (1) failing tests addressed? (2) correct file and function? (3) any syntax issues?
If it is incorrect, propose a corrected patch. Always return a unified diff if any change is needed.`,
	`Follow-up check: one more sweep for consistency and side effects.
If everything is correct, answer 'NO_PATCH_NEEDED'. Otherwise output a unified diff that fixes the remaining issues.`,
}

const extractSuccessPrompt = `You are an expert code maintainer. From this successful attempt,
distill up to 3 short memory items that will help with future, similar issues.

Rules:
- Focus on generalizable strategies, not repo-specific strings.
- Avoid redundancy; be concise and actionable.
- Each item must have a Title, a one-line Description and a Content of 1-3 sentences.

Format strictly:

# Memory Item i
## Title <concise title>
## Description <one sentence>
## Content <1-3 sentences>
`

const extractFailurePrompt = `You are an expert code maintainer. From this failed attempt,
distill up to 3 short memory items on what to avoid and how to recover next time.

Rules:
- Reflect on why it failed: bad test strategy, misread traceback, wrong file.
- Turn mistakes into preventative heuristics.
- Avoid repo-specific strings; keep it general.
- Each item must have a Title, a one-line Description and a Content of 1-3 sentences.

Format strictly:

# Memory Item i
## Title <concise title>
## Description <one sentence>
## Content <1-3 sentences>
`

const extractSystem = "Distill reusable coding strategies as memory."

func buildSystemPrompt(items []memory.RankedResult) string {
	return render(systemPromptTmpl, struct{ Items []memory.RankedResult }{items})
}

func buildUserPrompt(c *AttemptContext) string {
	return render(userPromptTmpl, c)
}

type refineData struct {
	Instruction   string
	Issue         string
	PreviousPatch string
	Reason        string
	Observation   string
}

// buildRefinePrompt asks for a full replacement patch in refine round n (1-based).
func buildRefinePrompt(n int, issue, previousPatch, reason, observation string) string {
	instruction := refineInstructions[0]
	if n > 1 {
		instruction = refineInstructions[1]
	}
	return render(refinePromptTmpl, refineData{
		Instruction:   instruction,
		Issue:         issue,
		PreviousPatch: strings.TrimRight(previousPatch, "\n"),
		Reason:        reason,
		Observation:   observation,
	})
}

func buildExtractPrompt(outcome memory.Outcome, issue, transcript string) string {
	prompt := extractFailurePrompt
	if outcome == memory.OutcomeSuccess {
		prompt = extractSuccessPrompt
	}
	return prompt + "\n\nIssue:\n" + strings.TrimSpace(issue) + "\n\nTrajectory:\n" + transcript
}

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		// Unreachable with the static templates above.
		panic(err)
	}
	return buf.String()
}

// tail keeps the end of s, where test failures usually are.
func tail(s string) string {
	if len(s) <= maxObservation {
		return s
	}
	return "...\n" + s[len(s)-maxObservation:]
}
