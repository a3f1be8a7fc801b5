package rewriter

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/draftlab/promptloop/types"
)

// metaPromptData feeds the rewrite meta-prompt template.
type metaPromptData struct {
	CurrentPrompt      string
	FeedbackSummary    string
	PerformanceHistory string
	Directives         string
	Guidance           string
}

const generalTemplate = `You are improving a system prompt used to generate text drafts.

Current system prompt:
---
{{.CurrentPrompt}}
---

Recent user feedback on drafts produced with this prompt:
{{.FeedbackSummary}}

Performance history (older to newer): {{.PerformanceHistory}}
{{if .Directives}}
Constraints for the rewritten prompt:
{{.Directives}}
{{end}}
{{.Guidance}}

Respond ONLY with a raw JSON object, no markdown formatting or backticks:
{"content": "the full rewritten system prompt", "reasoning": "why these changes address the feedback"}`

// scenarioTemplates are meta-prompt variants keyed by scenario tag. The
// general template is the fallback.
var scenarioTemplates = map[string]string{
	"support_reply": `You are improving a system prompt that generates customer support email replies.
Support replies must stay empathetic, resolve the customer's actual question, and avoid boilerplate.

Current system prompt:
---
{{.CurrentPrompt}}
---

Recent user feedback on replies produced with this prompt:
{{.FeedbackSummary}}

Performance history (older to newer): {{.PerformanceHistory}}
{{if .Directives}}
Constraints for the rewritten prompt:
{{.Directives}}
{{end}}
{{.Guidance}}

Respond ONLY with a raw JSON object, no markdown formatting or backticks:
{"content": "the full rewritten system prompt", "reasoning": "why these changes address the feedback"}`,

	"sales_outreach": `You are improving a system prompt that generates cold sales outreach emails.
Outreach must be concise, personalized, and end with one clear call to action.

Current system prompt:
---
{{.CurrentPrompt}}
---

Recent user feedback on drafts produced with this prompt:
{{.FeedbackSummary}}

Performance history (older to newer): {{.PerformanceHistory}}
{{if .Directives}}
Constraints for the rewritten prompt:
{{.Directives}}
{{end}}
{{.Guidance}}

Respond ONLY with a raw JSON object, no markdown formatting or backticks:
{"content": "the full rewritten system prompt", "reasoning": "why these changes address the feedback"}`,
}

const conservativeGuidance = `Make a minimal-risk edit: keep the structure and voice of the current prompt,
fixing only what the feedback clearly points at.`

const exploratoryGuidance = `Reimagine the prompt freely: restructure it, change its framing, or take a
different approach entirely if the feedback suggests the current one is not working.`

// buildMetaPrompt renders the scenario template (falling back to the
// general one) with the cycle's context.
func buildMetaPrompt(rctx types.RewriteContext, guidance string) (string, error) {
	text := generalTemplate
	if t, ok := scenarioTemplates[rctx.Scenario]; ok {
		text = t
	}

	tmpl, err := template.New("rewrite").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing meta-prompt template: %w", err)
	}

	var sb strings.Builder
	err = tmpl.Execute(&sb, metaPromptData{
		CurrentPrompt:      rctx.Prompt.Content,
		FeedbackSummary:    summarizeFeedback(rctx.RecentFeedback),
		PerformanceHistory: formatHistory(rctx.PerformanceHistory),
		Directives:         constraintDirectives(rctx.Constraints),
		Guidance:           guidance,
	})
	if err != nil {
		return "", fmt.Errorf("rendering meta-prompt: %w", err)
	}
	return sb.String(), nil
}

// summarizeFeedback renders an action histogram plus the most recent
// free-text reasons.
func summarizeFeedback(items []types.FeedbackItem) string {
	if len(items) == 0 {
		return "No recent feedback."
	}

	hist := types.ActionHistogram(items)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d items: %d accepted, %d rejected, %d edited, %d ignored.\n",
		len(items), hist[types.ActionAccept], hist[types.ActionReject],
		hist[types.ActionEdit], hist[types.ActionIgnore])

	reasons := 0
	for _, item := range items {
		if item.Reason == "" {
			continue
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", item.Action, item.Reason)
		reasons++
		if reasons == 5 {
			break
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatHistory(scores []float64) string {
	if len(scores) == 0 {
		return "none"
	}
	parts := make([]string, len(scores))
	for i, s := range scores {
		parts[i] = fmt.Sprintf("%.2f", s)
	}
	return strings.Join(parts, ", ")
}

// constraintDirectives turns runtime constraints into template directives.
func constraintDirectives(c types.RuntimeConstraints) string {
	var directives []string
	if c.MaxLength > 0 {
		directives = append(directives, fmt.Sprintf("- Generated drafts must stay under %d words.", c.MaxLength))
	}
	if c.Tone != "" {
		directives = append(directives, fmt.Sprintf("- Maintain a %s tone.", c.Tone))
	}
	if c.Urgency != "" {
		directives = append(directives, fmt.Sprintf("- Treat requests with %s urgency.", c.Urgency))
	}
	if c.Audience != "" {
		directives = append(directives, fmt.Sprintf("- Write for %s.", c.Audience))
	}
	return strings.Join(directives, "\n")
}
