package anthropic

import (
	"fmt"
	"strings"

	"github.com/acehq/ace/outcome"
)

const systemPrompt = `You are a playbook curator. A playbook is a living document of
strategies and lessons for performing a class of tasks. You are given the
current playbook and a batch of recorded task outcomes (successes, failures,
partial results). Revise the playbook so future tasks benefit from what the
outcomes reveal: strengthen strategies that worked, correct or remove
guidance that led to failures, and add lessons the outcomes teach. Preserve
the playbook's structure and voice. Do not invent lessons the outcomes do
not support. If the outcomes reveal nothing actionable, leave the playbook
unchanged.

Respond with a single JSON object and nothing else:
{
  "has_changes": true or false,
  "content": "the full revised playbook (empty string when has_changes is false)",
  "diff_summary": "one or two sentences describing what changed and why"
}`

// buildUserPrompt renders the current playbook and the outcome batch into
// the engine's input
func buildUserPrompt(content string, outcomes []*outcome.Outcome) string {
	var b strings.Builder

	b.WriteString("# Current playbook\n\n")
	if content == "" {
		b.WriteString("(empty - no playbook content yet; write the first version)")
	} else {
		b.WriteString(content)
	}
	b.WriteString("\n\n# Recorded outcomes\n\n")

	for i, o := range outcomes {
		fmt.Fprintf(&b, "## Outcome %d (%s)\n", i+1, o.Status)
		fmt.Fprintf(&b, "Task: %s\n", o.TaskDescription)
		if o.ReasoningTrace != "" {
			fmt.Fprintf(&b, "Reasoning trace:\n%s\n", o.ReasoningTrace)
		}
		if o.Notes != "" {
			fmt.Fprintf(&b, "Notes: %s\n", o.Notes)
		}
		b.WriteString("\n")
	}

	b.WriteString("Revise the playbook based on these outcomes.")
	return b.String()
}
