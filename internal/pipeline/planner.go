package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetradhq/tetrad/internal/llm"
	"github.com/tetradhq/tetrad/internal/stream"
	"github.com/tetradhq/tetrad/internal/tools"
)

const maxSubtasks = 3

// historyKeywords mark a subtask as needing access to stored conversation
// data. Matching is case-insensitive substring.
var historyKeywords = []string{
	"history", "conversation", "previous", "earlier", "past",
	"messages", "query", "fetch", "retrieve", "recall",
}

// plan asks the model to decompose the prompt into subtasks plus a data
// access plan, then annotates subtasks that need tool calls. A malformed
// model response falls back to a heuristic decomposition so the turn never
// dies in planning for format reasons alone.
func (r *runner) plan(ctx context.Context, st *State) error {
	r.emit(stream.Agent(StagePlanner))

	raw, err := r.model.Complete(ctx, plannerPrompt(st), llm.Options{MaxTokens: 300, Temperature: 0.2})
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}

	subtasks, dataPlan := parsePlan(raw)
	if len(subtasks) == 0 {
		subtasks = fallbackPlan(st.Prompt)
	}
	if len(subtasks) > maxSubtasks {
		subtasks = subtasks[:maxSubtasks]
	}

	st.DataPlan = dataPlan
	st.Subtasks = annotatePlans(subtasks, dataPlan)
	return nil
}

func plannerPrompt(st *State) string {
	var sb strings.Builder
	sb.WriteString("You are a planning agent. Break the user's request into at most 3 subtasks.\n\n")
	sb.WriteString("CONVERSATION CONTEXT:\n")
	sb.WriteString(st.Context.Render())
	sb.WriteString("\n\nRespond in exactly this format:\n")
	sb.WriteString("SUBTASKS:\n1. <first subtask>\n2. <second subtask>\n\n")
	sb.WriteString("DATA_PLAN:\n<one line describing what stored conversation data is needed, or 'none'>")
	return sb.String()
}

// parsePlan extracts the numbered subtask list and the data plan line from
// the model output. Either section may be absent.
func parsePlan(raw string) ([]string, string) {
	var subtasks []string
	var planLines []string
	section := ""
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "SUBTASKS"):
			section = "subtasks"
			continue
		case strings.HasPrefix(upper, "DATA_PLAN"):
			section = "plan"
			continue
		}
		if trimmed == "" {
			continue
		}
		switch section {
		case "subtasks":
			if item, ok := stripListMarker(trimmed); ok {
				subtasks = append(subtasks, item)
			}
		case "plan":
			planLines = append(planLines, trimmed)
		}
	}
	return subtasks, strings.Join(planLines, " ")
}

// stripListMarker removes a leading "1." / "2)" / "-" marker. Lines without
// a marker are not list items.
func stripListMarker(line string) (string, bool) {
	if strings.HasPrefix(line, "-") {
		return strings.TrimSpace(line[1:]), true
	}
	for i, r := range line {
		if r >= '0' && r <= '9' {
			continue
		}
		if i > 0 && (r == '.' || r == ')') {
			return strings.TrimSpace(line[i+1:]), true
		}
		break
	}
	return "", false
}

// fallbackPlan produces a usable decomposition when the model response could
// not be parsed. Prompts that reference earlier conversation get a history
// lookup subtask.
func fallbackPlan(prompt string) []string {
	if needsHistory(prompt) {
		return []string{
			"Retrieve relevant messages from the conversation history",
			"Answer the current request using the retrieved context",
		}
	}
	return []string{"Address the current request directly"}
}

// annotatePlans attaches a tool plan to subtasks that need stored data. The
// data plan applies when it names a data need; individual subtasks also
// qualify on their own wording.
func annotatePlans(descriptions []string, dataPlan string) []Subtask {
	planWantsData := dataPlan != "" && !strings.EqualFold(strings.TrimSpace(dataPlan), "none") && needsHistory(dataPlan)
	out := make([]Subtask, 0, len(descriptions))
	annotated := false
	for _, desc := range descriptions {
		s := Subtask{Description: desc}
		if needsHistory(desc) || (planWantsData && !annotated) {
			s.Plan = &ToolPlan{
				Tool: tools.ToolFind,
				Args: map[string]any{"limit": 50},
			}
			annotated = true
		}
		out = append(out, s)
	}
	return out
}

func needsHistory(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range historyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
