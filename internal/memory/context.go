package memory

import (
	"fmt"
	"strings"

	"github.com/tetradhq/tetrad/internal/storage"
)

// Preamble is the fixed system text that opens every packed context.
const Preamble = "You are a helpful AI assistant. Answer based on conversation history and the current request."

// ContextBlock is the assembled, budget-constrained input for one turn.
// Fragments appear in fixed order: preamble, summary (when present), retained
// turns oldest to newest, then the current prompt.
type ContextBlock struct {
	Preamble        string
	Summary         string
	Turns           []storage.Turn
	Prompt          string
	EstimatedTokens int
}

// EstimateTokens approximates token count as ceil(len/4). Deliberately not a
// tokenizer: monotonic and cheap, with roughly 10% variance.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// turnFragment is the rendered form of one prior turn inside the context.
func turnFragment(t storage.Turn) string {
	return fmt.Sprintf("USER: %s\nASSISTANT: %s", t.Prompt, t.Answer)
}

// packContext selects which of the candidate turns fit the token budget.
// Candidates must be in chronological order. Turns are dropped oldest-first
// and without gaps: if a turn does not fit, neither does anything older.
// The preamble, summary, and prompt are never dropped.
func packContext(summary string, candidates []storage.Turn, prompt string, budget int) ContextBlock {
	block := ContextBlock{
		Preamble: Preamble,
		Summary:  summary,
		Prompt:   prompt,
	}

	used := EstimateTokens(Preamble) + EstimateTokens(promptFragment(prompt))
	if summary != "" {
		used += EstimateTokens(summaryFragment(summary))
	}

	// Walk newest to oldest; the first turn that would blow the budget
	// excludes itself and everything older.
	keepFrom := len(candidates)
	for i := len(candidates) - 1; i >= 0; i-- {
		cost := EstimateTokens(turnFragment(candidates[i]))
		if used+cost > budget {
			break
		}
		used += cost
		keepFrom = i
	}
	if keepFrom < len(candidates) {
		block.Turns = candidates[keepFrom:]
	}

	block.EstimatedTokens = used
	return block
}

func summaryFragment(summary string) string {
	return "[Session Summary]\n" + summary
}

func promptFragment(prompt string) string {
	return "[Current Request]\nUSER: " + prompt
}

// Render produces the packed context text passed to the stages.
func (b ContextBlock) Render() string {
	parts := []string{b.Preamble}
	if b.Summary != "" {
		parts = append(parts, summaryFragment(b.Summary))
	}
	if len(b.Turns) > 0 {
		var sb strings.Builder
		sb.WriteString("[Recent Conversation]")
		for _, t := range b.Turns {
			sb.WriteString("\n")
			sb.WriteString(turnFragment(t))
		}
		parts = append(parts, sb.String())
	}
	parts = append(parts, promptFragment(b.Prompt))
	return strings.Join(parts, "\n\n")
}
