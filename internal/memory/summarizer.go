package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetradhq/tetrad/internal/llm"
	"github.com/tetradhq/tetrad/internal/storage"
)

// summaryTargetTokens bounds the size of a compressed summary.
const summaryTargetTokens = 500

// foldSummary produces a new summary covering the old summary plus the aged
// turns. The model does the compression; when the call fails, a heuristic
// digest keeps the invariant (summary covers all aged turns) intact.
func foldSummary(ctx context.Context, model llm.Client, oldSummary string, aged []storage.Turn) string {
	prompt := buildFoldPrompt(oldSummary, aged)

	out, err := model.Complete(ctx, prompt, llm.Options{MaxTokens: summaryTargetTokens, Temperature: 0.3})
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			slog.Debug("summary model call failed, using heuristic digest", "error", err)
		}
		out = heuristicSummary(oldSummary, aged)
	}
	return clampSummary(strings.TrimSpace(out))
}

func buildFoldPrompt(oldSummary string, aged []storage.Turn) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation into a short factual summary. ")
	sb.WriteString("Preserve names, preferences, and decisions. Keep it under ")
	fmt.Fprintf(&sb, "%d words.\n\n", summaryTargetTokens/2)

	if oldSummary != "" {
		sb.WriteString("[Existing Summary]\n")
		sb.WriteString(oldSummary)
		sb.WriteString("\n\n")
	}

	sb.WriteString("[Older Turns]\n")
	for _, t := range aged {
		fmt.Fprintf(&sb, "USER: %s\nASSISTANT: %s\n", t.Prompt, t.Answer)
	}
	return sb.String()
}

// heuristicSummary is the degraded path: a structural digest of the aged
// turns appended to whatever summary already existed.
func heuristicSummary(oldSummary string, aged []storage.Turn) string {
	parts := []string{}
	if oldSummary != "" {
		parts = append(parts, oldSummary)
	}
	parts = append(parts, fmt.Sprintf("Earlier conversation: %d exchanges.", len(aged)))
	if len(aged) > 0 {
		parts = append(parts, "First topic: "+truncate(aged[0].Prompt, 100))
		if len(aged) > 1 {
			parts = append(parts, "Most recent topic: "+truncate(aged[len(aged)-1].Prompt, 100))
		}
	}
	return strings.Join(parts, " | ")
}

func clampSummary(s string) string {
	max := summaryTargetTokens * 4
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
