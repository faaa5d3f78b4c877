package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetradhq/tetrad/internal/llm"
	"github.com/tetradhq/tetrad/internal/stream"
)

const (
	answerHeader      = "ANSWER:"
	suggestionsHeader = "SUGGESTIONS:"
	suggestionCount   = 3
)

var defaultSuggestions = []string{
	"Would you like more detail on that?",
	"Should I summarize our conversation so far?",
	"Is there anything else I can help with?",
}

// synthesize makes the single generation call for the turn and streams the
// answer portion of the response as token events while it is still being
// generated. Suggestions are parsed after the stream completes and padded or
// truncated to exactly three.
func (r *runner) synthesize(ctx context.Context, st *State) error {
	r.emit(stream.Agent(StageSynthesizer))

	var as answerStreamer
	err := r.model.Stream(ctx, synthesisPrompt(st), llm.Options{MaxTokens: 800, Temperature: 0.7}, func(tok string) error {
		if out := as.feed(tok); out != "" {
			r.markFirstToken(st)
			r.emit(stream.Token(out))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("synthesizer: %w", err)
	}
	if out := as.finish(); out != "" {
		r.markFirstToken(st)
		r.emit(stream.Token(out))
	}

	answer, suggestions := parseSynthesis(as.raw.String())
	if answer == "" {
		answer = "I could not produce an answer for this request. Please try rephrasing it."
	}
	// Responses without an ANSWER header stream nothing incrementally; the
	// recovered text goes out as one catch-up token.
	if st.FirstTokenAt.IsZero() {
		r.markFirstToken(st)
		r.emit(stream.Token(answer))
	}

	st.Answer = answer
	st.Suggestions = suggestions
	return nil
}

func (r *runner) markFirstToken(st *State) {
	if st.FirstTokenAt.IsZero() {
		st.FirstTokenAt = r.now()
	}
}

func synthesisPrompt(st *State) string {
	var sb strings.Builder
	sb.WriteString("You are a synthesis agent. Compose the final reply to the user.\n\n")
	sb.WriteString("CONVERSATION CONTEXT:\n")
	sb.WriteString(st.Context.Render())
	sb.WriteString("\n\nFINDINGS:\n")
	for _, f := range st.Findings {
		sb.WriteString("- ")
		sb.WriteString(f.Result)
		sb.WriteString("\n")
	}
	if st.CriticFeedback != "" {
		sb.WriteString("\nREVIEW NOTES:\n")
		sb.WriteString(st.CriticFeedback)
		sb.WriteString("\n")
	}
	sb.WriteString("\nRespond in exactly this format:\n")
	sb.WriteString("ANSWER:\n<the reply>\n\n")
	sb.WriteString("SUGGESTIONS:\n1. <follow-up question>\n2. <follow-up question>\n3. <follow-up question>")
	return sb.String()
}

// answerStreamer accumulates the raw model output and exposes the text
// between the ANSWER and SUGGESTIONS headers incrementally. A tail hold-back
// keeps a partially received SUGGESTIONS header from leaking into tokens.
type answerStreamer struct {
	raw     strings.Builder
	emitted int
}

func (a *answerStreamer) feed(chunk string) string {
	a.raw.WriteString(chunk)
	return a.drain(len(suggestionsHeader) + 2)
}

func (a *answerStreamer) finish() string {
	return a.drain(0)
}

func (a *answerStreamer) drain(holdback int) string {
	full := a.raw.String()
	start := strings.Index(full, answerHeader)
	if start < 0 {
		return ""
	}
	region := full[start+len(answerHeader):]
	if end := strings.Index(region, suggestionsHeader); end >= 0 {
		region = region[:end]
		holdback = 0
	}
	limit := len(region) - holdback
	if limit <= a.emitted {
		return ""
	}
	out := region[a.emitted:limit]
	a.emitted = limit
	return out
}

// parseSynthesis splits the raw response into the answer text and exactly
// three suggestions. A missing ANSWER header falls back to treating the text
// before SUGGESTIONS as the answer; missing suggestions are padded from the
// defaults.
func parseSynthesis(raw string) (string, []string) {
	answerPart := raw
	suggestionsPart := ""
	if idx := strings.Index(raw, suggestionsHeader); idx >= 0 {
		answerPart = raw[:idx]
		suggestionsPart = raw[idx+len(suggestionsHeader):]
	}
	if idx := strings.Index(answerPart, answerHeader); idx >= 0 {
		answerPart = answerPart[idx+len(answerHeader):]
	}
	answer := strings.TrimSpace(answerPart)

	var suggestions []string
	for _, line := range strings.Split(suggestionsPart, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if item, ok := stripListMarker(trimmed); ok && item != "" {
			suggestions = append(suggestions, item)
		}
		if len(suggestions) == suggestionCount {
			break
		}
	}
	for i := 0; len(suggestions) < suggestionCount; i++ {
		suggestions = append(suggestions, defaultSuggestions[i%len(defaultSuggestions)])
	}
	return answer, suggestions
}
