package pipeline

import (
	"fmt"
	"strings"

	"github.com/tetradhq/tetrad/internal/stream"
)

// critique judges the worker's findings with cheap deterministic checks: no
// model call. A fail verdict sends the turn back to the worker when the
// retry budget allows it; otherwise synthesis proceeds with what exists and
// the feedback is surfaced in the synthesis prompt.
func (r *runner) critique(st *State) {
	r.emit(stream.Agent(StageCritic))

	verdict, feedback := judge(st)
	st.Verdict = verdict
	st.CriticFeedback = feedback
}

func judge(st *State) (Verdict, string) {
	if len(st.Findings) == 0 {
		return VerdictFail, "no findings were produced for the request"
	}
	if failed := st.failedToolCalls(); failed > 0 {
		return VerdictFail, fmt.Sprintf("%d tool call(s) failed; results may be incomplete", failed)
	}
	if !relevant(st.Prompt, st.Findings) {
		return VerdictFail, "findings do not appear to address the request"
	}
	return VerdictPass, ""
}

// relevant checks for keyword overlap between the prompt and the combined
// findings text. Up to the first five prompt words count; very short words
// are skipped as noise.
func relevant(prompt string, findings []Finding) bool {
	var combined strings.Builder
	for _, f := range findings {
		combined.WriteString(strings.ToLower(f.Result))
		combined.WriteString(" ")
		for _, doc := range f.Data {
			for _, v := range doc {
				if s, ok := v.(string); ok {
					combined.WriteString(strings.ToLower(s))
					combined.WriteString(" ")
				}
			}
		}
	}
	text := combined.String()

	words := strings.Fields(strings.ToLower(prompt))
	if len(words) > 5 {
		words = words[:5]
	}
	checked := 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?\"'")
		if len(w) < 3 {
			continue
		}
		checked++
		if strings.Contains(text, w) {
			return true
		}
	}
	// A prompt with no usable keywords cannot be judged; let it pass.
	return checked == 0
}
