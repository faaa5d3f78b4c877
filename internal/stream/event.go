// Package stream defines the typed events a pipeline run emits and the
// bounded queue that carries them from the orchestrator to the transport.
package stream

// Kind discriminates event payloads. Within a turn, events arrive as: one
// agent event per stage entered, tool_call_started/tool_call_completed pairs
// during worker stages, token events during synthesis, then exactly one
// terminal done or error event.
type Kind string

const (
	KindAgent             Kind = "agent"
	KindToolCallStarted   Kind = "tool_call_started"
	KindToolCallCompleted Kind = "tool_call_completed"
	KindToken             Kind = "token"
	KindDone              Kind = "done"
	KindError             Kind = "error"
)

// Event is one item of the outbound sequence. Data holds the kind's payload
// struct and marshals directly to the wire format.
type Event struct {
	Kind Kind
	Data any
}

// AgentData announces entry into a stage.
type AgentData struct {
	Name string `json:"name"`
}

// ToolCallStartedData precedes a tool invocation.
type ToolCallStartedData struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ToolCallCompletedData follows a tool invocation, success or not.
type ToolCallCompletedData struct {
	Tool      string  `json:"tool"`
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latencyMs"`
}

// TokenData carries one incremental text chunk of the answer.
type TokenData struct {
	Text string `json:"text"`
}

// Timings summarizes turn latency for the terminal event.
type Timings struct {
	TTFTMs  float64 `json:"ttft_ms"`
	TotalMs float64 `json:"total_ms"`
}

// DoneData is the unique terminal success payload.
type DoneData struct {
	FullText    string   `json:"fullText"`
	Suggestions []string `json:"suggestions"`
	Timings     Timings  `json:"timings"`
}

// ErrorData is the terminal failure payload. Kind is a stable error kind
// ("validation_error", "model_error", "conflict_error", "internal_error").
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Constructors keep call sites in the pipeline terse.

func Agent(name string) Event {
	return Event{Kind: KindAgent, Data: AgentData{Name: name}}
}

func ToolCallStarted(tool string, args map[string]any) Event {
	return Event{Kind: KindToolCallStarted, Data: ToolCallStartedData{Tool: tool, Args: args}}
}

func ToolCallCompleted(tool string, ok bool, latencyMs float64) Event {
	return Event{Kind: KindToolCallCompleted, Data: ToolCallCompletedData{Tool: tool, OK: ok, LatencyMs: latencyMs}}
}

func Token(text string) Event {
	return Event{Kind: KindToken, Data: TokenData{Text: text}}
}

func Done(fullText string, suggestions []string, timings Timings) Event {
	return Event{Kind: KindDone, Data: DoneData{FullText: fullText, Suggestions: suggestions, Timings: timings}}
}

func Error(kind, message string) Event {
	return Event{Kind: KindError, Data: ErrorData{Kind: kind, Message: message}}
}
