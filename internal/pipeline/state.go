package pipeline

import (
	"time"

	"github.com/tetradhq/tetrad/internal/memory"
	"github.com/tetradhq/tetrad/internal/storage"
)

// Phase names the step the pipeline is currently executing. A turn moves
// Planning -> Working -> Critiquing and from there either retries the
// working phase once or proceeds to Synthesizing and a terminal phase.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseWorking      Phase = "working"
	PhaseCritiquing   Phase = "critiquing"
	PhaseRetrying     Phase = "retrying"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseDone         Phase = "done"
	PhaseErrored      Phase = "errored"
)

// Stage labels used for agent events and stage timing keys.
const (
	StagePlanner     = "planner"
	StageWorker      = "worker"
	StageCritic      = "critic"
	StageSynthesizer = "synthesizer"
)

// MaxRetries bounds how many times the critic may send a turn back to the
// worker before synthesis proceeds with whatever findings exist.
const MaxRetries = 1

// Verdict is the critic's judgment of the worker's output.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// ToolPlan annotates a subtask with the data access it requires.
type ToolPlan struct {
	Tool string
	Args map[string]any
}

// Subtask is one unit of work produced by the planner. Plan is nil when the
// subtask needs no tool access.
type Subtask struct {
	Description string
	Plan        *ToolPlan
}

// Finding is the worker's result for a single subtask.
type Finding struct {
	Task   string
	Result string
	Data   []map[string]any
}

// Request is the input to a single pipeline run. ReceivedAt anchors
// ttft_ms/total_ms at request receipt; when zero the run start is used.
type Request struct {
	SessionID  string
	UserID     string
	Prompt     string
	ReceivedAt time.Time
}

// State carries everything a turn accumulates while moving through the
// stages. It is owned by a single Run call and never shared.
type State struct {
	SessionID string
	UserID    string
	TurnID    string
	Prompt    string

	Context memory.ContextBlock

	Subtasks    []Subtask
	DataPlan    string
	Findings    []Finding
	ToolRecords []storage.ToolCallRecord

	Verdict        Verdict
	CriticFeedback string
	RetryCount     int

	Answer      string
	Suggestions []string

	StageTimings map[string]float64
	StartedAt    time.Time
	FirstTokenAt time.Time
}

func (s *State) recordTiming(stage string, d time.Duration) {
	if s.StageTimings == nil {
		s.StageTimings = make(map[string]float64)
	}
	s.StageTimings[stage] = float64(d.Microseconds()) / 1000.0
}

// failedToolCalls reports how many tool invocations across all worker passes
// did not succeed.
func (s *State) failedToolCalls() int {
	n := 0
	for _, r := range s.ToolRecords {
		if !r.OK {
			n++
		}
	}
	return n
}

// ttftMs is the time-to-first-token, or zero when synthesis never streamed.
func (s *State) ttftMs() float64 {
	if s.FirstTokenAt.IsZero() {
		return 0
	}
	return float64(s.FirstTokenAt.Sub(s.StartedAt).Microseconds()) / 1000.0
}
