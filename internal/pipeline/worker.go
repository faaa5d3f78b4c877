package pipeline

import (
	"context"
	"fmt"

	"github.com/tetradhq/tetrad/internal/stream"
	"github.com/tetradhq/tetrad/internal/tools"
)

// work executes the planned subtasks in order. Subtasks with a tool plan go
// through the invoker and surface tool_call events; the rest complete
// locally. A failed tool call never aborts the pass: the subtask records an
// unavailable result and the critic decides what happens next.
func (r *runner) work(ctx context.Context, st *State) error {
	r.emit(stream.Agent(StageWorker))

	if st.RetryCount > 0 {
		// Retry pass replaces the previous findings but keeps the tool call
		// records so persisted counts cover both passes.
		st.Findings = st.Findings[:0]
	}

	for _, task := range st.Subtasks {
		if task.Plan == nil {
			st.Findings = append(st.Findings, Finding{
				Task:   task.Description,
				Result: "Completed: " + task.Description,
			})
			continue
		}

		r.emit(stream.ToolCallStarted(task.Plan.Tool, task.Plan.Args))
		result, record, err := r.invoker.Invoke(ctx, st.SessionID, st.TurnID, task.Plan.Tool, task.Plan.Args)
		st.ToolRecords = append(st.ToolRecords, record)
		r.emit(stream.ToolCallCompleted(record.Tool, record.OK, record.LatencyMs))

		if err != nil {
			st.Findings = append(st.Findings, Finding{
				Task:   task.Description,
				Result: "Result unavailable: " + task.Description,
			})
			continue
		}
		st.Findings = append(st.Findings, Finding{
			Task:   task.Description,
			Result: describeResult(task.Plan.Tool, result),
			Data:   result.Data,
		})
	}

	if st.RetryCount > 0 {
		st.Findings = append(st.Findings, Finding{
			Task:   "revision",
			Result: "Re-executed subtasks after critic feedback: " + st.CriticFeedback,
		})
	}
	return nil
}

func describeResult(tool string, result tools.Result) string {
	switch tool {
	case tools.ToolFind:
		return fmt.Sprintf("Retrieved %d messages from conversation history", result.Count)
	case tools.ToolInsert:
		return "Stored 1 note for this session"
	case tools.ToolAggregate:
		return fmt.Sprintf("Computed session metrics over %d records", result.Count)
	default:
		return fmt.Sprintf("Tool %s returned %d records", tool, result.Count)
	}
}
