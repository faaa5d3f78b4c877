// Package pipeline runs one chat turn through the four-stage agent sequence:
// planner, worker, critic, synthesizer. The critic may send the turn back to
// the worker once; every run terminates with exactly one done or error event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tetradhq/tetrad/internal/llm"
	"github.com/tetradhq/tetrad/internal/memory"
	"github.com/tetradhq/tetrad/internal/storage"
	"github.com/tetradhq/tetrad/internal/stream"
	"github.com/tetradhq/tetrad/internal/tools"
)

// Stable error kinds carried by terminal error events.
const (
	ErrKindValidation = "validation_error"
	ErrKindModel      = "model_error"
	ErrKindConflict   = "conflict_error"
	ErrKindInternal   = "internal_error"
)

// Memory is the session-state surface the machine needs.
type Memory interface {
	LoadContext(ctx context.Context, sessionID, userID, prompt string) (memory.ContextBlock, error)
	AppendTurn(ctx context.Context, t storage.Turn) (storage.Turn, error)
	MaybeCompress(ctx context.Context, sessionID string)
}

// Invoker executes tool calls on behalf of the worker.
type Invoker interface {
	Invoke(ctx context.Context, sessionID, turnID, name string, args map[string]any) (tools.Result, storage.ToolCallRecord, error)
}

// Machine drives a single turn through the stages. One Machine is shared
// across requests; per-run state lives in State.
type Machine struct {
	memory  Memory
	invoker Invoker
	model   llm.Client
	logger  *slog.Logger
	now     func() time.Time
}

func NewMachine(mem Memory, invoker Invoker, model llm.Client, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		memory:  mem,
		invoker: invoker,
		model:   model,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes one turn, emitting events to out as stages progress. The
// event stream is closed before Run returns; the terminal event is done on
// success and error otherwise. The persisted turn is returned either way
// (errored turns are stored as failure markers so sequence numbers stay
// contiguous).
func (m *Machine) Run(ctx context.Context, req Request, out *stream.Emitter) (storage.Turn, error) {
	run := &runner{Machine: m, out: out}
	return run.run(ctx, req)
}

// runner pairs the shared Machine with one run's emitter. Machine itself
// holds no per-run state, so a single Machine serves concurrent requests.
type runner struct {
	*Machine
	out *stream.Emitter
}

func (r *runner) emit(ev stream.Event) {
	r.out.Emit(ev)
}

func (r *runner) run(ctx context.Context, req Request) (storage.Turn, error) {
	defer r.out.CloseSend()

	startedAt := req.ReceivedAt
	if startedAt.IsZero() {
		startedAt = r.now()
	}
	st := &State{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		TurnID:       uuid.New().String(),
		Prompt:       req.Prompt,
		StartedAt:    startedAt,
		StageTimings: make(map[string]float64),
	}

	block, err := r.memory.LoadContext(ctx, req.SessionID, req.UserID, req.Prompt)
	if err != nil {
		return r.fail(ctx, st, fmt.Errorf("loading context: %w", err))
	}
	st.Context = block

	phase := PhasePlanning
	for {
		switch phase {
		case PhasePlanning:
			if err := r.timed(StagePlanner, st, func() error { return r.plan(ctx, st) }); err != nil {
				return r.fail(ctx, st, err)
			}
			phase = PhaseWorking

		case PhaseWorking:
			if err := r.timed(StageWorker, st, func() error { return r.work(ctx, st) }); err != nil {
				return r.fail(ctx, st, err)
			}
			phase = PhaseCritiquing

		case PhaseCritiquing:
			if err := r.timed(StageCritic, st, func() error { r.critique(st); return nil }); err != nil {
				return r.fail(ctx, st, err)
			}
			if st.Verdict == VerdictFail && st.RetryCount < MaxRetries {
				phase = PhaseRetrying
			} else {
				phase = PhaseSynthesizing
			}

		case PhaseRetrying:
			st.RetryCount++
			r.logger.Debug("retrying worker pass",
				"session_id", st.SessionID,
				"turn_id", st.TurnID,
				"feedback", st.CriticFeedback,
			)
			phase = PhaseWorking

		case PhaseSynthesizing:
			if err := r.timed(StageSynthesizer, st, func() error { return r.synthesize(ctx, st) }); err != nil {
				return r.fail(ctx, st, err)
			}
			phase = PhaseDone

		case PhaseDone:
			return r.finish(ctx, st)
		}
	}
}

func (r *runner) timed(stage string, st *State, fn func() error) error {
	start := r.now()
	err := fn()
	st.recordTiming(stage, r.now().Sub(start))
	return err
}

// finish persists the completed turn, emits the terminal done event, and
// schedules summary compression. Persistence happens first: a done event
// always describes a durable turn.
func (r *runner) finish(ctx context.Context, st *State) (storage.Turn, error) {
	total := float64(r.now().Sub(st.StartedAt).Microseconds()) / 1000.0

	turn := storage.Turn{
		ID:            st.TurnID,
		SessionID:     st.SessionID,
		UserID:        st.UserID,
		Prompt:        st.Prompt,
		Answer:        st.Answer,
		Suggestions:   st.Suggestions,
		Status:        storage.TurnCompleted,
		TTFTMs:        st.ttftMs(),
		TotalMs:       total,
		ToolCallCount: len(st.ToolRecords),
		StageTimings:  st.StageTimings,
	}
	saved, err := r.memory.AppendTurn(ctx, turn)
	if err != nil {
		return r.fail(ctx, st, fmt.Errorf("persisting turn: %w", err))
	}

	r.emit(stream.Done(st.Answer, st.Suggestions, stream.Timings{
		TTFTMs:  st.ttftMs(),
		TotalMs: total,
	}))

	r.memory.MaybeCompress(ctx, st.SessionID)

	r.logger.Info("turn completed",
		"session_id", st.SessionID,
		"turn_id", st.TurnID,
		"seq", saved.Seq,
		"retries", st.RetryCount,
		"tool_calls", len(st.ToolRecords),
		"total_ms", total,
	)
	return saved, nil
}

// fail records a failure-marker turn, emits the terminal error event, and
// returns the original error. The marker keeps the session's sequence
// contiguous and makes the failure visible in metrics.
func (r *runner) fail(ctx context.Context, st *State, err error) (storage.Turn, error) {
	kind := classifyError(err)
	total := float64(r.now().Sub(st.StartedAt).Microseconds()) / 1000.0

	r.logger.Error("turn failed",
		"session_id", st.SessionID,
		"turn_id", st.TurnID,
		"kind", kind,
		"error", err,
	)

	turn := storage.Turn{
		ID:            st.TurnID,
		SessionID:     st.SessionID,
		UserID:        st.UserID,
		Prompt:        st.Prompt,
		Status:        storage.TurnErrored,
		TotalMs:       total,
		ToolCallCount: len(st.ToolRecords),
		StageTimings:  st.StageTimings,
	}
	saved, aerr := r.memory.AppendTurn(ctx, turn)
	if aerr != nil {
		r.logger.Error("persisting failure marker failed",
			"session_id", st.SessionID,
			"turn_id", st.TurnID,
			"error", aerr,
		)
		saved = turn
	}

	r.emit(stream.Error(kind, err.Error()))
	return saved, err
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, llm.ErrModelFailure):
		return ErrKindModel
	case errors.Is(err, storage.ErrConflict):
		return ErrKindConflict
	default:
		return ErrKindInternal
	}
}
