// Package tools executes the fixed set of data-access operations available
// to the worker stage. Every invocation, successful or not, seals exactly one
// ToolCallRecord with measured latency.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tetradhq/tetrad/internal/storage"
)

// ErrUnknownTool is returned for a tool name outside the fixed set.
var ErrUnknownTool = errors.New("unknown tool")

// Tool names. The set is closed; retries and policy live in the orchestrator.
const (
	ToolFind      = "db.find"
	ToolInsert    = "db.insert"
	ToolAggregate = "db.aggregate"
)

// Store is the persistence surface tools run against.
type Store interface {
	RecentTurns(sessionID string, n int) ([]storage.Turn, error)
	InsertNote(n storage.Note) error
	SessionMetrics(sessionID string) (storage.SessionMetrics, error)
	SaveToolCall(rec storage.ToolCallRecord) error
}

// Result is the uniform success envelope for a tool invocation.
type Result struct {
	Count int
	Data  []map[string]any
}

// Invoker executes tools and seals a record per call.
type Invoker struct {
	store  Store
	logger *slog.Logger
}

// NewInvoker creates an Invoker over the store.
func NewInvoker(store Store) *Invoker {
	return &Invoker{store: store, logger: slog.Default()}
}

// Invoke runs the named tool. The returned record is already sealed and
// persisted; a non-nil error means the call failed and the record carries the
// failure reason. Tool failure never aborts the turn; callers degrade.
func (inv *Invoker) Invoke(ctx context.Context, sessionID, turnID, name string, args map[string]any) (Result, storage.ToolCallRecord, error) {
	start := time.Now()

	result, err := inv.dispatch(ctx, sessionID, name, args)
	latency := float64(time.Since(start).Microseconds()) / 1000

	rec := storage.ToolCallRecord{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		TurnID:      turnID,
		Tool:        name,
		ArgsJSON:    marshalArgs(args),
		OK:          err == nil,
		ResultCount: result.Count,
		LatencyMs:   latency,
		CreatedAt:   time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if saveErr := inv.store.SaveToolCall(rec); saveErr != nil {
		// The record is best-effort observability; losing it must not fail
		// the invocation on top of whatever already happened.
		inv.logger.Warn("failed to persist tool call record", "tool", name, "error", saveErr)
	}

	inv.logger.Debug("tool invoked", "tool", name, "ok", err == nil, "latency_ms", latency)
	return result, rec, err
}

func (inv *Invoker) dispatch(ctx context.Context, sessionID, name string, args map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	switch name {
	case ToolFind:
		return inv.find(sessionID, args)
	case ToolInsert:
		return inv.insert(sessionID, args)
	case ToolAggregate:
		return inv.aggregate(sessionID)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
}

// find returns recent turns of the session as generic documents.
func (inv *Invoker) find(sessionID string, args map[string]any) (Result, error) {
	limit := intArg(args, "limit", 50)
	turns, err := inv.store.RecentTurns(sessionID, limit)
	if err != nil {
		return Result{}, fmt.Errorf("db.find: %w", err)
	}

	data := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		data = append(data, map[string]any{
			"seq":    t.Seq,
			"prompt": t.Prompt,
			"answer": t.Answer,
		})
	}
	return Result{Count: len(data), Data: data}, nil
}

// insert writes a note derived from the subtask.
func (inv *Invoker) insert(sessionID string, args map[string]any) (Result, error) {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return Result{}, fmt.Errorf("db.insert: content is required")
	}
	note := storage.Note{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := inv.store.InsertNote(note); err != nil {
		return Result{}, fmt.Errorf("db.insert: %w", err)
	}
	return Result{Count: 1, Data: []map[string]any{{"id": note.ID}}}, nil
}

// aggregate computes the per-session rollups.
func (inv *Invoker) aggregate(sessionID string) (Result, error) {
	m, err := inv.store.SessionMetrics(sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("db.aggregate: %w", err)
	}
	doc := map[string]any{
		"totalRequests":  m.TotalRequests,
		"erroredTurns":   m.ErroredTurns,
		"totalToolCalls": m.TotalToolCalls,
	}
	if m.AvgTTFTMs != nil {
		doc["avgTtftMs"] = *m.AvgTTFTMs
	}
	if m.AvgTotalMs != nil {
		doc["avgTotalTimeMs"] = *m.AvgTotalMs
	}
	return Result{Count: 1, Data: []map[string]any{doc}}, nil
}

func intArg(args map[string]any, key string, fallback int) int {
	v, ok := args[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
