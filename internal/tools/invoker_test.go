package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/tetradhq/tetrad/internal/storage"
)

// mockStore records saved tool calls and returns injectable results.
type mockStore struct {
	turns      []storage.Turn
	turnsErr   error
	noteErr    error
	metrics    storage.SessionMetrics
	metricsErr error
	saved      []storage.ToolCallRecord
	notes      []storage.Note
}

func (m *mockStore) RecentTurns(sessionID string, n int) ([]storage.Turn, error) {
	return m.turns, m.turnsErr
}

func (m *mockStore) InsertNote(n storage.Note) error {
	if m.noteErr != nil {
		return m.noteErr
	}
	m.notes = append(m.notes, n)
	return nil
}

func (m *mockStore) SessionMetrics(sessionID string) (storage.SessionMetrics, error) {
	return m.metrics, m.metricsErr
}

func (m *mockStore) SaveToolCall(rec storage.ToolCallRecord) error {
	m.saved = append(m.saved, rec)
	return nil
}

func TestInvokeFindSealsRecord(t *testing.T) {
	store := &mockStore{turns: []storage.Turn{
		{Seq: 1, Prompt: "p1", Answer: "a1"},
		{Seq: 2, Prompt: "p2", Answer: "a2"},
	}}
	inv := NewInvoker(store)

	result, rec, err := inv.Invoke(context.Background(), "s1", "t1", ToolFind, map[string]any{"limit": 10})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Count != 2 {
		t.Errorf("Count = %d, want 2", result.Count)
	}
	if !rec.OK || rec.Tool != ToolFind || rec.SessionID != "s1" || rec.TurnID != "t1" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Errorf("record not sealed: %+v", rec)
	}
	if len(store.saved) != 1 {
		t.Fatalf("persisted %d records, want 1", len(store.saved))
	}
}

func TestInvokeFailureStillSealsRecord(t *testing.T) {
	store := &mockStore{turnsErr: errors.New("db down")}
	inv := NewInvoker(store)

	_, rec, err := inv.Invoke(context.Background(), "s1", "t1", ToolFind, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.OK {
		t.Error("record marked ok for failed invocation")
	}
	if rec.Error == "" {
		t.Error("record missing failure reason")
	}
	if len(store.saved) != 1 {
		t.Errorf("persisted %d records, want 1 (failure must still be recorded)", len(store.saved))
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	store := &mockStore{}
	inv := NewInvoker(store)

	_, rec, err := inv.Invoke(context.Background(), "s1", "t1", "db.dropEverything", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
	if rec.OK {
		t.Error("unknown tool record marked ok")
	}
	if len(store.saved) != 1 {
		t.Errorf("unknown tool invocation must still seal a record")
	}
}

func TestInvokeInsert(t *testing.T) {
	store := &mockStore{}
	inv := NewInvoker(store)

	result, _, err := inv.Invoke(context.Background(), "s1", "t1", ToolInsert,
		map[string]any{"content": "user prefers Go"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Count != 1 || len(store.notes) != 1 {
		t.Errorf("insert did not persist exactly one note")
	}
	if store.notes[0].Content != "user prefers Go" {
		t.Errorf("note content = %q", store.notes[0].Content)
	}

	// Missing content is a tool failure, not a panic.
	if _, _, err := inv.Invoke(context.Background(), "s1", "t1", ToolInsert, nil); err == nil {
		t.Error("expected error for missing content")
	}
}

func TestInvokeAggregate(t *testing.T) {
	avg := 42.0
	store := &mockStore{metrics: storage.SessionMetrics{
		TotalRequests: 7, TotalToolCalls: 3, AvgTotalMs: &avg,
	}}
	inv := NewInvoker(store)

	result, rec, err := inv.Invoke(context.Background(), "s1", "t1", ToolAggregate, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Count != 1 {
		t.Fatalf("Count = %d, want 1", result.Count)
	}
	doc := result.Data[0]
	if doc["totalRequests"] != int64(7) {
		t.Errorf("totalRequests = %v", doc["totalRequests"])
	}
	if doc["avgTotalTimeMs"] != 42.0 {
		t.Errorf("avgTotalTimeMs = %v", doc["avgTotalTimeMs"])
	}
	if !rec.OK {
		t.Error("record not ok")
	}
}

func TestInvokeCancelledContext(t *testing.T) {
	store := &mockStore{}
	inv := NewInvoker(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, rec, err := inv.Invoke(ctx, "s1", "t1", ToolFind, nil)
	if err == nil {
		t.Fatal("expected context error")
	}
	if rec.OK {
		t.Error("record marked ok after cancellation")
	}
}
