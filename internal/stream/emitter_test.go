package stream

import (
	"testing"
	"time"
)

func TestEmitterPreservesOrder(t *testing.T) {
	e := NewEmitter(16)

	events := []Event{
		Agent("planner"),
		Agent("worker"),
		ToolCallStarted("db.find", nil),
		ToolCallCompleted("db.find", true, 1.2),
		Token("hello "),
		Token("world"),
		Done("hello world", []string{"a", "b", "c"}, Timings{TTFTMs: 5, TotalMs: 9}),
	}
	for _, ev := range events {
		if !e.Emit(ev) {
			t.Fatalf("Emit(%s) dropped with empty queue", ev.Kind)
		}
	}
	e.CloseSend()

	var got []Kind
	for ev := range e.Events() {
		got = append(got, ev.Kind)
	}
	if len(got) != len(events) {
		t.Fatalf("received %d events, want %d", len(got), len(events))
	}
	for i, ev := range events {
		if got[i] != ev.Kind {
			t.Errorf("event %d = %s, want %s", i, got[i], ev.Kind)
		}
	}
}

func TestEmitterDropsTokensWhenFull(t *testing.T) {
	e := NewEmitter(2)

	if !e.Emit(Token("1")) || !e.Emit(Token("2")) {
		t.Fatal("buffered emits should succeed")
	}
	if e.Emit(Token("3")) {
		t.Error("token emit into full queue should drop, not block")
	}
	if e.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", e.Dropped())
	}
}

func TestEmitterTerminalSurvivesFullQueue(t *testing.T) {
	e := NewEmitter(1)
	if !e.Emit(Token("fill")) {
		t.Fatal("buffered emit should succeed")
	}

	delivered := make(chan bool, 1)
	go func() {
		delivered <- e.Emit(Done("answer", []string{"a", "b", "c"}, Timings{}))
		e.CloseSend()
	}()

	var got []Kind
	for ev := range e.Events() {
		got = append(got, ev.Kind)
	}

	select {
	case ok := <-delivered:
		if !ok {
			t.Fatal("terminal emit reported dropped with a live consumer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal emit never completed")
	}
	if len(got) == 0 || got[len(got)-1] != KindDone {
		t.Fatalf("delivered kinds = %v, want trailing done", got)
	}
	if e.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", e.Dropped())
	}
}

func TestEmitterTerminalUnblocksOnCancel(t *testing.T) {
	e := NewEmitter(1)
	e.Emit(Token("fill"))

	delivered := make(chan bool, 1)
	go func() {
		delivered <- e.Emit(Error("internal_error", "boom"))
	}()

	e.Cancel()

	select {
	case ok := <-delivered:
		if ok {
			t.Error("terminal emit after cancel should report dropped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal emit stayed blocked after cancel")
	}
}

func TestEmitterCancelStopsDelivery(t *testing.T) {
	e := NewEmitter(4)
	e.Cancel()

	if e.Emit(Token("late")) {
		t.Error("emit after cancel should report dropped")
	}

	// Double cancel must not panic; CloseSend after cancel must not panic.
	e.Cancel()
	e.CloseSend()
}

func TestEmitterEmitNeverBlocks(t *testing.T) {
	e := NewEmitter(1)
	e.Emit(Token("fill"))

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			e.Emit(Token("x"))
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}
}
