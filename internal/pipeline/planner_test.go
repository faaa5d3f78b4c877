package pipeline

import (
	"testing"

	"github.com/tetradhq/tetrad/internal/tools"
)

func TestParsePlan(t *testing.T) {
	raw := "SUBTASKS:\n1. Fetch the order history\n2) Check current status\n- Summarize for the user\n\nDATA_PLAN:\nQuery past messages"
	subtasks, plan := parsePlan(raw)

	want := []string{"Fetch the order history", "Check current status", "Summarize for the user"}
	if !equalStrings(subtasks, want) {
		t.Fatalf("subtasks = %v, want %v", subtasks, want)
	}
	if plan != "Query past messages" {
		t.Fatalf("plan = %q", plan)
	}
}

func TestParsePlanMalformed(t *testing.T) {
	subtasks, plan := parsePlan("I think we should just answer the user directly.")
	if len(subtasks) != 0 || plan != "" {
		t.Fatalf("malformed response parsed as %v / %q", subtasks, plan)
	}
}

func TestFallbackPlan(t *testing.T) {
	got := fallbackPlan("what did I say earlier?")
	if len(got) != 2 {
		t.Fatalf("history prompt fallback = %v, want 2 subtasks", got)
	}
	got = fallbackPlan("hello")
	if len(got) != 1 {
		t.Fatalf("simple prompt fallback = %v, want 1 subtask", got)
	}
}

func TestAnnotatePlans(t *testing.T) {
	out := annotatePlans([]string{"Say hello", "Fetch conversation history"}, "none")
	if out[0].Plan != nil {
		t.Error("subtask without data wording should have no plan")
	}
	if out[1].Plan == nil || out[1].Plan.Tool != tools.ToolFind {
		t.Errorf("history subtask plan = %+v, want %s", out[1].Plan, tools.ToolFind)
	}

	// A data plan that names a need binds to the first subtask.
	out = annotatePlans([]string{"Say hello", "Say goodbye"}, "Query turn history")
	if out[0].Plan == nil {
		t.Error("data plan should annotate the first subtask")
	}
	if out[1].Plan != nil {
		t.Error("data plan should annotate only one subtask")
	}
}

func TestStripListMarker(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1. first", "first", true},
		{"12) twelfth", "twelfth", true},
		{"- dashed", "dashed", true},
		{"no marker here", "", false},
		{"2023 was a year", "", false},
	}
	for _, tc := range cases {
		got, ok := stripListMarker(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("stripListMarker(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
