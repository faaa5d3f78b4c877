package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tetradhq/tetrad/internal/llm"
	"github.com/tetradhq/tetrad/internal/memory"
	"github.com/tetradhq/tetrad/internal/pipeline"
	"github.com/tetradhq/tetrad/internal/storage"
	"github.com/tetradhq/tetrad/internal/tools"
	"github.com/tetradhq/tetrad/internal/vitals"
)

const testToken = "test-token-12345"

type testStack struct {
	handler http.Handler
	store   *storage.Store
	memory  *memory.Manager
}

func setupStack(t *testing.T) testStack {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	model := llm.NewMock()
	mem := memory.NewManager(store, model, 0, 0)
	machine := pipeline.NewMachine(mem, tools.NewInvoker(store), model, nil)

	handler := NewHandler(Deps{
		Store:   store,
		Machine: machine,
		Vitals:  vitals.NewTracker(),
		Token:   testToken,
	})
	return testStack{handler: handler, store: store, memory: mem}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

type sseEvent struct {
	kind string
	data json.RawMessage
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.kind = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = json.RawMessage(strings.TrimPrefix(line, "data: "))
			}
		}
		if ev.kind != "" {
			events = append(events, ev)
		}
	}
	return events
}

func postChat(t *testing.T, s testStack, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, authReq(http.MethodPost, "/v1/chat/stream", body, testToken))
	return rr
}

func TestChatStreamSSE(t *testing.T) {
	s := setupStack(t)

	rr := postChat(t, s, `{"sessionId":"sess-1","userId":"u1","prompt":"conversation recap please"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := parseSSE(t, rr.Body.String())
	if len(events) == 0 {
		t.Fatal("no SSE events")
	}

	if events[0].kind != "agent" {
		t.Errorf("first event = %q, want agent", events[0].kind)
	}
	var first struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(events[0].data, &first); err != nil || first.Name != "planner" {
		t.Errorf("first agent = %q (%v), want planner", first.Name, err)
	}

	last := events[len(events)-1]
	if last.kind != "done" {
		t.Fatalf("last event = %q, want done", last.kind)
	}
	var done struct {
		FullText    string   `json:"fullText"`
		Suggestions []string `json:"suggestions"`
		Timings     struct {
			TTFTMs  float64 `json:"ttft_ms"`
			TotalMs float64 `json:"total_ms"`
		} `json:"timings"`
	}
	if err := json.Unmarshal(last.data, &done); err != nil {
		t.Fatalf("decoding done payload: %v", err)
	}
	if done.FullText == "" {
		t.Error("done fullText empty")
	}
	if len(done.Suggestions) != 3 {
		t.Errorf("suggestions = %d, want 3", len(done.Suggestions))
	}
	if done.Timings.TotalMs <= 0 {
		t.Errorf("total_ms = %v, want > 0", done.Timings.TotalMs)
	}

	tokens := 0
	for _, ev := range events {
		if ev.kind == "token" {
			tokens++
		}
	}
	if tokens == 0 {
		t.Error("no token events streamed")
	}

	// The turn must be durable once done is emitted.
	turns, err := s.store.ListTurns("sess-1", 0)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 1 || turns[0].Status != storage.TurnCompleted {
		t.Fatalf("persisted turns = %+v, want 1 completed", turns)
	}
}

func TestChatStreamValidation(t *testing.T) {
	s := setupStack(t)

	cases := []string{
		`{"userId":"u1","prompt":"hi"}`,
		`{"sessionId":"s1","prompt":"hi"}`,
		`{"sessionId":"s1","userId":"u1"}`,
		`not json`,
	}
	for _, body := range cases {
		rr := postChat(t, s, body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rr.Code)
		}
		var resp struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding error body: %v", err)
		}
		if resp.Error.Type != "validation_error" {
			t.Errorf("error type = %q, want validation_error", resp.Error.Type)
		}
	}

	// A rejected request must not create the session.
	if _, err := s.store.GetSession("s1"); err == nil {
		t.Error("session created for rejected request")
	}
}

func TestAuth(t *testing.T) {
	s := setupStack(t)

	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/x", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/x", "", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rr.Code)
	}

	// Query fallback for EventSource clients.
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/x?token="+testToken, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("query token: status = %d, want 404", rr.Code)
	}

	// Health stays open.
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rr.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	s := setupStack(t)

	for _, prompt := range []string{"conversation recap please", "conversation status check"} {
		rr := postChat(t, s, `{"sessionId":"sess-api","userId":"u1","prompt":"`+prompt+`"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("chat status = %d", rr.Code)
		}
	}
	s.memory.Wait()

	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/sess-api", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("session status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var sess sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if sess.SessionID != "sess-api" || sess.TurnCount != 2 {
		t.Errorf("session = %+v, want 2 turns", sess)
	}

	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/sess-api/messages?limit=1", "", testToken))
	var msgs []messageResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decoding messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Seq != 1 {
		t.Errorf("messages = %+v, want first turn only", msgs)
	}

	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/suggestions/sess-api", "", testToken))
	var sugg []suggestionSet
	if err := json.Unmarshal(rr.Body.Bytes(), &sugg); err != nil {
		t.Fatalf("decoding suggestions: %v", err)
	}
	if len(sugg) != 2 {
		t.Fatalf("suggestion sets = %d, want 2", len(sugg))
	}
	for _, set := range sugg {
		if len(set.Suggestions) != 3 {
			t.Errorf("seq %d suggestions = %d, want 3", set.Seq, len(set.Suggestions))
		}
	}
}

func TestSessionNotFound(t *testing.T) {
	s := setupStack(t)

	for _, path := range []string{
		"/v1/sessions/ghost",
		"/v1/sessions/ghost/messages",
		"/v1/suggestions/ghost",
		"/v1/metrics/ghost",
	} {
		rr := httptest.NewRecorder()
		s.handler.ServeHTTP(rr, authReq(http.MethodGet, path, "", testToken))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rr.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupStack(t)

	rr := postChat(t, s, `{"sessionId":"sess-m","userId":"u1","prompt":"conversation recap please"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rr.Code)
	}
	s.memory.Wait()

	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/metrics/sess-m", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var m metricsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding metrics: %v", err)
	}
	if m.TotalRequests != 1 || m.ErroredTurns != 0 {
		t.Errorf("metrics = %+v, want 1 completed request", m)
	}
	if m.AvgTotalTimeMs == nil || *m.AvgTotalTimeMs <= 0 {
		t.Errorf("avgTotalTimeMs = %v, want > 0", m.AvgTotalTimeMs)
	}
}

func TestVitalsEndpoint(t *testing.T) {
	s := setupStack(t)

	rr := postChat(t, s, `{"sessionId":"sess-v","userId":"u1","prompt":"conversation recap please"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rr.Code)
	}
	s.memory.Wait()

	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/vitals", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("vitals status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var v vitalsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding vitals: %v", err)
	}
	if v.Totals.Sessions != 1 || v.Totals.Turns != 1 {
		t.Errorf("totals = %+v, want 1 session / 1 turn", v.Totals)
	}
	if v.Process.TurnsStarted != 1 {
		t.Errorf("process turnsStarted = %d, want 1", v.Process.TurnsStarted)
	}
}
