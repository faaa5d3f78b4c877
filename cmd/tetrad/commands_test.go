package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestClientGetSendsAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/sessions/s1": `{"sessionId":"s1","userId":"u1","turnCount":2}`,
	})

	resp, err := ts.client().get(ctx, "/v1/sessions/s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var session struct {
		SessionID string `json:"sessionId"`
		TurnCount int64  `json:"turnCount"`
	}
	if err := decodeJSON(resp, &session); err != nil {
		t.Fatalf("decodeJSON: %v", err)
	}

	if session.SessionID != "s1" || session.TurnCount != 2 {
		t.Errorf("decoded %+v", session)
	}
	if got := ts.requests[0].Auth; got != "Bearer test-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestDecodeJSONSurfacesServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/v1/metrics/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var out map[string]any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want status and body included", err)
	}
}

func TestStreamChatParsesSSE(t *testing.T) {
	var gotBody string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)
		gotBody = body.String()
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: agent\ndata: {\"name\":\"planner\"}\n\n"))
		w.Write([]byte("event: token\ndata: {\"text\":\"Hello \"}\n\n"))
		w.Write([]byte("event: token\ndata: {\"text\":\"world\"}\n\n"))
		w.Write([]byte("event: done\ndata: {\"fullText\":\"Hello world\",\"suggestions\":[\"a\",\"b\",\"c\"],\"timings\":{\"ttft_ms\":5,\"total_ms\":9}}\n\n"))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "test-token", httpClient: srv.Client()}

	var kinds []string
	var text strings.Builder
	err := client.streamChat(ctx, "s1", "u1", "hi there", func(ev chatEvent) error {
		kinds = append(kinds, ev.kind)
		if ev.kind == "token" {
			var data struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(ev.data, &data); err != nil {
				return err
			}
			text.WriteString(data.Text)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("streamChat: %v", err)
	}

	want := []string{"agent", "token", "token", "done"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
	if text.String() != "Hello world" {
		t.Errorf("streamed text = %q", text.String())
	}

	var req map[string]string
	if err := json.Unmarshal([]byte(gotBody), &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if req["sessionId"] != "s1" || req["userId"] != "u1" || req["prompt"] != "hi there" {
		t.Errorf("request body = %v", req)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestStreamChatNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid token","type":"authentication_error"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "wrong", httpClient: srv.Client()}

	err := client.streamChat(ctx, "s1", "u1", "hi", func(chatEvent) error {
		t.Fatal("handler invoked for error response")
		return nil
	})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want status included", err)
	}
}
