package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tetradhq/tetrad/internal/pipeline"
	"github.com/tetradhq/tetrad/internal/stream"
)

type chatRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Prompt    string `json:"prompt"`
}

// handleChatStream runs one turn and streams its events as SSE. The run is
// detached from the request context: a client that disconnects mid-stream
// stops receiving events, but the turn completes and persists normally.
func handleChatStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receivedAt := time.Now()
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, pipeline.ErrKindValidation, "invalid request body: %v", err)
			return
		}
		if req.SessionID == "" || req.UserID == "" || req.Prompt == "" {
			httpError(w, http.StatusBadRequest, pipeline.ErrKindValidation, "sessionId, userId and prompt are required")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		em := stream.NewEmitter(stream.DefaultBuffer)
		deps.Vitals.TurnStarted()

		go func() {
			_, err := deps.Machine.Run(context.WithoutCancel(r.Context()), pipeline.Request{
				SessionID:  req.SessionID,
				UserID:     req.UserID,
				Prompt:     req.Prompt,
				ReceivedAt: receivedAt,
			}, em)
			if err != nil {
				deps.Vitals.TurnErrored()
				return
			}
			deps.Vitals.TurnCompleted()
		}()

		clientGone := r.Context().Done()
		for {
			select {
			case <-clientGone:
				em.Cancel()
				slog.Debug("sse client disconnected", "session_id", req.SessionID)
				return
			case ev, ok := <-em.Events():
				if !ok {
					return
				}
				if ev.Kind == stream.KindToken {
					deps.Vitals.TokensEmitted(1)
				}
				if err := writeSSE(w, ev); err != nil {
					em.Cancel()
					return
				}
				flusher.Flush()
			}
		}
	}
}

// writeSSE frames one event as `event:` + `data:` lines.
func writeSSE(w http.ResponseWriter, ev stream.Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", ev.Kind, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
	return err
}
