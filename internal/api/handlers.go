// Package api exposes the service over HTTP (chi router, SSE chat stream,
// read endpoints) and over MCP stdio.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/tetradhq/tetrad/internal/pipeline"
	"github.com/tetradhq/tetrad/internal/storage"
	"github.com/tetradhq/tetrad/internal/stream"
	"github.com/tetradhq/tetrad/internal/vitals"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Runner abstracts the pipeline machine for the API layer.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, out *stream.Emitter) (storage.Turn, error)
}

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Store   *storage.Store
	Machine Runner
	Vitals  *vitals.Tracker
	Token   string
}

// NewHandler builds the full HTTP handler. /health is unauthenticated;
// everything under /v1 requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat/stream", handleChatStream(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Get("/sessions/{id}/messages", handleListMessages(deps))
		r.Get("/suggestions/{id}", handleListSuggestions(deps))
		r.Get("/metrics/{id}", handleSessionMetrics(deps))
		r.Get("/vitals", handleVitals(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DB().PingContext(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

type sessionResponse struct {
	SessionID         string    `json:"sessionId"`
	UserID            string    `json:"userId"`
	Summary           string    `json:"summary,omitempty"`
	SummarizedThrough int64     `json:"summarizedThrough"`
	TurnCount         int64     `json:"turnCount"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, err := deps.Store.GetSession(id)
		if err != nil {
			notFoundOrInternal(w, err, "session %s", id)
			return
		}
		count, err := deps.Store.CountTurns(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting turns: %v", err)
			return
		}
		writeJSON(w, sessionResponse{
			SessionID:         sess.ID,
			UserID:            sess.UserID,
			Summary:           sess.Summary,
			SummarizedThrough: sess.SummarizedThrough,
			TurnCount:         count,
			CreatedAt:         sess.CreatedAt,
			UpdatedAt:         sess.UpdatedAt,
		})
	}
}

type messageResponse struct {
	Seq         int64     `json:"seq"`
	Prompt      string    `json:"prompt"`
	Answer      string    `json:"answer"`
	Suggestions []string  `json:"suggestions"`
	Status      string    `json:"status"`
	TotalMs     float64   `json:"totalMs"`
	CreatedAt   time.Time `json:"createdAt"`
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetSession(id); err != nil {
			notFoundOrInternal(w, err, "session %s", id)
			return
		}

		limit := queryInt(r, "limit", 50)
		turns, err := deps.Store.ListTurns(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing turns: %v", err)
			return
		}

		out := make([]messageResponse, len(turns))
		for i, t := range turns {
			out[i] = messageResponse{
				Seq:         t.Seq,
				Prompt:      t.Prompt,
				Answer:      t.Answer,
				Suggestions: t.Suggestions,
				Status:      t.Status,
				TotalMs:     t.TotalMs,
				CreatedAt:   t.CreatedAt,
			}
		}
		writeJSON(w, out)
	}
}

type suggestionSet struct {
	Seq         int64     `json:"seq"`
	Suggestions []string  `json:"suggestions"`
	CreatedAt   time.Time `json:"createdAt"`
}

func handleListSuggestions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetSession(id); err != nil {
			notFoundOrInternal(w, err, "session %s", id)
			return
		}

		limit := queryInt(r, "limit", 10)
		turns, err := deps.Store.RecentTurns(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing turns: %v", err)
			return
		}

		out := make([]suggestionSet, 0, len(turns))
		for _, t := range turns {
			if t.Status != storage.TurnCompleted {
				continue
			}
			out = append(out, suggestionSet{
				Seq:         t.Seq,
				Suggestions: t.Suggestions,
				CreatedAt:   t.CreatedAt,
			})
		}
		writeJSON(w, out)
	}
}

type metricsResponse struct {
	SessionID      string   `json:"sessionId"`
	TotalRequests  int64    `json:"totalRequests"`
	ErroredTurns   int64    `json:"erroredTurns"`
	AvgTTFTMs      *float64 `json:"avgTtftMs"`
	AvgTotalTimeMs *float64 `json:"avgTotalTimeMs"`
	TotalToolCalls int64    `json:"totalToolCalls"`
}

func handleSessionMetrics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetSession(id); err != nil {
			notFoundOrInternal(w, err, "session %s", id)
			return
		}

		m, err := deps.Store.SessionMetrics(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "computing metrics: %v", err)
			return
		}
		writeJSON(w, metricsResponse{
			SessionID:      m.SessionID,
			TotalRequests:  m.TotalRequests,
			ErroredTurns:   m.ErroredTurns,
			AvgTTFTMs:      m.AvgTTFTMs,
			AvgTotalTimeMs: m.AvgTotalMs,
			TotalToolCalls: m.TotalToolCalls,
		})
	}
}

type vitalsResponse struct {
	Process vitals.Snapshot `json:"process"`
	Totals  struct {
		Sessions   int64    `json:"sessions"`
		Turns      int64    `json:"turns"`
		ToolCalls  int64    `json:"toolCalls"`
		AvgTotalMs *float64 `json:"avgTotalMs"`
	} `json:"totals"`
}

func handleVitals(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp vitalsResponse
		resp.Process = deps.Vitals.Snapshot()

		g, _ := errgroup.WithContext(r.Context())
		g.Go(func() (err error) {
			resp.Totals.Sessions, err = deps.Store.CountSessions()
			return err
		})
		g.Go(func() (err error) {
			resp.Totals.Turns, err = deps.Store.CountAllTurns()
			return err
		})
		g.Go(func() (err error) {
			resp.Totals.ToolCalls, err = deps.Store.CountAllToolCalls()
			return err
		})
		g.Go(func() (err error) {
			resp.Totals.AvgTotalMs, err = deps.Store.AvgTurnTotalMs()
			return err
		})
		if err := g.Wait(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "collecting vitals: %v", err)
			return
		}
		writeJSON(w, resp)
	}
}

func notFoundOrInternal(w http.ResponseWriter, err error, format string, args ...any) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", format+" not found", args...)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
