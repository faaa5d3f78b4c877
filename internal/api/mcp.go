package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tetradhq/tetrad/internal/pipeline"
	"github.com/tetradhq/tetrad/internal/storage"
	"github.com/tetradhq/tetrad/internal/stream"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *storage.Store
	Machine Runner
}

// NewMCPServer creates an MCP server exposing the pipeline and session data
// as tools over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tetrad",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("tetrad: multi-stage agent pipeline with session memory."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Run a prompt through the full agent pipeline and return the answer with follow-up suggestions."),
			mcp.WithString("sessionId", mcp.Description("Conversation session to use"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("The user's request"), mcp.Required()),
			mcp.WithString("userId", mcp.Description("User identifier (default \"mcp\")")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("session_history",
			mcp.WithDescription("Return the turns of a session in chronological order."),
			mcp.WithString("sessionId", mcp.Description("Session identifier"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of turns (default 50)")),
		),
		mcpSessionHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("session_metrics",
			mcp.WithDescription("Return aggregate latency and usage metrics for a session."),
			mcp.WithString("sessionId", mcp.Description("Session identifier"), mcp.Required()),
		),
		mcpSessionMetrics(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcpError("sessionId is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		userID := req.GetString("userId", "mcp")

		// MCP callers get the final result only; stream events are drained.
		em := stream.NewEmitter(stream.DefaultBuffer)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for range em.Events() {
			}
		}()

		turn, err := deps.Machine.Run(ctx, pipeline.Request{
			SessionID: sessionID,
			UserID:    userID,
			Prompt:    prompt,
		}, em)
		<-done
		if err != nil {
			return mcpError(fmt.Sprintf("pipeline failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"answer":      turn.Answer,
			"suggestions": turn.Suggestions,
			"seq":         turn.Seq,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcpError("sessionId is required"), nil
		}
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}

		turns, err := deps.Store.ListTurns(sessionID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing turns: %v", err)), nil
		}

		type turnResult struct {
			Seq       int64  `json:"seq"`
			Prompt    string `json:"prompt"`
			Answer    string `json:"answer"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}
		results := make([]turnResult, len(turns))
		for i, t := range turns {
			results[i] = turnResult{
				Seq:       t.Seq,
				Prompt:    t.Prompt,
				Answer:    t.Answer,
				Status:    t.Status,
				CreatedAt: t.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal turns: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionMetrics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcpError("sessionId is required"), nil
		}

		m, err := deps.Store.SessionMetrics(sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("computing metrics: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"session_id":       m.SessionID,
			"total_requests":   m.TotalRequests,
			"errored_turns":    m.ErroredTurns,
			"avg_ttft_ms":      m.AvgTTFTMs,
			"avg_total_ms":     m.AvgTotalMs,
			"total_tool_calls": m.TotalToolCalls,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal metrics: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
