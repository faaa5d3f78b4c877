package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a turn is re-appended at an existing sequence
// number with different content. Re-appending identical content is a no-op.
var ErrConflict = errors.New("conflicting turn append")

// Turn status values.
const (
	TurnCompleted = "completed"
	TurnErrored   = "errored"
)

// Session is one persistent conversation. Summary, when non-empty, covers
// every turn with Seq <= SummarizedThrough.
type Session struct {
	ID                string
	UserID            string
	Summary           string
	SummarizedThrough int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Turn is one prompt/answer exchange. Turns are append-only and keyed by
// (SessionID, Seq); once written they are never mutated.
type Turn struct {
	ID            string
	SessionID     string
	UserID        string
	Seq           int64
	Prompt        string
	Answer        string
	Suggestions   []string
	Status        string // "completed" or "errored"
	TTFTMs        float64
	TotalMs       float64
	ToolCallCount int
	StageTimings  map[string]float64
	CreatedAt     time.Time
}

// ToolCallRecord is the immutable log entry for one tool invocation. It is
// created and sealed by the invoker regardless of outcome.
type ToolCallRecord struct {
	ID          string
	SessionID   string
	TurnID      string
	Tool        string
	ArgsJSON    string
	OK          bool
	Error       string
	ResultCount int
	LatencyMs   float64
	CreatedAt   time.Time
}

// SessionMetrics aggregates persisted turn and tool-call data for one session.
type SessionMetrics struct {
	SessionID      string
	TotalRequests  int64
	ErroredTurns   int64
	AvgTTFTMs      *float64
	AvgTotalMs     *float64
	TotalToolCalls int64
}

// Vitals holds store-wide totals for the vitals endpoint.
type Vitals struct {
	TotalSessions  int64
	TotalTurns     int64
	TotalToolCalls int64
	AvgTotalMs     *float64
}
