package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetOrCreateSession returns the session row, creating it if absent.
func (s *Store) GetOrCreateSession(sessionID, userID string) (Session, error) {
	sess, err := s.GetSession(sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, user_id, summary, summarized_through, created_at, updated_at)
		VALUES (?, ?, '', 0, ?, ?)`,
		sessionID, userID, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return Session{ID: sessionID, UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession returns the session row or ErrNotFound.
func (s *Store) GetSession(sessionID string) (Session, error) {
	var (
		sess                 Session
		createdAt, updatedAt string
	)
	err := s.db.QueryRow(`
		SELECT session_id, user_id, summary, summarized_through, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &sess.UserID, &sess.Summary, &sess.SummarizedThrough, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("querying session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return sess, nil
}

// SetSummary replaces the session summary and records the highest turn
// sequence it covers. The update is skipped if another writer already folded
// further than `through` (compression never moves backwards).
func (s *Store) SetSummary(sessionID, summary string, through int64) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET summary = ?, summarized_through = ?, updated_at = ?
		WHERE session_id = ? AND summarized_through < ?`,
		summary, through, time.Now().UTC().Format(time.RFC3339), sessionID, through)
	if err != nil {
		return fmt.Errorf("updating summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the session is missing or a newer summary is in place.
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// NextSeq returns the sequence number the next turn in the session should use.
func (s *Store) NextSeq(sessionID string) (int64, error) {
	var max int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("querying max seq: %w", err)
	}
	return max + 1, nil
}

// AppendTurn appends a turn to the session log. The idempotency key is
// (SessionID, Seq): re-appending a turn with identical content is a no-op,
// while an append at an occupied sequence with divergent content returns
// ErrConflict.
func (s *Store) AppendTurn(t Turn) error {
	existing, err := s.getTurnBySeq(t.SessionID, t.Seq)
	if err == nil {
		if sameTurnContent(existing, t) {
			return nil
		}
		return fmt.Errorf("%w: session %s seq %d", ErrConflict, t.SessionID, t.Seq)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	suggestions, err := json.Marshal(t.Suggestions)
	if err != nil {
		return fmt.Errorf("marshalling suggestions: %w", err)
	}
	timings, err := json.Marshal(t.StageTimings)
	if err != nil {
		return fmt.Errorf("marshalling stage timings: %w", err)
	}

	status := t.Status
	if status == "" {
		status = TurnCompleted
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO turns (session_id, seq, id, user_id, prompt, answer, suggestions, status,
			ttft_ms, total_ms, tool_call_count, stage_timings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Seq, t.ID, t.UserID, t.Prompt, t.Answer, string(suggestions), status,
		t.TTFTMs, t.TotalMs, t.ToolCallCount, string(timings), createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}

	_, err = s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339), t.SessionID)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

func sameTurnContent(a, b Turn) bool {
	if a.Prompt != b.Prompt || a.Answer != b.Answer || len(a.Suggestions) != len(b.Suggestions) {
		return false
	}
	statusA, statusB := a.Status, b.Status
	if statusA == "" {
		statusA = TurnCompleted
	}
	if statusB == "" {
		statusB = TurnCompleted
	}
	if statusA != statusB {
		return false
	}
	for i := range a.Suggestions {
		if a.Suggestions[i] != b.Suggestions[i] {
			return false
		}
	}
	return true
}

func (s *Store) getTurnBySeq(sessionID string, seq int64) (Turn, error) {
	row := s.db.QueryRow(turnSelect+` WHERE session_id = ? AND seq = ?`, sessionID, seq)
	return scanTurn(row)
}

const turnSelect = `
	SELECT session_id, seq, id, user_id, prompt, answer, suggestions, status,
		ttft_ms, total_ms, tool_call_count, stage_timings, created_at
	FROM turns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (Turn, error) {
	var (
		t                             Turn
		suggestions, timings, created string
	)
	err := row.Scan(&t.SessionID, &t.Seq, &t.ID, &t.UserID, &t.Prompt, &t.Answer,
		&suggestions, &t.Status, &t.TTFTMs, &t.TotalMs, &t.ToolCallCount, &timings, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, ErrNotFound
	}
	if err != nil {
		return Turn{}, fmt.Errorf("scanning turn: %w", err)
	}
	if err := json.Unmarshal([]byte(suggestions), &t.Suggestions); err != nil {
		return Turn{}, fmt.Errorf("parsing suggestions: %w", err)
	}
	if err := json.Unmarshal([]byte(timings), &t.StageTimings); err != nil {
		return Turn{}, fmt.Errorf("parsing stage timings: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return t, nil
}

// ListTurns returns up to limit turns in chronological order, starting from
// the beginning of the log. limit <= 0 means no limit.
func (s *Store) ListTurns(sessionID string, limit int) ([]Turn, error) {
	q := turnSelect + ` WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTurns(q, args...)
}

// RecentTurns returns the last n turns of the session in chronological order.
func (s *Store) RecentTurns(sessionID string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	turns, err := s.queryTurns(turnSelect+` WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnsInSeqRange returns turns with from < seq <= to, in chronological order.
// Used by the summarizer to collect aged turns not yet folded into the summary.
func (s *Store) TurnsInSeqRange(sessionID string, from, to int64) ([]Turn, error) {
	return s.queryTurns(turnSelect+` WHERE session_id = ? AND seq > ? AND seq <= ? ORDER BY seq ASC`,
		sessionID, from, to)
}

func (s *Store) queryTurns(query string, args ...any) ([]Turn, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CountTurns returns the number of turns in the session.
func (s *Store) CountTurns(sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM turns WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// SaveToolCall persists a sealed tool-call record.
func (s *Store) SaveToolCall(rec ToolCallRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	args := rec.ArgsJSON
	if args == "" {
		args = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO tool_calls (id, session_id, turn_id, tool, args, ok, error, result_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.TurnID, rec.Tool, args, boolToInt(rec.OK),
		rec.Error, rec.ResultCount, rec.LatencyMs, createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns the most recent tool-call records for a session,
// newest first.
func (s *Store) ListToolCalls(sessionID string, limit int) ([]ToolCallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, turn_id, tool, args, ok, error, result_count, latency_ms, created_at
		FROM tool_calls WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer rows.Close()

	var recs []ToolCallRecord
	for rows.Next() {
		var (
			rec     ToolCallRecord
			ok      int
			created string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.TurnID, &rec.Tool, &rec.ArgsJSON,
			&ok, &rec.Error, &rec.ResultCount, &rec.LatencyMs, &created); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}
		rec.OK = ok != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SessionMetrics computes per-session aggregates from persisted turns.
// Averages cover completed turns only; errored turns are counted separately.
func (s *Store) SessionMetrics(sessionID string) (SessionMetrics, error) {
	m := SessionMetrics{SessionID: sessionID}

	var avgTTFT, avgTotal sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COUNT(CASE WHEN status = 'errored' THEN 1 END),
			AVG(CASE WHEN status = 'completed' THEN ttft_ms END),
			AVG(CASE WHEN status = 'completed' THEN total_ms END),
			COALESCE(SUM(tool_call_count), 0)
		FROM turns WHERE session_id = ?`, sessionID).
		Scan(&m.TotalRequests, &m.ErroredTurns, &avgTTFT, &avgTotal, &m.TotalToolCalls)
	if err != nil {
		return SessionMetrics{}, fmt.Errorf("aggregating session metrics: %w", err)
	}
	if avgTTFT.Valid {
		m.AvgTTFTMs = &avgTTFT.Float64
	}
	if avgTotal.Valid {
		m.AvgTotalMs = &avgTotal.Float64
	}
	return m, nil
}

// CountSessions returns the total number of sessions.
func (s *Store) CountSessions() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// CountAllTurns returns the total number of turns across all sessions.
func (s *Store) CountAllTurns() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM turns`).Scan(&n)
	return n, err
}

// CountAllToolCalls returns the total number of tool-call records.
func (s *Store) CountAllToolCalls() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tool_calls`).Scan(&n)
	return n, err
}

// AvgTurnTotalMs returns the mean total_ms across all completed turns, or nil
// when no completed turn exists.
func (s *Store) AvgTurnTotalMs() (*float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRow(`SELECT AVG(total_ms) FROM turns WHERE status = 'completed'`).Scan(&avg)
	if err != nil {
		return nil, err
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
