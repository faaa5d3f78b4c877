// Package memory owns per-session conversational state: the turn log, the
// long-term summary, and the token-budgeted context block handed to the
// pipeline each turn.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetradhq/tetrad/internal/llm"
	"github.com/tetradhq/tetrad/internal/storage"
)

const (
	// DefaultShortTermWindow is K, the number of recent turns kept verbatim.
	DefaultShortTermWindow = 10
	// DefaultTokenBudget bounds the estimated size of a packed context.
	DefaultTokenBudget = 3000
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetOrCreateSession(sessionID, userID string) (storage.Session, error)
	GetSession(sessionID string) (storage.Session, error)
	RecentTurns(sessionID string, n int) ([]storage.Turn, error)
	TurnsInSeqRange(sessionID string, from, to int64) ([]storage.Turn, error)
	AppendTurn(t storage.Turn) error
	NextSeq(sessionID string) (int64, error)
	CountTurns(sessionID string) (int64, error)
	SetSummary(sessionID, summary string, through int64) error
}

// Manager reads and writes session state and assembles context blocks.
// Mutating operations for the same session are serialized through a
// per-session lock; different sessions do not contend.
type Manager struct {
	store  Store
	model  llm.Client
	window int
	budget int
	logger *slog.Logger

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	compressing map[string]bool
	wg          sync.WaitGroup
}

// NewManager creates a Manager. window and budget fall back to the defaults
// when <= 0.
func NewManager(store Store, model llm.Client, window, budget int) *Manager {
	if window <= 0 {
		window = DefaultShortTermWindow
	}
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Manager{
		store:       store,
		model:       model,
		window:      window,
		budget:      budget,
		logger:      slog.Default(),
		locks:       make(map[string]*sync.Mutex),
		compressing: make(map[string]bool),
	}
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// LoadContext assembles the context block for the next turn of the session,
// creating the session if it does not exist yet. The returned block never
// exceeds the token budget (by estimate).
func (m *Manager) LoadContext(ctx context.Context, sessionID, userID, prompt string) (ContextBlock, error) {
	sess, err := m.store.GetOrCreateSession(sessionID, userID)
	if err != nil {
		return ContextBlock{}, fmt.Errorf("loading session: %w", err)
	}

	recent, err := m.store.RecentTurns(sessionID, m.window)
	if err != nil {
		return ContextBlock{}, fmt.Errorf("loading recent turns: %w", err)
	}

	return packContext(sess.Summary, recent, prompt, m.budget), nil
}

// AppendTurn appends the turn to the session log, assigning the next sequence
// number when the turn carries none. Appends for the same session are
// serialized so concurrent turns cannot interleave.
func (m *Manager) AppendTurn(ctx context.Context, t storage.Turn) (storage.Turn, error) {
	l := m.sessionLock(t.SessionID)
	l.Lock()
	defer l.Unlock()

	if t.Seq == 0 {
		seq, err := m.store.NextSeq(t.SessionID)
		if err != nil {
			return t, fmt.Errorf("assigning turn seq: %w", err)
		}
		t.Seq = seq
	}

	if err := m.store.AppendTurn(t); err != nil {
		return t, err
	}
	return t, nil
}

// MaybeCompress checks whether turns have aged out of the short-term window
// without being folded into the summary, and if so kicks off a best-effort
// asynchronous compression. At most one compression per session is in flight;
// failures are logged and never surfaced to the turn.
func (m *Manager) MaybeCompress(ctx context.Context, sessionID string) {
	through, ok := m.compressionDue(sessionID)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.compressing[sessionID] {
		m.mu.Unlock()
		return
	}
	m.compressing[sessionID] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.compressing, sessionID)
			m.mu.Unlock()
		}()
		// Detached from the request context: compression outlives the turn.
		if err := m.compress(context.WithoutCancel(ctx), sessionID, through); err != nil {
			m.logger.Warn("summary compression failed", "session_id", sessionID, "error", err)
		}
	}()
}

// Wait blocks until in-flight compressions finish. Used on shutdown and in tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// compressionDue reports whether aged turns exist beyond the summarized
// boundary, and the sequence the summary should advance to.
func (m *Manager) compressionDue(sessionID string) (int64, bool) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		m.logger.Warn("compression check failed", "session_id", sessionID, "error", err)
		return 0, false
	}
	total, err := m.store.CountTurns(sessionID)
	if err != nil {
		m.logger.Warn("compression check failed", "session_id", sessionID, "error", err)
		return 0, false
	}
	agedThrough := total - int64(m.window)
	if agedThrough <= sess.SummarizedThrough {
		return 0, false
	}
	return agedThrough, true
}

// compress folds turns in (summarizedThrough, through] into the summary.
func (m *Manager) compress(ctx context.Context, sessionID string, through int64) error {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if through <= sess.SummarizedThrough {
		return nil // another writer got there first
	}

	aged, err := m.store.TurnsInSeqRange(sessionID, sess.SummarizedThrough, through)
	if err != nil {
		return fmt.Errorf("loading aged turns: %w", err)
	}
	if len(aged) == 0 {
		return nil
	}

	summary := foldSummary(ctx, m.model, sess.Summary, aged)
	if err := m.store.SetSummary(sessionID, summary, through); err != nil {
		return fmt.Errorf("storing summary: %w", err)
	}

	m.logger.Debug("session summary updated",
		"session_id", sessionID,
		"folded_turns", len(aged),
		"through_seq", through,
	)
	return nil
}

// Window returns the configured short-term window size K.
func (m *Manager) Window() int { return m.window }

// Budget returns the configured token budget.
func (m *Manager) Budget() int { return m.budget }
