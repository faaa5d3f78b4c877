package storage

import (
	"fmt"
	"time"
)

// Note is a scratch fact written by the db.insert tool during a turn.
type Note struct {
	ID        string
	SessionID string
	Content   string
	CreatedAt time.Time
}

// InsertNote persists a note.
func (s *Store) InsertNote(n Note) error {
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO notes (id, session_id, content, created_at) VALUES (?, ?, ?, ?)`,
		n.ID, n.SessionID, n.Content, createdAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting note: %w", err)
	}
	return nil
}

// ListNotes returns notes for a session in insertion order.
func (s *Store) ListNotes(sessionID string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, session_id, content, created_at FROM notes
		WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var (
			n       Note
			created string
		)
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Content, &created); err != nil {
			return nil, fmt.Errorf("scanning note: %w", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, created)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
