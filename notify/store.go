package notify

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id                 TEXT PRIMARY KEY,
	mentioned_agent_id TEXT NOT NULL,
	content            TEXT NOT NULL DEFAULT '',
	delivered          INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	delivered_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_notifications_pending
	ON notifications (mentioned_agent_id, delivered);
`

// SQLiteStore persists notifications in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// ensures the notifications table exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new notification and sets its ID and CreatedAt.
func (s *SQLiteStore) Create(n *Notification) (string, error) {
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now().UTC()
	n.Delivered = false
	n.DeliveredAt = nil

	_, err := s.db.Exec(`
		INSERT INTO notifications (id, mentioned_agent_id, content, delivered, created_at, delivered_at)
		VALUES (?,?,?,0,?,NULL)`,
		n.ID, n.MentionedAgentID, n.Content, n.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	return n.ID, nil
}

// Take returns all undelivered notifications for the agent, oldest
// first, and marks them delivered before returning. The select and the
// delivery mark share one transaction so a record is never handed out
// twice.
func (s *SQLiteStore) Take(agentID string) ([]*Notification, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin take: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, mentioned_agent_id, content, delivered, created_at, delivered_at
		FROM notifications
		WHERE mentioned_agent_id = ? AND delivered = 0
		ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	pending, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE notifications SET delivered = 1, delivered_at = ?
		WHERE mentioned_agent_id = ? AND delivered = 0`, now, agentID)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take: %w", err)
	}

	for _, n := range pending {
		n.Delivered = true
		n.DeliveredAt = &now
	}
	return pending, nil
}

// HasPending reports whether any undelivered notification exists for the agent.
func (s *SQLiteStore) HasPending(agentID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(1) FROM notifications
		WHERE mentioned_agent_id = ? AND delivered = 0`, agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pending: %w", err)
	}
	return n > 0, nil
}

// Recent returns the newest notifications for the agent, newest first.
func (s *SQLiteStore) Recent(agentID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, mentioned_agent_id, content, delivered, created_at, delivered_at
		FROM notifications
		WHERE mentioned_agent_id = ?
		ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Notification, error) {
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		var n Notification
		var deliveredAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.MentionedAgentID, &n.Content, &n.Delivered, &n.CreatedAt, &deliveredAt); err != nil {
			return nil, err
		}
		if deliveredAt.Valid {
			n.DeliveredAt = &deliveredAt.Time
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
