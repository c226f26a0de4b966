package activity

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS activities (
	id        TEXT PRIMARY KEY,
	type      TEXT NOT NULL,
	agent_id  TEXT NOT NULL DEFAULT '',
	task_id   TEXT NOT NULL DEFAULT '',
	message   TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL
);
`

// DefaultKeep is how many recent events the log retains.
const DefaultKeep = 1000

// Log is a SQLite-backed Sink that keeps a bounded window of recent
// events, like the original activity feed.
type Log struct {
	db     *sql.DB
	keep   int
	logger *slog.Logger
}

// NewLog opens (or creates) the activity database at dbPath, retaining
// at most keep events (DefaultKeep if keep <= 0). Write failures are
// logged and dropped, never surfaced to callers.
func NewLog(dbPath string, keep int, logger *slog.Logger) (*Log, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Log{db: db, keep: keep, logger: logger}, nil
}

// Close releases the underlying database connection.
func (l *Log) Close() error { return l.db.Close() }

// Record appends the event and trims the log to its retention window.
func (l *Log) Record(e Event) {
	_, err := l.db.Exec(`
		INSERT INTO activities (id, type, agent_id, task_id, message, timestamp)
		VALUES (?,?,?,?,?,?)`,
		e.ID, string(e.Type), e.AgentID, e.TaskID, e.Message, e.Timestamp,
	)
	if err != nil {
		l.logger.Warn("activity write failed", "type", e.Type, "error", err)
		return
	}
	_, err = l.db.Exec(`
		DELETE FROM activities WHERE rowid NOT IN
			(SELECT rowid FROM activities ORDER BY timestamp DESC, rowid DESC LIMIT ?)`,
		l.keep,
	)
	if err != nil {
		l.logger.Warn("activity trim failed", "error", err)
	}
}

// Recent returns the newest events, newest first.
func (l *Log) Recent(limit int) ([]Event, error) {
	if limit <= 0 || limit > l.keep {
		limit = l.keep
	}
	rows, err := l.db.Query(`
		SELECT id, type, agent_id, task_id, message, timestamp
		FROM activities ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.AgentID, &e.TaskID, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = Type(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
