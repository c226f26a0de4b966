package agent

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when an agent ID does not exist.
var ErrNotFound = errors.New("agent not found")

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	role              TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'idle',
	current_task_id   TEXT NOT NULL DEFAULT '',
	last_heartbeat_at DATETIME,
	updated_at        DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS active_agents (
	agent_id     TEXT PRIMARY KEY,
	activated_at DATETIME NOT NULL
);
`

// SQLiteStore persists agents and the active set in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// ensures the agent tables exist.
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

// Upsert inserts the agent, or refreshes name and role on conflict so
// config edits propagate without erasing runtime state.
func (s *SQLiteStore) Upsert(a *Agent) error {
	if a.Status == "" {
		a.Status = StatusIdle
	}
	a.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, role, status, current_task_id, last_heartbeat_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, updated_at=excluded.updated_at`,
		a.ID, a.Name, a.Role, string(a.Status), a.CurrentTaskID, nullTime(a.LastHeartbeatAt), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// Get retrieves an agent by ID.
func (s *SQLiteStore) Get(id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT * FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// List returns all agents, ordered by ID.
func (s *SQLiteStore) List() ([]*Agent, error) {
	rows, err := s.db.Query(`SELECT * FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetStatus updates the agent's status and current task.
func (s *SQLiteStore) SetStatus(id string, status Status, currentTaskID string) error {
	res, err := s.db.Exec(`
		UPDATE agents SET status=?, current_task_id=?, updated_at=? WHERE id=?`,
		string(status), currentTaskID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordHeartbeat stamps the agent's last heartbeat time.
func (s *SQLiteStore) RecordHeartbeat(id string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE agents SET last_heartbeat_at=?, updated_at=? WHERE id=?`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// LoadActive returns the persisted active-agent set.
func (s *SQLiteStore) LoadActive() ([]string, error) {
	rows, err := s.db.Query(`SELECT agent_id FROM active_agents ORDER BY agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load active set: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddActive persists membership; inserting an existing member is a no-op.
func (s *SQLiteStore) AddActive(id string) error {
	_, err := s.db.Exec(`
		INSERT INTO active_agents (agent_id, activated_at) VALUES (?,?)
		ON CONFLICT(agent_id) DO NOTHING`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add active agent: %w", err)
	}
	return nil
}

// RemoveActive persists removal; removing a non-member is a no-op.
func (s *SQLiteStore) RemoveActive(id string) error {
	if _, err := s.db.Exec(`DELETE FROM active_agents WHERE agent_id=?`, id); err != nil {
		return fmt.Errorf("remove active agent: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(s scanner) (*Agent, error) {
	var a Agent
	var status string
	var lastHeartbeat sql.NullTime

	err := s.Scan(&a.ID, &a.Name, &a.Role, &status, &a.CurrentTaskID, &lastHeartbeat, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if lastHeartbeat.Valid {
		a.LastHeartbeatAt = &lastHeartbeat.Time
	}
	return &a, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
