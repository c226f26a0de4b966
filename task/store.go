package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	priority     TEXT NOT NULL DEFAULT 'medium',
	assignee_ids TEXT NOT NULL DEFAULT '[]',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME,
	failed_at    DATETIME
);
`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	hooks Hooks
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
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

// SetHooks registers assignment-change hooks. Must be called before the
// store is shared across goroutines.
func (s *SQLiteStore) SetHooks(h Hooks) { s.hooks = h }

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
// The task starts in StatusInbox with a zero retry count regardless of
// the fields on t. Each assignee receives an Assigned hook call.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	if strings.TrimSpace(t.Title) == "" {
		return "", fmt.Errorf("%w: title is required", ErrValidation)
	}
	t.ID = uuid.NewString()
	t.Status = StatusInbox
	t.RetryCount = 0
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !t.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, t.Priority)
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	t.AssigneeIDs = dedupe(t.AssigneeIDs)
	assignees, _ := json.Marshal(t.AssigneeIDs)
	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, title, description, status, priority, assignee_ids, retry_count, last_error,
			 created_at, updated_at, started_at, completed_at, failed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority),
		string(assignees), t.RetryCount, t.LastError,
		t.CreatedAt, t.UpdatedAt,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.FailedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}

	if s.hooks.Assigned != nil {
		for _, id := range t.AssigneeIDs {
			s.hooks.Assigned(id)
		}
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// Update saves changes to an existing task inside a single transaction,
// refreshing UpdatedAt. A transition into StatusDone stamps CompletedAt.
// Assignee additions and removals, and transitions between active and
// terminal statuses, fire the corresponding hooks after commit.
func (s *SQLiteStore) Update(t *Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, t.Priority)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	old, err := scanTask(tx.QueryRow(`SELECT * FROM tasks WHERE id = ?`, t.ID))
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	t.UpdatedAt = time.Now().UTC()
	if t.Status == StatusDone && old.Status != StatusDone && t.CompletedAt == nil {
		now := t.UpdatedAt
		t.CompletedAt = &now
	}
	t.AssigneeIDs = dedupe(t.AssigneeIDs)
	assignees, _ := json.Marshal(t.AssigneeIDs)

	_, err = tx.Exec(`
		UPDATE tasks SET
			title=?, description=?, status=?, priority=?, assignee_ids=?,
			retry_count=?, last_error=?,
			updated_at=?, started_at=?, completed_at=?, failed_at=?
		WHERE id=?`,
		t.Title, t.Description, string(t.Status), string(t.Priority), string(assignees),
		t.RetryCount, t.LastError,
		t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.FailedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}

	s.fireAssignmentHooks(old, t)
	return nil
}

// Reactivate returns a blocked task to the inbox, resetting its retry
// budget so the next eligible heartbeat picks it up again.
func (s *SQLiteStore) Reactivate(id string) (*Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusBlocked {
		return nil, fmt.Errorf("%w: task %s is %s, only blocked tasks can be reactivated", ErrValidation, id, t.Status)
	}
	t.Status = StatusInbox
	t.RetryCount = 0
	t.LastError = ""
	t.FailedAt = nil
	if err := s.Update(t); err != nil {
		return nil, err
	}
	if s.hooks.Assigned != nil {
		for _, agentID := range t.AssigneeIDs {
			s.hooks.Assigned(agentID)
		}
	}
	return t, nil
}

// List returns tasks matching the filter, ordered by creation time ascending.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.Active {
		q.WriteString(" AND status IN (?,?,?,?)")
		args = append(args,
			string(StatusInbox), string(StatusInProgress),
			string(StatusReview), string(StatusBlocked))
	}
	if filter.Priority != nil {
		q.WriteString(" AND priority=?")
		args = append(args, string(*filter.Priority))
	}
	q.WriteString(" ORDER BY created_at ASC")

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		// Assignee membership lives in a JSON column, so it is filtered
		// here rather than in SQL.
		if filter.Assignee != "" && !t.AssignedTo(filter.Assignee) {
			continue
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// Delete removes a task by ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// fireAssignmentHooks compares old and new task state and notifies the
// registered hooks about agents whose workload changed.
func (s *SQLiteStore) fireAssignmentHooks(old, cur *Task) {
	oldSet := make(map[string]bool, len(old.AssigneeIDs))
	for _, id := range old.AssigneeIDs {
		oldSet[id] = true
	}
	curSet := make(map[string]bool, len(cur.AssigneeIDs))
	for _, id := range cur.AssigneeIDs {
		curSet[id] = true
	}

	if s.hooks.Assigned != nil {
		if cur.Status.Active() {
			for _, id := range cur.AssigneeIDs {
				if !oldSet[id] {
					s.hooks.Assigned(id)
				}
			}
		}
		// A terminal task returning to an active status wakes everyone on it.
		if old.Status.Terminal() && cur.Status.Active() {
			for _, id := range cur.AssigneeIDs {
				if oldSet[id] {
					s.hooks.Assigned(id)
				}
			}
		}
	}
	if s.hooks.Unassigned != nil {
		for _, id := range old.AssigneeIDs {
			if !curSet[id] {
				s.hooks.Unassigned(id)
			}
		}
		if !old.Status.Terminal() && cur.Status.Terminal() {
			for _, id := range cur.AssigneeIDs {
				s.hooks.Unassigned(id)
			}
		}
	}
}

// dedupe removes duplicate agent IDs while preserving insertion order.
func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, priority, assigneesJSON string
	var startedAt, completedAt, failedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &status, &priority,
		&assigneesJSON, &t.RetryCount, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt,
		&startedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)
	_ = json.Unmarshal([]byte(assigneesJSON), &t.AssigneeIDs)

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		t.FailedAt = &failedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
