// Package task defines the task model and persistence for agent work items.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusInbox      Status = "inbox"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether the status requires agent attention.
func (s Status) Active() bool {
	switch s {
	case StatusInbox, StatusInProgress, StatusReview, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether the status ends the task's lifecycle.
// Blocked is not terminal: a blocked task can be manually reactivated.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Valid reports whether s is one of the defined statuses. The status
// set is closed: a task outside it would be invisible to both the
// heartbeat filters and the retry machinery.
func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// Priority ranks a task for display and triage.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Task is a unit of work for an agent.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	AssigneeIDs []string   `json:"assignee_ids,omitempty"` // insertion order preserved
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// AssignedTo reports whether the task is assigned to the given agent.
func (t *Task) AssignedTo(agentID string) bool {
	for _, id := range t.AssigneeIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Store persists and retrieves tasks.
//
// Update is an atomic read-modify-write: the store reads the stored
// record, applies the new state, and fires assignment hooks for any
// assignee or terminal-status changes, all under the store's own
// serialization.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	// The task always starts in StatusInbox with a zero retry count.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// Update saves changes to an existing task, refreshing UpdatedAt.
	// A transition into StatusDone stamps CompletedAt. An out-of-enum
	// status or priority is rejected with ErrValidation.
	Update(t *Task) error

	// List returns tasks matching the given filter, ordered by
	// creation time ascending.
	List(filter Filter) ([]*Task, error)

	// Reactivate returns a blocked task to the inbox and resets its
	// retry budget. This is the only path out of blocked.
	Reactivate(id string) (*Task, error)

	// Delete removes a task by ID.
	Delete(id string) error
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status   *Status   `json:"status,omitempty"`
	Active   bool      `json:"active,omitempty"` // any status for which Active() is true
	Assignee string    `json:"assignee,omitempty"`
	Priority *Priority `json:"priority,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Offset   int       `json:"offset,omitempty"`
}

// Hooks receive assignment-change events from the store. Hooks are
// called after the triggering write has been committed. Nil hooks are
// skipped.
type Hooks struct {
	// Assigned fires when an agent gains an assignment that requires
	// attention: a new assignee on an active task, or a terminal task
	// returning to an active status.
	Assigned func(agentID string)

	// Unassigned fires when an agent may have lost its last reason to
	// stay awake: removed from a task, or the task reaching a terminal
	// status. Receivers must re-check for remaining work themselves.
	Unassigned func(agentID string)
}
