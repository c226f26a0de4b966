// Package agent defines the agent roster and the activity tracker that
// decides which agents are eligible for heartbeats.
package agent

import "time"

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusWorking Status = "working"
)

// Agent is a named worker persona from the fixed roster. Agents live
// for the life of the process; only their status oscillates.
type Agent struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Role            string     `json:"role"`
	Status          Status     `json:"status"`
	CurrentTaskID   string     `json:"current_task_id,omitempty"` // set only while working
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Store persists agent records and the active-agent set.
type Store interface {
	// Upsert inserts or refreshes an agent record, preserving its
	// status and heartbeat timestamps if it already exists.
	Upsert(a *Agent) error

	// Get retrieves an agent by ID.
	Get(id string) (*Agent, error)

	// List returns all agents, ordered by ID.
	List() ([]*Agent, error)

	// SetStatus updates the agent's status and current task.
	SetStatus(id string, status Status, currentTaskID string) error

	// RecordHeartbeat stamps the agent's last heartbeat time.
	RecordHeartbeat(id string, at time.Time) error

	ActiveSetStore
}

// ActiveSetStore persists the set of agents eligible to heartbeat, so
// a restart resumes the correct state.
type ActiveSetStore interface {
	LoadActive() ([]string, error)
	AddActive(id string) error
	RemoveActive(id string) error
}
