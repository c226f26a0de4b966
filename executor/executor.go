// Package executor supervises isolated task executions: it spawns
// bounded, cancellable units of work and feeds their outcomes back into
// the task store and the activity tracker.
package executor

import (
	"context"
	"time"

	"github.com/openclaw/missiond/task"
)

// ExecStatus is the state of one spawned execution.
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecTimeout   ExecStatus = "timeout"
)

// Execution is one spawned unit of work for one task attempt. Records
// are in-memory only and retained for a bounded window after
// completion; the task store stays authoritative.
type Execution struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	AgentID     string     `json:"agent_id"`
	StartedAt   time.Time  `json:"started_at"`
	Status      ExecStatus `json:"status"`
	ExitInfo    string     `json:"exit_info,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkFunc performs the actual task work. The supervisor only cares
// about the outcome; content production is the caller's business. The
// context is cancelled when the execution times out, and the function
// is expected to return promptly once that happens.
type WorkFunc func(ctx context.Context, t *task.Task, agentID string) error

// Config bounds execution concurrency and lifetime.
type Config struct {
	// MaxConcurrentTasks caps running executions per agent.
	MaxConcurrentTasks int

	// TaskTimeout is the wall-clock limit for one execution.
	TaskTimeout time.Duration

	// RetryAttempts is the retry budget before a task is blocked.
	RetryAttempts int

	// GracePeriod is how long a timed-out work function gets to notice
	// cancellation before the supervisor abandons it.
	GracePeriod time.Duration

	// Retention is how long finished executions stay visible.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 3
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// Stats summarizes the retained execution registry.
type Stats struct {
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Timeout   int `json:"timeout"`
}
