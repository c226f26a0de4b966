// Package activity records structured state-transition events.
//
// Every transition in the heartbeat core emits one Event. Delivery is
// observability only: sinks must never fail a tick, so Record has no
// error return and implementations swallow their own write failures.
package activity

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies an event.
type Type string

const (
	TypeTaskCreated       Type = "task_created"
	TypeTaskUpdated       Type = "task_updated"
	TypeTaskReactivated   Type = "task_reactivated"
	TypeAgentActivated    Type = "agent_activated"
	TypeAgentDeactivated  Type = "agent_deactivated"
	TypeHeartbeatOK       Type = "heartbeat_ok"
	TypeHeartbeatSkipped  Type = "heartbeat_skipped"
	TypeMentionDelivered  Type = "mention_delivered"
	TypeExecutionStarted  Type = "execution_started"
	TypeExecutionComplete Type = "execution_completed"
	TypeExecutionFailed   Type = "execution_failed"
	TypeExecutionTimeout  Type = "execution_timeout"
	TypeError             Type = "error"
)

// Event is one structured activity record.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event with a fresh ID and the current time.
func New(t Type, agentID, taskID, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		AgentID:   agentID,
		TaskID:    taskID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives events.
type Sink interface {
	Record(e Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Record(Event) {}

// Func adapts a function to the Sink interface.
type Func func(e Event)

func (f Func) Record(e Event) { f(e) }
