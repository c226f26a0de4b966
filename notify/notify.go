// Package notify holds mention notifications addressed to agents.
//
// Producers (chat parsing, dashboards) create records; the heartbeat
// scheduler takes pending records for an agent, which atomically marks
// them delivered so a notification is handed out at most once.
package notify

import "time"

// Notification is a mention addressed to a single agent.
type Notification struct {
	ID               string     `json:"id"`
	MentionedAgentID string     `json:"mentioned_agent_id"`
	Content          string     `json:"content"`
	Delivered        bool       `json:"delivered"`
	CreatedAt        time.Time  `json:"created_at"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
}

// Store persists notifications.
type Store interface {
	// Create persists a new notification and returns its assigned ID.
	Create(n *Notification) (string, error)

	// Take returns all undelivered notifications for the agent and
	// marks them delivered in the same transaction.
	Take(agentID string) ([]*Notification, error)

	// HasPending reports whether any undelivered notification exists
	// for the agent.
	HasPending(agentID string) (bool, error)

	// Recent returns the newest notifications for the agent, delivered
	// or not, newest first.
	Recent(agentID string, limit int) ([]*Notification, error)
}
