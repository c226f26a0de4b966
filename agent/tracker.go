package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/openclaw/missiond/activity"
	"github.com/openclaw/missiond/notify"
	"github.com/openclaw/missiond/task"
)

// ErrAgentBusy is returned by Deactivate when the agent still has
// active work or undelivered notifications. The membership is left
// untouched rather than silently dropped.
var ErrAgentBusy = errors.New("agent still has active work")

// Tracker owns the active-agent set: the agents whose heartbeat ticks
// run a full work check. Every mutation is persisted before it is
// acknowledged, so a crash never loses a membership change.
type Tracker struct {
	mu      sync.Mutex
	members map[string]struct{}

	store  Store
	tasks  task.Store
	notifs notify.Store
	events activity.Sink
	logger *slog.Logger

	onActivate func(agentID string)
}

// NewTracker builds a tracker, restoring the persisted set.
func NewTracker(store Store, tasks task.Store, notifs notify.Store, events activity.Sink, logger *slog.Logger) (*Tracker, error) {
	if events == nil {
		events = activity.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ids, err := store.LoadActive()
	if err != nil {
		return nil, fmt.Errorf("restore active set: %w", err)
	}
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	return &Tracker{
		members: members,
		store:   store,
		tasks:   tasks,
		notifs:  notifs,
		events:  events,
		logger:  logger,
	}, nil
}

// SetActivateHook registers a callback invoked when an agent becomes
// newly active. Activation is a scheduling event: the hook is expected
// to run an immediate heartbeat check. Must be set during wiring,
// before the tracker is shared.
func (t *Tracker) SetActivateHook(fn func(agentID string)) { t.onActivate = fn }

// HasActiveWork reports whether the task store holds any task assigned
// to the agent in an attention-requiring status. It is always computed
// fresh from the store, never cached.
func (t *Tracker) HasActiveWork(agentID string) (bool, error) {
	tasks, err := t.tasks.List(task.Filter{Assignee: agentID, Active: true, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("check active work for %s: %w", agentID, err)
	}
	return len(tasks) > 0, nil
}

// Activate idempotently adds the agent to the active set. A newly
// activated agent gets one immediate heartbeat check via the activate
// hook; re-activating a member does nothing.
func (t *Tracker) Activate(agentID string) error {
	t.mu.Lock()
	if _, ok := t.members[agentID]; ok {
		t.mu.Unlock()
		return nil
	}
	// Persist before acknowledging, so the set survives a crash
	// between mutation and write.
	if err := t.store.AddActive(agentID); err != nil {
		t.mu.Unlock()
		return err
	}
	t.members[agentID] = struct{}{}
	t.mu.Unlock()

	t.logger.Info("agent activated", "agent", agentID)
	t.events.Record(activity.New(activity.TypeAgentActivated, agentID, "", "heartbeats enabled"))

	if t.onActivate != nil {
		t.onActivate(agentID)
	}
	return nil
}

// Deactivate removes the agent from the active set. It refuses while
// the agent still has active work or pending notifications: the guard
// lives here, not at call sites, so no caller can strand a busy agent.
func (t *Tracker) Deactivate(agentID string) error {
	hasWork, err := t.HasActiveWork(agentID)
	if err != nil {
		return err
	}
	if hasWork {
		return fmt.Errorf("deactivate %s: %w", agentID, ErrAgentBusy)
	}
	pending, err := t.notifs.HasPending(agentID)
	if err != nil {
		return fmt.Errorf("check pending notifications for %s: %w", agentID, err)
	}
	if pending {
		return fmt.Errorf("deactivate %s: %w: undelivered notifications", agentID, ErrAgentBusy)
	}

	t.mu.Lock()
	if _, ok := t.members[agentID]; !ok {
		t.mu.Unlock()
		return nil
	}
	if err := t.store.RemoveActive(agentID); err != nil {
		t.mu.Unlock()
		return err
	}
	delete(t.members, agentID)
	t.mu.Unlock()

	// Leaving the set and going idle are one transition; stamping the
	// status here keeps the stored record from lagging a tick behind.
	if err := t.store.SetStatus(agentID, StatusIdle, ""); err != nil {
		t.logger.Warn("failed to mark agent idle", "agent", agentID, "error", err)
	}

	t.logger.Info("agent deactivated", "agent", agentID)
	t.events.Record(activity.New(activity.TypeAgentDeactivated, agentID, "", "heartbeats paused, no active tasks"))
	return nil
}

// IsActive reports membership in the active set.
func (t *Tracker) IsActive(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[agentID]
	return ok
}

// Members returns the active agent IDs, sorted.
func (t *Tracker) Members() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
