// Package heartbeat runs the periodic per-agent work check. A tick is
// the only path by which an agent discovers assigned tasks or mentions;
// the scheduler decides whether the tick is worth running at all, hands
// eligible work to a dispatcher, and settles the agent's active state
// afterwards.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/missiond/activity"
	"github.com/openclaw/missiond/agent"
	"github.com/openclaw/missiond/notify"
	"github.com/openclaw/missiond/task"
)

// Dispatcher starts executions for an agent's eligible tasks and
// returns the number started.
type Dispatcher interface {
	Dispatch(agentID string, tasks []*task.Task) int
}

// Scheduler runs heartbeat ticks. Ticks for the same agent are
// serialized; ticks for different agents run independently.
type Scheduler struct {
	agents     agent.Store
	tasks      task.Store
	notifs     notify.Store
	tracker    *agent.Tracker
	dispatcher Dispatcher
	events     activity.Sink
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a scheduler. Events and logger default to no-ops.
func New(agents agent.Store, tasks task.Store, notifs notify.Store, tracker *agent.Tracker, dispatcher Dispatcher, events activity.Sink, logger *slog.Logger) *Scheduler {
	if events == nil {
		events = activity.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		agents:     agents,
		tasks:      tasks,
		notifs:     notifs,
		tracker:    tracker,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (s *Scheduler) tickLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

// OnTick runs one heartbeat check for the agent. A dormant agent with
// no assigned work and no pending mentions is skipped cheaply; an
// eligible agent has its mentions delivered and its active tasks
// handed to the dispatcher. Overlapping ticks for the same agent
// queue behind each other.
func (s *Scheduler) OnTick(ctx context.Context, agentID string) error {
	l := s.tickLock(agentID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	hasWork, err := s.tracker.HasActiveWork(agentID)
	if err != nil {
		// A persistence failure means the eligibility answer is
		// unknown; abort rather than skip an agent that may have work.
		s.events.Record(activity.New(activity.TypeError, agentID, "", fmt.Sprintf("heartbeat aborted: %v", err)))
		return fmt.Errorf("heartbeat %s: %w", agentID, err)
	}
	pending, err := s.notifs.HasPending(agentID)
	if err != nil {
		s.events.Record(activity.New(activity.TypeError, agentID, "", fmt.Sprintf("heartbeat aborted: %v", err)))
		return fmt.Errorf("heartbeat %s: check notifications: %w", agentID, err)
	}

	now := time.Now().UTC()
	if !s.tracker.IsActive(agentID) && !hasWork && !pending {
		if err := s.agents.SetStatus(agentID, agent.StatusIdle, ""); err != nil {
			s.logger.Warn("failed to mark agent idle", "agent", agentID, "error", err)
		}
		if err := s.agents.RecordHeartbeat(agentID, now); err != nil {
			s.logger.Warn("failed to record heartbeat", "agent", agentID, "error", err)
		}
		s.logger.Debug("heartbeat skipped, agent dormant", "agent", agentID)
		s.events.Record(activity.New(activity.TypeHeartbeatSkipped, agentID, "", "no work, no mentions"))
		return nil
	}

	if err := s.agents.SetStatus(agentID, agent.StatusActive, ""); err != nil {
		s.logger.Warn("failed to mark agent active", "agent", agentID, "error", err)
	}
	if err := s.agents.RecordHeartbeat(agentID, now); err != nil {
		s.logger.Warn("failed to record heartbeat", "agent", agentID, "error", err)
	}

	// Mentions first: a mention may be the reason the tick is running.
	delivered := s.deliverMentions(agentID)

	tasks, err := s.tasks.List(task.Filter{Assignee: agentID, Active: true})
	if err != nil {
		s.events.Record(activity.New(activity.TypeError, agentID, "", fmt.Sprintf("heartbeat task query failed: %v", err)))
		s.settle(agentID)
		return fmt.Errorf("heartbeat %s: list tasks: %w", agentID, err)
	}

	if len(tasks) == 0 && delivered == 0 {
		s.events.Record(activity.New(activity.TypeHeartbeatOK, agentID, "", "nothing to do"))
		s.settle(agentID)
		return nil
	}

	started := 0
	if len(tasks) > 0 {
		started = s.dispatcher.Dispatch(agentID, tasks)
	}
	s.logger.Info("heartbeat processed", "agent", agentID,
		"tasks", len(tasks), "started", started, "mentions", delivered)
	s.events.Record(activity.New(activity.TypeHeartbeatOK, agentID, "",
		fmt.Sprintf("%d tasks, %d started, %d mentions", len(tasks), started, delivered)))

	s.settle(agentID)
	return nil
}

// deliverMentions takes the agent's pending notifications. Delivery
// failures are recorded and swallowed so a broken notification store
// never stops task dispatch.
func (s *Scheduler) deliverMentions(agentID string) int {
	mentions, err := s.notifs.Take(agentID)
	if err != nil {
		s.logger.Error("failed to take notifications", "agent", agentID, "error", err)
		s.events.Record(activity.New(activity.TypeError, agentID, "", fmt.Sprintf("notification delivery failed: %v", err)))
		return 0
	}
	for _, m := range mentions {
		s.logger.Info("mention delivered", "agent", agentID, "notification", m.ID)
		s.events.Record(activity.New(activity.TypeMentionDelivered, agentID, "", m.Content))
	}
	return len(mentions)
}

// settle lets the tracker deactivate the agent if nothing is left. Busy
// agents stay active for the next tick.
func (s *Scheduler) settle(agentID string) {
	if err := s.tracker.Deactivate(agentID); err != nil {
		s.logger.Debug("agent stays active", "agent", agentID, "reason", err)
	}
}
