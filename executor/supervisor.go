package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/openclaw/missiond/activity"
	"github.com/openclaw/missiond/agent"
	"github.com/openclaw/missiond/task"
)

// Supervisor spawns and tracks executions. Dispatch never blocks on
// work completing: outcomes arrive asynchronously and re-enter the
// task store and tracker from the execution's own goroutine.
type Supervisor struct {
	cfg     Config
	tasks   task.Store
	agents  agent.Store
	tracker *agent.Tracker
	work    WorkFunc
	events  activity.Sink
	logger  *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup

	mu    sync.Mutex
	execs map[string]*Execution
}

// New builds a supervisor. The work function is required; events and
// logger default to no-ops.
func New(cfg Config, tasks task.Store, agents agent.Store, tracker *agent.Tracker, work WorkFunc, events activity.Sink, logger *slog.Logger) *Supervisor {
	if events == nil {
		events = activity.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		tasks:   tasks,
		agents:  agents,
		tracker: tracker,
		work:    work,
		events:  events,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		execs:   make(map[string]*Execution),
	}
}

// Dispatch starts executions for the given tasks, up to the agent's
// free concurrency slots, and returns the number started. Tasks that
// are already executing, already done, or blocked past their retry
// budget are skipped; tasks left over when the slots fill out simply
// stay eligible for the next tick.
func (s *Supervisor) Dispatch(agentID string, tasks []*task.Task) int {
	s.purge(time.Now())

	slots := s.cfg.MaxConcurrentTasks - len(s.Running(agentID))
	started := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.Status == task.StatusBlocked && t.RetryCount >= s.cfg.RetryAttempts {
			s.logger.Debug("task exceeded retry budget, skipping", "agent", agentID, "task", t.ID)
			continue
		}
		if s.IsExecuting(t.ID) {
			s.logger.Debug("task already executing", "agent", agentID, "task", t.ID)
			continue
		}
		if started >= slots {
			s.logger.Info("max concurrent tasks reached, leaving remainder for next tick",
				"agent", agentID, "max", s.cfg.MaxConcurrentTasks)
			break
		}
		if s.start(agentID, t) {
			started++
		}
	}
	return started
}

// start marks the task in progress, registers an execution, and spawns
// the work goroutine. Returns false if the store update failed.
func (s *Supervisor) start(agentID string, t *task.Task) bool {
	now := time.Now().UTC()
	t.Status = task.StatusInProgress
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	if err := s.tasks.Update(t); err != nil {
		s.logger.Error("failed to mark task in progress", "agent", agentID, "task", t.ID, "error", err)
		s.events.Record(activity.New(activity.TypeError, agentID, t.ID, fmt.Sprintf("dispatch failed: %v", err)))
		return false
	}

	ex := &Execution{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		AgentID:   agentID,
		StartedAt: now,
		Status:    ExecRunning,
	}
	s.mu.Lock()
	s.execs[ex.ID] = ex
	s.mu.Unlock()

	if err := s.agents.SetStatus(agentID, agent.StatusWorking, t.ID); err != nil {
		s.logger.Warn("failed to mark agent working", "agent", agentID, "error", err)
	}
	s.logger.Info("execution started", "agent", agentID, "task", t.ID, "execution", ex.ID)
	s.events.Record(activity.New(activity.TypeExecutionStarted, agentID, t.ID, "executor spawned: "+t.Title))

	snapshot := *t
	s.wg.Go(func() { s.run(ex, &snapshot) })
	return true
}

// run executes the work function under the task timeout. Termination is
// graceful then forceful: cancellation signals the work first, and if
// it does not return within the grace period the goroutine is abandoned
// and the execution recorded as timed out.
func (s *Supervisor) run(ex *Execution, t *task.Task) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var c panics.Catcher
		var err error
		c.Try(func() { err = s.work(ctx, t, ex.AgentID) })
		if r := c.Recovered(); r != nil {
			err = r.AsError()
		}
		done <- err
	}()

	// The outcome is persisted before the execution leaves ExecRunning:
	// until the store reflects it, the registry must keep guarding the
	// task or a concurrent tick would re-dispatch it mid-write.
	select {
	case err := <-done:
		if err != nil {
			s.handleFailure(ex.AgentID, t.ID, err.Error())
			s.finish(ex, ExecFailed, err.Error())
		} else {
			s.complete(ex.AgentID, t.ID)
			s.finish(ex, ExecCompleted, "success")
		}
	case <-ctx.Done():
		reason := "timeout"
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "cancelled"
		}
		select {
		case <-done:
			// Work noticed cancellation within the grace window.
		case <-time.After(s.cfg.GracePeriod):
			s.logger.Warn("work function ignored cancellation, abandoning",
				"agent", ex.AgentID, "task", ex.TaskID)
		}
		s.handleFailure(ex.AgentID, t.ID, reason)
		s.finish(ex, ExecTimeout, reason)
	}
	s.settle(ex.AgentID)
}

// complete marks the task done and records the outcome.
func (s *Supervisor) complete(agentID, taskID string) {
	cur, err := s.tasks.Get(taskID)
	if err != nil {
		s.logger.Error("completion lost task", "task", taskID, "error", err)
		return
	}
	cur.Status = task.StatusDone
	if err := s.tasks.Update(cur); err != nil {
		s.logger.Error("failed to mark task done", "task", taskID, "error", err)
		s.events.Record(activity.New(activity.TypeError, agentID, taskID, fmt.Sprintf("completion update failed: %v", err)))
		return
	}
	s.logger.Info("task completed", "agent", agentID, "task", taskID)
	s.events.Record(activity.New(activity.TypeExecutionComplete, agentID, taskID, "task completed"))
}

// handleFailure applies the retry-or-block policy: the task returns to
// the inbox while retries remain, and is blocked once the budget is
// exhausted.
func (s *Supervisor) handleFailure(agentID, taskID, reason string) {
	cur, err := s.tasks.Get(taskID)
	if err != nil {
		s.logger.Error("failure handling lost task", "task", taskID, "error", err)
		return
	}
	cur.RetryCount++
	cur.LastError = reason
	if cur.RetryCount < s.cfg.RetryAttempts {
		cur.Status = task.StatusInbox
		s.logger.Info("retrying task", "agent", agentID, "task", taskID,
			"attempt", cur.RetryCount, "of", s.cfg.RetryAttempts, "reason", reason)
	} else {
		cur.Status = task.StatusBlocked
		now := time.Now().UTC()
		cur.FailedAt = &now
		s.logger.Warn("task exceeded retry budget, blocking", "agent", agentID, "task", taskID, "reason", reason)
	}
	if err := s.tasks.Update(cur); err != nil {
		s.logger.Error("failed to record task failure", "task", taskID, "error", err)
		s.events.Record(activity.New(activity.TypeError, agentID, taskID, fmt.Sprintf("failure update failed: %v", err)))
		return
	}

	typ := activity.TypeExecutionFailed
	if reason == "timeout" {
		typ = activity.TypeExecutionTimeout
	}
	s.events.Record(activity.New(typ, agentID, taskID,
		fmt.Sprintf("execution failed (%s), task now %s", reason, cur.Status)))
}

// settle re-evaluates the agent after an outcome: clears the working
// status once nothing is running, and lets the tracker deactivate the
// agent if no work remains.
func (s *Supervisor) settle(agentID string) {
	if len(s.Running(agentID)) == 0 {
		st := agent.StatusIdle
		if s.tracker.IsActive(agentID) {
			st = agent.StatusActive
		}
		if err := s.agents.SetStatus(agentID, st, ""); err != nil {
			s.logger.Warn("failed to clear agent status", "agent", agentID, "error", err)
		}
	}
	if err := s.tracker.Deactivate(agentID); err != nil && !errors.Is(err, agent.ErrAgentBusy) {
		s.logger.Warn("post-execution deactivation failed", "agent", agentID, "error", err)
	}
}

// finish moves the execution record out of the running state.
func (s *Supervisor) finish(ex *Execution, status ExecStatus, info string) {
	now := time.Now().UTC()
	s.mu.Lock()
	ex.Status = status
	ex.ExitInfo = info
	ex.CompletedAt = &now
	s.mu.Unlock()
}

// IsExecuting reports whether a running execution exists for the task.
func (s *Supervisor) IsExecuting(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.execs {
		if ex.TaskID == taskID && ex.Status == ExecRunning {
			return true
		}
	}
	return false
}

// Running returns copies of the agent's running executions.
func (s *Supervisor) Running(agentID string) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, ex := range s.execs {
		if ex.AgentID == agentID && ex.Status == ExecRunning {
			out = append(out, *ex)
		}
	}
	return out
}

// Stats summarizes the retained registry.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, ex := range s.execs {
		switch ex.Status {
		case ExecRunning:
			st.Running++
		case ExecCompleted:
			st.Completed++
		case ExecFailed:
			st.Failed++
		case ExecTimeout:
			st.Timeout++
		}
	}
	return st
}

// purge drops finished executions older than the retention window.
func (s *Supervisor) purge(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ex := range s.execs {
		if ex.Status != ExecRunning && ex.CompletedAt != nil && now.Sub(*ex.CompletedAt) > s.cfg.Retention {
			delete(s.execs, id)
		}
	}
}

// Close cancels all in-flight executions and waits for their goroutines
// to settle outcomes.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}
