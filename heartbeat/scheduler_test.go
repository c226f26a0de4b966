package heartbeat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/missiond/agent"
	"github.com/openclaw/missiond/executor"
	"github.com/openclaw/missiond/notify"
	"github.com/openclaw/missiond/task"
)

type fixture struct {
	tasks   *task.SQLiteStore
	agents  *agent.SQLiteStore
	notifs  *notify.SQLiteStore
	tracker *agent.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	tasks, err := task.NewSQLiteStore(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	t.Cleanup(func() { tasks.Close() })

	agents, err := agent.NewSQLiteStore(filepath.Join(dir, "agents.db"))
	if err != nil {
		t.Fatalf("agent store: %v", err)
	}
	t.Cleanup(func() { agents.Close() })

	notifs, err := notify.NewSQLiteStore(filepath.Join(dir, "notifications.db"))
	if err != nil {
		t.Fatalf("notify store: %v", err)
	}
	t.Cleanup(func() { notifs.Close() })

	tracker, err := agent.NewTracker(agents, tasks, notifs, nil, nil)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}

	for _, id := range []string{"dexter", "blossom"} {
		if err := agents.Upsert(&agent.Agent{ID: id, Name: id}); err != nil {
			t.Fatalf("seed agent %s: %v", id, err)
		}
	}
	return &fixture{tasks: tasks, agents: agents, notifs: notifs, tracker: tracker}
}

func (f *fixture) scheduler(d Dispatcher) *Scheduler {
	return New(f.agents, f.tasks, f.notifs, f.tracker, d, nil, nil)
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls [][]string
}

func (d *fakeDispatcher) Dispatch(agentID string, tasks []*task.Task) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(tasks))
	for i, tk := range tasks {
		ids[i] = tk.ID
	}
	d.calls = append(d.calls, ids)
	return 0
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduler_TickDispatchesAndAgentWindsDown(t *testing.T) {
	f := newFixture(t)
	sup := executor.New(executor.Config{}, f.tasks, f.agents, f.tracker, func(context.Context, *task.Task, string) error {
		return nil
	}, nil, nil)
	t.Cleanup(sup.Close)
	sched := f.scheduler(sup)

	tk := &task.Task{Title: "ship it", AssigneeIDs: []string{"dexter"}}
	if _, err := f.tasks.Create(tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := sched.OnTick(context.Background(), "dexter"); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	waitFor(t, "task completion", func() bool {
		got, err := f.tasks.Get(tk.ID)
		return err == nil && got.Status == task.StatusDone
	})
	waitFor(t, "agent wind-down", func() bool {
		return !f.tracker.IsActive("dexter")
	})

	a, err := f.agents.Get("dexter")
	if err != nil {
		t.Fatalf("Get agent: %v", err)
	}
	if a.LastHeartbeatAt == nil {
		t.Error("heartbeat not recorded")
	}
}

func TestScheduler_ActivationRunsImmediateCheck(t *testing.T) {
	f := newFixture(t)
	d := &fakeDispatcher{}
	sched := f.scheduler(d)
	f.tracker.SetActivateHook(func(agentID string) {
		if err := sched.OnTick(context.Background(), agentID); err != nil {
			t.Errorf("activation tick: %v", err)
		}
	})

	// No work anywhere, so the immediate check deactivates the agent
	// again within the same call.
	if err := f.tracker.Activate("blossom"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if f.tracker.IsActive("blossom") {
		t.Error("workless agent still active after activation check")
	}
	if d.count() != 0 {
		t.Errorf("dispatcher called %d times with no tasks", d.count())
	}
}

func TestScheduler_DormantAgentIsSkipped(t *testing.T) {
	f := newFixture(t)
	d := &fakeDispatcher{}
	sched := f.scheduler(d)

	if err := sched.OnTick(context.Background(), "dexter"); err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if d.count() != 0 {
		t.Errorf("dispatcher called %d times for dormant agent", d.count())
	}

	a, err := f.agents.Get("dexter")
	if err != nil {
		t.Fatalf("Get agent: %v", err)
	}
	if a.Status != agent.StatusIdle {
		t.Errorf("status = %s, want idle", a.Status)
	}
	if a.LastHeartbeatAt == nil {
		t.Error("skipped tick still records a heartbeat")
	}
}

func TestScheduler_AssignedWorkMakesDormantAgentEligible(t *testing.T) {
	f := newFixture(t)
	d := &fakeDispatcher{}
	sched := f.scheduler(d)

	tk := &task.Task{Title: "review PR", AssigneeIDs: []string{"dexter"}}
	if _, err := f.tasks.Create(tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := sched.OnTick(context.Background(), "dexter"); err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("dispatcher called %d times, want 1", d.count())
	}
	if got := d.calls[0]; len(got) != 1 || got[0] != tk.ID {
		t.Errorf("dispatched %v, want [%s]", got, tk.ID)
	}
}

func TestScheduler_MentionDeliveredAtMostOnce(t *testing.T) {
	f := newFixture(t)
	d := &fakeDispatcher{}
	sched := f.scheduler(d)

	if _, err := f.notifs.Create(&notify.Notification{
		MentionedAgentID: "blossom",
		Content:          "take a look at the deploy logs",
	}); err != nil {
		t.Fatalf("create notification: %v", err)
	}

	// The pending mention alone makes the first tick eligible.
	if err := sched.OnTick(context.Background(), "blossom"); err != nil {
		t.Fatalf("first OnTick: %v", err)
	}
	pending, err := f.notifs.HasPending("blossom")
	if err != nil {
		t.Fatalf("HasPending: %v", err)
	}
	if pending {
		t.Error("mention still pending after delivery")
	}

	// The second tick finds nothing and is skipped.
	if err := sched.OnTick(context.Background(), "blossom"); err != nil {
		t.Fatalf("second OnTick: %v", err)
	}
	a, err := f.agents.Get("blossom")
	if err != nil {
		t.Fatalf("Get agent: %v", err)
	}
	if a.Status != agent.StatusIdle {
		t.Errorf("status after empty tick = %s, want idle", a.Status)
	}
	if d.count() != 0 {
		t.Errorf("dispatcher called %d times, want 0", d.count())
	}
}

func TestScheduler_CancelledContextAbortsTick(t *testing.T) {
	f := newFixture(t)
	sched := f.scheduler(&fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sched.OnTick(ctx, "dexter"); err == nil {
		t.Fatal("OnTick with cancelled context returned nil")
	}
}
