package agent

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/openclaw/missiond/notify"
	"github.com/openclaw/missiond/task"
)

type trackerFixture struct {
	store  *SQLiteStore
	tasks  *task.SQLiteStore
	notifs *notify.SQLiteStore
}

func newFixture(t *testing.T) *trackerFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := NewSQLiteStore(filepath.Join(dir, "agents.db"))
	if err != nil {
		t.Fatalf("agent store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tasks, err := task.NewSQLiteStore(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	t.Cleanup(func() { tasks.Close() })

	notifs, err := notify.NewSQLiteStore(filepath.Join(dir, "notifications.db"))
	if err != nil {
		t.Fatalf("notify store: %v", err)
	}
	t.Cleanup(func() { notifs.Close() })

	return &trackerFixture{store: store, tasks: tasks, notifs: notifs}
}

func (f *trackerFixture) tracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(f.store, f.tasks, f.notifs, nil, nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestTracker_ActivateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tr := f.tracker(t)

	var triggers int
	tr.SetActivateHook(func(string) { triggers++ })

	if err := tr.Activate("dexter"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := tr.Activate("dexter"); err != nil {
		t.Fatalf("Activate twice: %v", err)
	}

	members := tr.Members()
	if len(members) != 1 || members[0] != "dexter" {
		t.Errorf("Members = %v, want exactly [dexter]", members)
	}
	if triggers != 1 {
		t.Errorf("activate hook fired %d times, want 1 (only on new membership)", triggers)
	}
}

func TestTracker_DeactivateRefusesWithWork(t *testing.T) {
	f := newFixture(t)
	tr := f.tracker(t)

	if _, err := f.tasks.Create(&task.Task{Title: "open", AssigneeIDs: []string{"blossom"}}); err != nil {
		t.Fatalf("Create task: %v", err)
	}
	if err := tr.Activate("blossom"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := tr.Deactivate("blossom"); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("Deactivate with work err = %v, want ErrAgentBusy", err)
	}
	if !tr.IsActive("blossom") {
		t.Error("agent removed from active set despite having work")
	}
}

func TestTracker_DeactivateRefusesWithPendingNotification(t *testing.T) {
	f := newFixture(t)
	tr := f.tracker(t)

	if err := tr.Activate("courage"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := f.notifs.Create(&notify.Notification{MentionedAgentID: "courage", Content: "@courage hello"}); err != nil {
		t.Fatalf("Create notification: %v", err)
	}

	if err := tr.Deactivate("courage"); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("Deactivate with pending notification err = %v, want ErrAgentBusy", err)
	}

	if _, err := f.notifs.Take("courage"); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := tr.Deactivate("courage"); err != nil {
		t.Fatalf("Deactivate after delivery: %v", err)
	}
	if tr.IsActive("courage") {
		t.Error("agent still active after valid deactivation")
	}
}

func TestTracker_AssignmentHooksDriveMembership(t *testing.T) {
	f := newFixture(t)
	tr := f.tracker(t)

	// The hook wiring used by the daemon: assignment activates, losing
	// an assignment winds the agent down unless it is still busy.
	f.tasks.SetHooks(task.Hooks{
		Assigned: func(agentID string) {
			if err := tr.Activate(agentID); err != nil {
				t.Errorf("Activate %s: %v", agentID, err)
			}
		},
		Unassigned: func(agentID string) {
			if err := tr.Deactivate(agentID); err != nil && !errors.Is(err, ErrAgentBusy) {
				t.Errorf("Deactivate %s: %v", agentID, err)
			}
		},
	})

	tk := &task.Task{Title: "handover", AssigneeIDs: []string{"dexter"}}
	if _, err := f.tasks.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !tr.IsActive("dexter") {
		t.Fatal("assignee not activated on create")
	}

	// Reassigning the task to blossom removes dexter's last reason to
	// stay in the active set.
	tk.AssigneeIDs = []string{"blossom"}
	if err := f.tasks.Update(tk); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.IsActive("dexter") {
		t.Error("dexter still active after losing its only task")
	}
	if !tr.IsActive("blossom") {
		t.Error("blossom not activated on reassignment")
	}

	// Completing the task winds blossom down too.
	tk.Status = task.StatusDone
	if err := f.tasks.Update(tk); err != nil {
		t.Fatalf("Update done: %v", err)
	}
	if tr.IsActive("blossom") {
		t.Error("blossom still active after its only task completed")
	}
}

func TestTracker_DeactivateStampsIdle(t *testing.T) {
	f := newFixture(t)
	tr := f.tracker(t)

	if err := f.store.Upsert(&Agent{ID: "dexter", Name: "Dexter"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tr.Activate("dexter"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := f.store.SetStatus("dexter", StatusActive, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if err := tr.Deactivate("dexter"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	got, err := f.store.Get("dexter")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusIdle {
		t.Errorf("status after deactivation = %s, want idle", got.Status)
	}
}

func TestTracker_DeactivateNonMemberIsNoop(t *testing.T) {
	f := newFixture(t)
	tr := f.tracker(t)
	if err := tr.Deactivate("nobody"); err != nil {
		t.Fatalf("Deactivate non-member: %v", err)
	}
}

func TestTracker_PersistsAcrossRestart(t *testing.T) {
	f := newFixture(t)
	tr := f.tracker(t)

	if err := tr.Activate("dexter"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := tr.Activate("samurai_jack"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// A fresh tracker over the same store resumes the same set.
	tr2 := f.tracker(t)
	members := tr2.Members()
	if len(members) != 2 || members[0] != "dexter" || members[1] != "samurai_jack" {
		t.Errorf("restored Members = %v, want [dexter samurai_jack]", members)
	}
}

func TestTracker_HasActiveWork(t *testing.T) {
	f := newFixture(t)
	tr := f.tracker(t)

	got, err := tr.HasActiveWork("dexter")
	if err != nil {
		t.Fatalf("HasActiveWork: %v", err)
	}
	if got {
		t.Error("HasActiveWork = true with no tasks")
	}

	tk := &task.Task{Title: "work", AssigneeIDs: []string{"dexter"}}
	if _, err := f.tasks.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got, _ = tr.HasActiveWork("dexter"); !got {
		t.Error("HasActiveWork = false with inbox task")
	}

	// Completed tasks do not count as work.
	tk.Status = task.StatusDone
	if err := f.tasks.Update(tk); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got, _ = tr.HasActiveWork("dexter"); got {
		t.Error("HasActiveWork = true after task done")
	}
}
