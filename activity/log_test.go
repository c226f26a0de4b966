package activity

import (
	"fmt"
	"path/filepath"
	"testing"
)

func newTestLog(t *testing.T, keep int) *Log {
	t.Helper()
	l, err := NewLog(filepath.Join(t.TempDir(), "activities.db"), keep, nil)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLog_RecordAndRecent(t *testing.T) {
	l := newTestLog(t, 0)

	l.Record(New(TypeAgentActivated, "dexter", "", "heartbeats enabled"))
	l.Record(New(TypeExecutionStarted, "dexter", "task-1", "executor spawned"))

	events, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent: got %d events, want 2", len(events))
	}
	if events[0].Type != TypeExecutionStarted {
		t.Errorf("Recent not newest-first: first = %s", events[0].Type)
	}
	if events[1].AgentID != "dexter" || events[1].Message != "heartbeats enabled" {
		t.Errorf("event fields lost: %+v", events[1])
	}
}

func TestLog_TrimsToKeep(t *testing.T) {
	l := newTestLog(t, 5)

	for i := 0; i < 12; i++ {
		l.Record(New(TypeHeartbeatOK, "dexter", "", fmt.Sprintf("tick %d", i)))
	}

	events, err := l.Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("Recent after trim: got %d events, want 5", len(events))
	}
	if events[0].Message != "tick 11" {
		t.Errorf("newest event = %q, want tick 11", events[0].Message)
	}
}
