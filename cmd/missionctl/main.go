// Command missionctl is the mission control CLI. It operates directly
// on the daemon's data directory, so task creation and mentions are
// picked up by the running daemon on its next heartbeat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openclaw/missiond/activity"
	"github.com/openclaw/missiond/agent"
	"github.com/openclaw/missiond/config"
	"github.com/openclaw/missiond/executor"
	"github.com/openclaw/missiond/heartbeat"
	"github.com/openclaw/missiond/internal/version"
	"github.com/openclaw/missiond/notify"
	"github.com/openclaw/missiond/task"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file (optional)")
		dataDir    = flag.String("data", "", "data directory (overrides config)")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cmd := args[0]
	rest := args[1:]

	if cmd == "version" {
		fmt.Printf("missionctl %s (commit %s, built %s)\n",
			version.Version, version.Commit, version.BuildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	c, err := open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer c.close()

	switch cmd {
	case "task":
		err = c.cmdTask(rest)
	case "tasks":
		err = c.cmdTasks(rest)
	case "reactivate":
		err = c.cmdReactivate(rest)
	case "mention":
		err = c.cmdMention(rest)
	case "agents":
		err = c.cmdAgents(rest)
	case "active":
		err = c.cmdActive(rest)
	case "activity":
		err = c.cmdActivity(rest)
	case "stats":
		err = c.cmdStats(rest)
	case "tick":
		err = c.cmdTick(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `missionctl — mission control CLI

Usage:
  missionctl [flags] <command> [args]

Flags:
  --config  <path>  YAML config file
  --data    <dir>   data directory (overrides config)

Commands:
  version                      print version
  task create <title>          create a task (-assign, -priority, -desc)
  task show <id>               print one task
  task status <id> <status>    move a task (in_progress|review|blocked|done|cancelled)
  tasks                        list tasks (-agent, -status, -active)
  reactivate <id>              move a blocked task back to the inbox
  mention <agent> <text>       queue a mention for an agent
  agents                       list the roster with live status
  active                       list the active-agent set
  activity                     show recent activity (-n)
  stats                        show task counts by status
  tick <agent>                 run one heartbeat check (stub executor, marks tasks done)
`)
}

// ctl holds the opened stores for CLI commands.
type ctl struct {
	cfg     *config.Config
	tasks   *task.SQLiteStore
	agents  *agent.SQLiteStore
	notifs  *notify.SQLiteStore
	events  *activity.Log
	tracker *agent.Tracker
}

func open(cfg *config.Config) (*ctl, error) {
	tasks, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	agents, err := agent.NewSQLiteStore(filepath.Join(cfg.DataDir, "agents.db"))
	if err != nil {
		tasks.Close()
		return nil, fmt.Errorf("open agent store: %w", err)
	}
	notifs, err := notify.NewSQLiteStore(filepath.Join(cfg.DataDir, "notifications.db"))
	if err != nil {
		tasks.Close()
		agents.Close()
		return nil, fmt.Errorf("open notification store: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	events, err := activity.NewLog(filepath.Join(cfg.DataDir, "activities.db"), activity.DefaultKeep, logger)
	if err != nil {
		tasks.Close()
		agents.Close()
		notifs.Close()
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	tracker, err := agent.NewTracker(agents, tasks, notifs, events, logger)
	if err != nil {
		return nil, fmt.Errorf("build tracker: %w", err)
	}
	tasks.SetHooks(task.Hooks{
		Assigned: func(agentID string) {
			if err := tracker.Activate(agentID); err != nil {
				fmt.Fprintf(os.Stderr, "warning: activate %s: %v\n", agentID, err)
			}
		},
		Unassigned: func(agentID string) {
			if err := tracker.Deactivate(agentID); err != nil && !errors.Is(err, agent.ErrAgentBusy) {
				fmt.Fprintf(os.Stderr, "warning: deactivate %s: %v\n", agentID, err)
			}
		},
	})
	return &ctl{cfg: cfg, tasks: tasks, agents: agents, notifs: notifs, events: events, tracker: tracker}, nil
}

func (c *ctl) close() {
	c.tasks.Close()
	c.agents.Close()
	c.notifs.Close()
	c.events.Close()
}

// --- task ---

func (c *ctl) cmdTask(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: task <create|show|status> ...")
	}
	switch args[0] {
	case "create":
		return c.taskCreate(args[1:])
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: task show <id>")
		}
		return c.taskShow(args[1])
	case "status":
		if len(args) < 3 {
			return fmt.Errorf("usage: task status <id> <status>")
		}
		return c.taskStatus(args[1], args[2])
	default:
		return fmt.Errorf("unknown task subcommand: %s", args[0])
	}
}

func (c *ctl) taskCreate(args []string) error {
	fs := flag.NewFlagSet("task create", flag.ContinueOnError)
	assign := fs.String("assign", "", "comma-separated agent IDs")
	priority := fs.String("priority", string(task.PriorityMedium), "low|medium|high|critical")
	desc := fs.String("desc", "", "task description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: task create [flags] <title>")
	}

	t := &task.Task{
		Title:       strings.Join(fs.Args(), " "),
		Description: *desc,
		Priority:    task.Priority(*priority),
	}
	if *assign != "" {
		t.AssigneeIDs = strings.Split(*assign, ",")
	}
	id, err := c.tasks.Create(t)
	if err != nil {
		return err
	}
	c.events.Record(activity.New(activity.TypeTaskCreated, "", id, t.Title))
	fmt.Printf("created task %s\n", id)
	return nil
}

func (c *ctl) taskShow(id string) error {
	t, err := c.tasks.Get(id)
	if err != nil {
		return err
	}
	fmt.Printf("ID:        %s\n", t.ID)
	fmt.Printf("Title:     %s\n", t.Title)
	if t.Description != "" {
		fmt.Printf("Desc:      %s\n", t.Description)
	}
	fmt.Printf("Status:    %s\n", t.Status)
	fmt.Printf("Priority:  %s\n", t.Priority)
	fmt.Printf("Assignees: %s\n", strings.Join(t.AssigneeIDs, ", "))
	fmt.Printf("Retries:   %d\n", t.RetryCount)
	if t.LastError != "" {
		fmt.Printf("LastError: %s\n", t.LastError)
	}
	fmt.Printf("Created:   %s\n", t.CreatedAt.Local().Format(time.RFC1123))
	if t.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", t.CompletedAt.Local().Format(time.RFC1123))
	}
	if t.FailedAt != nil {
		fmt.Printf("Failed:    %s\n", t.FailedAt.Local().Format(time.RFC1123))
	}
	return nil
}

func (c *ctl) taskStatus(id, status string) error {
	t, err := c.tasks.Get(id)
	if err != nil {
		return err
	}
	t.Status = task.Status(status)
	if err := c.tasks.Update(t); err != nil {
		return err
	}
	c.events.Record(activity.New(activity.TypeTaskUpdated, "", id, "status set to "+status))
	fmt.Printf("task %s is now %s\n", id, status)
	return nil
}

func (c *ctl) cmdTasks(args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	agentID := fs.String("agent", "", "filter by assignee")
	status := fs.String("status", "", "filter by status")
	active := fs.Bool("active", false, "only attention-requiring tasks")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := task.Filter{Assignee: *agentID, Active: *active}
	if *status != "" {
		st := task.Status(*status)
		f.Status = &st
	}
	list, err := c.tasks.List(f)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, t := range list {
		assignees := "-"
		if len(t.AssigneeIDs) > 0 {
			assignees = strings.Join(t.AssigneeIDs, ",")
		}
		fmt.Printf("%-36s  %-12s  %-8s  %-20s  %s\n", t.ID, t.Status, t.Priority, assignees, t.Title)
	}
	return nil
}

func (c *ctl) cmdReactivate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: reactivate <id>")
	}
	t, err := c.tasks.Reactivate(args[0])
	if err != nil {
		return err
	}
	c.events.Record(activity.New(activity.TypeTaskReactivated, "", t.ID, "moved back to inbox"))
	fmt.Printf("task %s moved back to inbox\n", t.ID)
	return nil
}

// --- agents, mentions, activity ---

func (c *ctl) cmdMention(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: mention <agent> <text>")
	}
	agentID := args[0]
	if _, err := c.agents.Get(agentID); err != nil {
		return err
	}
	id, err := c.notifs.Create(&notify.Notification{
		MentionedAgentID: agentID,
		Content:          strings.Join(args[1:], " "),
	})
	if err != nil {
		return err
	}
	// A mention is urgent by definition, so wake the agent now rather
	// than on the next interval.
	if err := c.tracker.Activate(agentID); err != nil {
		fmt.Fprintf(os.Stderr, "warning: activate %s: %v\n", agentID, err)
	}
	fmt.Printf("queued mention %s for %s\n", id, agentID)
	return nil
}

func (c *ctl) cmdAgents(_ []string) error {
	list, err := c.agents.List()
	if err != nil {
		return err
	}
	for _, a := range list {
		hb := "never"
		if a.LastHeartbeatAt != nil {
			hb = a.LastHeartbeatAt.Local().Format(time.RFC1123)
		}
		cur := ""
		if a.CurrentTaskID != "" {
			cur = "  task=" + a.CurrentTaskID
		}
		fmt.Printf("%-14s  %-10s  %-12s  last heartbeat: %s%s\n", a.ID, a.Status, a.Role, hb, cur)
	}
	return nil
}

func (c *ctl) cmdActive(_ []string) error {
	members := c.tracker.Members()
	if len(members) == 0 {
		fmt.Println("no active agents")
		return nil
	}
	for _, id := range members {
		fmt.Println(id)
	}
	return nil
}

func (c *ctl) cmdActivity(args []string) error {
	fs := flag.NewFlagSet("activity", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events, err := c.events.Recent(*n)
	if err != nil {
		return err
	}
	for _, e := range events {
		who := e.AgentID
		if who == "" {
			who = "-"
		}
		fmt.Printf("%s  %-20s  %-14s  %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, who, e.Message)
	}
	return nil
}

func (c *ctl) cmdStats(_ []string) error {
	list, err := c.tasks.List(task.Filter{})
	if err != nil {
		return err
	}
	counts := make(map[task.Status]int)
	for _, t := range list {
		counts[t.Status]++
	}
	order := []task.Status{
		task.StatusInbox, task.StatusInProgress, task.StatusReview,
		task.StatusBlocked, task.StatusDone, task.StatusCancelled,
	}
	for _, st := range order {
		fmt.Printf("%-12s %d\n", st, counts[st])
	}
	fmt.Printf("%-12s %d\n", "total", len(list))
	fmt.Printf("%-12s %d\n", "active set", len(c.tracker.Members()))
	return nil
}

// cmdTick runs one heartbeat check in-process with dry-run work. Meant
// for poking at a data directory without a daemon attached.
func (c *ctl) cmdTick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tick <agent>")
	}
	agentID := args[0]
	if _, err := c.agents.Get(agentID); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	work := func(_ context.Context, t *task.Task, agentID string) error {
		fmt.Printf("dry-run: %s would execute %s (%s)\n", agentID, t.ID, t.Title)
		return nil
	}
	sup := executor.New(executor.Config{
		MaxConcurrentTasks: c.cfg.Execution.MaxConcurrentTasks,
		TaskTimeout:        c.cfg.Execution.TaskTimeout.Std(),
		RetryAttempts:      c.cfg.Execution.RetryAttempts,
	}, c.tasks, c.agents, c.tracker, work, c.events, logger)
	defer sup.Close()

	sched := heartbeat.New(c.agents, c.tasks, c.notifs, c.tracker, sup, c.events, logger)
	return sched.OnTick(context.Background(), agentID)
}
