// Command missiond is the mission control daemon. It seeds the agent
// roster, restores the active-agent set, and runs staggered heartbeat
// checks for every agent until signalled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/openclaw/missiond/activity"
	"github.com/openclaw/missiond/agent"
	"github.com/openclaw/missiond/config"
	"github.com/openclaw/missiond/executor"
	"github.com/openclaw/missiond/heartbeat"
	"github.com/openclaw/missiond/internal/version"
	"github.com/openclaw/missiond/notify"
	"github.com/openclaw/missiond/task"
)

var configPath = flag.String("config", "", "path to YAML config file (optional)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	logger.Info("starting missiond",
		"version", version.Version,
		"commit", version.Commit,
		"data_dir", cfg.DataDir,
	)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("missiond: %v", err)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tasks, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer tasks.Close()

	agents, err := agent.NewSQLiteStore(filepath.Join(cfg.DataDir, "agents.db"))
	if err != nil {
		return fmt.Errorf("open agent store: %w", err)
	}
	defer agents.Close()

	notifs, err := notify.NewSQLiteStore(filepath.Join(cfg.DataDir, "notifications.db"))
	if err != nil {
		return fmt.Errorf("open notification store: %w", err)
	}
	defer notifs.Close()

	events, err := activity.NewLog(filepath.Join(cfg.DataDir, "activities.db"), activity.DefaultKeep, logger)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	defer events.Close()

	// The roster is config-owned; runtime state survives restarts.
	for _, a := range cfg.Agents {
		if err := agents.Upsert(&agent.Agent{ID: a.ID, Name: a.Name, Role: a.Role}); err != nil {
			return fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
	}

	tracker, err := agent.NewTracker(agents, tasks, notifs, events, logger)
	if err != nil {
		return fmt.Errorf("build tracker: %w", err)
	}
	tasks.SetHooks(task.Hooks{
		Assigned: func(agentID string) {
			if err := tracker.Activate(agentID); err != nil {
				logger.Error("failed to activate assignee", "agent", agentID, "error", err)
			}
		},
		Unassigned: func(agentID string) {
			if err := tracker.Deactivate(agentID); err != nil && !errors.Is(err, agent.ErrAgentBusy) {
				logger.Error("failed to deactivate former assignee", "agent", agentID, "error", err)
			}
		},
	})

	work := dryRunWork(logger)
	if len(cfg.Execution.Command) > 0 {
		work = executor.CommandWork(cfg.Execution.Command, cfg.Execution.GracePeriod.Std())
	}
	sup := executor.New(executor.Config{
		MaxConcurrentTasks: cfg.Execution.MaxConcurrentTasks,
		TaskTimeout:        cfg.Execution.TaskTimeout.Std(),
		RetryAttempts:      cfg.Execution.RetryAttempts,
		GracePeriod:        cfg.Execution.GracePeriod.Std(),
		Retention:          cfg.Execution.Retention.Std(),
	}, tasks, agents, tracker, work, events, logger)

	sched := heartbeat.New(agents, tasks, notifs, tracker, sup, events, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Activation runs an immediate check, so a fresh assignment never
	// waits for the next interval.
	tracker.SetActivateHook(func(agentID string) {
		go func() {
			if err := sched.OnTick(ctx, agentID); err != nil {
				logger.Error("activation heartbeat failed", "agent", agentID, "error", err)
			}
		}()
	})

	var wg conc.WaitGroup
	for i, a := range cfg.Agents {
		offset := time.Duration(i) * cfg.Heartbeat.Stagger.Std()
		agentID := a.ID
		wg.Go(func() { tickLoop(ctx, sched, agentID, offset, cfg.Heartbeat.Interval.Std(), logger) })
	}

	logger.Info("missiond running",
		"agents", len(cfg.Agents),
		"interval", cfg.Heartbeat.Interval.String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	wg.Wait()
	sup.Close()
	logger.Info("shutdown complete")
	return nil
}

// tickLoop runs one agent's heartbeat checks forever. The first tick
// waits for the stagger offset so the roster's checks fan out over the
// interval instead of landing together.
func tickLoop(ctx context.Context, sched *heartbeat.Scheduler, agentID string, offset, interval time.Duration, logger *slog.Logger) {
	select {
	case <-time.After(offset):
	case <-ctx.Done():
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := sched.OnTick(ctx, agentID); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("heartbeat failed", "agent", agentID, "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// dryRunWork logs the dispatch instead of running an executor program.
// Useful for wiring checks before a real command is configured.
func dryRunWork(logger *slog.Logger) executor.WorkFunc {
	return func(ctx context.Context, t *task.Task, agentID string) error {
		logger.Info("dry-run execution", "agent", agentID, "task", t.ID, "title", t.Title)
		return nil
	}
}
