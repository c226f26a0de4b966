package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/openclaw/missiond/task"
)

// CommandWork returns a WorkFunc that runs an external executor
// program, passing the task ID and agent ID as trailing arguments. The
// subprocess inherits the execution's deadline: on timeout it receives
// an interrupt first, then a kill if it is still alive after waitDelay.
func CommandWork(argv []string, waitDelay time.Duration) WorkFunc {
	return func(ctx context.Context, t *task.Task, agentID string) error {
		args := append(append([]string{}, argv[1:]...), t.ID, agentID)
		cmd := exec.CommandContext(ctx, argv[0], args...)
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = waitDelay
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("executor %s: %w: %s", argv[0], err, lastLine(out))
		}
		return nil
	}
}

// lastLine extracts the final non-empty output line for error context.
func lastLine(out []byte) string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(bytes.TrimSpace(lines[len(lines)-1]))
}
