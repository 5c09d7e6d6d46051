package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"vaultd/internal/task"
)

// runJob submits fn to the task manager and blocks until it reaches a
// terminal state, the way a one-shot CLI invocation has to: there is no
// separate daemon process for a later `task status` call to catch up
// with. The finished job is appended to history regardless of outcome so
// `backupd task list` can still report on it after this process exits.
func runJob(e *env, name, kind string, fn task.Func) (task.Info, error) {
	id := e.tasks.Submit(name, kind, fn)

	for {
		info, ok := e.tasks.GetJob(id)
		if !ok {
			return task.Info{}, fmt.Errorf("task %s: lost track of submitted job", id)
		}
		info = info.Snapshot()
		if info.Progress == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		switch info.Progress.Status {
		case task.StatusCompleted, task.StatusFailed:
			if err := e.history.Append(info); err != nil {
				e.logger.Warn("append task history", "error", err)
			}
			return info, nil
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// newUPID generates the opaque run identifier GC/verify status records
// are keyed by (spec.md §6's "UPID" field).
func newUPID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// jobErr turns a failed task.Info into an error summarizing what went
// wrong, for the CLI's exit-code path.
func jobErr(info task.Info) error {
	if info.Progress == nil || info.Progress.Status != task.StatusFailed {
		return nil
	}
	return fmt.Errorf("%s %s failed: %s", info.Kind, info.Name, info.Progress.Error)
}
