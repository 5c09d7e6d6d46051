package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newTaskCmd exposes the completed-job history (internal/task.History).
// Live progress has no cross-invocation audience — the task.Manager a
// running command builds lives only as long as that command's process —
// so this reads back what prior invocations recorded, the CLI's
// equivalent of the teacher's "task list" view against a persistent
// daemon.
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect recently completed background jobs",
	}
	cmd.AddCommand(newTaskListCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recently completed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootFlags(cmd))
			if err != nil {
				return err
			}
			infos, err := e.history.List()
			if err != nil {
				return fmt.Errorf("read task history: %w", err)
			}
			return e.printer.emit(infos, func() {
				rows := make([][]string, 0, len(infos))
				for _, info := range infos {
					status := "unknown"
					if info.Progress != nil {
						status = info.Progress.Status.String()
					}
					rows = append(rows, []string{info.ID, info.Name, info.Kind, status})
				}
				e.printer.table([]string{"ID", "NAME", "KIND", "STATUS"}, rows)
			})
		},
	}
}
