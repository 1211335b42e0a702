package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/task"
)

var tasksPromote string

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks across the queue partitions",
	Long: `Lists every task in the backlog, todo, and done partitions.

Use --promote to move a backlog task into the todo partition by its
description:

  drover tasks --promote "wire the API"`,
	RunE: runTasks,
}

func init() {
	tasksCmd.Flags().StringVar(&tasksPromote, "promote", "", "move the named backlog task into todo")
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	st := store.New(cwd)

	if tasksPromote != "" {
		return promoteTask(cmd, st, tasksPromote)
	}

	out := cmd.OutOrStdout()
	for _, p := range store.Partitions {
		tasks, err := st.ReadQueue(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%d):\n", p, len(tasks))
		for _, t := range tasks {
			status := t.Status
			if status == "" {
				status = task.StatusPending
			}
			fmt.Fprintf(out, "  [%s] %s (%s, passes: %d)\n", t.Category, t.Description, status, t.Passes)
		}
	}
	return nil
}

// promoteTask moves one backlog task into todo by description.
func promoteTask(cmd *cobra.Command, st *store.Store, desc string) error {
	backlog, err := st.ReadQueue(store.PartitionBacklog)
	if err != nil {
		return err
	}

	idx := -1
	for i, t := range backlog {
		if t.Description == desc {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no backlog task with description %q", desc)
	}

	todo, err := st.ReadQueue(store.PartitionTodo)
	if err != nil {
		return err
	}
	promoted := backlog[idx]
	todo = append(todo, promoted)
	if err := task.ValidateQueue(todo); err != nil {
		return fmt.Errorf("cannot promote: %w", err)
	}
	backlog = append(backlog[:idx], backlog[idx+1:]...)

	if err := st.WriteQueue(store.PartitionTodo, todo); err != nil {
		return err
	}
	if err := st.WriteQueue(store.PartitionBacklog, backlog); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Promoted %q to todo\n", desc)
	return nil
}
