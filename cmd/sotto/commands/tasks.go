package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sottolabs/sotto/pkg/sotto/storage"
	"github.com/sottolabs/sotto/pkg/sotto/tasks"
)

// newTasksCmd creates the `sotto tasks` command group for inspecting and
// mutating the task table directly.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage tasks",
		Long: `Inspect and manage the task table.

Examples:
  sotto tasks list
  sotto tasks complete 1a2b3c4d
  sotto tasks snooze 1a2b3c4d`,
	}

	cmd.AddCommand(
		newTasksListCmd(),
		newTasksCompleteCmd(),
		newTasksSnoozeCmd(),
	)
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, closeDB, err := openTaskManager(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			listed := 0
			for _, t := range mgr.All() {
				if !all && t.Status == tasks.StatusCompleted {
					continue
				}
				line := fmt.Sprintf("%s  [%s]  %s", t.ID, t.Status, t.Description)
				if t.DueAt != nil {
					line += "  (due " + t.DueAt.Format("2006-01-02 15:04") + ")"
				}
				if t.Private {
					line += "  [private]"
				}
				fmt.Println(line)
				listed++
			}
			if listed == 0 {
				fmt.Println("No tasks.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include completed tasks")
	return cmd
}

func newTasksCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closeDB, err := openTaskManager(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := mgr.Complete(args[0], time.Now()); err != nil {
				return err
			}
			fmt.Printf("Task %s completed.\n", args[0])
			return nil
		},
	}
}

func newTasksSnoozeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snooze <task-id>",
		Short: "Snooze a task's next reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closeDB, err := openTaskManager(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := mgr.Snooze(args[0], time.Now()); err != nil {
				return err
			}
			t, _ := mgr.Get(args[0])
			if t != nil && t.NextRemindAt != nil {
				fmt.Printf("Task %s snoozed until %s.\n", args[0], t.NextRemindAt.Format("2006-01-02 15:04"))
			} else {
				fmt.Printf("Task %s snoozed.\n", args[0])
			}
			return nil
		},
	}
}

// openTaskManager opens the database from the resolved config and loads the
// task table.
func openTaskManager(cmd *cobra.Command) (*tasks.Manager, func(), error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	db, err := storage.OpenDatabase(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	store := storage.NewStore(db)
	mgr := tasks.NewManager(cfg.Tasks, store, nil)
	if err := mgr.Load(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return mgr, func() { db.Close() }, nil
}
