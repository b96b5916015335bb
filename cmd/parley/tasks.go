package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/database"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/scheduler"
)

func newTasksCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var conversation string
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), flags, func(_ *config.Config, db *database.DB) error {
				store, err := scheduler.NewStore(cmd.Context(), db)
				if err != nil {
					return fmt.Errorf("open task store: %w", err)
				}
				tasks, err := store.ListTasks(cmd.Context(), enabledOnly, conversation)
				if err != nil {
					return err
				}
				return printTasks(stdout, tasks)
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "only tasks created by this conversation")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled tasks")

	var limit int
	history := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show recent executions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), flags, func(_ *config.Config, db *database.DB) error {
				return taskHistory(cmd.Context(), stdout, db, args[0], limit)
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "maximum executions to show")

	runNow := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Fire a task now, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), flags, func(cfg *config.Config, db *database.DB) error {
				logger, err := newLogger(stderr, cfg)
				if err != nil {
					return err
				}
				return triggerTask(cmd.Context(), stdout, logger, db, args[0])
			})
		},
	}

	cmd.AddCommand(history, runNow)
	return cmd
}

// withDB loads the configuration and opens its history database for the
// duration of fn.
func withDB(ctx context.Context, flags *globalFlags, fn func(*config.Config, *database.DB) error) error {
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer db.Close()
	return fn(cfg, db)
}

func taskHistory(ctx context.Context, w io.Writer, db *database.DB, taskID string, limit int) error {
	store, err := scheduler.NewStore(ctx, db)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	if _, err := store.GetTask(ctx, taskID); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	execs, err := scheduler.New(nil, store, nil, 0).TaskExecutions(ctx, taskID, limit)
	if err != nil {
		return err
	}
	return printExecutions(w, execs)
}

// triggerTask fires a task the way the running server would: the
// notification lands in the conversation's stored history.
func triggerTask(ctx context.Context, w io.Writer, logger *slog.Logger, db *database.DB, taskID string) error {
	store, err := scheduler.NewStore(ctx, db)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	history, err := memory.NewSQLStore(ctx, db, logger)
	if err != nil {
		return err
	}
	ag := agent.New(agent.Options{Store: history, Logger: logger})

	exec, err := scheduler.New(logger, store, ag.RunTask, 0).TriggerTask(ctx, taskID)
	if exec == nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	fmt.Fprintf(w, "execution %s: %s\n", exec.ID, exec.Status)
	if err != nil {
		return fmt.Errorf("task %s failed: %w", taskID, err)
	}
	return nil
}

func printExecutions(w io.Writer, execs []*scheduler.Execution) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCHEDULED\tSTATUS\tRESULT")
	for _, e := range execs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.ScheduledAt.Format(time.DateTime), e.Status, e.Result)
	}
	return tw.Flush()
}

func printTasks(w io.Writer, tasks []*scheduler.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSCHEDULE\tCONVERSATION\tENABLED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", t.ID, t.Name, describeSchedule(t.Schedule), t.CreatedBy, t.Enabled)
	}
	return tw.Flush()
}

func describeSchedule(s scheduler.Schedule) string {
	switch s.Kind {
	case scheduler.ScheduleAt:
		if s.At != nil {
			return "at " + s.At.Format("2006-01-02 15:04 MST")
		}
	case scheduler.ScheduleEvery:
		if s.Every != nil {
			return "every " + s.Every.String()
		}
	case scheduler.ScheduleCron:
		return "cron " + s.Cron
	}
	return string(s.Kind)
}
