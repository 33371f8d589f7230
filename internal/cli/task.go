package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qmlh/crewd/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskScheduleCmd())
	cmd.AddCommand(newTaskCompleteCmd())
	cmd.AddCommand(newTaskDependCmd())
	cmd.AddCommand(newTaskNextCmd())
	cmd.AddCommand(newTaskStatsCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and assigned tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			tasks, err := api.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
				return nil
			}
			for _, t := range tasks {
				agent := t.AssignedAgent
				if agent == "" {
					agent = "-"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  %-8s  agent=%s  %s\n",
					t.ID, t.Status, t.Priority, agent, t.Title)
			}
			return nil
		},
	}
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		id, title, taskType, priority string
		deps                          []string
		estimatedMin                  int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a task to the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || title == "" {
				return fmt.Errorf("--id and --title are required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			task := models.Task{
				ID:                id,
				Title:             title,
				Type:              taskType,
				Status:            models.TaskPending,
				Priority:          priority,
				Dependencies:      deps,
				EstimatedDuration: time.Duration(estimatedMin) * time.Minute,
			}
			created, err := api.CreateTask(cmd.Context(), task)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", created.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Task ID")
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type (matches agent specialization)")
	cmd.Flags().StringVar(&priority, "priority", models.PriorityMedium, "Priority (low, medium, high, critical)")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "Task IDs this task depends on (repeatable)")
	cmd.Flags().IntVar(&estimatedMin, "estimate", 0, "Estimated duration in minutes")
	return cmd
}

func newTaskScheduleCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Assign a task to the best available agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--id is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := api.ScheduleTask(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			if !res.Success {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Not scheduled: %s\n", res.Reason)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s assigned to %s (estimated start %s)\n",
				res.TaskID, res.AgentID, res.EstimatedStart.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID")
	return cmd
}

func newTaskCompleteCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark a task completed, unblocking dependents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--id is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.CompleteTask(cmd.Context(), taskID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s completed\n", taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID")
	return cmd
}

func newTaskDependCmd() *cobra.Command {
	var taskID, dependsOn string

	cmd := &cobra.Command{
		Use:   "depend",
		Short: "Record that one task depends on another",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" || dependsOn == "" {
				return fmt.Errorf("--id and --on are required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.AddDependency(cmd.Context(), taskID, dependsOn); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s now depends on %s\n", taskID, dependsOn)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID")
	cmd.Flags().StringVar(&dependsOn, "on", "", "Task ID it depends on")
	return cmd
}

func newTaskNextCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the best queued task for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			task, err := api.NextTask(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", task.ID, task.Priority, task.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID")
	return cmd
}

func newTaskStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and agent utilization",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			stats, err := api.SchedulingStats(cmd.Context())
			if err != nil {
				return err
			}
			for agent, n := range stats.QueueLengths {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: queue=%d utilization=%.0f%%\n",
					agent, n, stats.Utilization[agent]*100)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "average queue length: %.2f\n", stats.AverageQueueLength)
			return nil
		},
	}
	return cmd
}
