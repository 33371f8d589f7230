package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qmlh/crewd/pkg/models"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentCreateCmd())
	cmd.AddCommand(newAgentDestroyCmd())
	cmd.AddCommand(newAgentHealthCmd())
	cmd.AddCommand(newAgentDiscoverCmd())
	return cmd
}

func newAgentListCmd() *cobra.Command {
	var specialization string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			agents, err := api.ListAgents(cmd.Context(), specialization)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents registered")
				return nil
			}
			for _, a := range agents {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  %s  workload=%d max=%d\n",
					a.ID, a.Name, a.Specialization, a.Status, a.Workload, a.Config.MaxConcurrentTasks)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specialization, "type", "", "Filter by specialization")
	return cmd
}

func newAgentCreateCmd() *cobra.Command {
	var name, specialization string
	var maxTasks int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || specialization == "" {
				return fmt.Errorf("--name and --type are required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			a, err := api.CreateAgent(cmd.Context(), name, specialization, models.AgentConfig{MaxConcurrentTasks: maxTasks})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created agent %s (%s)\n", a.ID, a.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	cmd.Flags().StringVar(&specialization, "type", "", "Specialization (frontend, backend, testing, documentation, code_review, devops)")
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 3, "Max concurrent tasks")
	return cmd
}

func newAgentDestroyCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Unregister an agent and release its locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--id is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.DestroyAgent(cmd.Context(), agentID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Destroyed agent %s\n", agentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "id", "", "Agent ID")
	return cmd
}

func newAgentHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every agent and report healthy/unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			report, err := api.HealthCheck(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Healthy:   %s\n", strings.Join(report.Healthy, ", "))
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Unhealthy: %s\n", strings.Join(report.Unhealthy, ", "))
			return nil
		},
	}
	return cmd
}

func newAgentDiscoverCmd() *cobra.Command {
	var capabilities []string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find agents holding any listed capability",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(capabilities) == 0 {
				return fmt.Errorf("--capability is required (repeatable)")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			agents, err := api.DiscoverAgents(cmd.Context(), capabilities)
			if err != nil {
				return err
			}
			for _, a := range agents {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", a.ID, a.Name, strings.Join(a.Capabilities, ","))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Capability to match (repeatable)")
	return cmd
}
