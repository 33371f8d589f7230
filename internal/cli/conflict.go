package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConflictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflict",
		Short: "Inspect and resolve file conflicts",
	}
	cmd.AddCommand(newConflictListCmd())
	cmd.AddCommand(newConflictResolveCmd())
	cmd.AddCommand(newConflictAutoResolveCmd())
	return cmd
}

func newConflictListCmd() *cobra.Command {
	var includeResolved bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List detected conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			conflicts, err := api.ListConflicts(cmd.Context(), includeResolved)
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No conflicts")
				return nil
			}
			for _, c := range conflicts {
				state := "open"
				if c.Resolved {
					state = "resolved"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s  %-8s  agents=%s  %s\n",
					c.ID, c.Type, state, strings.Join(c.InvolvedAgents, ","), c.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeResolved, "all", false, "Include resolved conflicts")
	return cmd
}

func newConflictResolveCmd() *cobra.Command {
	var conflictID, resolution string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Apply a manual resolution to a conflict",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conflictID == "" || resolution == "" {
				return fmt.Errorf("--id and --resolution are required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.ResolveConflict(cmd.Context(), conflictID, resolution); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resolved conflict %s\n", conflictID)
			return nil
		},
	}
	cmd.Flags().StringVar(&conflictID, "id", "", "Conflict ID")
	cmd.Flags().StringVar(&resolution, "resolution", "", "Resolution description")
	return cmd
}

func newConflictAutoResolveCmd() *cobra.Command {
	var conflictID string

	cmd := &cobra.Command{
		Use:   "auto-resolve",
		Short: "Let the server pick and apply a resolution strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conflictID == "" {
				return fmt.Errorf("--id is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.AutoResolveConflict(cmd.Context(), conflictID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Auto-resolved conflict %s\n", conflictID)
			return nil
		},
	}
	cmd.Flags().StringVar(&conflictID, "id", "", "Conflict ID")
	return cmd
}
