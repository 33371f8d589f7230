package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage collaboration sessions",
	}
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionStartCmd())
	cmd.AddCommand(newSessionEndCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collaboration sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			sessions, err := api.ListSessions(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
				return nil
			}
			for _, s := range sessions {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-7s  agents=%s  files=%s\n",
					s.ID, s.Status, strings.Join(s.Participants, ","), strings.Join(s.SharedFiles, ","))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only active sessions")
	return cmd
}

func newSessionStartCmd() *cobra.Command {
	var agentIDs, sharedFiles []string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a collaboration session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(agentIDs) < 2 {
				return fmt.Errorf("at least two --agent values are required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			s, err := api.StartSession(cmd.Context(), agentIDs, sharedFiles)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Started session %s\n", s.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&agentIDs, "agent", nil, "Participant agent ID (repeatable)")
	cmd.Flags().StringSliceVar(&sharedFiles, "file", nil, "Shared file path (repeatable)")
	return cmd
}

func newSessionEndCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "end",
		Short: "End a collaboration session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--id is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.EndSession(cmd.Context(), sessionID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Ended session %s\n", sessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "id", "", "Session ID")
	return cmd
}
