package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qmlh/crewd/pkg/models"
)

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Manage file locks",
	}
	cmd.AddCommand(newLockListCmd())
	cmd.AddCommand(newLockAcquireCmd())
	cmd.AddCommand(newLockReleaseCmd())
	return cmd
}

func newLockListCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			locks, err := api.ListLocks(cmd.Context(), path)
			if err != nil {
				return err
			}
			if len(locks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No active locks")
				return nil
			}
			for _, l := range locks {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  agent=%s  expires=%s  %s\n",
					l.ID, l.Type, l.AgentID, l.ExpiresAt.Format(time.RFC3339), l.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Filter to one file")
	return cmd
}

func newLockAcquireCmd() *cobra.Command {
	var path, agentID, lockType string
	var ttlSeconds int

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire a lock on a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" || agentID == "" {
				return fmt.Errorf("--path and --agent are required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			lock, err := api.RequestLock(cmd.Context(), path, agentID, lockType, ttlSeconds)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Lock %s acquired (%s on %s)\n", lock.ID, lock.Type, lock.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "File path")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID")
	cmd.Flags().StringVar(&lockType, "type", models.LockWrite, "Lock type (read, write, exclusive)")
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "Lock TTL in seconds (0 = server default)")
	return cmd
}

func newLockReleaseCmd() *cobra.Command {
	var lockID string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a lock by ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lockID == "" {
				return fmt.Errorf("--id is required")
			}
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := api.ReleaseLock(cmd.Context(), lockID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Released lock %s\n", lockID)
			return nil
		},
	}
	cmd.Flags().StringVar(&lockID, "id", "", "Lock ID")
	return cmd
}
