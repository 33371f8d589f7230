// Package cli wires the crewd command tree: daemon lifecycle commands plus
// agent, task, lock, conflict, rule, and session management over the HTTP API.
package cli

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qmlh/crewd/internal/config"
	"github.com/qmlh/crewd/internal/daemon"
	"github.com/qmlh/crewd/pkg/client"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "crewd",
		Short:        "crewd — multi-agent coordination daemon for collaborative editing",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override crewd home directory (default: ~/.crewd, env: CREWD_HOME)")

	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newLockCmd())
	cmd.AddCommand(newConflictCmd())
	cmd.AddCommand(newRuleCmd())
	cmd.AddCommand(newSessionCmd())

	// Hidden internal subcommand used by `crewd start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

// apiClient builds an HTTP client for the running daemon by reading its addr
// file. Fails when the daemon is not up.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	home := config.MustHomeFrom(cmd.Context())
	st, err := daemon.Status(cmd.Context(), home)
	if err != nil {
		return nil, err
	}
	if !st.Running {
		return nil, fmt.Errorf("crewd is not running (start it with `crewd start`)")
	}
	addr := st.Addr
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "0.0.0.0" || host == "::" || host == "" {
			addr = net.JoinHostPort("localhost", port)
		}
	}
	if !strings.HasPrefix(addr, "http") {
		addr = "http://" + addr
	}
	return client.New(addr, os.Getenv("CREWD_API_KEY")), nil
}
