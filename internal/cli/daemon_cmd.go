package cli

import (
	"github.com/spf13/cobra"

	"github.com/qmlh/crewd/internal/config"
	"github.com/qmlh/crewd/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var (
		port        int
		intervalSec float64
		maxAgents   int
		dev         bool
		pprofAddr   string
		dbDriver    string
		dbURL       string
		ruleBundle  string
		enableOtel  bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:        home,
				Port:        port,
				IntervalSec: intervalSec,
				MaxAgents:   maxAgents,
				Dev:         dev,
				PprofAddr:   pprofAddr,
				DBDriver:    dbDriver,
				DBURL:       dbURL,
				RuleBundle:  ruleBundle,
				EnableOtel:  enableOtel,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", daemon.DefaultPort, "Port for the HTTP API")
	cmd.Flags().Float64Var(&intervalSec, "interval", 1.0, "Coordinator loop interval (seconds)")
	cmd.Flags().IntVar(&maxAgents, "max-agents", 16, "Max registered agents")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres)")
	cmd.Flags().StringVar(&ruleBundle, "rules", "", "YAML rule bundle loaded on startup")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
