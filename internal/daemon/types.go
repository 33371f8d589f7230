package daemon

// StartOptions configures the daemon (home, port, coordinator loop interval,
// DB, rule bundle, observability).
type StartOptions struct {
	Home        string
	Port        int
	IntervalSec float64
	MaxAgents   int
	Dev         bool
	PprofAddr   string
	DBDriver    string // "sqlite" (default) or "postgres"
	DBURL       string // for postgres: connection string (or DATABASE_URL env)
	RuleBundle  string // optional YAML rule bundle loaded on startup
	EnableOtel  bool   // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
