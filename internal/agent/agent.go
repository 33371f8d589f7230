// Package agent defines the contract between the coordinator and the agents
// it manages. How an agent produces task output is out of scope here; the
// coordinator only drives this lifecycle and reads the self-reported state.
package agent

import (
	"context"

	"github.com/qmlh/crewd/pkg/models"
)

// Agent is the collaborator contract for a worker unit. Implementations are
// constructed by a Factory and owned by the coordination manager.
type Agent interface {
	ID() string
	Name() string
	Specialization() string

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	Status() string
	Workload() int
	CurrentTask() string
	Capabilities() []string
	Config() models.AgentConfig

	ExecuteTask(ctx context.Context, task models.Task) error
	HandleMessage(ctx context.Context, sender string, payload map[string]any) error
}

// Factory constructs agents. Injected into the coordination manager so tests
// can substitute deterministic implementations.
type Factory interface {
	New(ctx context.Context, id, name, specialization string, cfg models.AgentConfig) (Agent, error)
}
