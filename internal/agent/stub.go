package agent

import (
	"context"
	"sync"

	"github.com/qmlh/crewd/pkg/models"
)

// StubFactory builds deterministic in-process agents without any external
// runtime. Capabilities may be seeded per specialization; unknown
// specializations get a single capability equal to the specialization name.
type StubFactory struct {
	Capabilities map[string][]string
}

func (f StubFactory) New(ctx context.Context, id, name, specialization string, cfg models.AgentConfig) (Agent, error) {
	caps := f.Capabilities[specialization]
	if len(caps) == 0 {
		caps = []string{specialization}
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	return &StubAgent{
		id:     id,
		name:   name,
		spec:   specialization,
		status: models.AgentOffline,
		caps:   caps,
		cfg:    cfg,
	}, nil
}

// StubAgent is a deterministic agent used by the default factory and by
// tests. ExecuteTask records the assignment; nothing runs in the background.
type StubAgent struct {
	mu      sync.Mutex
	id      string
	name    string
	spec    string
	status  string
	work    int
	current string
	caps    []string
	cfg     models.AgentConfig

	failNextTask bool
	messages     []map[string]any
}

func (a *StubAgent) ID() string             { return a.id }
func (a *StubAgent) Name() string           { return a.name }
func (a *StubAgent) Specialization() string { return a.spec }

func (a *StubAgent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = models.AgentIdle
	return nil
}

func (a *StubAgent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = models.AgentOffline
	a.current = ""
	return nil
}

func (a *StubAgent) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *StubAgent) Workload() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.work
}

func (a *StubAgent) CurrentTask() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *StubAgent) Capabilities() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.caps))
	copy(out, a.caps)
	return out
}

func (a *StubAgent) Config() models.AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *StubAgent) ExecuteTask(ctx context.Context, task models.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNextTask {
		a.failNextTask = false
		a.status = models.AgentError
		return context.Canceled
	}
	a.current = task.ID
	a.work++
	a.status = models.AgentWorking
	return nil
}

func (a *StubAgent) HandleMessage(ctx context.Context, sender string, payload map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg := map[string]any{"sender": sender}
	for k, v := range payload {
		msg[k] = v
	}
	a.messages = append(a.messages, msg)
	return nil
}

// CompleteTask clears the current task and returns the agent to idle.
// Used by tests and by the stub's own bookkeeping.
func (a *StubAgent) CompleteTask() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = ""
	if a.work > 0 {
		a.work--
	}
	if a.work == 0 {
		a.status = models.AgentIdle
	}
}

// FailNext makes the next ExecuteTask call fail and marks the agent errored.
func (a *StubAgent) FailNext() {
	a.mu.Lock()
	a.failNextTask = true
	a.mu.Unlock()
}

// SetStatus overrides the self-reported status. Test hook.
func (a *StubAgent) SetStatus(status string) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

// Messages returns a copy of the messages handled so far.
func (a *StubAgent) Messages() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]map[string]any, len(a.messages))
	copy(out, a.messages)
	return out
}
