// Package coord is the agent coordination core: it owns the agent registry,
// collaboration sessions, and resource allocations, and binds the scheduler
// and rules engine together so assignments and resource grants both pass
// policy before they take effect.
package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	agentpkg "github.com/qmlh/crewd/internal/agent"
	"github.com/qmlh/crewd/internal/audit"
	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/internal/events"
	"github.com/qmlh/crewd/internal/rules"
	"github.com/qmlh/crewd/internal/sched"
	"github.com/qmlh/crewd/pkg/models"
)

// DefaultHealthTimeout bounds how long a health probe waits for an agent to
// answer before declaring it unresponsive.
const DefaultHealthTimeout = 2 * time.Second

type Options struct {
	Factory       agentpkg.Factory
	Clock         clock.Clock
	Hub           *events.Hub
	Rules         *rules.Engine
	Scheduler     *sched.Scheduler
	Journal       *audit.Journal
	Logger        *slog.Logger
	MaxAgents     int
	HealthTimeout time.Duration
}

type Manager struct {
	factory       agentpkg.Factory
	clk           clock.Clock
	hub           *events.Hub
	rules         *rules.Engine
	sched         *sched.Scheduler
	journal       *audit.Journal
	log           *slog.Logger
	maxAgents     int
	healthTimeout time.Duration

	mu        sync.RWMutex
	agents    map[string]agentpkg.Agent
	sessions  map[string]*models.Session
	resources map[string]map[string]int // resource id -> agent id -> units held
	closed    bool
}

func New(opts Options) *Manager {
	if opts.Factory == nil {
		opts.Factory = agentpkg.StubFactory{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rules == nil {
		opts.Rules = rules.New(rules.Options{Clock: opts.Clock, Hub: opts.Hub, Logger: opts.Logger})
	}
	if opts.Scheduler == nil {
		opts.Scheduler = sched.New(sched.Options{Clock: opts.Clock, Hub: opts.Hub, Logger: opts.Logger})
	}
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = models.DefaultMaxAgents
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	return &Manager{
		factory:       opts.Factory,
		clk:           opts.Clock,
		hub:           opts.Hub,
		rules:         opts.Rules,
		sched:         opts.Scheduler,
		journal:       opts.Journal,
		log:           opts.Logger.With("component", "coord"),
		maxAgents:     opts.MaxAgents,
		healthTimeout: opts.HealthTimeout,
		agents:        make(map[string]agentpkg.Agent),
		sessions:      make(map[string]*models.Session),
		resources:     make(map[string]map[string]int),
	}
}

// Hub returns the event hub shared by the coordination core.
func (m *Manager) Hub() *events.Hub { return m.hub }

// Rules returns the policy engine.
func (m *Manager) Rules() *rules.Engine { return m.rules }

// Scheduler returns the task scheduler.
func (m *Manager) Scheduler() *sched.Scheduler { return m.sched }

func (m *Manager) journalEntry(ctx context.Context, e audit.Entry) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Append(ctx, e); err != nil {
		m.log.Warn("journal append failed", "err", err)
	}
}

// CreateAgent constructs, initializes, and registers a new agent. Fails with
// a capacity error once the registry limit is reached.
func (m *Manager) CreateAgent(ctx context.Context, name, specialization string, cfg models.AgentConfig) (models.Agent, error) {
	if name == "" {
		return models.Agent{}, &errs.ValidationError{Field: "name", Reason: "required"}
	}
	m.mu.Lock()
	if len(m.agents) >= m.maxAgents {
		m.mu.Unlock()
		return models.Agent{}, &errs.CapacityError{Resource: "agents", Limit: m.maxAgents}
	}
	m.mu.Unlock()

	id := uuid.NewString()
	a, err := m.factory.New(ctx, id, name, specialization, cfg)
	if err != nil {
		return models.Agent{}, fmt.Errorf("construct agent: %w", err)
	}
	if err := a.Initialize(ctx); err != nil {
		return models.Agent{}, fmt.Errorf("initialize agent %s: %w", id, err)
	}

	m.mu.Lock()
	if len(m.agents) >= m.maxAgents {
		m.mu.Unlock()
		_ = a.Shutdown(ctx)
		return models.Agent{}, &errs.CapacityError{Resource: "agents", Limit: m.maxAgents}
	}
	m.agents[id] = a
	m.mu.Unlock()

	m.syncAgentInfo(a)
	m.hub.Publish(events.Event{Type: events.TypeAgentCreated, AgentID: id, Data: map[string]any{
		"name": name, "specialization": specialization,
	}})
	m.journalEntry(ctx, audit.Entry{Kind: "agent", AgentID: id, Decision: "created", Detail: map[string]any{"name": name}})
	m.log.Info("agent created", "agent", id, "name", name, "specialization", specialization)
	return snapshot(a, m.clk.Now()), nil
}

// DestroyAgent shuts an agent down and removes it from the registry and any
// sessions and allocations it participates in. Shutdown failures are logged,
// not fatal; the registration is removed regardless.
func (m *Manager) DestroyAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return &errs.NotFoundError{Kind: "agent", ID: agentID}
	}
	delete(m.agents, agentID)
	for _, s := range m.sessions {
		removeParticipantLocked(s, agentID)
	}
	for _, holders := range m.resources {
		delete(holders, agentID)
	}
	m.mu.Unlock()

	if err := a.Shutdown(ctx); err != nil {
		m.log.Warn("agent shutdown failed", "agent", agentID, "err", err)
	}
	m.sched.RemoveAgent(agentID)
	m.hub.Publish(events.Event{Type: events.TypeAgentDestroyed, AgentID: agentID})
	m.journalEntry(ctx, audit.Entry{Kind: "agent", AgentID: agentID, Decision: "destroyed"})
	m.log.Info("agent destroyed", "agent", agentID)
	return nil
}

// Agent returns the registered view of one agent.
func (m *Manager) Agent(agentID string) (models.Agent, error) {
	m.mu.RLock()
	a, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return models.Agent{}, &errs.NotFoundError{Kind: "agent", ID: agentID}
	}
	return snapshot(a, time.Time{}), nil
}

// Agents lists every registered agent, ordered by id.
func (m *Manager) Agents() []models.Agent {
	m.mu.RLock()
	out := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, snapshot(a, time.Time{}))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentsByType lists agents of one specialization, ordered by id.
func (m *Manager) AgentsByType(specialization string) []models.Agent {
	all := m.Agents()
	out := all[:0]
	for _, a := range all {
		if a.Specialization == specialization {
			out = append(out, a)
		}
	}
	return out
}

// DiscoverAgents returns agents whose capability set intersects the filter.
// An empty filter returns all agents.
func (m *Manager) DiscoverAgents(capabilities []string) []models.Agent {
	all := m.Agents()
	if len(capabilities) == 0 {
		return all
	}
	out := all[:0]
	for _, a := range all {
		if hasAny(a.Capabilities, capabilities) {
			out = append(out, a)
		}
	}
	return out
}

func hasAny(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

// CheckAgentHealth probes one agent. Unhealthy means the agent reports an
// error status or fails to answer within the health timeout.
func (m *Manager) CheckAgentHealth(ctx context.Context, agentID string) (bool, error) {
	m.mu.RLock()
	a, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return false, &errs.NotFoundError{Kind: "agent", ID: agentID}
	}
	return m.probe(ctx, a), nil
}

func (m *Manager) probe(ctx context.Context, a agentpkg.Agent) bool {
	done := make(chan string, 1)
	go func() { done <- a.Status() }()
	select {
	case status := <-done:
		return status != models.AgentError && status != models.AgentOffline
	case <-time.After(m.healthTimeout):
		m.log.Warn("agent unresponsive", "agent", a.ID())
		return false
	case <-ctx.Done():
		return false
	}
}

// PerformHealthCheck probes every registered agent.
func (m *Manager) PerformHealthCheck(ctx context.Context) models.HealthReport {
	m.mu.RLock()
	agents := make([]agentpkg.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	var report models.HealthReport
	for _, a := range agents {
		if m.probe(ctx, a) {
			report.Healthy = append(report.Healthy, a.ID())
		} else {
			report.Unhealthy = append(report.Unhealthy, a.ID())
		}
	}
	sort.Strings(report.Healthy)
	sort.Strings(report.Unhealthy)
	return report
}

// AgentCounts tallies agents by status, for the metrics gauge.
func (m *Manager) AgentCounts() (idle, working, errored, offline int64) {
	m.mu.RLock()
	agents := make([]agentpkg.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()
	for _, a := range agents {
		switch a.Status() {
		case models.AgentIdle:
			idle++
		case models.AgentWorking:
			working++
		case models.AgentError:
			errored++
		default:
			offline++
		}
	}
	return idle, working, errored, offline
}

// syncAgentInfo pushes an agent's current state into the scheduler cache.
func (m *Manager) syncAgentInfo(a agentpkg.Agent) {
	m.sched.UpdateAgentInfo(sched.AgentInfo{
		ID:             a.ID(),
		Specialization: a.Specialization(),
		Status:         a.Status(),
		Capabilities:   a.Capabilities(),
		CurrentTasks:   currentTaskCount(a),
		MaxTasks:       a.Config().MaxConcurrentTasks,
		Workload:       a.Workload(),
	})
}

func currentTaskCount(a agentpkg.Agent) int {
	if a.CurrentTask() != "" {
		return 1
	}
	return 0
}

// SynchronizeStates refreshes the scheduler's view of every agent.
func (m *Manager) SynchronizeStates(ctx context.Context) {
	m.mu.RLock()
	agents := make([]agentpkg.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()
	for _, a := range agents {
		m.syncAgentInfo(a)
	}
}

func snapshot(a agentpkg.Agent, createdAt time.Time) models.Agent {
	return models.Agent{
		ID:             a.ID(),
		Name:           a.Name(),
		Specialization: a.Specialization(),
		Status:         a.Status(),
		Capabilities:   a.Capabilities(),
		Workload:       a.Workload(),
		CurrentTaskID:  a.CurrentTask(),
		Config:         a.Config(),
		CreatedAt:      createdAt,
	}
}

func removeParticipantLocked(s *models.Session, agentID string) {
	for i, p := range s.Participants {
		if p == agentID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return
		}
	}
}

// Close destroys every agent and marks the manager closed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	agents := make([]agentpkg.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.agents = make(map[string]agentpkg.Agent)
	m.mu.Unlock()

	for _, a := range agents {
		if err := a.Shutdown(ctx); err != nil {
			m.log.Warn("agent shutdown failed during close", "agent", a.ID(), "err", err)
		}
	}
	return nil
}
