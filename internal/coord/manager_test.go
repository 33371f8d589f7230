package coord

import (
	"context"
	"testing"
	"time"

	agentpkg "github.com/qmlh/crewd/internal/agent"
	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/internal/events"
	"github.com/qmlh/crewd/internal/rules"
	"github.com/qmlh/crewd/internal/sched"
	"github.com/qmlh/crewd/pkg/models"
)

var t0 = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, maxAgents int) *Manager {
	t.Helper()
	clk := clock.NewFake(t0)
	hub := events.NewHub()
	return New(Options{
		Factory:   agentpkg.StubFactory{},
		Clock:     clk,
		Hub:       hub,
		Rules:     rules.New(rules.Options{Clock: clk, Hub: hub}),
		Scheduler: sched.New(sched.Options{Clock: clk, Hub: hub}),
		MaxAgents: maxAgents,
	})
}

func TestCreateAndDestroyAgent(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	ctx := context.Background()

	a, err := m.CreateAgent(ctx, "builder", models.SpecBackend, models.AgentConfig{MaxConcurrentTasks: 2})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if a.Status != models.AgentIdle {
		t.Fatalf("status after create = %q, want idle", a.Status)
	}

	got, err := m.Agent(a.ID)
	if err != nil || got.Name != "builder" {
		t.Fatalf("Agent = %+v, %v", got, err)
	}
	if err := m.DestroyAgent(ctx, a.ID); err != nil {
		t.Fatalf("DestroyAgent: %v", err)
	}
	if _, err := m.Agent(a.ID); !errs.IsNotFound(err) {
		t.Fatalf("Agent after destroy = %v, want NotFoundError", err)
	}
	if err := m.DestroyAgent(ctx, a.ID); !errs.IsNotFound(err) {
		t.Fatalf("double destroy = %v, want NotFoundError", err)
	}
}

func TestCreateAgentCapacity(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.CreateAgent(ctx, "a", models.SpecBackend, models.AgentConfig{}); err != nil {
			t.Fatalf("CreateAgent %d: %v", i, err)
		}
	}
	_, err := m.CreateAgent(ctx, "overflow", models.SpecBackend, models.AgentConfig{})
	if !errs.IsCapacity(err) {
		t.Fatalf("CreateAgent at capacity = %v, want CapacityError", err)
	}
}

func TestDiscoverAgents(t *testing.T) {
	t.Parallel()
	m := New(Options{
		Factory: agentpkg.StubFactory{Capabilities: map[string][]string{
			models.SpecBackend:  {"go", "sql"},
			models.SpecFrontend: {"ts", "css"},
		}},
		Clock: clock.NewFake(t0),
	})
	ctx := context.Background()

	be, _ := m.CreateAgent(ctx, "be", models.SpecBackend, models.AgentConfig{})
	if _, err := m.CreateAgent(ctx, "fe", models.SpecFrontend, models.AgentConfig{}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	if got := m.DiscoverAgents(nil); len(got) != 2 {
		t.Fatalf("empty filter = %d agents, want all", len(got))
	}
	got := m.DiscoverAgents([]string{"go", "sql"})
	if len(got) != 1 || got[0].ID != be.ID {
		t.Fatalf("DiscoverAgents(go,sql) = %+v", got)
	}
	// Any overlap qualifies: "go" matches be, "css" matches fe.
	if got := m.DiscoverAgents([]string{"go", "css"}); len(got) != 2 {
		t.Fatalf("mixed filter matched %d agents, want both", len(got))
	}
	got = m.DiscoverAgents([]string{"go"})
	if len(got) != 1 || got[0].ID != be.ID {
		t.Fatalf("DiscoverAgents(go) = %+v", got)
	}
	if got := m.DiscoverAgents([]string{"rust"}); len(got) != 0 {
		t.Fatalf("disjoint filter matched %d agents, want 0", len(got))
	}

	byType := m.AgentsByType(models.SpecFrontend)
	if len(byType) != 1 || byType[0].Name != "fe" {
		t.Fatalf("AgentsByType = %+v", byType)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	ctx := context.Background()

	good, _ := m.CreateAgent(ctx, "good", models.SpecBackend, models.AgentConfig{})
	bad, _ := m.CreateAgent(ctx, "bad", models.SpecBackend, models.AgentConfig{})

	m.mu.RLock()
	stub := m.agents[bad.ID].(*agentpkg.StubAgent)
	m.mu.RUnlock()
	stub.SetStatus(models.AgentError)

	healthy, err := m.CheckAgentHealth(ctx, good.ID)
	if err != nil || !healthy {
		t.Fatalf("CheckAgentHealth(good) = %v, %v", healthy, err)
	}
	healthy, err = m.CheckAgentHealth(ctx, bad.ID)
	if err != nil || healthy {
		t.Fatalf("CheckAgentHealth(bad) = %v, %v", healthy, err)
	}

	report := m.PerformHealthCheck(ctx)
	if len(report.Healthy) != 1 || report.Healthy[0] != good.ID {
		t.Fatalf("healthy = %v", report.Healthy)
	}
	if len(report.Unhealthy) != 1 || report.Unhealthy[0] != bad.ID {
		t.Fatalf("unhealthy = %v", report.Unhealthy)
	}
}

func TestCollaborationLifecycle(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	ctx := context.Background()

	a1, _ := m.CreateAgent(ctx, "a1", models.SpecBackend, models.AgentConfig{})
	a2, _ := m.CreateAgent(ctx, "a2", models.SpecFrontend, models.AgentConfig{})

	if _, err := m.StartCollaboration(ctx, []string{a1.ID, "ghost"}, nil); !errs.IsNotFound(err) {
		t.Fatalf("session with unknown agent = %v, want NotFoundError", err)
	}

	s, err := m.StartCollaboration(ctx, []string{a1.ID}, []string{"/shared.go"})
	if err != nil {
		t.Fatalf("StartCollaboration: %v", err)
	}
	if s.Status != models.SessionActive || len(s.Participants) != 1 {
		t.Fatalf("session = %+v", s)
	}

	s, err = m.JoinSession(ctx, s.ID, a2.ID)
	if err != nil || len(s.Participants) != 2 {
		t.Fatalf("JoinSession = %+v, %v", s, err)
	}
	// Re-join is a no-op.
	s, _ = m.JoinSession(ctx, s.ID, a2.ID)
	if len(s.Participants) != 2 {
		t.Fatalf("double join = %+v", s)
	}

	// The session survives its last participant leaving.
	s, _ = m.LeaveSession(ctx, s.ID, a1.ID)
	s, _ = m.LeaveSession(ctx, s.ID, a2.ID)
	if s.Status != models.SessionActive || len(s.Participants) != 0 {
		t.Fatalf("session after all left = %+v", s)
	}

	s, err = m.EndCollaboration(ctx, s.ID)
	if err != nil || s.Status != models.SessionEnded || s.EndedAt == nil {
		t.Fatalf("EndCollaboration = %+v, %v", s, err)
	}
	if _, err := m.JoinSession(ctx, s.ID, a1.ID); !errs.IsValidation(err) {
		t.Fatalf("join ended session = %v, want ValidationError", err)
	}
	if got := m.Sessions(true); len(got) != 0 {
		t.Fatalf("active sessions after end = %d", len(got))
	}
}

func TestDestroyAgentLeavesSessions(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	ctx := context.Background()

	a1, _ := m.CreateAgent(ctx, "a1", models.SpecBackend, models.AgentConfig{})
	a2, _ := m.CreateAgent(ctx, "a2", models.SpecBackend, models.AgentConfig{})
	s, _ := m.StartCollaboration(ctx, []string{a1.ID, a2.ID}, nil)

	if err := m.DestroyAgent(ctx, a1.ID); err != nil {
		t.Fatalf("DestroyAgent: %v", err)
	}
	got, _ := m.Session(s.ID)
	if len(got.Participants) != 1 || got.Participants[0] != a2.ID {
		t.Fatalf("participants after destroy = %v", got.Participants)
	}
}

func TestResourceAllocationConsultsPolicy(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	m.Rules().LoadDefaults()
	ctx := context.Background()

	a, _ := m.CreateAgent(ctx, "a", models.SpecBackend, models.AgentConfig{})

	res, err := m.AllocateResources(ctx, a.ID, "gpu", 2)
	if err != nil || !res.Allowed {
		t.Fatalf("small allocation = %+v, %v", res, err)
	}
	if held := m.Resources(a.ID); held["gpu"] != 2 {
		t.Fatalf("held = %v", held)
	}

	// The default cap blocks single requests above 10 units, and the denied
	// grant must not be recorded.
	res, err = m.AllocateResources(ctx, a.ID, "gpu", 11)
	if err != nil || res.Allowed {
		t.Fatalf("oversized allocation = %+v, %v", res, err)
	}
	if held := m.Resources(a.ID); held["gpu"] != 2 {
		t.Fatalf("held after denial = %v", held)
	}

	if err := m.DeallocateResources(ctx, a.ID, "gpu", 2); err != nil {
		t.Fatalf("DeallocateResources: %v", err)
	}
	if held := m.Resources(a.ID); len(held) != 0 {
		t.Fatalf("held after release = %v", held)
	}
	if err := m.DeallocateResources(ctx, a.ID, "gpu", 1); !errs.IsNotFound(err) {
		t.Fatalf("release without holding = %v, want NotFoundError", err)
	}
}

func TestCoordinateActionsValidatesAndDelivers(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	ctx := context.Background()

	a1, _ := m.CreateAgent(ctx, "a1", models.SpecBackend, models.AgentConfig{})

	// Block the "purge" action outright.
	_, err := m.Rules().AddRule(models.Rule{
		Name: "no purge",
		Type: models.RuleAgentAction,
		Conditions: []models.Condition{
			{Field: "action", Operator: models.OpEq, Value: "purge"},
		},
		Actions: []models.Action{{Type: models.ActionBlock}},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	outcomes, err := m.CoordinateActions(ctx, "coordinator", []string{a1.ID}, "purge", map[string]any{"target": "cache"})
	if err != nil {
		t.Fatalf("CoordinateActions: %v", err)
	}
	if outcomes[a1.ID].Allowed {
		t.Fatal("blocked action delivered")
	}

	outcomes, err = m.CoordinateActions(ctx, "coordinator", []string{a1.ID}, "refresh", map[string]any{"target": "cache"})
	if err != nil || !outcomes[a1.ID].Allowed {
		t.Fatalf("allowed action = %+v, %v", outcomes, err)
	}
	m.mu.RLock()
	stub := m.agents[a1.ID].(*agentpkg.StubAgent)
	m.mu.RUnlock()
	msgs := stub.Messages()
	if len(msgs) != 1 || msgs[0]["sender"] != "coordinator" {
		t.Fatalf("delivered messages = %v", msgs)
	}

	if _, err := m.CoordinateActions(ctx, "x", []string{"ghost"}, "refresh", nil); !errs.IsNotFound(err) {
		t.Fatalf("unknown recipient = %v, want NotFoundError", err)
	}
}

func TestScheduleTaskAssignsAndValidates(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	ctx := context.Background()

	a, _ := m.CreateAgent(ctx, "be", models.SpecBackend, models.AgentConfig{MaxConcurrentTasks: 2})
	if err := m.Scheduler().AddTask(models.Task{ID: "t1", Type: models.SpecBackend}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	res, err := m.ScheduleTask(ctx, "t1")
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if !res.Success || res.AgentID != a.ID {
		t.Fatalf("result = %+v", res)
	}
	got, _ := m.Agent(a.ID)
	if got.Status != models.AgentWorking || got.CurrentTaskID != "t1" {
		t.Fatalf("agent after assignment = %+v", got)
	}
}

func TestScheduleTaskBlockedByPolicyRollsBack(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	ctx := context.Background()

	if _, err := m.CreateAgent(ctx, "be", models.SpecBackend, models.AgentConfig{MaxConcurrentTasks: 2}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	_, err := m.Rules().AddRule(models.Rule{
		Name: "freeze backend work",
		Type: models.RuleTaskAssignment,
		Conditions: []models.Condition{
			{Field: "task.type", Operator: models.OpEq, Value: models.SpecBackend},
		},
		Actions:  []models.Action{{Type: models.ActionBlock}},
		Enabled:  true,
		Priority: 10,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := m.Scheduler().AddTask(models.Task{ID: "t1", Type: models.SpecBackend}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	res, err := m.ScheduleTask(ctx, "t1")
	if err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if res.Success {
		t.Fatalf("blocked assignment succeeded: %+v", res)
	}

	task, _ := m.Scheduler().Task("t1")
	if task.AssignedAgent != "" || task.Status != models.TaskPending {
		t.Fatalf("task after rollback = %+v", task)
	}
}

func TestAgentCounts(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	ctx := context.Background()

	a1, _ := m.CreateAgent(ctx, "a1", models.SpecBackend, models.AgentConfig{})
	if _, err := m.CreateAgent(ctx, "a2", models.SpecBackend, models.AgentConfig{}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	m.mu.RLock()
	stub := m.agents[a1.ID].(*agentpkg.StubAgent)
	m.mu.RUnlock()
	stub.SetStatus(models.AgentWorking)

	idle, working, errored, offline := m.AgentCounts()
	if idle != 1 || working != 1 || errored != 0 || offline != 0 {
		t.Fatalf("counts = %d %d %d %d", idle, working, errored, offline)
	}
}

func TestCloseShutsDownAgents(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 4)
	ctx := context.Background()

	a, _ := m.CreateAgent(ctx, "a", models.SpecBackend, models.AgentConfig{})
	m.mu.RLock()
	stub := m.agents[a.ID].(*agentpkg.StubAgent)
	m.mu.RUnlock()

	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if stub.Status() != models.AgentOffline {
		t.Fatalf("agent status after close = %q", stub.Status())
	}
	if got := m.Agents(); len(got) != 0 {
		t.Fatalf("agents after close = %d", len(got))
	}
}
