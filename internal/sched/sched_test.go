package sched

import (
	"context"
	"testing"
	"time"

	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/pkg/models"
)

var t0 = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	return New(Options{Clock: clk}), clk
}

func agent(id, spec string, current, max, workload int) AgentInfo {
	return AgentInfo{
		ID:             id,
		Specialization: spec,
		Status:         models.AgentIdle,
		CurrentTasks:   current,
		MaxTasks:       max,
		Workload:       workload,
	}
}

func TestScheduleNoAgents(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	if err := s.AddTask(models.Task{ID: "t1", Type: models.SpecBackend}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	res, err := s.Schedule(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.Success || res.Reason != "No agents available" {
		t.Fatalf("result = %+v", res)
	}
}

func TestSchedulePrefersSpecializationMatch(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	s.UpdateAgentInfo(agent("a-frontend", models.SpecFrontend, 0, 3, 0))
	s.UpdateAgentInfo(agent("a-backend", models.SpecBackend, 0, 3, 0))
	if err := s.AddTask(models.Task{ID: "t1", Type: models.SpecBackend}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	res, err := s.Schedule(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !res.Success || res.AgentID != "a-backend" {
		t.Fatalf("result = %+v, want a-backend", res)
	}

	task, _ := s.Task("t1")
	if task.AssignedAgent != "a-backend" || task.Status != models.TaskInProgress {
		t.Fatalf("task after schedule = %+v", task)
	}
}

func TestScheduleSkipsAgentsAtCapacity(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	s.UpdateAgentInfo(agent("a1", models.SpecBackend, 2, 2, 0))
	s.UpdateAgentInfo(agent("a2", models.SpecFrontend, 0, 2, 0))
	_ = s.AddTask(models.Task{ID: "t1", Type: models.SpecBackend})

	res, _ := s.Schedule(context.Background(), "t1")
	if !res.Success || res.AgentID != "a2" {
		t.Fatalf("result = %+v, want spill to a2", res)
	}
}

func TestScheduleNoEligibleAgent(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	full := agent("a1", models.SpecBackend, 2, 2, 0)
	s.UpdateAgentInfo(full)
	_ = s.AddTask(models.Task{ID: "t1", Type: models.SpecBackend})

	res, _ := s.Schedule(context.Background(), "t1")
	if res.Success || res.Reason != "No eligible agent" {
		t.Fatalf("result = %+v", res)
	}
}

func TestScheduleTieBreaksOnTaskCountThenID(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	s.UpdateAgentInfo(agent("b", models.SpecBackend, 1, 5, 0))
	s.UpdateAgentInfo(agent("c", models.SpecBackend, 0, 5, 0))
	_ = s.AddTask(models.Task{ID: "t1", Type: models.SpecBackend})
	res, _ := s.Schedule(context.Background(), "t1")
	if res.AgentID != "c" {
		t.Fatalf("tie on score should pick lower task count: got %q", res.AgentID)
	}

	s.UpdateAgentInfo(agent("a", models.SpecBackend, 0, 5, 0))
	_ = s.AddTask(models.Task{ID: "t2", Type: models.SpecBackend})
	res, _ = s.Schedule(context.Background(), "t2")
	if res.AgentID != "a" {
		t.Fatalf("tie on count should pick lexically first id: got %q", res.AgentID)
	}
}

func TestEstimatedStartAccountsForQueuedWork(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	s.UpdateAgentInfo(agent("a1", models.SpecBackend, 0, 5, 0))
	_ = s.AddTask(models.Task{ID: "t1", Type: models.SpecBackend, EstimatedDuration: 10 * time.Minute})
	_ = s.AddTask(models.Task{ID: "t2", Type: models.SpecBackend})

	r1, _ := s.Schedule(ctx, "t1")
	if !r1.EstimatedStart.Equal(t0) {
		t.Fatalf("t1 start = %v, want %v", r1.EstimatedStart, t0)
	}
	r2, _ := s.Schedule(ctx, "t2")
	if !r2.EstimatedStart.Equal(t0.Add(10 * time.Minute)) {
		t.Fatalf("t2 start = %v, want t0+10m", r2.EstimatedStart)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	_ = s.AddTask(models.Task{ID: "a"})
	_ = s.AddTask(models.Task{ID: "b"})
	_ = s.AddTask(models.Task{ID: "c"})
	if err := s.AddDependency("b", "a"); err != nil {
		t.Fatalf("b->a: %v", err)
	}
	if err := s.AddDependency("c", "b"); err != nil {
		t.Fatalf("c->b: %v", err)
	}

	err := s.AddDependency("a", "c")
	if !errs.IsCycle(err) {
		t.Fatalf("a->c = %v, want CycleError", err)
	}
	// Graph unchanged by the rejected edge.
	if got := s.Dependencies("a"); len(got) != 0 {
		t.Fatalf("a's deps after rejected edge = %v", got)
	}
	if err := s.AddDependency("a", "a"); !errs.IsCycle(err) {
		t.Fatalf("self edge = %v, want CycleError", err)
	}
}

func TestDependentsAndRemoveDependency(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	_ = s.AddTask(models.Task{ID: "a"})
	_ = s.AddTask(models.Task{ID: "b", Dependencies: []string{"a"}})
	_ = s.AddTask(models.Task{ID: "c", Dependencies: []string{"a"}})

	if got := s.Dependents("a"); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("Dependents(a) = %v", got)
	}
	if err := s.RemoveDependency("b", "a"); err != nil {
		t.Fatalf("RemoveDependency: %v", err)
	}
	if got := s.Dependents("a"); len(got) != 1 || got[0] != "c" {
		t.Fatalf("Dependents(a) after remove = %v", got)
	}
	task, _ := s.Task("b")
	if len(task.Dependencies) != 0 {
		t.Fatalf("b's declared deps = %v", task.Dependencies)
	}
}

func TestScheduleAssignsDependentTaskToQueue(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	s.UpdateAgentInfo(agent("a1", models.SpecBackend, 0, 5, 0))
	_ = s.AddTask(models.Task{ID: "build"})
	_ = s.AddTask(models.Task{ID: "test", Dependencies: []string{"build"}})

	// Assignment is not blocked by unmet dependencies; both land on a1.
	for _, id := range []string{"build", "test"} {
		res, err := s.Schedule(ctx, id)
		if err != nil || !res.Success || res.AgentID != "a1" {
			t.Fatalf("Schedule(%s) = %+v, %v", id, res, err)
		}
	}
	if s.AreDependenciesMet("test") {
		t.Fatal("deps reported met before completion")
	}

	// Execution is gated: a1's next task is build, never the dependent one.
	task, ok := s.NextTask("a1")
	if !ok || task.ID != "build" {
		t.Fatalf("NextTask = %+v ok=%v, want build", task, ok)
	}

	if err := s.MarkCompleted("build"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if !s.AreDependenciesMet("test") {
		t.Fatal("deps not met after completion")
	}
	task, ok = s.NextTask("a1")
	if !ok || task.ID != "test" {
		t.Fatalf("NextTask after completion = %+v ok=%v, want test", task, ok)
	}
}

func TestNextTaskPicksHighestPriorityOldestFirst(t *testing.T) {
	t.Parallel()
	s, clk := newTestScheduler(t)
	ctx := context.Background()

	s.UpdateAgentInfo(agent("a1", models.SpecBackend, 0, 10, 0))
	_ = s.AddTask(models.Task{ID: "low", Priority: models.PriorityLow})
	clk.Advance(time.Second)
	_ = s.AddTask(models.Task{ID: "high-old", Priority: models.PriorityHigh})
	clk.Advance(time.Second)
	_ = s.AddTask(models.Task{ID: "high-new", Priority: models.PriorityHigh})
	_ = s.AddTask(models.Task{ID: "blocked", Priority: models.PriorityCritical, Dependencies: []string{"low"}})
	for _, id := range []string{"low", "high-old", "high-new", "blocked"} {
		if res, _ := s.Schedule(ctx, id); !res.Success || res.AgentID != "a1" {
			t.Fatalf("schedule %s = %+v", id, res)
		}
	}

	task, ok := s.NextTask("a1")
	if !ok || task.ID != "high-old" {
		t.Fatalf("NextTask = %+v ok=%v, want high-old", task, ok)
	}
	// Non-destructive: a second call returns the same task.
	again, ok := s.NextTask("a1")
	if !ok || again.ID != "high-old" {
		t.Fatalf("second NextTask = %+v", again)
	}
	// Another agent's queue is empty.
	if _, ok := s.NextTask("a2"); ok {
		t.Fatal("NextTask for agent with no queue should report nothing ready")
	}
}

func TestUnschedule(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	s.UpdateAgentInfo(agent("a1", models.SpecBackend, 0, 5, 0))
	_ = s.AddTask(models.Task{ID: "t1", Type: models.SpecBackend})
	if res, _ := s.Schedule(ctx, "t1"); !res.Success {
		t.Fatalf("schedule failed: %+v", res)
	}
	if err := s.Unschedule("t1"); err != nil {
		t.Fatalf("Unschedule: %v", err)
	}
	task, _ := s.Task("t1")
	if task.AssignedAgent != "" || task.Status != models.TaskPending {
		t.Fatalf("task after unschedule = %+v", task)
	}
	if err := s.Unschedule("nope"); !errs.IsNotFound(err) {
		t.Fatalf("Unschedule(unknown) = %v, want NotFoundError", err)
	}
}

func TestRebalanceShedsOverloadedAgent(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	s.UpdateAgentInfo(agent("a1", models.SpecBackend, 0, 3, 0))
	for _, id := range []string{"t1", "t2", "t3"} {
		_ = s.AddTask(models.Task{ID: id, Type: models.SpecBackend})
		if res, _ := s.Schedule(ctx, id); !res.Success {
			t.Fatalf("schedule %s failed", id)
		}
	}
	// a1's cap drops below its queue; rebalance must shed the excess.
	s.UpdateAgentInfo(agent("a1", models.SpecBackend, 3, 1, 0))
	s.UpdateAgentInfo(agent("a2", models.SpecBackend, 0, 3, 0))

	moved := s.Rebalance(ctx)
	if len(moved) != 2 {
		t.Fatalf("Rebalance moved %v, want 2 tasks", moved)
	}
	stats := s.Statistics()
	if stats.QueueLengths["a2"] != 2 || stats.QueueLengths["a1"] != 1 {
		t.Fatalf("queues after rebalance = %v", stats.QueueLengths)
	}
}

func TestStatistics(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	s.UpdateAgentInfo(agent("a1", models.SpecBackend, 0, 2, 0))
	s.UpdateAgentInfo(agent("a2", models.SpecFrontend, 0, 4, 0))
	_ = s.AddTask(models.Task{ID: "t1", Type: models.SpecBackend})
	_ = s.AddTask(models.Task{ID: "t2", Type: models.SpecBackend})
	for _, id := range []string{"t1", "t2"} {
		if res, _ := s.Schedule(ctx, id); !res.Success {
			t.Fatalf("schedule %s failed", id)
		}
	}

	stats := s.Statistics()
	if stats.QueueLengths["a1"] != 2 || stats.QueueLengths["a2"] != 0 {
		t.Fatalf("queue lengths = %v", stats.QueueLengths)
	}
	if stats.AverageQueueLength != 1 {
		t.Fatalf("average = %v, want 1", stats.AverageQueueLength)
	}
	if stats.Utilization["a1"] != 1.0 {
		t.Fatalf("a1 utilization = %v, want 1.0", stats.Utilization)
	}
}

func TestRemoveAgentUnassignsTasks(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	s.UpdateAgentInfo(agent("a1", models.SpecBackend, 0, 5, 0))
	_ = s.AddTask(models.Task{ID: "t1", Type: models.SpecBackend})
	if res, _ := s.Schedule(ctx, "t1"); !res.Success {
		t.Fatal("schedule failed")
	}
	s.RemoveAgent("a1")
	task, _ := s.Task("t1")
	if task.AssignedAgent != "" || task.Status != models.TaskPending {
		t.Fatalf("task after agent removal = %+v", task)
	}
}

func TestAddTaskRejectsDuplicateAndCyclicDeclaration(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)

	if err := s.AddTask(models.Task{ID: "t1"}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask(models.Task{ID: "t1"}); !errs.IsValidation(err) {
		t.Fatalf("duplicate AddTask = %v, want ValidationError", err)
	}
	if err := s.AddTask(models.Task{ID: "t2", Dependencies: []string{"t2"}}); !errs.IsCycle(err) {
		t.Fatalf("self-dependent AddTask = %v, want CycleError", err)
	}
	if _, err := s.Task("t2"); !errs.IsNotFound(err) {
		t.Fatalf("t2 should not have been registered: %v", err)
	}
}
