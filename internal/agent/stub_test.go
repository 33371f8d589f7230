package agent

import (
	"context"
	"testing"

	"github.com/qmlh/crewd/pkg/models"
)

func TestStubLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := StubFactory{Capabilities: map[string][]string{
		models.SpecFrontend: {"react", "css"},
	}}

	ag, err := f.New(ctx, "a1", "ui-worker", models.SpecFrontend, models.AgentConfig{MaxConcurrentTasks: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ag.Status() != models.AgentOffline {
		t.Fatalf("status before init = %q, want offline", ag.Status())
	}

	if err := ag.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if ag.Status() != models.AgentIdle {
		t.Fatalf("status after init = %q, want idle", ag.Status())
	}

	if err := ag.ExecuteTask(ctx, models.Task{ID: "t1", Type: models.SpecFrontend}); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if ag.Status() != models.AgentWorking || ag.Workload() != 1 || ag.CurrentTask() != "t1" {
		t.Fatalf("after execute: status=%q workload=%d current=%q", ag.Status(), ag.Workload(), ag.CurrentTask())
	}

	ag.(*StubAgent).CompleteTask()
	if ag.Status() != models.AgentIdle || ag.Workload() != 0 {
		t.Fatalf("after complete: status=%q workload=%d", ag.Status(), ag.Workload())
	}

	if err := ag.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ag.Status() != models.AgentOffline {
		t.Fatalf("status after shutdown = %q, want offline", ag.Status())
	}
}

func TestStubFailNext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ag, _ := StubFactory{}.New(ctx, "a1", "w", models.SpecBackend, models.AgentConfig{})
	_ = ag.Initialize(ctx)

	ag.(*StubAgent).FailNext()
	if err := ag.ExecuteTask(ctx, models.Task{ID: "t1"}); err == nil {
		t.Fatal("ExecuteTask should fail after FailNext")
	}
	if ag.Status() != models.AgentError {
		t.Fatalf("status = %q, want error", ag.Status())
	}

	// Next task succeeds again.
	if err := ag.ExecuteTask(ctx, models.Task{ID: "t2"}); err != nil {
		t.Fatalf("ExecuteTask after failure: %v", err)
	}
}

func TestStubDefaultCapabilities(t *testing.T) {
	t.Parallel()

	ag, _ := StubFactory{}.New(context.Background(), "a1", "w", "custom_spec", models.AgentConfig{})
	caps := ag.Capabilities()
	if len(caps) != 1 || caps[0] != "custom_spec" {
		t.Fatalf("Capabilities = %v, want [custom_spec]", caps)
	}
	if ag.Config().MaxConcurrentTasks != 1 {
		t.Fatalf("MaxConcurrentTasks default = %d, want 1", ag.Config().MaxConcurrentTasks)
	}
}

func TestStubHandleMessage(t *testing.T) {
	t.Parallel()

	ag, _ := StubFactory{}.New(context.Background(), "a1", "w", models.SpecTesting, models.AgentConfig{})
	if err := ag.HandleMessage(context.Background(), "coordinator", map[string]any{"action": "pause"}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	msgs := ag.(*StubAgent).Messages()
	if len(msgs) != 1 || msgs[0]["sender"] != "coordinator" || msgs[0]["action"] != "pause" {
		t.Fatalf("Messages = %v", msgs)
	}
}
