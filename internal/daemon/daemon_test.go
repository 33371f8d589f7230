package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/qmlh/crewd/internal/httpapi"
	"github.com/qmlh/crewd/pkg/models"
)

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func TestStatus_freshHome(t *testing.T) {
	st, err := Status(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Error("Status on fresh home: expected not running")
	}
}

func testApp(t *testing.T) (*httpapi.App, context.Context) {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	app, err := httpapi.NewApp(httpapi.ServerOptions{Home: home, Addr: ":0"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app, context.Background()
}

func TestRunCoordinator_assignsPendingTask(t *testing.T) {
	app, ctx := testApp(t)
	defer func() { _ = app.Store.Close() }()

	if _, err := app.Coord.CreateAgent(ctx, "alice", models.SpecBackend, models.AgentConfig{MaxConcurrentTasks: 2}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := app.Coord.Scheduler().AddTask(models.Task{
		ID: "t1", Title: "Build API", Type: models.SpecBackend,
		Status: models.TaskPending, Priority: models.PriorityHigh,
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	go runCoordinator(runCtx, StartOptions{Home: app.Home, IntervalSec: 0.01}, app)

	var assigned string
	for i := 0; i < 100; i++ {
		task, err := app.Coord.Scheduler().Task("t1")
		if err == nil && task.AssignedAgent != "" {
			assigned = task.AssignedAgent
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	if assigned == "" {
		t.Fatal("task t1 was never assigned")
	}
}

func TestRunCoordinator_respectsDependencies(t *testing.T) {
	app, ctx := testApp(t)
	defer func() { _ = app.Store.Close() }()

	if _, err := app.Coord.CreateAgent(ctx, "bob", models.SpecBackend, models.AgentConfig{MaxConcurrentTasks: 2}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	sched := app.Coord.Scheduler()
	for _, id := range []string{"base", "dependent"} {
		if err := sched.AddTask(models.Task{
			ID: id, Title: id, Type: models.SpecBackend,
			Status: models.TaskPending, Priority: models.PriorityMedium,
		}); err != nil {
			t.Fatalf("AddTask %s: %v", id, err)
		}
	}
	if err := sched.AddDependency("dependent", "base"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	go runCoordinator(runCtx, StartOptions{Home: app.Home, IntervalSec: 0.01}, app)

	for i := 0; i < 100; i++ {
		base, err := sched.Task("base")
		if err == nil && base.AssignedAgent != "" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	dep, err := sched.Task("dependent")
	if err != nil {
		t.Fatalf("Task dependent: %v", err)
	}
	if dep.AssignedAgent != "" {
		t.Errorf("dependent assigned before base completed: agent %q", dep.AssignedAgent)
	}
}
