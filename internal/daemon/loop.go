package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/qmlh/crewd/internal/httpapi"
	"github.com/qmlh/crewd/pkg/models"
)

// runCoordinator periodically syncs agent state, probes health, sweeps
// expired locks, and assigns pending tasks whose dependencies are met. SSE
// events for assignments flow through the shared hub.
func runCoordinator(ctx context.Context, opts StartOptions, app *httpapi.App) {
	interval := time.Duration(opts.IntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = 1 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Health probes run less often than scheduling.
	health := time.NewTicker(10 * interval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			report := app.Coord.PerformHealthCheck(ctx)
			if len(report.Unhealthy) > 0 {
				slog.Warn("unhealthy agents", "agents", report.Unhealthy)
			}
		case <-ticker.C:
			app.Coord.SynchronizeStates(ctx)
			_ = app.Files.SweepExpiredLocks(ctx)

			for _, task := range app.Coord.Scheduler().Tasks() {
				if task.Status != models.TaskPending || task.AssignedAgent != "" {
					continue
				}
				if !app.Coord.Scheduler().AreDependenciesMet(task.ID) {
					continue
				}
				res, err := app.Coord.ScheduleTask(ctx, task.ID)
				if err != nil {
					slog.Error("schedule task failed", "task_id", task.ID, "err", err)
					continue
				}
				if !res.Success {
					// Nothing available now; retry next tick.
					continue
				}
				slog.Info("task assigned", "task_id", task.ID, "agent_id", res.AgentID)
			}
		}
	}
}
