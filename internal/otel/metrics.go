package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	lockOpsCounter      metric.Int64Counter
	conflictsCounter    metric.Int64Counter
	scheduleOpsCounter  metric.Int64Counter
	ruleEvalCounter     metric.Int64Counter
	ruleEvalDuration    metric.Float64Histogram
	sseEventsCounter    metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		lockOpsCounter, err = m.Int64Counter("crewd_lock_operations_total", metric.WithDescription("Total lock operations (acquire, release, expire, reject)"))
		if err != nil {
			return
		}
		conflictsCounter, err = m.Int64Counter("crewd_conflicts_total", metric.WithDescription("Total conflicts detected or resolved"))
		if err != nil {
			return
		}
		scheduleOpsCounter, err = m.Int64Counter("crewd_schedule_operations_total", metric.WithDescription("Total scheduling attempts by outcome"))
		if err != nil {
			return
		}
		ruleEvalCounter, err = m.Int64Counter("crewd_rule_evaluations_total", metric.WithDescription("Total rule evaluation passes"))
		if err != nil {
			return
		}
		ruleEvalDuration, err = m.Float64Histogram("crewd_rule_eval_duration_seconds", metric.WithDescription("Rule evaluation duration in seconds"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("crewd_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("crewd_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordLockOp records a lock operation (acquire, release, expire, reject).
func RecordLockOp(ctx context.Context, op, lockType string) {
	if lockOpsCounter == nil {
		return
	}
	lockOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(op),
		AttrLockType.String(lockType),
	))
}

// RecordConflict records a conflict event (detected or resolved) by type.
func RecordConflict(ctx context.Context, op, conflictType string) {
	if conflictsCounter == nil {
		return
	}
	conflictsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(op),
		AttrConflict.String(conflictType),
	))
}

// RecordScheduleOp records one scheduling attempt (assigned, no_agents, no_eligible, blocked).
func RecordScheduleOp(ctx context.Context, outcome string) {
	if scheduleOpsCounter == nil {
		return
	}
	scheduleOpsCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// RecordRuleEvaluation records one evaluation pass and its duration.
func RecordRuleEvaluation(ctx context.Context, matched int, duration time.Duration) {
	if ruleEvalCounter != nil {
		ruleEvalCounter.Add(ctx, 1)
	}
	if ruleEvalDuration != nil {
		ruleEvalDuration.Record(ctx, duration.Seconds())
	}
	_ = matched
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// AgentCountFunc returns agent counts by status. Used for the crewd_agents_total gauge.
type AgentCountFunc func() (idle, working, errored, offline int64)

// InitMetricsWithAgentCount creates instruments and optionally registers a callback
// for the agent gauge. Call after InitMeterProvider. If agentCount is nil, the
// gauge is not reported.
func InitMetricsWithAgentCount(ctx context.Context, agentCount AgentCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if agentCount == nil {
		return nil
	}
	m := Meter()
	agentsGauge, err := m.Float64ObservableGauge("crewd_agents_total", metric.WithDescription("Number of registered agents by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		idle, working, errored, offline := agentCount()
		o.ObserveFloat64(agentsGauge, float64(idle), metric.WithAttributes(AttrStatus.String("idle")))
		o.ObserveFloat64(agentsGauge, float64(working), metric.WithAttributes(AttrStatus.String("working")))
		o.ObserveFloat64(agentsGauge, float64(errored), metric.WithAttributes(AttrStatus.String("error")))
		o.ObserveFloat64(agentsGauge, float64(offline), metric.WithAttributes(AttrStatus.String("offline")))
		return nil
	}, agentsGauge)
	return err
}
