// Package sched assigns tasks to agents. It keeps a queue of pending tasks,
// the dependency graph between them, and a cached view of agent capacity;
// assignment is delegated to a pluggable Strategy.
package sched

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/internal/events"
	"github.com/qmlh/crewd/internal/otel"
	"github.com/qmlh/crewd/pkg/models"
)

// AgentInfo is the scheduler's cached view of one agent. The coordinator
// refreshes it; the scheduler never talks to agents directly.
type AgentInfo struct {
	ID             string
	Specialization string
	Status         string
	Capabilities   []string
	CurrentTasks   int
	MaxTasks       int
	Workload       int
}

// Strategy picks an agent for a task, or "" when no agent is eligible.
// Candidates are passed in stable id order.
type Strategy interface {
	Pick(task models.Task, candidates []AgentInfo) string
}

type Scheduler struct {
	mu       sync.Mutex
	clk      clock.Clock
	hub      *events.Hub
	log      *slog.Logger
	strategy Strategy

	agents    map[string]AgentInfo
	tasks     map[string]*models.Task
	deps      map[string]map[string]bool // task -> its dependencies
	completed map[string]bool
}

type Options struct {
	Clock    clock.Clock
	Hub      *events.Hub
	Logger   *slog.Logger
	Strategy Strategy
}

func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Strategy == nil {
		opts.Strategy = CapabilityStrategy{}
	}
	return &Scheduler{
		clk:       opts.Clock,
		hub:       opts.Hub,
		log:       opts.Logger.With("component", "sched"),
		strategy:  opts.Strategy,
		agents:    make(map[string]AgentInfo),
		tasks:     make(map[string]*models.Task),
		deps:      make(map[string]map[string]bool),
		completed: make(map[string]bool),
	}
}

// UpdateAgentInfo refreshes the cached view of one agent.
func (s *Scheduler) UpdateAgentInfo(info AgentInfo) {
	s.mu.Lock()
	s.agents[info.ID] = info
	s.mu.Unlock()
}

// RemoveAgent drops an agent from the cache and unassigns its queued tasks.
func (s *Scheduler) RemoveAgent(agentID string) {
	s.mu.Lock()
	delete(s.agents, agentID)
	for _, t := range s.tasks {
		if t.AssignedAgent == agentID {
			t.AssignedAgent = ""
			t.Status = models.TaskPending
		}
	}
	s.mu.Unlock()
}

// AddTask registers a pending task. Its declared dependencies are recorded
// edge by edge; an edge that would close a cycle fails the whole add.
func (s *Scheduler) AddTask(task models.Task) error {
	if task.ID == "" {
		return &errs.ValidationError{Field: "id", Reason: "required"}
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.clk.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return &errs.ValidationError{Field: "id", Reason: "task " + task.ID + " already exists"}
	}
	s.tasks[task.ID] = &task
	for _, dep := range task.Dependencies {
		if err := s.addDependencyLocked(task.ID, dep); err != nil {
			delete(s.tasks, task.ID)
			delete(s.deps, task.ID)
			return err
		}
	}
	return nil
}

// Task returns one queued task by id.
func (s *Scheduler) Task(taskID string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return models.Task{}, &errs.NotFoundError{Kind: "task", ID: taskID}
	}
	return *t, nil
}

// Tasks returns every queued task, ordered by creation time then id.
func (s *Scheduler) Tasks() []models.Task {
	s.mu.Lock()
	out := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AddDependency records that taskID depends on dependsOn. The edge is
// rejected, leaving the graph unchanged, when it would create a cycle.
func (s *Scheduler) AddDependency(taskID, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return &errs.NotFoundError{Kind: "task", ID: taskID}
	}
	if err := s.addDependencyLocked(taskID, dependsOn); err != nil {
		return err
	}
	t := s.tasks[taskID]
	for _, d := range t.Dependencies {
		if d == dependsOn {
			return nil
		}
	}
	t.Dependencies = append(t.Dependencies, dependsOn)
	return nil
}

func (s *Scheduler) addDependencyLocked(taskID, dependsOn string) error {
	if taskID == dependsOn {
		return &errs.CycleError{TaskID: taskID, DependsOn: dependsOn}
	}
	// dependsOn must not already reach taskID, or the new edge closes a loop.
	if s.reachesLocked(dependsOn, taskID) {
		return &errs.CycleError{TaskID: taskID, DependsOn: dependsOn}
	}
	if s.deps[taskID] == nil {
		s.deps[taskID] = make(map[string]bool)
	}
	s.deps[taskID][dependsOn] = true
	return nil
}

// reachesLocked walks the dependency edges from start looking for target.
func (s *Scheduler) reachesLocked(start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dep := range s.deps[cur] {
			if dep == target {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// RemoveDependency drops the taskID -> dependsOn edge if present.
func (s *Scheduler) RemoveDependency(taskID, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return &errs.NotFoundError{Kind: "task", ID: taskID}
	}
	delete(s.deps[taskID], dependsOn)
	for i, d := range t.Dependencies {
		if d == dependsOn {
			t.Dependencies = append(t.Dependencies[:i], t.Dependencies[i+1:]...)
			break
		}
	}
	return nil
}

// Dependencies returns what taskID depends on, sorted.
func (s *Scheduler) Dependencies(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.deps[taskID]))
	for d := range s.deps[taskID] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the tasks that depend on taskID, sorted.
func (s *Scheduler) Dependents(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, deps := range s.deps {
		if deps[taskID] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// MarkCompleted records a task as done and drops it from the queue. Its
// dependents become eligible once all their dependencies are completed.
func (s *Scheduler) MarkCompleted(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok && !s.completed[taskID] {
		return &errs.NotFoundError{Kind: "task", ID: taskID}
	}
	s.completed[taskID] = true
	delete(s.tasks, taskID)
	return nil
}

// AreDependenciesMet reports whether every dependency of taskID is completed.
func (s *Scheduler) AreDependenciesMet(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depsMetLocked(taskID)
}

func (s *Scheduler) depsMetLocked(taskID string) bool {
	for dep := range s.deps[taskID] {
		if !s.completed[dep] {
			return false
		}
	}
	return true
}

// Schedule assigns a queued task to an agent using the strategy. Unmet
// dependencies do not block assignment; they only gate when NextTask hands
// the task out for execution. The result carries the reason when no
// assignment is possible; only internal failures return an error.
func (s *Scheduler) Schedule(ctx context.Context, taskID string) (models.ScheduleResult, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return models.ScheduleResult{}, &errs.NotFoundError{Kind: "task", ID: taskID}
	}
	if len(s.agents) == 0 {
		s.mu.Unlock()
		otel.RecordScheduleOp(ctx, "no_agents")
		return models.ScheduleResult{TaskID: taskID, Reason: "No agents available"}, nil
	}

	candidates := make([]AgentInfo, 0, len(s.agents))
	for _, a := range s.agents {
		candidates = append(candidates, a)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	agentID := s.strategy.Pick(*task, candidates)
	if agentID == "" {
		s.mu.Unlock()
		otel.RecordScheduleOp(ctx, "no_eligible")
		return models.ScheduleResult{TaskID: taskID, Reason: "No eligible agent"}, nil
	}

	task.AssignedAgent = agentID
	task.Status = models.TaskInProgress
	info := s.agents[agentID]
	start := s.clk.Now().Add(s.queuedDurationLocked(agentID))
	info.CurrentTasks++
	s.agents[agentID] = info
	s.mu.Unlock()

	otel.RecordScheduleOp(ctx, "assigned")
	s.hub.Publish(events.Event{Type: events.TypeTaskScheduled, AgentID: agentID, TaskID: taskID, Data: map[string]any{
		"estimated_start": start,
	}})
	s.log.Info("task scheduled", "task", taskID, "agent", agentID)
	return models.ScheduleResult{Success: true, TaskID: taskID, AgentID: agentID, EstimatedStart: start}, nil
}

// queuedDurationLocked sums the estimated durations of tasks already assigned
// to agentID. The estimated start of a new assignment lands after them.
func (s *Scheduler) queuedDurationLocked(agentID string) time.Duration {
	var d time.Duration
	for _, t := range s.tasks {
		if t.AssignedAgent == agentID {
			d += t.EstimatedDuration
		}
	}
	return d
}

// Unschedule returns an assigned task to the pending pool.
func (s *Scheduler) Unschedule(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return &errs.NotFoundError{Kind: "task", ID: taskID}
	}
	if t.AssignedAgent != "" {
		if info, ok := s.agents[t.AssignedAgent]; ok && info.CurrentTasks > 0 {
			info.CurrentTasks--
			s.agents[t.AssignedAgent] = info
		}
	}
	t.AssignedAgent = ""
	t.Status = models.TaskPending
	return nil
}

// NextTask returns the task agentID should pick up next: the
// highest-priority task in its queue whose dependencies are all met, oldest
// first on ties. The queue is not mutated. ok is false when nothing assigned
// to the agent is ready.
func (s *Scheduler) NextTask(agentID string) (models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Task
	for _, t := range s.tasks {
		if t.AssignedAgent != agentID {
			continue
		}
		if !s.depsMetLocked(t.ID) {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		br, tr := models.PriorityRank(best.Priority), models.PriorityRank(t.Priority)
		if tr > br || (tr == br && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return models.Task{}, false
	}
	return *best, true
}

// Rebalance moves queued assignments off overloaded agents onto idle ones.
// Returns the ids of the tasks that were reassigned.
func (s *Scheduler) Rebalance(ctx context.Context) []string {
	s.mu.Lock()
	perAgent := make(map[string][]*models.Task)
	for _, t := range s.tasks {
		if t.AssignedAgent != "" {
			perAgent[t.AssignedAgent] = append(perAgent[t.AssignedAgent], t)
		}
	}

	var moved []string
	for agentID, assigned := range perAgent {
		info, ok := s.agents[agentID]
		if !ok {
			continue
		}
		over := len(assigned) - info.MaxTasks
		if info.MaxTasks <= 0 || over <= 0 {
			continue
		}
		// Shed the lowest-priority, newest tasks first.
		sort.Slice(assigned, func(i, j int) bool {
			pi, pj := models.PriorityRank(assigned[i].Priority), models.PriorityRank(assigned[j].Priority)
			if pi != pj {
				return pi < pj
			}
			return assigned[i].CreatedAt.After(assigned[j].CreatedAt)
		})
		for _, t := range assigned[:over] {
			if info.CurrentTasks > 0 {
				info.CurrentTasks--
			}
			t.AssignedAgent = ""
			t.Status = models.TaskPending
			moved = append(moved, t.ID)
		}
		s.agents[agentID] = info
	}
	s.mu.Unlock()

	sort.Strings(moved)
	for _, id := range moved {
		if res, err := s.Schedule(ctx, id); err == nil && res.Success {
			continue
		}
	}
	return moved
}

// Statistics summarizes queue depth per agent and utilization against each
// agent's concurrency cap.
func (s *Scheduler) Statistics() models.SchedulingStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.SchedulingStats{
		QueueLengths: make(map[string]int, len(s.agents)),
		Utilization:  make(map[string]float64, len(s.agents)),
	}
	for id := range s.agents {
		stats.QueueLengths[id] = 0
	}
	for _, t := range s.tasks {
		if t.AssignedAgent != "" {
			stats.QueueLengths[t.AssignedAgent]++
		}
	}
	var total int
	for id, n := range stats.QueueLengths {
		total += n
		info := s.agents[id]
		if info.MaxTasks > 0 {
			stats.Utilization[id] = float64(n) / float64(info.MaxTasks)
		} else {
			stats.Utilization[id] = 0
		}
	}
	if len(stats.QueueLengths) > 0 {
		stats.AverageQueueLength = float64(total) / float64(len(stats.QueueLengths))
	}
	return stats
}
