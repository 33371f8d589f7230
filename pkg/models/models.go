// Package models provides shared types for the crewd HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// AgentConfig bounds an agent's concurrency and retry behavior.
type AgentConfig struct {
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `json:"task_timeout,omitempty"`
	RetryAttempts      int           `json:"retry_attempts,omitempty"`
}

// Agent is the coordinator's view of a registered agent.
type Agent struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Specialization string      `json:"specialization"`
	Status         string      `json:"status"`
	Capabilities   []string    `json:"capabilities,omitempty"`
	Workload       int         `json:"workload"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	Config         AgentConfig `json:"config"`
	CreatedAt      time.Time   `json:"created_at,omitempty"`
}

// Task is a unit of work with priority, dependencies, and an optional assigned agent.
type Task struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Type              string        `json:"type"`
	Status            string        `json:"status"`
	Priority          string        `json:"priority"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	AssignedAgent     string        `json:"assigned_agent,omitempty"`
	CreatedAt         time.Time     `json:"created_at,omitempty"`
}

// FileLock is a shared-read or exclusive claim on a normalized file path.
type FileLock struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	AgentID    string    `json:"agent_id"`
	Type       string    `json:"type"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Conflict is a detected unsafe overlap between agents' changes to the same file.
type Conflict struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	Type           string    `json:"type"`
	InvolvedAgents []string  `json:"involved_agents"`
	Description    string    `json:"description"`
	Resolved       bool      `json:"resolved"`
	Resolution     string    `json:"resolution,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileChange is one immutable entry in a path's append-only change history.
type FileChange struct {
	ID        string            `json:"id"`
	Path      string            `json:"path"`
	AgentID   string            `json:"agent_id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is a collaboration session grouping agents over a shared file set.
type Session struct {
	ID           string     `json:"id"`
	Participants []string   `json:"participants"`
	SharedFiles  []string   `json:"shared_files,omitempty"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Condition is one clause of a rule: field path, operator, comparison value,
// and an optional trailing logical operator combining it with the next clause.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
	Logical  string `json:"logical,omitempty" yaml:"logical,omitempty"`
}

// Action is a typed rule action with free-form parameters.
type Action struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Rule is a declarative condition→action mapping gating agent behavior.
type Rule struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Type       string      `json:"type" yaml:"type"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Actions    []Action    `json:"actions" yaml:"actions"`
	Priority   int         `json:"priority" yaml:"priority"`
	Enabled    bool        `json:"enabled" yaml:"enabled"`
	CreatedAt  time.Time   `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt  time.Time   `json:"updated_at,omitempty" yaml:"-"`
}

// PolicySet is a named, ordered grouping of rule ids.
type PolicySet struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	RuleIDs  []string `json:"rule_ids" yaml:"rule_ids"`
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Priority int      `json:"priority" yaml:"priority"`
}

// ScheduleResult reports the outcome of a scheduling attempt.
type ScheduleResult struct {
	Success        bool      `json:"success"`
	TaskID         string    `json:"task_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	EstimatedStart time.Time `json:"estimated_start,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// SchedulingStats summarizes queue depth and agent utilization.
type SchedulingStats struct {
	QueueLengths       map[string]int     `json:"queue_lengths"`
	AverageQueueLength float64            `json:"average_queue_length"`
	Utilization        map[string]float64 `json:"utilization"`
}

// HealthReport partitions registered agents into healthy and unhealthy lists.
type HealthReport struct {
	Healthy   []string `json:"healthy"`
	Unhealthy []string `json:"unhealthy"`
}

// ValidationResult is an allow/deny decision with the blocking rules' descriptions.
type ValidationResult struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}
