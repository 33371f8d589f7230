package models

// Agent statuses used throughout the codebase.
const (
	AgentOffline = "offline"
	AgentIdle    = "idle"
	AgentWorking = "working"
	AgentError   = "error"
)

// Agent specializations.
const (
	SpecFrontend      = "frontend"
	SpecBackend       = "backend"
	SpecTesting       = "testing"
	SpecDocumentation = "documentation"
	SpecCodeReview    = "code_review"
	SpecDevOps        = "devops"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskBlocked    = "blocked"
)

// Task priorities, lowest to highest.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// PriorityRank maps a priority to its ordering weight; unknown priorities rank lowest.
func PriorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Lock types.
const (
	LockRead      = "read"
	LockWrite     = "write"
	LockExclusive = "exclusive"
)

// Conflict types.
const (
	ConflictConcurrentModification = "concurrent_modification"
	ConflictLockTimeout            = "lock_timeout"
	ConflictMerge                  = "merge_conflict"
)

// File change types.
const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
	ChangeMoved    = "moved"
)

// Session statuses.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Rule categories.
const (
	RuleTaskAssignment = "task_assignment"
	RuleResourceAccess = "resource_access"
	RuleAgentAction    = "agent_action"
	RuleCollaboration  = "collaboration"
)

// Condition operators.
const (
	OpEq          = "eq"
	OpNe          = "ne"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIn          = "in"
)

// Logical operators combining adjacent conditions.
const (
	LogicalAnd = "and"
	LogicalOr  = "or"
)

// Rule action types. Every type except ActionLog is emitted as an event for an
// external consumer to enact; the engine itself never mutates agent or task state.
const (
	ActionBlock    = "block"
	ActionEscalate = "escalate"
	ActionNotify   = "notify"
	ActionLimit    = "limit"
	ActionLog      = "log"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultSSEChannelBuffer    = 256
	DefaultEventHubBuffer      = 64
	DefaultMaxAgents           = 16
	DefaultHistoryPerPath      = 1000
	DefaultRuleHistorySize     = 256
)
