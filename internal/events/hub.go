// Package events is the outbound notification channel of the coordination
// core. Components publish typed events; consumers (the HTTP SSE bridge, the
// IDE shell) hold explicit subscriptions with their own buffers, so listener
// lifetime and ordering are never ambient.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	TypeAgentCreated          Type = "agent_created"
	TypeAgentDestroyed        Type = "agent_destroyed"
	TypeCollaborationStarted  Type = "collaboration_started"
	TypeCollaborationEnded    Type = "collaboration_ended"
	TypeLockAcquired          Type = "lock_acquired"
	TypeLockReleased          Type = "lock_released"
	TypeConflictDetected      Type = "conflict_detected"
	TypeConflictResolved      Type = "conflict_resolved"
	TypeFileChanged           Type = "file_changed"
	TypeRuleEvaluated         Type = "rule_evaluated"
	TypeActionExecuted        Type = "action_executed"
	TypeTaskScheduled         Type = "task_scheduled"
)

// Event is one notification. Identifier fields are set when relevant to the
// event type; Data carries type-specific payload.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Path      string         `json:"path,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	RuleID    string         `json:"rule_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is one consumer's buffered view of the event stream. Events
// are dropped for a subscriber whose buffer is full; a slow consumer never
// blocks the core.
type Subscription struct {
	C   chan Event
	hub *Hub
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.unsubscribe(s)
	}
}

// Hub fans events out to subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given channel buffer.
// buffer <= 0 uses a small default.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{C: make(chan Event, buffer), hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.C)
	}
	h.mu.Unlock()
}

// Publish delivers ev to every subscriber. A zero Timestamp is filled with
// the current time.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.C <- ev:
		default:
			// Drop if subscriber is too slow; prevents global backpressure.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
