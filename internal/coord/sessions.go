package coord

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/qmlh/crewd/internal/audit"
	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/internal/events"
	"github.com/qmlh/crewd/pkg/models"
)

// StartCollaboration opens a session over sharedFiles for the given agents.
// Every participant must be registered.
func (m *Manager) StartCollaboration(ctx context.Context, agentIDs, sharedFiles []string) (models.Session, error) {
	if len(agentIDs) == 0 {
		return models.Session{}, &errs.ValidationError{Field: "agent_ids", Reason: "at least one participant required"}
	}
	m.mu.Lock()
	for _, id := range agentIDs {
		if _, ok := m.agents[id]; !ok {
			m.mu.Unlock()
			return models.Session{}, &errs.NotFoundError{Kind: "agent", ID: id}
		}
	}
	s := &models.Session{
		ID:           uuid.NewString(),
		Participants: append([]string(nil), agentIDs...),
		SharedFiles:  append([]string(nil), sharedFiles...),
		Status:       models.SessionActive,
		StartedAt:    m.clk.Now(),
	}
	m.sessions[s.ID] = s
	out := *s
	m.mu.Unlock()

	m.hub.Publish(events.Event{Type: events.TypeCollaborationStarted, SessionID: out.ID, Data: map[string]any{
		"participants": out.Participants,
	}})
	m.log.Info("collaboration started", "session", out.ID, "participants", len(out.Participants))
	return out, nil
}

// JoinSession adds an agent to an active session. Joining twice is a no-op.
func (m *Manager) JoinSession(ctx context.Context, sessionID, agentID string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, &errs.NotFoundError{Kind: "session", ID: sessionID}
	}
	if s.Status != models.SessionActive {
		return models.Session{}, &errs.ValidationError{Field: "session", Reason: "session " + sessionID + " has ended"}
	}
	if _, ok := m.agents[agentID]; !ok {
		return models.Session{}, &errs.NotFoundError{Kind: "agent", ID: agentID}
	}
	for _, p := range s.Participants {
		if p == agentID {
			return *s, nil
		}
	}
	s.Participants = append(s.Participants, agentID)
	return *s, nil
}

// LeaveSession removes an agent from a session. The session stays active even
// when the last participant leaves; only EndCollaboration closes it.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, agentID string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, &errs.NotFoundError{Kind: "session", ID: sessionID}
	}
	removeParticipantLocked(s, agentID)
	return *s, nil
}

// EndCollaboration closes a session. Ending an ended session is a no-op.
func (m *Manager) EndCollaboration(ctx context.Context, sessionID string) (models.Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return models.Session{}, &errs.NotFoundError{Kind: "session", ID: sessionID}
	}
	if s.Status != models.SessionEnded {
		s.Status = models.SessionEnded
		ended := m.clk.Now()
		s.EndedAt = &ended
	}
	out := *s
	m.mu.Unlock()

	m.hub.Publish(events.Event{Type: events.TypeCollaborationEnded, SessionID: sessionID})
	m.log.Info("collaboration ended", "session", sessionID)
	return out, nil
}

// Session returns one session by id.
func (m *Manager) Session(sessionID string) (models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, &errs.NotFoundError{Kind: "session", ID: sessionID}
	}
	return *s, nil
}

// Sessions lists sessions, newest first. With activeOnly, ended sessions are
// filtered out.
func (m *Manager) Sessions(activeOnly bool) []models.Session {
	m.mu.RLock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if activeOnly && s.Status != models.SessionActive {
			continue
		}
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AllocateResources grants an agent more units of a resource, subject to
// resource-access policy. The grant is recorded only when policy allows it.
func (m *Manager) AllocateResources(ctx context.Context, agentID, resourceID string, units int) (models.ValidationResult, error) {
	if units <= 0 {
		return models.ValidationResult{}, &errs.ValidationError{Field: "units", Reason: "must be positive"}
	}
	m.mu.RLock()
	a, ok := m.agents[agentID]
	held := 0
	if holders := m.resources[resourceID]; holders != nil {
		held = holders[agentID]
	}
	m.mu.RUnlock()
	if !ok {
		return models.ValidationResult{}, &errs.NotFoundError{Kind: "agent", ID: agentID}
	}

	res := m.rules.ValidateResourceAccess(ctx, snapshot(a, m.clk.Now()), resourceID, held, units)
	decision := "granted"
	if !res.Allowed {
		decision = "denied"
	}
	m.journalEntry(ctx, audit.Entry{Kind: "resource", AgentID: agentID, Decision: decision, Detail: map[string]any{
		"resource": resourceID, "units": units, "reasons": res.Reasons,
	}})
	if !res.Allowed {
		m.log.Info("resource allocation denied", "agent", agentID, "resource", resourceID, "reasons", res.Reasons)
		return res, nil
	}

	m.mu.Lock()
	if m.resources[resourceID] == nil {
		m.resources[resourceID] = make(map[string]int)
	}
	m.resources[resourceID][agentID] += units
	m.mu.Unlock()
	return res, nil
}

// DeallocateResources returns units of a resource. Releasing more than held
// clears the holding.
func (m *Manager) DeallocateResources(ctx context.Context, agentID, resourceID string, units int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	holders := m.resources[resourceID]
	if holders == nil || holders[agentID] == 0 {
		return &errs.NotFoundError{Kind: "allocation", ID: resourceID + "/" + agentID}
	}
	holders[agentID] -= units
	if holders[agentID] <= 0 {
		delete(holders, agentID)
	}
	if len(holders) == 0 {
		delete(m.resources, resourceID)
	}
	return nil
}

// Resources returns the units of each resource held by agentID.
func (m *Manager) Resources(agentID string) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for rid, holders := range m.resources {
		if n := holders[agentID]; n > 0 {
			out[rid] = n
		}
	}
	return out
}

// CoordinateActions delivers a payload to a set of agents, validating each
// delivery against agent-action policy first. Returns the per-agent outcome.
func (m *Manager) CoordinateActions(ctx context.Context, senderID string, agentIDs []string, action string, payload map[string]any) (map[string]models.ValidationResult, error) {
	outcomes := make(map[string]models.ValidationResult, len(agentIDs))
	for _, id := range agentIDs {
		m.mu.RLock()
		a, ok := m.agents[id]
		m.mu.RUnlock()
		if !ok {
			return nil, &errs.NotFoundError{Kind: "agent", ID: id}
		}
		res := m.rules.ValidateAgentAction(ctx, snapshot(a, m.clk.Now()), action, "")
		outcomes[id] = res
		if !res.Allowed {
			continue
		}
		if err := a.HandleMessage(ctx, senderID, payload); err != nil {
			m.log.Warn("message delivery failed", "agent", id, "err", err)
			outcomes[id] = models.ValidationResult{Allowed: false, Reasons: []string{err.Error()}}
		}
	}
	return outcomes, nil
}

// ScheduleTask runs the scheduler for a task and then validates the resulting
// assignment against task-assignment policy. A blocked assignment is rolled
// back and reported as a failed result carrying the blocking rules.
func (m *Manager) ScheduleTask(ctx context.Context, taskID string) (models.ScheduleResult, error) {
	m.SynchronizeStates(ctx)

	res, err := m.sched.Schedule(ctx, taskID)
	if err != nil || !res.Success {
		if err == nil {
			m.journalEntry(ctx, audit.Entry{Kind: "sched", TaskID: taskID, Decision: res.Reason})
		}
		return res, err
	}

	m.mu.RLock()
	a, ok := m.agents[res.AgentID]
	m.mu.RUnlock()
	if !ok {
		_ = m.sched.Unschedule(taskID)
		return models.ScheduleResult{TaskID: taskID, Reason: "Assigned agent disappeared"}, nil
	}

	task, err := m.sched.Task(taskID)
	if err != nil {
		return models.ScheduleResult{}, err
	}
	verdict := m.rules.ValidateTaskAssignment(ctx, snapshot(a, m.clk.Now()), task)
	if !verdict.Allowed {
		if err := m.sched.Unschedule(taskID); err != nil {
			m.log.Warn("unschedule after policy block failed", "task", taskID, "err", err)
		}
		reason := "Assignment blocked by policy"
		if len(verdict.Reasons) > 0 {
			reason += ": " + verdict.Reasons[0]
		}
		m.journalEntry(ctx, audit.Entry{Kind: "sched", TaskID: taskID, AgentID: res.AgentID, Decision: "blocked", Detail: map[string]any{"reasons": verdict.Reasons}})
		return models.ScheduleResult{TaskID: taskID, Reason: reason}, nil
	}

	// A task with unmet dependencies stays queued on the agent; it is handed
	// out for execution via NextTask once its dependencies complete.
	if m.sched.AreDependenciesMet(taskID) {
		if err := a.ExecuteTask(ctx, task); err != nil {
			m.log.Warn("task execution failed to start", "task", taskID, "agent", res.AgentID, "err", err)
		}
	}
	m.syncAgentInfo(a)
	m.journalEntry(ctx, audit.Entry{Kind: "sched", TaskID: taskID, AgentID: res.AgentID, Decision: "assigned"})
	return res, nil
}
