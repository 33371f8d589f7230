package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qmlh/crewd/pkg/models"
)

func (a *App) registerRoutes(mux *http.ServeMux, opts ServerOptions) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", a.handlePlainMetrics)
	}

	mux.HandleFunc("/stream", a.Hub.Handler())

	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/agents/", a.handleAgentByID)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/sessions", a.handleSessions)
	mux.HandleFunc("/sessions/", a.handleSessionByID)
	mux.HandleFunc("/resources/", a.handleResources)
	mux.HandleFunc("/locks", a.handleLocks)
	mux.HandleFunc("/locks/", a.handleLockByID)
	mux.HandleFunc("/files/", a.handleFiles)
	mux.HandleFunc("/changes", a.handleChanges)
	mux.HandleFunc("/conflicts", a.handleConflicts)
	mux.HandleFunc("/conflicts/", a.handleConflictByID)
	mux.HandleFunc("/rules", a.handleRules)
	mux.HandleFunc("/rules/", a.handleRuleByID)
	mux.HandleFunc("/policies", a.handlePolicies)
	mux.HandleFunc("/policies/", a.handlePolicyByID)
	mux.HandleFunc("/validate/action", a.handleValidateAction)
	mux.HandleFunc("/audit", a.handleAudit)
	mux.HandleFunc("/stats", a.handleStats)
}

func (a *App) handlePlainMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	idle, working, errored, offline := a.Coord.AgentCounts()
	_, _ = w.Write([]byte("# TYPE crewd_agents_total gauge\n"))
	for _, row := range []struct {
		status string
		n      int64
	}{{"idle", idle}, {"working", working}, {"error", errored}, {"offline", offline}} {
		_, _ = w.Write([]byte("crewd_agents_total{status=\"" + row.status + "\"} " + strconv.FormatInt(row.n, 10) + "\n"))
	}
}

// --- Agents ---

func (a *App) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if spec := r.URL.Query().Get("type"); spec != "" {
			writeJSON(w, a.Coord.AgentsByType(spec))
			return
		}
		if caps := r.URL.Query()["capability"]; len(caps) > 0 {
			writeJSON(w, a.Coord.DiscoverAgents(caps))
			return
		}
		writeJSON(w, a.Coord.Agents())
	case http.MethodPost:
		var body struct {
			Name           string             `json:"name"`
			Specialization string             `json:"specialization"`
			Config         models.AgentConfig `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		agent, err := a.Coord.CreateAgent(r.Context(), body.Name, body.Specialization, body.Config)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, agent)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/agents/"), "/")
	id := parts[0]
	if id == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	// /agents/health: batch health report.
	if id == "health" && r.Method == http.MethodGet {
		writeJSON(w, a.Coord.PerformHealthCheck(r.Context()))
		return
	}

	if len(parts) >= 2 && parts[1] == "health" {
		healthy, err := a.Coord.CheckAgentHealth(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"agent_id": id, "healthy": healthy})
		return
	}

	if len(parts) >= 2 && parts[1] == "message" && r.Method == http.MethodPost {
		var body struct {
			Sender  string         `json:"sender"`
			Action  string         `json:"action"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		outcomes, err := a.Coord.CoordinateActions(r.Context(), body.Sender, []string{id}, body.Action, body.Payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, outcomes[id])
		return
	}

	switch r.Method {
	case http.MethodGet:
		agent, err := a.Coord.Agent(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, agent)
	case http.MethodDelete:
		if err := a.Coord.DestroyAgent(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		a.Files.ReleaseAgentLocks(r.Context(), id)
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Tasks ---

func (a *App) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, a.Coord.Scheduler().Tasks())
	case http.MethodPost:
		var task models.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Coord.Scheduler().AddTask(task); err != nil {
			writeError(w, err)
			return
		}
		added, err := a.Coord.Scheduler().Task(task.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, added)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	id := parts[0]
	if id == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	sched := a.Coord.Scheduler()

	// /tasks/next?agent_id=...
	if id == "next" && r.Method == http.MethodGet {
		task, ok := sched.NextTask(r.URL.Query().Get("agent_id"))
		if !ok {
			writeJSONError(w, http.StatusNotFound, "no eligible task")
			return
		}
		writeJSON(w, task)
		return
	}
	// /tasks/stats and /tasks/rebalance
	if id == "stats" && r.Method == http.MethodGet {
		writeJSON(w, sched.Statistics())
		return
	}
	if id == "rebalance" && r.Method == http.MethodPost {
		writeJSON(w, map[string]any{"moved": sched.Rebalance(r.Context())})
		return
	}

	if len(parts) >= 2 {
		switch parts[1] {
		case "schedule":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			res, err := a.Coord.ScheduleTask(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, res)
			return
		case "unschedule":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := sched.Unschedule(id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
			return
		case "complete":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := sched.MarkCompleted(id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
			return
		case "dependencies":
			a.handleTaskDependencies(w, r, id)
			return
		}
	}

	if r.Method == http.MethodGet {
		task, err := sched.Task(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, task)
		return
	}
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (a *App) handleTaskDependencies(w http.ResponseWriter, r *http.Request, taskID string) {
	sched := a.Coord.Scheduler()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{
			"depends_on": sched.Dependencies(taskID),
			"dependents": sched.Dependents(taskID),
			"met":        sched.AreDependenciesMet(taskID),
		})
	case http.MethodPost:
		var body struct {
			DependsOn string `json:"depends_on"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DependsOn == "" {
			writeJSONError(w, http.StatusBadRequest, "depends_on required")
			return
		}
		if err := sched.AddDependency(taskID, body.DependsOn); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case http.MethodDelete:
		dependsOn := r.URL.Query().Get("depends_on")
		if dependsOn == "" {
			writeJSONError(w, http.StatusBadRequest, "depends_on query required")
			return
		}
		if err := sched.RemoveDependency(taskID, dependsOn); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Sessions ---

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("active") == "true"
		writeJSON(w, a.Coord.Sessions(activeOnly))
	case http.MethodPost:
		var body struct {
			AgentIDs    []string `json:"agent_ids"`
			SharedFiles []string `json:"shared_files"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		s, err := a.Coord.StartCollaboration(r.Context(), body.AgentIDs, body.SharedFiles)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	id := parts[0]
	if id == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if len(parts) >= 2 && r.Method == http.MethodPost {
		switch parts[1] {
		case "join", "leave":
			var body struct {
				AgentID string `json:"agent_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
				writeJSONError(w, http.StatusBadRequest, "agent_id required")
				return
			}
			var s models.Session
			var err error
			if parts[1] == "join" {
				s, err = a.Coord.JoinSession(r.Context(), id, body.AgentID)
			} else {
				s, err = a.Coord.LeaveSession(r.Context(), id, body.AgentID)
			}
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, s)
			return
		case "end":
			s, err := a.Coord.EndCollaboration(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, s)
			return
		}
	}

	if r.Method == http.MethodGet {
		s, err := a.Coord.Session(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, s)
		return
	}
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// --- Resources ---

func (a *App) handleResources(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/resources/"), "/")
	if agentID == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, a.Coord.Resources(agentID))
	case http.MethodPost:
		var body struct {
			ResourceID string `json:"resource_id"`
			Units      int    `json:"units"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ResourceID == "" {
			writeJSONError(w, http.StatusBadRequest, "resource_id required")
			return
		}
		res, err := a.Coord.AllocateResources(r.Context(), agentID, body.ResourceID, body.Units)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	case http.MethodDelete:
		resourceID := r.URL.Query().Get("resource_id")
		units, _ := strconv.Atoi(r.URL.Query().Get("units"))
		if resourceID == "" || units <= 0 {
			writeJSONError(w, http.StatusBadRequest, "resource_id and units query required")
			return
		}
		if err := a.Coord.DeallocateResources(r.Context(), agentID, resourceID, units); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Locks ---

func (a *App) handleLocks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if path := r.URL.Query().Get("path"); path != "" {
			writeJSON(w, a.Files.LockInfo(path))
			return
		}
		writeJSON(w, a.Files.Locks())
	case http.MethodPost:
		var body struct {
			Path       string `json:"path"`
			AgentID    string `json:"agent_id"`
			Type       string `json:"type"`
			TTLSeconds int    `json:"ttl_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		lock, err := a.Files.RequestLock(r.Context(), body.Path, body.AgentID, body.Type, time.Duration(body.TTLSeconds)*time.Second)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, lock)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleLockByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/locks/"), "/")
	if id == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := a.Files.ReleaseLock(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// --- Files ---

func (a *App) handleFiles(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/files/")
	switch op {
	case "read":
		path, agentID := r.URL.Query().Get("path"), r.URL.Query().Get("agent_id")
		data, err := a.Files.ReadFile(r.Context(), path, agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"path": path, "content": string(data)})
	case "write":
		var body struct {
			Path    string `json:"path"`
			AgentID string `json:"agent_id"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Files.WriteFile(r.Context(), body.Path, body.AgentID, []byte(body.Content)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case "delete":
		var body struct {
			Path    string `json:"path"`
			AgentID string `json:"agent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Files.DeleteFile(r.Context(), body.Path, body.AgentID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case "move":
		var body struct {
			From    string `json:"from"`
			To      string `json:"to"`
			AgentID string `json:"agent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Files.MoveFile(r.Context(), body.From, body.To, body.AgentID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case "list":
		names, err := a.Files.ListDirectory(r.Context(), r.URL.Query().Get("path"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, names)
	case "backup":
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		b, err := a.Files.CreateBackup(r.Context(), body.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, b)
	case "restore":
		var body struct {
			BackupID   string `json:"backup_id"`
			AgentID    string `json:"agent_id"`
			TargetPath string `json:"target_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Files.RestoreBackup(r.Context(), body.BackupID, body.AgentID, body.TargetPath); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case "watch":
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Files.Watch(body.Path); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// --- Changes, conflicts ---

func (a *App) handleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if path := r.URL.Query().Get("path"); path != "" {
		writeJSON(w, a.Files.ChangeHistory(path))
		return
	}
	writeJSON(w, a.Files.Stats())
}

func (a *App) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	if path := r.URL.Query().Get("path"); path != "" {
		writeJSON(w, a.Files.ConflictsOn(path, includeResolved))
		return
	}
	writeJSON(w, a.Files.Conflicts(includeResolved))
}

func (a *App) handleConflictByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/conflicts/"), "/")
	id := parts[0]
	if id == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if len(parts) >= 2 && r.Method == http.MethodPost {
		switch parts[1] {
		case "resolve":
			var body struct {
				Resolution string `json:"resolution"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Resolution == "" {
				writeJSONError(w, http.StatusBadRequest, "resolution required")
				return
			}
			if err := a.Files.ResolveConflict(r.Context(), id, body.Resolution); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
			return
		case "auto-resolve":
			res, err := a.Files.AutoResolveConflict(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, res)
			return
		}
	}

	if r.Method == http.MethodGet {
		c, err := a.Files.Conflict(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, c)
		return
	}
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// --- Rules and policies ---

func (a *App) handleRules(w http.ResponseWriter, r *http.Request) {
	engine := a.Coord.Rules()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, engine.Rules())
	case http.MethodPost:
		var rule models.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		added, err := engine.AddRule(rule)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, added)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/rules/"), "/")
	id := parts[0]
	if id == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	engine := a.Coord.Rules()

	if id == "history" && r.Method == http.MethodGet {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, engine.History(limit))
		return
	}

	if len(parts) >= 2 && r.Method == http.MethodPost {
		switch parts[1] {
		case "enable", "disable":
			if err := engine.SetRuleEnabled(id, parts[1] == "enable"); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		rule, err := engine.Rule(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rule)
	case http.MethodPut:
		var rule models.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		rule.ID = id
		updated, err := engine.UpdateRule(rule)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, updated)
	case http.MethodDelete:
		if err := engine.RemoveRule(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handlePolicies(w http.ResponseWriter, r *http.Request) {
	engine := a.Coord.Rules()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, engine.PolicySets())
	case http.MethodPost:
		var p models.PolicySet
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		added, err := engine.AddPolicySet(p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, added)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handlePolicyByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/policies/"), "/")
	if id == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := a.Coord.Rules().RemovePolicySet(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (a *App) handleValidateAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		AgentID    string `json:"agent_id"`
		Action     string `json:"action"`
		TargetPath string `json:"target_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	agent, err := a.Coord.Agent(body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, a.Coord.Rules().ValidateAgentAction(r.Context(), agent, body.Action, body.TargetPath))
}

// --- Audit, stats ---

func (a *App) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.Journal == nil {
		writeJSON(w, []any{})
		return
	}
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit_bytes"), 10, 64)
	entries, err := a.Journal.Tail(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, entries)
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	idle, working, errored, offline := a.Coord.AgentCounts()
	writeJSON(w, map[string]any{
		"agents": map[string]int64{
			"idle": idle, "working": working, "error": errored, "offline": offline,
		},
		"scheduling": a.Coord.Scheduler().Statistics(),
		"changes":    a.Files.Stats(),
		"locks":      len(a.Files.Locks()),
		"conflicts":  len(a.Files.Conflicts(false)),
		"sessions":   len(a.Coord.Sessions(true)),
	})
}
