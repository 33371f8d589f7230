// Package client provides a Go SDK for the crewd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/qmlh/crewd/pkg/models"
)

// Client calls the crewd HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3690"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3690").
// APIKey is optional; when set, requests use the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// ListAgents returns all registered agents. Specialization filters when non-empty.
func (c *Client) ListAgents(ctx context.Context, specialization string) ([]models.Agent, error) {
	path := "/agents"
	if specialization != "" {
		path += "?type=" + url.QueryEscape(specialization)
	}
	var out []models.Agent
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CreateAgent registers an agent and returns it.
func (c *Client) CreateAgent(ctx context.Context, name, specialization string, cfg models.AgentConfig) (*models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodPost, "/agents", map[string]any{
		"name": name, "specialization": specialization, "config": cfg,
	}, &out)
	return &out, err
}

// GetAgent returns an agent by id.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &out)
	return &out, err
}

// DestroyAgent unregisters an agent and releases its locks.
func (c *Client) DestroyAgent(ctx context.Context, agentID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/agents/"+url.PathEscape(agentID), nil, nil)
}

// DiscoverAgents returns agents holding at least one listed capability.
func (c *Client) DiscoverAgents(ctx context.Context, capabilities []string) ([]models.Agent, error) {
	q := url.Values{}
	for _, capability := range capabilities {
		q.Add("capability", capability)
	}
	var out []models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents?"+q.Encode(), nil, &out)
	return out, err
}

// HealthCheck probes every agent and returns healthy/unhealthy partitions.
func (c *Client) HealthCheck(ctx context.Context) (*models.HealthReport, error) {
	var out models.HealthReport
	err := c.doJSON(ctx, http.MethodGet, "/agents/health", nil, &out)
	return &out, err
}

// ListTasks returns every queued or assigned task.
func (c *Client) ListTasks(ctx context.Context) ([]models.Task, error) {
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks", nil, &out)
	return out, err
}

// CreateTask submits a task to the scheduler.
func (c *Client) CreateTask(ctx context.Context, task models.Task) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks", task, &out)
	return &out, err
}

// GetTask returns a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
	return &out, err
}

// ScheduleTask asks the coordinator to assign the task to the best agent.
func (c *Client) ScheduleTask(ctx context.Context, taskID string) (*models.ScheduleResult, error) {
	var out models.ScheduleResult
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/schedule", nil, &out)
	return &out, err
}

// CompleteTask marks a task completed, unblocking its dependents.
func (c *Client) CompleteTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/complete", nil, nil)
}

// AddDependency records that taskID depends on dependsOn.
func (c *Client) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	return c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/dependencies",
		map[string]string{"depends_on": dependsOn}, nil)
}

// NextTask returns the best queued task for the agent, or nil when none is eligible.
func (c *Client) NextTask(ctx context.Context, agentID string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks/next?agent_id="+url.QueryEscape(agentID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SchedulingStats returns queue depth and utilization per agent.
func (c *Client) SchedulingStats(ctx context.Context) (*models.SchedulingStats, error) {
	var out models.SchedulingStats
	err := c.doJSON(ctx, http.MethodGet, "/tasks/stats", nil, &out)
	return &out, err
}

// RequestLock claims a lock on path for the agent. ttlSeconds 0 uses the default.
func (c *Client) RequestLock(ctx context.Context, path, agentID, lockType string, ttlSeconds int) (*models.FileLock, error) {
	var out models.FileLock
	err := c.doJSON(ctx, http.MethodPost, "/locks", map[string]any{
		"path": path, "agent_id": agentID, "type": lockType, "ttl_seconds": ttlSeconds,
	}, &out)
	return &out, err
}

// ReleaseLock releases a lock by id.
func (c *Client) ReleaseLock(ctx context.Context, lockID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/locks/"+url.PathEscape(lockID), nil, nil)
}

// ListLocks returns active locks; path filters to one file when non-empty.
func (c *Client) ListLocks(ctx context.Context, path string) ([]models.FileLock, error) {
	p := "/locks"
	if path != "" {
		p += "?path=" + url.QueryEscape(path)
	}
	var out []models.FileLock
	err := c.doJSON(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

// ListConflicts returns conflicts, optionally including resolved ones.
func (c *Client) ListConflicts(ctx context.Context, includeResolved bool) ([]models.Conflict, error) {
	path := "/conflicts"
	if includeResolved {
		path += "?include_resolved=true"
	}
	var out []models.Conflict
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ResolveConflict applies a manual resolution to a conflict.
func (c *Client) ResolveConflict(ctx context.Context, conflictID, resolution string) error {
	return c.doJSON(ctx, http.MethodPost, "/conflicts/"+url.PathEscape(conflictID)+"/resolve",
		map[string]string{"resolution": resolution}, nil)
}

// AutoResolveConflict asks the server to pick and apply a resolution strategy.
func (c *Client) AutoResolveConflict(ctx context.Context, conflictID string) error {
	return c.doJSON(ctx, http.MethodPost, "/conflicts/"+url.PathEscape(conflictID)+"/auto-resolve", nil, nil)
}

// ListRules returns all registered rules.
func (c *Client) ListRules(ctx context.Context) ([]models.Rule, error) {
	var out []models.Rule
	err := c.doJSON(ctx, http.MethodGet, "/rules", nil, &out)
	return out, err
}

// CreateRule registers a rule and returns the stored copy.
func (c *Client) CreateRule(ctx context.Context, rule models.Rule) (*models.Rule, error) {
	var out models.Rule
	err := c.doJSON(ctx, http.MethodPost, "/rules", rule, &out)
	return &out, err
}

// SetRuleEnabled toggles a rule on or off.
func (c *Client) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	op := "disable"
	if enabled {
		op = "enable"
	}
	return c.doJSON(ctx, http.MethodPost, "/rules/"+url.PathEscape(ruleID)+"/"+op, nil, nil)
}

// DeleteRule removes a rule.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/rules/"+url.PathEscape(ruleID), nil, nil)
}

// StartSession starts a collaboration session for the given agents and files.
func (c *Client) StartSession(ctx context.Context, agentIDs, sharedFiles []string) (*models.Session, error) {
	var out models.Session
	err := c.doJSON(ctx, http.MethodPost, "/sessions", map[string]any{
		"agent_ids": agentIDs, "shared_files": sharedFiles,
	}, &out)
	return &out, err
}

// EndSession ends a collaboration session.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/end", nil, nil)
}

// ListSessions returns sessions; activeOnly filters out ended ones.
func (c *Client) ListSessions(ctx context.Context, activeOnly bool) ([]models.Session, error) {
	path := "/sessions"
	if activeOnly {
		path += "?active=true"
	}
	var out []models.Session
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ChangeHistory returns the recorded change history for a path.
func (c *Client) ChangeHistory(ctx context.Context, path string) ([]models.FileChange, error) {
	var out []models.FileChange
	err := c.doJSON(ctx, http.MethodGet, "/changes?path="+url.QueryEscape(path), nil, &out)
	return out, err
}

// Stats returns the combined daemon statistics payload.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

// Audit returns the newest audit journal entries, bounded by limitBytes (0 = default).
func (c *Client) Audit(ctx context.Context, limitBytes int64) ([]map[string]any, error) {
	path := "/audit"
	if limitBytes > 0 {
		path += "?limit_bytes=" + strconv.FormatInt(limitBytes, 10)
	}
	var out []map[string]any
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
