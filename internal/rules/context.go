package rules

import (
	"github.com/qmlh/crewd/pkg/models"
)

// Field kinds in the evaluation context schema.
const (
	kindString = "string"
	kindNumber = "number"
	kindList   = "list"
)

// schema is the fixed set of fields a condition may reference, with the kind
// each carries. Rules referencing fields outside this set are rejected at
// registration, not discovered broken at evaluation time.
var schema = map[string]string{
	"agent.id":             kindString,
	"agent.name":           kindString,
	"agent.type":           kindString,
	"agent.status":         kindString,
	"agent.workload":       kindNumber,
	"agent.capabilities":   kindList,
	"task.id":              kindString,
	"task.type":            kindString,
	"task.priority":        kindString,
	"task.status":          kindString,
	"task.dependencies":    kindList,
	"session.id":           kindString,
	"session.participants": kindList,
	"resource.id":          kindString,
	"resource.count":       kindNumber,
	"resource.requested":   kindNumber,
	"action":               kindString,
	"target.path":          kindString,
}

// Context carries the field values one evaluation runs against. Build it with
// the With* helpers; fields never set evaluate as absent.
type Context struct {
	values map[string]any
}

func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

func (c *Context) WithAgent(a models.Agent) *Context {
	c.values["agent.id"] = a.ID
	c.values["agent.name"] = a.Name
	c.values["agent.type"] = a.Specialization
	c.values["agent.status"] = a.Status
	c.values["agent.workload"] = float64(a.Workload)
	c.values["agent.capabilities"] = toAnyList(a.Capabilities)
	return c
}

func (c *Context) WithTask(t models.Task) *Context {
	c.values["task.id"] = t.ID
	c.values["task.type"] = t.Type
	c.values["task.priority"] = t.Priority
	c.values["task.status"] = t.Status
	c.values["task.dependencies"] = toAnyList(t.Dependencies)
	return c
}

func (c *Context) WithSession(s models.Session) *Context {
	c.values["session.id"] = s.ID
	c.values["session.participants"] = toAnyList(s.Participants)
	return c
}

func (c *Context) WithResource(id string, count, requested int) *Context {
	c.values["resource.id"] = id
	c.values["resource.count"] = float64(count)
	c.values["resource.requested"] = float64(requested)
	return c
}

func (c *Context) WithAction(action string) *Context {
	c.values["action"] = action
	return c
}

func (c *Context) WithTarget(path string) *Context {
	c.values["target.path"] = path
	return c
}

// Value returns the field's value and whether it was set.
func (c *Context) Value(field string) (any, bool) {
	v, ok := c.values[field]
	return v, ok
}

// Snapshot returns a copy of the populated fields, for history and results.
func (c *Context) Snapshot() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
