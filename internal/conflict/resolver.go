// Package conflict is the pure decision component for file contention: given
// recent history and a proposed change, it detects conflicts and chooses a
// resolution strategy. It holds no state and performs no I/O.
package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/pkg/models"
)

// Resolution strategies.
const (
	StrategyMerge     = "merge"
	StrategyOverwrite = "overwrite"
	StrategyManual    = "manual"
)

// Config holds the classification time windows. The defaults carry no product
// meaning; they are tunables and tests inject their own.
type Config struct {
	// ConcurrentWindow: a change by another agent within this window of a
	// proposed change classifies as concurrent_modification.
	ConcurrentWindow time.Duration
	// StaleWindow: a change older than ConcurrentWindow but within this
	// window classifies as merge_conflict (divergence that needs merging
	// rather than a straight race).
	StaleWindow time.Duration
}

const (
	DefaultConcurrentWindow = 10 * time.Second
	DefaultStaleWindow      = 45 * time.Second
)

// Detected is one conflict found against a proposed change. The caller
// persists it as a models.Conflict.
type Detected struct {
	Type           string
	InvolvedAgents []string
	Description    string
}

// Resolution is the outcome of strategy selection. Resolved is false for the
// manual strategy: the conflict stays pending for an external adjudicator.
type Resolution struct {
	Strategy string `json:"strategy"`
	Action   string `json:"action"`
	Resolved bool   `json:"resolved"`
}

type Resolver struct {
	clk clock.Clock
	cfg Config
}

func New(clk clock.Clock, cfg Config) *Resolver {
	if cfg.ConcurrentWindow <= 0 {
		cfg.ConcurrentWindow = DefaultConcurrentWindow
	}
	if cfg.StaleWindow <= cfg.ConcurrentWindow {
		cfg.StaleWindow = DefaultStaleWindow
	}
	return &Resolver{clk: clk, cfg: cfg}
}

// Windows returns the configured classification windows.
func (r *Resolver) Windows() Config { return r.cfg }

// MaxWindow returns the widest window; callers use it to bound the history
// they fetch before calling Detect.
func (r *Resolver) MaxWindow() time.Duration { return r.cfg.StaleWindow }

// Detect classifies recent changes by other agents against a proposed change
// to path by agentID. One conflict is produced per other agent, keyed to that
// agent's most recent change.
func (r *Resolver) Detect(path, agentID string, recent []models.FileChange) []Detected {
	latest := make(map[string]models.FileChange)
	for _, ch := range recent {
		if ch.AgentID == agentID {
			continue
		}
		if prev, ok := latest[ch.AgentID]; !ok || ch.Timestamp.After(prev.Timestamp) {
			latest[ch.AgentID] = ch
		}
	}
	if len(latest) == 0 {
		return nil
	}

	others := make([]string, 0, len(latest))
	for id := range latest {
		others = append(others, id)
	}
	sort.Strings(others)

	now := r.clk.Now()
	var out []Detected
	for _, other := range others {
		ch := latest[other]
		age := now.Sub(ch.Timestamp)
		if age > r.cfg.StaleWindow {
			continue
		}
		d := Detected{InvolvedAgents: []string{other, agentID}}
		if age <= r.cfg.ConcurrentWindow {
			d.Type = models.ConflictConcurrentModification
			d.Description = fmt.Sprintf("agent %s modified %s %s before agent %s's write", other, path, age.Round(time.Millisecond), agentID)
		} else {
			d.Type = models.ConflictMerge
			d.Description = fmt.Sprintf("agent %s's change to %s from %s ago diverges from agent %s's write", other, path, age.Round(time.Second), agentID)
		}
		out = append(out, d)
	}
	return out
}

// Strategy selects how to resolve a conflict. Conflicts involving three or
// more agents always need manual adjudication; otherwise the type decides.
func (r *Resolver) Strategy(c models.Conflict) Resolution {
	if len(c.InvolvedAgents) >= 3 {
		return Resolution{Strategy: StrategyManual, Action: "await external adjudication", Resolved: false}
	}
	switch c.Type {
	case models.ConflictConcurrentModification:
		return Resolution{Strategy: StrategyMerge, Action: "use most recent change", Resolved: true}
	case models.ConflictLockTimeout:
		return Resolution{Strategy: StrategyOverwrite, Action: "force overwrite", Resolved: true}
	default:
		return Resolution{Strategy: StrategyManual, Action: "await external adjudication", Resolved: false}
	}
}

// Describe renders a short human-readable summary for a conflict record.
func Describe(conflictType, path string, agents []string) string {
	return fmt.Sprintf("%s on %s between agents %s", conflictType, path, strings.Join(agents, ", "))
}
