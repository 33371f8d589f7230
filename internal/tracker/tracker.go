// Package tracker keeps the append-only per-path file change history used for
// conflict analysis. Entries are immutable once recorded; retention per path
// is bounded, with the oldest entries evicted past the cap.
package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/pkg/models"
)

// Stats aggregates change counts per agent and per file.
type Stats struct {
	Total   int            `json:"total"`
	ByAgent map[string]int `json:"by_agent"`
	ByPath  map[string]int `json:"by_path"`
}

type Tracker struct {
	mu         sync.RWMutex
	clk        clock.Clock
	maxPerPath int
	byPath     map[string][]models.FileChange
	byAgent    map[string]int
	total      int
}

// New returns a tracker with the given per-path retention cap.
// maxPerPath <= 0 uses the default.
func New(clk clock.Clock, maxPerPath int) *Tracker {
	if maxPerPath <= 0 {
		maxPerPath = models.DefaultHistoryPerPath
	}
	return &Tracker{
		clk:        clk,
		maxPerPath: maxPerPath,
		byPath:     make(map[string][]models.FileChange),
		byAgent:    make(map[string]int),
	}
}

// Record appends a change to the path's history and returns the stored entry.
// Callers pass paths already normalized.
func (t *Tracker) Record(path, agentID, changeType string, meta map[string]string) models.FileChange {
	ch := models.FileChange{
		ID:        uuid.NewString(),
		Path:      path,
		AgentID:   agentID,
		Type:      changeType,
		Timestamp: t.clk.Now(),
		Metadata:  meta,
	}
	t.mu.Lock()
	hist := append(t.byPath[path], ch)
	if len(hist) > t.maxPerPath {
		hist = hist[len(hist)-t.maxPerPath:]
	}
	t.byPath[path] = hist
	t.byAgent[agentID]++
	t.total++
	t.mu.Unlock()
	return ch
}

// Restore reinserts a previously recorded change with its original id and
// timestamp. Used when reloading persisted history at startup.
func (t *Tracker) Restore(ch models.FileChange) {
	t.mu.Lock()
	hist := append(t.byPath[ch.Path], ch)
	if len(hist) > t.maxPerPath {
		hist = hist[len(hist)-t.maxPerPath:]
	}
	t.byPath[ch.Path] = hist
	t.byAgent[ch.AgentID]++
	t.total++
	t.mu.Unlock()
}

// All returns every retained change across all paths, in no particular order.
func (t *Tracker) All() []models.FileChange {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.FileChange
	for _, hist := range t.byPath {
		out = append(out, hist...)
	}
	return out
}

// History returns the ordered change history for a path, oldest first.
func (t *Tracker) History(path string) []models.FileChange {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hist := t.byPath[path]
	out := make([]models.FileChange, len(hist))
	copy(out, hist)
	return out
}

// RecentByOthers returns changes to path made by agents other than agentID
// within the window ending now. These are the candidate conflicts for a
// proposed change by agentID.
func (t *Tracker) RecentByOthers(path, agentID string, window time.Duration) []models.FileChange {
	cutoff := t.clk.Now().Add(-window)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.FileChange
	for _, ch := range t.byPath[path] {
		if ch.AgentID == agentID {
			continue
		}
		if ch.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Stats returns aggregate change counts. ByPath counts reflect retained
// entries only; ByAgent and Total count every recorded change.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{
		Total:   t.total,
		ByAgent: make(map[string]int, len(t.byAgent)),
		ByPath:  make(map[string]int, len(t.byPath)),
	}
	for a, n := range t.byAgent {
		s.ByAgent[a] = n
	}
	for p, hist := range t.byPath {
		s.ByPath[p] = len(hist)
	}
	return s
}
