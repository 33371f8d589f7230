// Package audit keeps an append-only JSONL journal of coordination decisions:
// lock grants and rejections, conflict resolutions, schedule outcomes, and
// rule enforcement. The journal is for humans reconstructing what the daemon
// did; nothing reads it back programmatically except the tail endpoint.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/qmlh/crewd/internal/clock"
)

const journalFile = "decisions.jsonl"

// Entry is one journal line.
type Entry struct {
	Time     time.Time      `json:"time"`
	Kind     string         `json:"kind"`
	AgentID  string         `json:"agent_id,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
	Path     string         `json:"path,omitempty"`
	Decision string         `json:"decision"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Journal appends decision records under dir. Safe for concurrent use.
type Journal struct {
	mu   sync.Mutex
	clk  clock.Clock
	path string
}

func New(dir string, clk clock.Clock) (*Journal, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{clk: clk, path: filepath.Join(dir, journalFile)}, nil
}

// Append writes one entry. A zero Time is filled in.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = j.clk.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Tail returns up to limitBytes of the newest journal content, parsed back
// into entries. A partial first line from the byte cut is discarded.
func (j *Journal) Tail(ctx context.Context, limitBytes int64) ([]Entry, error) {
	if limitBytes <= 0 {
		limitBytes = 64 << 10
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := int64(0)
	if info.Size() > limitBytes {
		offset = info.Size() - limitBytes
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}

	var out []Entry
	start := 0
	if offset > 0 {
		// Skip the partial line at the cut.
		for start < len(buf) && buf[start] != '\n' {
			start++
		}
		start++
	}
	for start < len(buf) {
		end := start
		for end < len(buf) && buf[end] != '\n' {
			end++
		}
		var e Entry
		if err := json.Unmarshal(buf[start:end], &e); err == nil {
			out = append(out, e)
		}
		start = end + 1
	}
	return out, nil
}
