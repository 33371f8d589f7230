package fileops

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/pkg/models"
)

// Backup describes one retained snapshot of a file's content.
type Backup struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type backupEntry struct {
	meta Backup
	data []byte
}

// CreateBackup snapshots the current content of path and returns the backup
// metadata. The snapshot is kept in memory until the manager is closed.
func (m *Manager) CreateBackup(ctx context.Context, path string) (Backup, error) {
	path = normalizePath(path)
	data, err := m.fs.ReadFile(path)
	if err != nil {
		return Backup{}, err
	}
	b := Backup{
		ID:        uuid.NewString(),
		Path:      path,
		Size:      len(data),
		CreatedAt: m.clk.Now(),
	}
	m.mu.Lock()
	m.backups[b.ID] = backupEntry{meta: b, data: data}
	m.mu.Unlock()
	m.log.Debug("backup created", "path", path, "backup_id", b.ID, "size", b.Size)
	return b, nil
}

// RestoreBackup writes a snapshot to targetPath on behalf of agentID; an
// empty targetPath restores to the snapshot's original path. The restore goes
// through the same lock gating as any other write and is recorded in the
// change history.
func (m *Manager) RestoreBackup(ctx context.Context, backupID, agentID, targetPath string) error {
	m.mu.Lock()
	e, ok := m.backups[backupID]
	m.mu.Unlock()
	if !ok {
		return &errs.NotFoundError{Kind: "backup", ID: backupID}
	}
	target := e.meta.Path
	if targetPath != "" {
		target = normalizePath(targetPath)
	}
	if lc := m.canAccess(target, agentID, "write"); lc != nil {
		return lc
	}
	if err := m.fs.WriteFile(target, e.data); err != nil {
		return err
	}
	m.recordChange(target, agentID, models.ChangeModified, map[string]string{"restored_from": backupID})
	m.log.Info("backup restored", "path", target, "backup_id", backupID, "agent", agentID)
	return nil
}

// Backups lists snapshots for path (or all snapshots when path is empty),
// newest first.
func (m *Manager) Backups(path string) []Backup {
	if path != "" {
		path = normalizePath(path)
	}
	m.mu.Lock()
	out := make([]Backup, 0, len(m.backups))
	for _, e := range m.backups {
		if path != "" && e.meta.Path != path {
			continue
		}
		out = append(out, e.meta)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
