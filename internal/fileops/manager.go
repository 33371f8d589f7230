// Package fileops serializes file access across agents. It owns the lock
// table, routes every read and write through lock and history checks, and
// keeps the conflict ledger fed by the tracker and resolver.
package fileops

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qmlh/crewd/internal/clock"
	"github.com/qmlh/crewd/internal/conflict"
	"github.com/qmlh/crewd/internal/errs"
	"github.com/qmlh/crewd/internal/events"
	"github.com/qmlh/crewd/internal/otel"
	"github.com/qmlh/crewd/internal/tracker"
	"github.com/qmlh/crewd/pkg/models"
)

// DefaultLockTTL bounds how long an unreleased lock is honored.
const DefaultLockTTL = 30 * time.Second

// DefaultSweepInterval is how often expired locks are force-released.
const DefaultSweepInterval = 5 * time.Second

// Options configures a Manager. FS, Clock, Hub, Tracker and Resolver are
// injected; zero values get working defaults.
type Options struct {
	FS             FS
	Clock          clock.Clock
	Hub            *events.Hub
	Tracker        *tracker.Tracker
	Resolver       *conflict.Resolver
	Logger         *slog.Logger
	DefaultLockTTL time.Duration
	SweepInterval  time.Duration
}

type lockEntry struct {
	lock models.FileLock
}

type Manager struct {
	fs       FS
	clk      clock.Clock
	hub      *events.Hub
	tracker  *tracker.Tracker
	resolver *conflict.Resolver
	log      *slog.Logger

	defaultTTL time.Duration

	mu        sync.Mutex
	locks     map[string]*lockEntry            // lock id -> entry
	byPath    map[string]map[string]*lockEntry // path -> lock id -> entry
	conflicts map[string]*models.Conflict
	order     []string // conflict ids in detection order
	backups   map[string]backupEntry
	closed    bool

	watchMu   sync.Mutex
	watcher   watcherHandle
	watchDone chan struct{}

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// New builds a Manager and starts the lock expiry sweep.
func New(opts Options) *Manager {
	if opts.FS == nil {
		opts.FS = OSFS{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub()
	}
	if opts.Tracker == nil {
		opts.Tracker = tracker.New(opts.Clock, 0)
	}
	if opts.Resolver == nil {
		opts.Resolver = conflict.New(opts.Clock, conflict.Config{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultLockTTL <= 0 {
		opts.DefaultLockTTL = DefaultLockTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	m := &Manager{
		fs:         opts.FS,
		clk:        opts.Clock,
		hub:        opts.Hub,
		tracker:    opts.Tracker,
		resolver:   opts.Resolver,
		log:        opts.Logger.With("component", "fileops"),
		defaultTTL: opts.DefaultLockTTL,
		locks:      make(map[string]*lockEntry),
		byPath:     make(map[string]map[string]*lockEntry),
		conflicts:  make(map[string]*models.Conflict),
		backups:    make(map[string]backupEntry),
		sweepStop:  make(chan struct{}),
	}
	m.sweepWG.Add(1)
	go m.sweepLoop(opts.SweepInterval)
	return m
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.sweepWG.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-t.C:
			m.SweepExpiredLocks(context.Background())
		}
	}
}

// Hub returns the event hub the manager publishes to.
func (m *Manager) Hub() *events.Hub { return m.hub }

// Tracker returns the change history tracker.
func (m *Manager) Tracker() *tracker.Tracker { return m.tracker }

func normalizePath(path string) string {
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return path
}

// RequestLock acquires a lock on path for agentID. Read locks are shared;
// write and exclusive locks admit no other holder. A lock already held by the
// same agent never blocks its own request. ttl <= 0 uses the default.
func (m *Manager) RequestLock(ctx context.Context, path, agentID, lockType string, ttl time.Duration) (models.FileLock, error) {
	switch lockType {
	case models.LockRead, models.LockWrite, models.LockExclusive:
	default:
		return models.FileLock{}, &errs.ValidationError{Field: "type", Reason: "unknown lock type " + lockType}
	}
	if agentID == "" {
		return models.FileLock{}, &errs.ValidationError{Field: "agent_id", Reason: "required"}
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	path = normalizePath(path)
	now := m.clk.Now()

	m.mu.Lock()
	m.expireOnPathLocked(ctx, path, now)
	for _, e := range m.byPath[path] {
		if e.lock.AgentID == agentID {
			continue
		}
		if !compatible(e.lock.Type, lockType) {
			holder := e.lock
			m.mu.Unlock()
			otel.RecordLockOp(ctx, "reject", lockType)
			return models.FileLock{}, &errs.LockConflictError{Path: path, HolderID: holder.AgentID, LockType: holder.Type}
		}
	}
	lock := models.FileLock{
		ID:         uuid.NewString(),
		Path:       path,
		AgentID:    agentID,
		Type:       lockType,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	e := &lockEntry{lock: lock}
	m.locks[lock.ID] = e
	if m.byPath[path] == nil {
		m.byPath[path] = make(map[string]*lockEntry)
	}
	m.byPath[path][lock.ID] = e
	m.mu.Unlock()

	otel.RecordLockOp(ctx, "acquire", lockType)
	m.hub.Publish(events.Event{Type: events.TypeLockAcquired, AgentID: agentID, Path: path, Data: map[string]any{
		"lock_id": lock.ID, "lock_type": lockType,
	}})
	m.log.Debug("lock acquired", "path", path, "agent", agentID, "type", lockType, "lock_id", lock.ID)
	return lock, nil
}

// compatible reports whether an existing lock held by another agent admits a
// new lock of the requested type. Only read/read coexists.
func compatible(held, requested string) bool {
	return held == models.LockRead && requested == models.LockRead
}

// ReleaseLock releases a lock by id. Releasing an unknown or already-released
// lock returns a not-found error.
func (m *Manager) ReleaseLock(ctx context.Context, lockID string) error {
	m.mu.Lock()
	e, ok := m.locks[lockID]
	if !ok {
		m.mu.Unlock()
		return &errs.NotFoundError{Kind: "lock", ID: lockID}
	}
	m.removeLockLocked(e)
	lock := e.lock
	m.mu.Unlock()

	otel.RecordLockOp(ctx, "release", lock.Type)
	m.hub.Publish(events.Event{Type: events.TypeLockReleased, AgentID: lock.AgentID, Path: lock.Path, Data: map[string]any{
		"lock_id": lock.ID, "lock_type": lock.Type,
	}})
	m.log.Debug("lock released", "path", lock.Path, "agent", lock.AgentID, "lock_id", lock.ID)
	return nil
}

// ReleaseAgentLocks releases every lock held by agentID and returns how many
// were released. Used when an agent is destroyed.
func (m *Manager) ReleaseAgentLocks(ctx context.Context, agentID string) int {
	m.mu.Lock()
	var released []models.FileLock
	for _, e := range m.locks {
		if e.lock.AgentID == agentID {
			released = append(released, e.lock)
		}
	}
	for i := range released {
		if e, ok := m.locks[released[i].ID]; ok {
			m.removeLockLocked(e)
		}
	}
	m.mu.Unlock()

	for _, lock := range released {
		otel.RecordLockOp(ctx, "release", lock.Type)
		m.hub.Publish(events.Event{Type: events.TypeLockReleased, AgentID: lock.AgentID, Path: lock.Path, Data: map[string]any{
			"lock_id": lock.ID, "lock_type": lock.Type,
		}})
	}
	return len(released)
}

func (m *Manager) removeLockLocked(e *lockEntry) {
	delete(m.locks, e.lock.ID)
	if onPath := m.byPath[e.lock.Path]; onPath != nil {
		delete(onPath, e.lock.ID)
		if len(onPath) == 0 {
			delete(m.byPath, e.lock.Path)
		}
	}
}

// expireOnPathLocked lazily drops expired locks on one path so a stale holder
// never blocks a new request between sweeps. Caller holds m.mu.
func (m *Manager) expireOnPathLocked(ctx context.Context, path string, now time.Time) {
	for _, e := range m.byPath[path] {
		if !e.lock.ExpiresAt.After(now) {
			m.expireLockLocked(ctx, e)
		}
	}
}

// expireLockLocked force-releases one expired lock and records a lock_timeout
// conflict against its holder. Caller holds m.mu.
func (m *Manager) expireLockLocked(ctx context.Context, e *lockEntry) {
	lock := e.lock
	m.removeLockLocked(e)

	c := &models.Conflict{
		ID:             uuid.NewString(),
		Path:           lock.Path,
		Type:           models.ConflictLockTimeout,
		InvolvedAgents: []string{lock.AgentID},
		Description:    conflict.Describe(models.ConflictLockTimeout, lock.Path, []string{lock.AgentID}),
		CreatedAt:      m.clk.Now(),
	}
	m.conflicts[c.ID] = c
	m.order = append(m.order, c.ID)

	otel.RecordLockOp(ctx, "expire", lock.Type)
	otel.RecordConflict(ctx, "detected", models.ConflictLockTimeout)
	m.hub.Publish(events.Event{Type: events.TypeLockReleased, AgentID: lock.AgentID, Path: lock.Path, Data: map[string]any{
		"lock_id": lock.ID, "lock_type": lock.Type, "expired": true,
	}})
	m.hub.Publish(events.Event{Type: events.TypeConflictDetected, AgentID: lock.AgentID, Path: lock.Path, Data: map[string]any{
		"conflict_id": c.ID, "conflict_type": c.Type,
	}})
	m.log.Warn("lock expired", "path", lock.Path, "agent", lock.AgentID, "lock_id", lock.ID)
}

// SweepExpiredLocks force-releases every expired lock and returns how many
// were released. The background sweep calls this on an interval; it is also
// safe to call directly.
func (m *Manager) SweepExpiredLocks(ctx context.Context) int {
	now := m.clk.Now()
	m.mu.Lock()
	var expired []*lockEntry
	for _, e := range m.locks {
		if !e.lock.ExpiresAt.After(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		m.expireLockLocked(ctx, e)
	}
	m.mu.Unlock()
	return len(expired)
}

// IsLocked reports whether any live lock is held on path.
func (m *Manager) IsLocked(path string) bool {
	path = normalizePath(path)
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byPath[path] {
		if e.lock.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// LockInfo returns the live locks held on path, ordered by acquisition time.
func (m *Manager) LockInfo(path string) []models.FileLock {
	path = normalizePath(path)
	now := m.clk.Now()
	m.mu.Lock()
	var out []models.FileLock
	for _, e := range m.byPath[path] {
		if e.lock.ExpiresAt.After(now) {
			out = append(out, e.lock)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}

// Locks returns every live lock in the table.
func (m *Manager) Locks() []models.FileLock {
	now := m.clk.Now()
	m.mu.Lock()
	out := make([]models.FileLock, 0, len(m.locks))
	for _, e := range m.locks {
		if e.lock.ExpiresAt.After(now) {
			out = append(out, e.lock)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// canAccess reports whether agentID may perform op ("read" or "write") on
// path given the lock table. Writes are blocked by any other agent's lock;
// reads only by another agent's write or exclusive lock.
func (m *Manager) canAccess(path, agentID, op string) *errs.LockConflictError {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byPath[path] {
		if e.lock.AgentID == agentID || !e.lock.ExpiresAt.After(now) {
			continue
		}
		if op == "write" || e.lock.Type != models.LockRead {
			return &errs.LockConflictError{Path: path, HolderID: e.lock.AgentID, LockType: e.lock.Type}
		}
	}
	return nil
}

// ReadFile reads path on behalf of agentID, honoring other agents' write and
// exclusive locks.
func (m *Manager) ReadFile(ctx context.Context, path, agentID string) ([]byte, error) {
	path = normalizePath(path)
	if lc := m.canAccess(path, agentID, "read"); lc != nil {
		return nil, lc
	}
	return m.fs.ReadFile(path)
}

// WriteFile writes path on behalf of agentID. The write is rejected when
// another agent holds any lock on the path, or when the change history shows
// a conflicting recent change by another agent. A successful write is
// recorded in the history and announced on the hub.
func (m *Manager) WriteFile(ctx context.Context, path, agentID string, data []byte) error {
	path = normalizePath(path)
	if lc := m.canAccess(path, agentID, "write"); lc != nil {
		return lc
	}
	if err := m.CheckConcurrentModifications(ctx, path, agentID); err != nil {
		return err
	}
	existed, err := m.fs.Exists(path)
	if err != nil {
		return err
	}
	if err := m.fs.WriteFile(path, data); err != nil {
		return err
	}
	changeType := models.ChangeModified
	if !existed {
		changeType = models.ChangeCreated
	}
	m.recordChange(path, agentID, changeType, nil)
	return nil
}

// DeleteFile removes path on behalf of agentID, subject to the same lock
// gating as writes.
func (m *Manager) DeleteFile(ctx context.Context, path, agentID string) error {
	path = normalizePath(path)
	if lc := m.canAccess(path, agentID, "write"); lc != nil {
		return lc
	}
	if err := m.fs.Remove(path); err != nil {
		return err
	}
	m.recordChange(path, agentID, models.ChangeDeleted, nil)
	return nil
}

// MoveFile renames oldPath to newPath on behalf of agentID. Both paths are
// gated as writes; the history records a move on both.
func (m *Manager) MoveFile(ctx context.Context, oldPath, newPath, agentID string) error {
	oldPath = normalizePath(oldPath)
	newPath = normalizePath(newPath)
	if lc := m.canAccess(oldPath, agentID, "write"); lc != nil {
		return lc
	}
	if lc := m.canAccess(newPath, agentID, "write"); lc != nil {
		return lc
	}
	if err := m.fs.Rename(oldPath, newPath); err != nil {
		return err
	}
	m.recordChange(oldPath, agentID, models.ChangeMoved, map[string]string{"to": newPath})
	m.recordChange(newPath, agentID, models.ChangeMoved, map[string]string{"from": oldPath})
	return nil
}

// CreateDirectory makes path and any missing parents.
func (m *Manager) CreateDirectory(ctx context.Context, path, agentID string) error {
	path = normalizePath(path)
	if lc := m.canAccess(path, agentID, "write"); lc != nil {
		return lc
	}
	return m.fs.MkdirAll(path)
}

// ListDirectory returns the entry names under path, sorted.
func (m *Manager) ListDirectory(ctx context.Context, path string) ([]string, error) {
	return m.fs.ReadDir(normalizePath(path))
}

// FileExists reports whether path exists.
func (m *Manager) FileExists(ctx context.Context, path string) (bool, error) {
	return m.fs.Exists(normalizePath(path))
}

func (m *Manager) recordChange(path, agentID, changeType string, meta map[string]string) {
	ch := m.tracker.Record(path, agentID, changeType, meta)
	m.hub.Publish(events.Event{Type: events.TypeFileChanged, AgentID: agentID, Path: path, Data: map[string]any{
		"change_id": ch.ID, "change_type": changeType,
	}})
}

// CheckConcurrentModifications consults the change history for conflicting
// recent changes by other agents against a proposed write to path by agentID.
// Detected conflicts are persisted to the ledger and announced; the first one
// is returned as a ConflictDetectedError.
func (m *Manager) CheckConcurrentModifications(ctx context.Context, path, agentID string) error {
	path = normalizePath(path)
	recent := m.tracker.RecentByOthers(path, agentID, m.resolver.MaxWindow())
	detected := m.resolver.Detect(path, agentID, recent)
	if len(detected) == 0 {
		return nil
	}

	now := m.clk.Now()
	m.mu.Lock()
	recorded := make([]*models.Conflict, 0, len(detected))
	for _, d := range detected {
		c := &models.Conflict{
			ID:             uuid.NewString(),
			Path:           path,
			Type:           d.Type,
			InvolvedAgents: d.InvolvedAgents,
			Description:    d.Description,
			CreatedAt:      now,
		}
		m.conflicts[c.ID] = c
		m.order = append(m.order, c.ID)
		recorded = append(recorded, c)
	}
	m.mu.Unlock()

	for _, c := range recorded {
		otel.RecordConflict(ctx, "detected", c.Type)
		m.hub.Publish(events.Event{Type: events.TypeConflictDetected, AgentID: agentID, Path: path, Data: map[string]any{
			"conflict_id": c.ID, "conflict_type": c.Type, "involved_agents": c.InvolvedAgents,
		}})
	}
	first := recorded[0]
	m.log.Info("conflict detected", "path", path, "agent", agentID, "type", first.Type, "conflicts", len(recorded))
	return &errs.ConflictDetectedError{
		Path:           path,
		ConflictType:   first.Type,
		InvolvedAgents: first.InvolvedAgents,
		Description:    first.Description,
	}
}

// RestoreConflict reinserts a persisted conflict with its original id.
// Used when reloading state at startup; already-known ids are ignored.
func (m *Manager) RestoreConflict(c models.Conflict) {
	m.mu.Lock()
	if _, ok := m.conflicts[c.ID]; !ok {
		cc := c
		m.conflicts[c.ID] = &cc
		m.order = append(m.order, c.ID)
	}
	m.mu.Unlock()
}

// Conflicts returns the conflict ledger in detection order. With
// includeResolved false only pending conflicts are returned.
func (m *Manager) Conflicts(includeResolved bool) []models.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Conflict, 0, len(m.order))
	for _, id := range m.order {
		c := m.conflicts[id]
		if c == nil || (!includeResolved && c.Resolved) {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// ConflictsOn returns the conflicts recorded against path, in detection
// order. With includeResolved false only pending conflicts are returned.
func (m *Manager) ConflictsOn(path string, includeResolved bool) []models.Conflict {
	path = normalizePath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conflict
	for _, id := range m.order {
		c := m.conflicts[id]
		if c == nil || c.Path != path || (!includeResolved && c.Resolved) {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// Conflict returns one conflict by id.
func (m *Manager) Conflict(id string) (models.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return models.Conflict{}, &errs.NotFoundError{Kind: "conflict", ID: id}
	}
	return *c, nil
}

// ResolveConflict marks a conflict resolved with the given resolution note.
func (m *Manager) ResolveConflict(ctx context.Context, id, resolution string) error {
	m.mu.Lock()
	c, ok := m.conflicts[id]
	if !ok {
		m.mu.Unlock()
		return &errs.NotFoundError{Kind: "conflict", ID: id}
	}
	c.Resolved = true
	c.Resolution = resolution
	snapshot := *c
	m.mu.Unlock()

	otel.RecordConflict(ctx, "resolved", snapshot.Type)
	m.hub.Publish(events.Event{Type: events.TypeConflictResolved, Path: snapshot.Path, Data: map[string]any{
		"conflict_id": snapshot.ID, "resolution": resolution,
	}})
	m.log.Info("conflict resolved", "conflict_id", id, "resolution", resolution)
	return nil
}

// AutoResolveConflict asks the resolver for a strategy and applies it. The
// manual strategy leaves the conflict pending; the returned resolution says
// which strategy was chosen either way.
func (m *Manager) AutoResolveConflict(ctx context.Context, id string) (conflict.Resolution, error) {
	m.mu.Lock()
	c, ok := m.conflicts[id]
	if !ok {
		m.mu.Unlock()
		return conflict.Resolution{}, &errs.NotFoundError{Kind: "conflict", ID: id}
	}
	snapshot := *c
	m.mu.Unlock()

	res := m.resolver.Strategy(snapshot)
	if !res.Resolved {
		m.log.Info("conflict needs manual resolution", "conflict_id", id, "type", snapshot.Type)
		return res, nil
	}
	if err := m.ResolveConflict(ctx, id, res.Strategy+": "+res.Action); err != nil {
		return conflict.Resolution{}, err
	}
	return res, nil
}

// ChangeHistory returns the recorded change history for path, oldest first.
func (m *Manager) ChangeHistory(path string) []models.FileChange {
	return m.tracker.History(normalizePath(path))
}

// Stats returns aggregate change counts.
func (m *Manager) Stats() tracker.Stats { return m.tracker.Stats() }

// Close stops the sweep and watcher and releases every lock. The manager is
// unusable afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.locks = make(map[string]*lockEntry)
	m.byPath = make(map[string]map[string]*lockEntry)
	m.mu.Unlock()

	close(m.sweepStop)
	m.sweepWG.Wait()
	return m.closeWatcher()
}
