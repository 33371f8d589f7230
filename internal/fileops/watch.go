package fileops

import (
	"github.com/fsnotify/fsnotify"

	"github.com/qmlh/crewd/pkg/models"
)

type watcherHandle = *fsnotify.Watcher

// ExternalAgentID attributes changes observed by the filesystem watcher, as
// opposed to changes an agent made through the manager.
const ExternalAgentID = "external"

// Watch adds path to the filesystem watcher so changes made outside the
// manager still land in the change history. The watcher is created on first
// use.
func (m *Manager) Watch(path string) error {
	path = normalizePath(path)
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		m.watcher = w
		m.watchDone = make(chan struct{})
		go m.watchLoop(w)
	}
	return m.watcher.Add(path)
}

// Unwatch removes path from the filesystem watcher.
func (m *Manager) Unwatch(path string) error {
	path = normalizePath(path)
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Remove(path)
}

func (m *Manager) watchLoop(w *fsnotify.Watcher) {
	defer close(m.watchDone)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			changeType := ""
			switch {
			case ev.Has(fsnotify.Create):
				changeType = models.ChangeCreated
			case ev.Has(fsnotify.Write):
				changeType = models.ChangeModified
			case ev.Has(fsnotify.Remove):
				changeType = models.ChangeDeleted
			case ev.Has(fsnotify.Rename):
				changeType = models.ChangeMoved
			default:
				continue
			}
			m.recordChange(normalizePath(ev.Name), ExternalAgentID, changeType, map[string]string{"source": "watcher"})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.Warn("watcher error", "err", err)
		}
	}
}

func (m *Manager) closeWatcher() error {
	m.watchMu.Lock()
	w := m.watcher
	done := m.watchDone
	m.watcher = nil
	m.watchMu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
