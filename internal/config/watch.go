package config

import (
	"fmt"
	"path/filepath"

	"github.com/bryanchriswhite/FocusDucker/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Watch starts reloading the config when the file changes on disk. The
// directory is watched rather than the file so that editors which replace
// the file on save are picked up.
func (m *Manager) Watch() error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(m.configPath)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(m.configPath), err)
	}

	m.watcher = w
	m.done = make(chan struct{})
	go m.watchLoop(w, m.done)

	logger.WithComponent("config").Debug().Str("path", m.configPath).Msg("Watching config for changes")
	return nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher, done chan<- struct{}) {
	defer close(done)
	log := logger.WithComponent("config")
	target := filepath.Clean(m.configPath)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				m.reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// Close stops watching the config file
func (m *Manager) Close() error {
	m.watchMu.Lock()
	w, done := m.watcher, m.done
	m.watcher = nil
	m.watchMu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
