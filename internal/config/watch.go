package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "librusbot/pkg/logx"
)

// Kubernetes ConfigMap mounts swap this symlink instead of touching the file.
const configMapDataLink = "..data"

// Watch reloads the file on change until ctx is done. The parent directory
// is watched so editors that save by rename are seen. Bursts of events are
// coalesced into one reload after m.debounce.
//
// A failing watcher is returned as an error; the caller restarts Watch.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	arm := func() { debounce.Reset(m.debounce) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event channel closed")
			}
			name := filepath.Base(ev.Name)
			if name != file && name != configMapDataLink {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				arm()
				continue
			}
			return fmt.Errorf("config watch %s: %w", dir, err)
		}
	}
}
