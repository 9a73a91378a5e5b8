package unit

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"nimbus-agent/agent/internal/logger"
)

// Watch reloads a unit in place when its source file is edited locally, so a
// changed entry point goes live without a process restart. Best-effort: a
// watcher failure only disables hot reload.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return err
	}
	logger.Infof("Watching units directory: %s", r.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(event.Name)
			if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") {
				continue
			}
			name, err := r.loadFile(event.Name)
			if err != nil {
				logger.Errorf("Unit reload for %s failed: %v", base, err)
				continue
			}
			logger.Infof("Unit reloaded after local edit: %s", name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Errorf("Units watcher error: %v", err)
		}
	}
}
