package license

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch re-verifies the license whenever the file changes, so operators can
// drop in a renewed license without restarting the control plane. The parent
// directory is watched rather than the file itself: editors and provisioning
// tools replace the file atomically, which would orphan a file-level watch.
func (v *Verifier) Watch() (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create license watcher: %w", err)
	}

	dir := filepath.Dir(v.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	stopCh := make(chan struct{})
	go func() {
		target := filepath.Clean(v.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					v.logger.Info().Str("op", event.Op.String()).Msg("license file changed, reloading")
					v.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				v.logger.Warn().Err(err).Msg("license watcher error")
			case <-stopCh:
				return
			}
		}
	}()

	return func() {
		close(stopCh)
		watcher.Close()
	}, nil
}
