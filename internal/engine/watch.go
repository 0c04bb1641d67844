package engine

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// watch invalidates a domain whenever something in its directory changes.
// The next query reloads the manifest and reopens the shards.
func (e *Engine) watch() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&watchedOps == 0 {
				continue
			}
			// Shard journals change on every read transaction.
			if ext := filepath.Ext(ev.Name); ext == ".db-shm" || ext == ".db-wal" || ext == ".db-journal" {
				continue
			}

			e.mu.Lock()
			appID, ok := e.byDir[filepath.Dir(filepath.Clean(ev.Name))]
			e.mu.Unlock()
			if ok {
				e.log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("content changed")
				e.Invalidate(appID)
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.Warn().Err(err).Msg("content watcher error")
		}
	}
}
